// Package crm exposes the CRM's contact and task stores to tool handlers
// through narrow repository interfaces. The CRUD screens and sync jobs that
// also touch these tables live elsewhere; tools only read and write through
// these contracts.
package crm

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a row does not exist or belongs to another
// user.
var ErrNotFound = errors.New("not found")

// Contact is one CRM contact row, scoped to its owning user.
type Contact struct {
	ID        string    `json:"id"`
	UserID    string    `json:"-"`
	FullName  string    `json:"full_name"`
	Email     string    `json:"email,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	Company   string    `json:"company,omitempty"`
	Notes     string    `json:"notes,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Task is one CRM task row.
type Task struct {
	ID        string     `json:"id"`
	UserID    string     `json:"-"`
	ContactID string     `json:"contact_id,omitempty"`
	Title     string     `json:"title"`
	Notes     string     `json:"notes,omitempty"`
	Status    string     `json:"status"` // "open" or "done"
	DueAt     *time.Time `json:"due_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// ContactRepository is the read/write surface tools get for contacts.
type ContactRepository interface {
	GetContact(ctx context.Context, userID, contactID string) (*Contact, error)
	ListContacts(ctx context.Context, userID string, limit int) ([]Contact, error)
	CreateContact(ctx context.Context, c *Contact) error
	UpdateContact(ctx context.Context, c *Contact) error
}

// TaskRepository is the read/write surface tools get for tasks.
type TaskRepository interface {
	GetTask(ctx context.Context, userID, taskID string) (*Task, error)
	ListTasks(ctx context.Context, userID, status string, limit int) ([]Task, error)
	CreateTask(ctx context.Context, t *Task) error
	UpdateTask(ctx context.Context, t *Task) error
}
