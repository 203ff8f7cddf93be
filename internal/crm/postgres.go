package crm

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PostgresStore implements ContactRepository and TaskRepository over the
// contacts and tasks tables. Every query is scoped by user_id; a row owned
// by another user is indistinguishable from a missing row.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store over an open connection pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) GetContact(ctx context.Context, userID, contactID string) (*Contact, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, full_name, email, phone, company, notes, created_at, updated_at
		FROM contacts
		WHERE user_id = $1 AND id = $2
	`, userID, contactID)

	var c Contact
	var email, phone, company, notes sql.NullString
	if err := row.Scan(&c.ID, &c.UserID, &c.FullName, &email, &phone, &company, &notes, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get contact: %w", err)
	}
	c.Email = email.String
	c.Phone = phone.String
	c.Company = company.String
	c.Notes = notes.String
	return &c, nil
}

func (s *PostgresStore) ListContacts(ctx context.Context, userID string, limit int) ([]Contact, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, full_name, email, phone, company, notes, created_at, updated_at
		FROM contacts
		WHERE user_id = $1
		ORDER BY updated_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	defer rows.Close()

	var out []Contact
	for rows.Next() {
		var c Contact
		var email, phone, company, notes sql.NullString
		if err := rows.Scan(&c.ID, &c.UserID, &c.FullName, &email, &phone, &company, &notes, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		c.Email = email.String
		c.Phone = phone.String
		c.Company = company.String
		c.Notes = notes.String
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateContact(ctx context.Context, c *Contact) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contacts (id, user_id, full_name, email, phone, company, notes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, c.ID, c.UserID, c.FullName, c.Email, c.Phone, c.Company, c.Notes, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create contact: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateContact(ctx context.Context, c *Contact) error {
	c.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE contacts
		SET full_name = $3, email = $4, phone = $5, company = $6, notes = $7, updated_at = $8
		WHERE user_id = $1 AND id = $2
	`, c.UserID, c.ID, c.FullName, c.Email, c.Phone, c.Company, c.Notes, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update contact: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update contact: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetTask(ctx context.Context, userID, taskID string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, contact_id, title, notes, status, due_at, created_at, updated_at
		FROM tasks
		WHERE user_id = $1 AND id = $2
	`, userID, taskID)

	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) ListTasks(ctx context.Context, userID, status string, limit int) ([]Task, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, contact_id, title, notes, status, due_at, created_at, updated_at
		FROM tasks
		WHERE user_id = $1 AND ($2::text = '' OR status = $2::text)
		ORDER BY created_at DESC
		LIMIT $3
	`, userID, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateTask(ctx context.Context, t *Task) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Status == "" {
		t.Status = "open"
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, user_id, contact_id, title, notes, status, due_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, t.ID, t.UserID, t.ContactID, t.Title, t.Notes, t.Status, t.DueAt, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateTask(ctx context.Context, t *Task) error {
	t.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET contact_id = $3, title = $4, notes = $5, status = $6, due_at = $7, updated_at = $8
		WHERE user_id = $1 AND id = $2
	`, t.UserID, t.ID, t.ContactID, t.Title, t.Notes, t.Status, t.DueAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var contactID, notes sql.NullString
	var dueAt sql.NullTime
	if err := row.Scan(&t.ID, &t.UserID, &contactID, &t.Title, &notes, &t.Status, &dueAt, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.ContactID = contactID.String
	t.Notes = notes.String
	if dueAt.Valid {
		t.DueAt = &dueAt.Time
	}
	return &t, nil
}
