// Package tools registers the built-in CRM tool set against a registry.
// Handlers stay thin: parameter parsing plus a repository call. Anything
// smarter (digest heuristics, semantic search) plugs in as its own tool.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/PBLIZZ/app-omnicrm-sub004/internal/crm"
	"github.com/PBLIZZ/app-omnicrm-sub004/internal/registry"
)

// Handler-level error codes for domain failures.
const (
	codeContactNotFound = "CONTACT_NOT_FOUND"
	codeTaskNotFound    = "TASK_NOT_FOUND"
)

var noExtraProps = false

// Deps carries the collaborators built-in handlers need.
type Deps struct {
	Contacts crm.ContactRepository
	Tasks    crm.TaskRepository
}

// RegisterBuiltins registers the full built-in tool set. Fails fast on the
// first registration error so a bad catalog never half-loads.
func RegisterBuiltins(reg *registry.Registry, deps Deps) error {
	defs := []struct {
		def     registry.ToolDefinition
		handler registry.Handler
	}{
		{echoDef(), echoHandler},
		{getContactDef(), getContactHandler(deps.Contacts)},
		{listContactsDef(), listContactsHandler(deps.Contacts)},
		{createTaskDef(), createTaskHandler(deps.Tasks)},
		{completeTaskDef(), completeTaskHandler(deps.Tasks)},
		{generateDigestDef(), generateDigestHandler(deps)},
	}

	for _, d := range defs {
		if err := reg.Register(d.def, registry.ValidatedHandler(d.def, d.handler)); err != nil {
			return fmt.Errorf("register %s: %w", d.def.Name, err)
		}
	}
	return nil
}

func echoDef() registry.ToolDefinition {
	return registry.ToolDefinition{
		Name:            "echo",
		Category:        registry.CategoryAutomation,
		Version:         "1.0.0",
		Description:     "Echoes the provided params back. Used for connectivity checks.",
		PermissionLevel: registry.PermissionRead,
		CreditCost:      0,
		IsIdempotent:    true,
		Parameters: registry.ParameterSchema{
			Type:       "object",
			Properties: map[string]registry.ParameterProperty{},
		},
		Tags: []string{"diagnostics"},
	}
}

func echoHandler(_ context.Context, params json.RawMessage, _ registry.ExecutionContext) (any, error) {
	var decoded any
	if err := json.Unmarshal(params, &decoded); err != nil {
		return nil, err
	}
	return map[string]any{"echoed": decoded}, nil
}

func getContactDef() registry.ToolDefinition {
	return registry.ToolDefinition{
		Name:            "get_contact",
		Category:        registry.CategoryDataAccess,
		Version:         "1.0.0",
		Description:     "Fetches a single contact by id.",
		PermissionLevel: registry.PermissionRead,
		CreditCost:      0,
		IsIdempotent:    true,
		Cacheable:       true,
		CacheTTLSeconds: 30,
		Parameters: registry.ParameterSchema{
			Type: "object",
			Properties: map[string]registry.ParameterProperty{
				"contact_id": {Type: "string", Description: "The contact's id."},
			},
			Required:             []string{"contact_id"},
			AdditionalProperties: &noExtraProps,
		},
		Tags: []string{"contacts"},
	}
}

func getContactHandler(contacts crm.ContactRepository) registry.Handler {
	return func(ctx context.Context, params json.RawMessage, ec registry.ExecutionContext) (any, error) {
		var p struct {
			ContactID string `json:"contact_id"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		contact, err := contacts.GetContact(ctx, ec.UserID, p.ContactID)
		if err != nil {
			if errors.Is(err, crm.ErrNotFound) {
				return nil, &registry.ToolError{
					Code:    codeContactNotFound,
					Message: "contact not found",
					Details: map[string]any{"contact_id": p.ContactID},
				}
			}
			return nil, err
		}
		return map[string]any{"contact": contact}, nil
	}
}

func listContactsDef() registry.ToolDefinition {
	return registry.ToolDefinition{
		Name:            "list_contacts",
		Category:        registry.CategoryDataAccess,
		Version:         "1.0.0",
		Description:     "Lists the user's contacts, most recently updated first.",
		PermissionLevel: registry.PermissionRead,
		CreditCost:      0,
		IsIdempotent:    true,
		Cacheable:       true,
		CacheTTLSeconds: 15,
		Parameters: registry.ParameterSchema{
			Type: "object",
			Properties: map[string]registry.ParameterProperty{
				"limit": {Type: "integer", Description: "Max contacts to return (default 50)."},
			},
			AdditionalProperties: &noExtraProps,
		},
		Tags: []string{"contacts"},
	}
}

func listContactsHandler(contacts crm.ContactRepository) registry.Handler {
	return func(ctx context.Context, params json.RawMessage, ec registry.ExecutionContext) (any, error) {
		var p struct {
			Limit int `json:"limit"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		list, err := contacts.ListContacts(ctx, ec.UserID, p.Limit)
		if err != nil {
			return nil, err
		}
		return map[string]any{"contacts": list, "count": len(list)}, nil
	}
}

func createTaskDef() registry.ToolDefinition {
	return registry.ToolDefinition{
		Name:            "create_task",
		Category:        registry.CategoryDataMutation,
		Version:         "1.0.0",
		Description:     "Creates a task, optionally linked to a contact.",
		PermissionLevel: registry.PermissionWrite,
		CreditCost:      0,
		RateLimit:       &registry.RateLimit{MaxCalls: 20, Window: time.Minute},
		Parameters: registry.ParameterSchema{
			Type: "object",
			Properties: map[string]registry.ParameterProperty{
				"title":      {Type: "string", Description: "Short task title."},
				"notes":      {Type: "string", Description: "Free-form notes."},
				"contact_id": {Type: "string", Description: "Optional contact to link."},
				"due_at":     {Type: "string", Description: "RFC 3339 due time."},
			},
			Required:             []string{"title"},
			AdditionalProperties: &noExtraProps,
		},
		Tags: []string{"tasks"},
	}
}

func createTaskHandler(tasks crm.TaskRepository) registry.Handler {
	return func(ctx context.Context, params json.RawMessage, ec registry.ExecutionContext) (any, error) {
		var p struct {
			Title     string `json:"title"`
			Notes     string `json:"notes"`
			ContactID string `json:"contact_id"`
			DueAt     string `json:"due_at"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		task := &crm.Task{
			UserID:    ec.UserID,
			ContactID: p.ContactID,
			Title:     p.Title,
			Notes:     p.Notes,
		}
		if p.DueAt != "" {
			due, err := time.Parse(time.RFC3339, p.DueAt)
			if err != nil {
				return nil, &registry.ToolError{
					Code:    registry.CodeInvalidParams,
					Message: "due_at is not a valid RFC 3339 timestamp",
					Details: map[string]any{"due_at": p.DueAt},
				}
			}
			task.DueAt = &due
		}
		if err := tasks.CreateTask(ctx, task); err != nil {
			return nil, err
		}
		return map[string]any{"task": task}, nil
	}
}

func completeTaskDef() registry.ToolDefinition {
	return registry.ToolDefinition{
		Name:            "complete_task",
		Category:        registry.CategoryDataMutation,
		Version:         "1.0.0",
		Description:     "Marks a task as done.",
		PermissionLevel: registry.PermissionWrite,
		CreditCost:      0,
		IsIdempotent:    true,
		RateLimit:       &registry.RateLimit{MaxCalls: 30, Window: time.Minute},
		Parameters: registry.ParameterSchema{
			Type: "object",
			Properties: map[string]registry.ParameterProperty{
				"task_id": {Type: "string", Description: "The task's id."},
			},
			Required:             []string{"task_id"},
			AdditionalProperties: &noExtraProps,
		},
		Tags: []string{"tasks"},
	}
}

func completeTaskHandler(tasks crm.TaskRepository) registry.Handler {
	return func(ctx context.Context, params json.RawMessage, ec registry.ExecutionContext) (any, error) {
		var p struct {
			TaskID string `json:"task_id"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		task, err := tasks.GetTask(ctx, ec.UserID, p.TaskID)
		if err != nil {
			if errors.Is(err, crm.ErrNotFound) {
				return nil, &registry.ToolError{
					Code:    codeTaskNotFound,
					Message: "task not found",
					Details: map[string]any{"task_id": p.TaskID},
				}
			}
			return nil, err
		}
		task.Status = "done"
		if err := tasks.UpdateTask(ctx, task); err != nil {
			return nil, err
		}
		return map[string]any{"task": task}, nil
	}
}

func generateDigestDef() registry.ToolDefinition {
	return registry.ToolDefinition{
		Name:            "generate_digest",
		Category:        registry.CategoryAnalytics,
		Version:         "0.2.0",
		Description:     "Summarizes recent CRM activity for the user.",
		PermissionLevel: registry.PermissionRead,
		CreditCost:      5,
		RateLimit:       &registry.RateLimit{MaxCalls: 10, Window: time.Hour},
		Parameters: registry.ParameterSchema{
			Type: "object",
			Properties: map[string]registry.ParameterProperty{
				"days": {Type: "integer", Description: "Lookback window in days (default 7)."},
			},
			AdditionalProperties: &noExtraProps,
		},
		Tags: []string{"digest", "llm"},
	}
}

// generateDigestHandler is a placeholder for the LLM-backed digest. It
// reports raw counts; the summarization model plugs in behind the same
// definition without touching dispatch.
func generateDigestHandler(deps Deps) registry.Handler {
	return func(ctx context.Context, params json.RawMessage, ec registry.ExecutionContext) (any, error) {
		var p struct {
			Days int `json:"days"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		if p.Days <= 0 {
			p.Days = 7
		}
		openTasks, err := deps.Tasks.ListTasks(ctx, ec.UserID, "open", 100)
		if err != nil {
			return nil, err
		}
		contacts, err := deps.Contacts.ListContacts(ctx, ec.UserID, 100)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"days":          p.Days,
			"open_tasks":    len(openTasks),
			"contact_count": len(contacts),
		}, nil
	}
}
