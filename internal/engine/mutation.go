package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"taskhub/internal/domain"
	"taskhub/internal/events"
	"taskhub/internal/repo"
)

// CreateTaskInput carries the fields accepted on task creation.
type CreateTaskInput struct {
	Title       string
	Description string
	Priority    string
	Status      string
	DueDate     *time.Time
}

// TaskPatch lists the fields supplied on update. Nil fields stay unchanged.
type TaskPatch struct {
	Description *string
	Status      *string
	Priority    *string
	// DueDateSet with a nil DueDate clears the due date.
	DueDateSet bool
	DueDate    *time.Time
	// Version, when supplied, must match the stored version.
	Version *int
}

func (p TaskPatch) Empty() bool {
	return p.Description == nil && p.Status == nil && p.Priority == nil && !p.DueDateSet
}

// DeleteAck acknowledges a removed task.
type DeleteAck struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

func (e Engine) CreateTask(ctx context.Context, p domain.Principal, in CreateTaskInput) (domain.Task, error) {
	if p.UserID == "" {
		return domain.Task{}, invalid(CodeBadRequest, "userId", "principal required")
	}
	if strings.TrimSpace(in.Title) == "" {
		return domain.Task{}, invalid(CodeBadRequest, "title", "title is required")
	}
	if in.Priority == "" {
		in.Priority = domain.PriorityMedium
	} else if !domain.ValidPriority(in.Priority) {
		return domain.Task{}, invalid(CodeInvalidPriority, "priority", "invalid priority %q", in.Priority)
	}
	if in.Status == "" {
		in.Status = domain.StatusPending
	} else if !domain.ValidStatus(in.Status) {
		return domain.Task{}, invalid(CodeInvalidStatus, "status", "invalid status %q", in.Status)
	}
	now := e.now()
	t := domain.Task{
		ID:          uuid.NewString(),
		Title:       in.Title,
		Description: in.Description,
		Priority:    in.Priority,
		Status:      in.Status,
		DueDate:     in.DueDate,
		CreatorID:   p.UserID,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.TaskCreated, "task", t.ID, p.UserID, events.EventPayload{
		"title":    t.Title,
		"priority": t.Priority,
		"status":   t.Status,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return e.Repo.GetTask(ctx, t.ID)
}

// UpdateTask applies patch to a task owned by p. PUT and PATCH share these
// semantics: only supplied fields change; partial is recorded in the audit event.
func (e Engine) UpdateTask(ctx context.Context, p domain.Principal, id string, patch TaskPatch, partial bool) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, id)
	if err != nil {
		return domain.Task{}, fmt.Errorf("task %s: %w", id, err)
	}
	if t.CreatorID != p.UserID {
		return domain.Task{}, fmt.Errorf("task %s: %w", id, repo.ErrNotFound)
	}
	if patch.Status != nil && !domain.ValidStatus(*patch.Status) {
		return domain.Task{}, invalid(CodeInvalidStatus, "status", "invalid status %q", *patch.Status)
	}
	if patch.Priority != nil && !domain.ValidPriority(*patch.Priority) {
		return domain.Task{}, invalid(CodeInvalidPriority, "priority", "invalid priority %q", *patch.Priority)
	}
	if patch.DueDateSet && patch.DueDate != nil && !patch.DueDate.After(t.CreatedAt) {
		return domain.Task{}, invalid(CodeInvalidDueDate, "dueDate", "due date must be after the task creation time")
	}
	if patch.Version != nil && *patch.Version != t.Version {
		return domain.Task{}, fmt.Errorf("task %s at version %d, request had %d: %w", id, t.Version, *patch.Version, ErrConflict)
	}

	changed := events.EventPayload{}
	if patch.Description != nil {
		t.Description = *patch.Description
		changed["description"] = t.Description
	}
	if patch.Status != nil {
		t.Status = *patch.Status
		changed["status"] = t.Status
	}
	if patch.Priority != nil {
		t.Priority = *patch.Priority
		changed["priority"] = t.Priority
	}
	if patch.DueDateSet {
		t.DueDate = patch.DueDate
		if t.DueDate != nil {
			changed["dueDate"] = domain.FormatTime(*t.DueDate)
		} else {
			changed["dueDate"] = nil
		}
	}
	t.UpdatedAt = e.now()
	if err := e.Repo.UpdateTask(ctx, tx, t, t.Version); err != nil {
		if errors.Is(err, repo.ErrStaleVersion) {
			return domain.Task{}, fmt.Errorf("task %s: %w", id, ErrConflict)
		}
		return domain.Task{}, fmt.Errorf("update task: %w", err)
	}
	changed["partial"] = partial
	if err := e.Events.Append(ctx, tx, events.TaskUpdated, "task", t.ID, p.UserID, changed); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return e.Repo.GetTask(ctx, id)
}

func (e Engine) DeleteTask(ctx context.Context, p domain.Principal, id string) (DeleteAck, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return DeleteAck{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, id)
	if err != nil {
		return DeleteAck{}, fmt.Errorf("task %s: %w", id, err)
	}
	if t.CreatorID != p.UserID {
		return DeleteAck{}, fmt.Errorf("task %s: %w", id, repo.ErrNotFound)
	}
	if err := e.Repo.DeleteTask(ctx, tx, id); err != nil {
		return DeleteAck{}, fmt.Errorf("task %s: %w", id, err)
	}
	if err := e.Events.Append(ctx, tx, events.TaskDeleted, "task", id, p.UserID, events.EventPayload{"title": t.Title}); err != nil {
		return DeleteAck{}, err
	}
	if err := tx.Commit(); err != nil {
		return DeleteAck{}, err
	}
	return DeleteAck{ID: id, Message: "task deleted"}, nil
}

// ParseDueDate accepts RFC 3339 timestamps and plain YYYY-MM-DD dates (midnight UTC).
func ParseDueDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, invalid(CodeInvalidDueDate, "dueDate", "invalid due date %q", s)
}
