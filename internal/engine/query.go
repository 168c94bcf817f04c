package engine

import (
	"context"
	"fmt"
	"strings"

	"taskhub/internal/domain"
	"taskhub/internal/repo"
)

// ListOptions narrows and orders a task listing.
type ListOptions struct {
	Priorities []string
	Statuses   []string
	Title      string
	SortBy     string
	// SortOrder is asc|desc (ascend/descend and ascending/descending are accepted too); empty means desc.
	SortOrder string
}

// ListTasks returns the principal's tasks, filtered and ordered. No pagination is applied.
func (e Engine) ListTasks(ctx context.Context, p domain.Principal, opts ListOptions) ([]domain.Task, error) {
	if p.UserID == "" {
		return nil, invalid(CodeBadRequest, "userId", "principal required")
	}
	for _, v := range opts.Priorities {
		if !domain.ValidPriority(v) {
			return nil, invalid(CodeInvalidPriority, "priority", "invalid priority %q", v)
		}
	}
	for _, v := range opts.Statuses {
		if !domain.ValidStatus(v) {
			return nil, invalid(CodeInvalidStatus, "status", "invalid status %q", v)
		}
	}
	desc, err := parseSortOrder(opts.SortOrder)
	if err != nil {
		return nil, err
	}
	filters := repo.TaskFilters{
		CreatorID:  p.UserID,
		Priorities: opts.Priorities,
		Statuses:   opts.Statuses,
		Title:      opts.Title,
	}
	custom := customSort(opts.SortBy)
	if !custom {
		if !repo.SortableField(opts.SortBy) {
			return nil, invalid(CodeBadRequest, "sortBy", "cannot sort by %q", opts.SortBy)
		}
		filters.OrderBy = opts.SortBy
		filters.Descending = desc
	}
	tasks, err := e.Repo.ListTasks(ctx, filters)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	if custom {
		SortTasks(tasks, opts.SortBy, desc)
	}
	return tasks, nil
}

func parseSortOrder(order string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(order)) {
	case "", "desc", "descend", "descending":
		return true, nil
	case "asc", "ascend", "ascending":
		return false, nil
	}
	return false, invalid(CodeBadRequest, "sortOrder", "invalid sort order %q", order)
}

// GetTask returns one task owned by p. Tasks owned by others read as not found.
func (e Engine) GetTask(ctx context.Context, p domain.Principal, id string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, id)
	if err != nil {
		return domain.Task{}, fmt.Errorf("task %s: %w", id, err)
	}
	if t.CreatorID != p.UserID {
		return domain.Task{}, fmt.Errorf("task %s: %w", id, repo.ErrNotFound)
	}
	return t, nil
}
