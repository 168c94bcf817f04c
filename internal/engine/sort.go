package engine

import (
	"cmp"
	"slices"

	"taskhub/internal/domain"
)

// Sort keys that need domain ordering instead of the store's native ORDER BY.
const (
	SortStatus    = "status"
	SortDueDate   = "dueDate"
	SortCreatedAt = "createdAt"
)

func customSort(field string) bool {
	switch field {
	case "", SortStatus, SortDueDate, SortCreatedAt:
		return true
	}
	return false
}

// SortTasks orders tasks in place. An empty field selects the default view:
// status rank ascending, then newest first.
func SortTasks(tasks []domain.Task, field string, desc bool) {
	slices.SortStableFunc(tasks, func(a, b domain.Task) int {
		return compareTasks(a, b, field, desc)
	})
}

func compareTasks(a, b domain.Task, field string, desc bool) int {
	switch field {
	case SortStatus:
		if c := directed(cmp.Compare(domain.StatusRank(a.Status), domain.StatusRank(b.Status)), desc); c != 0 {
			return c
		}
		return newestFirst(a, b)
	case SortDueDate:
		// tasks without a due date trail regardless of direction
		switch {
		case a.DueDate == nil && b.DueDate == nil:
			return newestFirst(a, b)
		case a.DueDate == nil:
			return 1
		case b.DueDate == nil:
			return -1
		}
		if c := directed(a.DueDate.Compare(*b.DueDate), desc); c != 0 {
			return c
		}
		return newestFirst(a, b)
	case SortCreatedAt:
		if c := directed(a.CreatedAt.Compare(b.CreatedAt), desc); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	default:
		if c := cmp.Compare(domain.StatusRank(a.Status), domain.StatusRank(b.Status)); c != 0 {
			return c
		}
		return newestFirst(a, b)
	}
}

func directed(c int, desc bool) int {
	if desc {
		return -c
	}
	return c
}

func newestFirst(a, b domain.Task) int {
	if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}
