package engine

import (
	"context"
	"fmt"

	"taskhub/internal/domain"
)

// Summary is the dashboard view over a principal's tasks.
type Summary struct {
	Total          int            `json:"total"`
	ByStatus       map[string]int `json:"byStatus"`
	ByPriority     map[string]int `json:"byPriority"`
	Overdue        int            `json:"overdue"`
	CompletionRate float64        `json:"completionRate" doc:"Completed tasks as a fraction of all tasks, 0 when there are none"`
}

func (e Engine) Summary(ctx context.Context, p domain.Principal) (Summary, error) {
	counts, err := e.Repo.CountTasks(ctx, p.UserID, e.now())
	if err != nil {
		return Summary{}, fmt.Errorf("count tasks: %w", err)
	}
	s := Summary{
		Total:      counts.Total,
		ByStatus:   make(map[string]int, len(domain.Statuses)),
		ByPriority: make(map[string]int, len(domain.Priorities)),
		Overdue:    counts.Overdue,
	}
	for _, st := range domain.Statuses {
		s.ByStatus[st] = counts.ByStatus[st]
	}
	for _, pr := range domain.Priorities {
		s.ByPriority[pr] = counts.ByPriority[pr]
	}
	if s.Total > 0 {
		s.CompletionRate = float64(s.ByStatus[domain.StatusCompleted]) / float64(s.Total)
	}
	return s, nil
}
