package server

import (
	"time"

	"taskhub/internal/domain"
	"taskhub/internal/engine"
)

// Request payloads. Fields are optional at the schema level so the engine
// reports missing values with its own error codes.

type LoginRequest struct {
	_        struct{} `json:"-" additionalProperties:"true"`
	Email    string   `json:"email,omitempty" example:"alice@example.com"`
	Password string   `json:"password,omitempty"`
	Remember bool     `json:"remember,omitempty" doc:"Keep the session for 7 days instead of 1"`
}

type RegisterRequest struct {
	_        struct{} `json:"-" additionalProperties:"true"`
	Name     string   `json:"name,omitempty"`
	Email    string   `json:"email,omitempty"`
	Password string   `json:"password,omitempty"`
}

type CreateTaskRequest struct {
	_           struct{} `json:"-" additionalProperties:"true"`
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
	Priority    string   `json:"priority,omitempty" example:"medium"`
	Status      string   `json:"status,omitempty" example:"pending"`
	DueDate     *string  `json:"dueDate,omitempty" doc:"RFC 3339 timestamp or YYYY-MM-DD"`
}

// TaskPatchRequest documents the PUT/PATCH body. Handlers decode the raw body
// themselves so that absent, null and mistyped fields stay distinguishable.
type TaskPatchRequest struct {
	Description *string `json:"description,omitempty"`
	Status      *string `json:"status,omitempty" enum:"pending,in_progress,completed,cancelled"`
	Priority    *string `json:"priority,omitempty" enum:"low,medium,high,urgent"`
	DueDate     *string `json:"dueDate,omitempty" nullable:"true" doc:"RFC 3339 timestamp or YYYY-MM-DD; null clears it"`
	Version     *int    `json:"version,omitempty" doc:"Expected task version; a mismatch is rejected with 409"`
}

// Response payloads

type UserResponse struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

type AuthResponse struct {
	Message string       `json:"message"`
	User    UserResponse `json:"user"`
}

type LogoutResponse struct {
	Success bool `json:"success"`
}

type CreatorResponse struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

type TaskResponse struct {
	ID          string           `json:"id"`
	Title       string           `json:"title"`
	Description string           `json:"description"`
	Priority    string           `json:"priority" enum:"low,medium,high,urgent"`
	Status      string           `json:"status" enum:"pending,in_progress,completed,cancelled"`
	DueDate     *time.Time       `json:"dueDate"`
	CreatorID   string           `json:"creatorId"`
	Creator     *CreatorResponse `json:"creator,omitempty"`
	Version     int              `json:"version"`
	CreatedAt   time.Time        `json:"createdAt"`
	UpdatedAt   time.Time        `json:"updatedAt"`
}

func userResponse(u domain.User) UserResponse {
	return UserResponse{ID: u.ID, Name: u.Name, Email: u.Email, Role: u.Role}
}

func taskResponse(t domain.Task) TaskResponse {
	resp := TaskResponse{
		ID:          t.ID,
		Title:       t.Title,
		Description: t.Description,
		Priority:    t.Priority,
		Status:      t.Status,
		DueDate:     t.DueDate,
		CreatorID:   t.CreatorID,
		Version:     t.Version,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
	if t.Creator != nil {
		resp.Creator = &CreatorResponse{ID: t.Creator.ID, Name: t.Creator.Name, Email: t.Creator.Email}
	}
	return resp
}

func mapTasks(items []domain.Task) []TaskResponse {
	out := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		out = append(out, taskResponse(t))
	}
	return out
}

func (r CreateTaskRequest) options() (engine.CreateTaskInput, error) {
	in := engine.CreateTaskInput{
		Title:       r.Title,
		Description: r.Description,
		Priority:    r.Priority,
		Status:      r.Status,
	}
	if r.DueDate != nil && *r.DueDate != "" {
		due, err := engine.ParseDueDate(*r.DueDate)
		if err != nil {
			return in, err
		}
		in.DueDate = &due
	}
	return in, nil
}
