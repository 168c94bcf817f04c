package domain

import "time"

// Task statuses.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusCancelled  = "cancelled"
)

// Task priorities.
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

const RoleUser = "user"

var (
	Statuses   = []string{StatusPending, StatusInProgress, StatusCompleted, StatusCancelled}
	Priorities = []string{PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent}
)

// unknownStatusRank places unrecognised statuses after every known one.
const unknownStatusRank = 999

var statusRanks = map[string]int{
	StatusPending:    1,
	StatusInProgress: 2,
	StatusCompleted:  3,
	StatusCancelled:  4,
}

// StatusRank returns the display rank of a status.
func StatusRank(status string) int {
	if r, ok := statusRanks[status]; ok {
		return r
	}
	return unknownStatusRank
}

func ValidStatus(s string) bool {
	_, ok := statusRanks[s]
	return ok
}

func ValidPriority(p string) bool {
	for _, v := range Priorities {
		if v == p {
			return true
		}
	}
	return false
}

// Principal is the identity carried by a valid session.
type Principal struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Role   string `json:"role"`
}

type User struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	Role         string    `json:"role"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

func (u User) Principal() Principal {
	return Principal{UserID: u.ID, Name: u.Name, Email: u.Email, Role: u.Role}
}

// Creator is the narrow user projection embedded in task reads.
type Creator struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

type Task struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Priority    string     `json:"priority" enum:"low,medium,high,urgent"`
	Status      string     `json:"status" enum:"pending,in_progress,completed,cancelled"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
	CreatorID   string     `json:"creatorId"`
	Creator     *Creator   `json:"creator,omitempty"`
	Version     int        `json:"version"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

type Event struct {
	ID         int64     `json:"id"`
	TS         time.Time `json:"ts"`
	Type       string    `json:"type"`
	EntityKind string    `json:"entity_kind"`
	EntityID   string    `json:"entity_id,omitempty"`
	ActorID    string    `json:"actor_id"`
	Payload    string    `json:"payload_json"`
}
