package engine

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"taskhub/internal/events"
	"taskhub/internal/repo"
)

// Engine hosts the task query and mutation paths. All methods scope their work
// to the calling principal.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time
}

func New(db *sql.DB) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{},
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

// Validation error codes.
const (
	CodeBadRequest      = "bad_request"
	CodeInvalidStatus   = "invalid_status"
	CodeInvalidPriority = "invalid_priority"
	CodeInvalidType     = "invalid_type"
	CodeInvalidDueDate  = "invalid_due_date"
)

// ValidationError is a caller mistake: malformed input or a violated field constraint.
type ValidationError struct {
	Code    string
	Field   string
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func invalid(code, field, format string, args ...any) error {
	return &ValidationError{Code: code, Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ErrConflict reports an update against a task version that is no longer current.
var ErrConflict = errors.New("task was modified by another request")
