// Package editstate tracks inline edits of a task table: which (row, field)
// is open, the buffered value, and which rows wait on a commit. At most one
// (row, field) pair is editing or committing at any time.
package editstate

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"taskhub/sdk/taskhub"
)

type Field string

const (
	FieldDescription Field = "description"
	FieldStatus      Field = "status"
	FieldPriority    Field = "priority"
	FieldDueDate     Field = "dueDate"
)

func (f Field) Valid() bool {
	switch f {
	case FieldDescription, FieldStatus, FieldPriority, FieldDueDate:
		return true
	}
	return false
}

type State int

const (
	Idle State = iota
	Editing
	Committing
)

func (s State) String() string {
	switch s {
	case Editing:
		return "editing"
	case Committing:
		return "committing"
	default:
		return "idle"
	}
}

var (
	ErrNotEditing   = errors.New("editstate: no edit in progress")
	ErrBusy         = errors.New("editstate: commit in flight")
	ErrUnknownField = errors.New("editstate: unknown field")
	ErrInvalidValue = errors.New("editstate: invalid value for field")
)

// Committer sends a partial update for one task.
type Committer interface {
	PatchTask(ctx context.Context, id string, patch map[string]any) (taskhub.Task, error)
}

// RefreshFunc reloads the table after a successful commit.
type RefreshFunc func(ctx context.Context) error

// Snapshot is a copy of the machine's state.
type Snapshot struct {
	State   State
	RowKey  string
	Field   Field
	Value   any
	Loading []string
}

type Machine struct {
	committer Committer
	refresh   RefreshFunc

	mu      sync.Mutex
	state   State
	row     string
	field   Field
	initial any
	value   any
	loading map[string]struct{}
}

func New(c Committer, refresh RefreshFunc) *Machine {
	return &Machine{committer: c, refresh: refresh, loading: make(map[string]struct{})}
}

// StartEditing opens (row, field) with the cell's current value. Any open
// edit is abandoned.
func (m *Machine) StartEditing(row string, field Field, initial any) error {
	if !field.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownField, field)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Committing {
		return ErrBusy
	}
	m.state = Editing
	m.row = row
	m.field = field
	m.initial = initial
	m.value = initial
	return nil
}

func (m *Machine) UpdateValue(v any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Editing {
		return ErrNotEditing
	}
	m.value = v
	return nil
}

func (m *Machine) Cancel() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Editing {
		m.reset()
	}
}

// Blur leaves the cell. An untouched buffer returns to Idle without a
// network call; a changed one is committed.
func (m *Machine) Blur(ctx context.Context) (taskhub.Task, error) {
	return m.Commit(ctx)
}

// Changed reports whether the open edit differs from the value it started with.
func (m *Machine) Changed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == Editing && m.changed()
}

// changed must be called with mu held.
func (m *Machine) changed() bool {
	before, err := buildPatch(m.field, m.initial)
	if err != nil {
		return true
	}
	after, err := buildPatch(m.field, m.value)
	if err != nil {
		return true
	}
	return !reflect.DeepEqual(before, after)
}

// Commit sends the buffered value. The machine returns to Idle whether the
// patch succeeds or not; no local value is applied before the server answers.
// When the buffer still equals the initial value nothing is sent and the
// returned Task is zero.
func (m *Machine) Commit(ctx context.Context) (taskhub.Task, error) {
	m.mu.Lock()
	if m.state == Committing {
		m.mu.Unlock()
		return taskhub.Task{}, ErrBusy
	}
	if m.state != Editing {
		m.mu.Unlock()
		return taskhub.Task{}, ErrNotEditing
	}
	row, field := m.row, m.field
	patch, err := buildPatch(field, m.value)
	if err != nil {
		m.mu.Unlock()
		return taskhub.Task{}, err
	}
	if !m.changed() {
		m.reset()
		m.mu.Unlock()
		return taskhub.Task{}, nil
	}
	m.state = Committing
	m.loading[row] = struct{}{}
	m.mu.Unlock()

	task, err := m.committer.PatchTask(ctx, row, patch)

	m.mu.Lock()
	delete(m.loading, row)
	m.reset()
	m.mu.Unlock()

	if err != nil {
		return taskhub.Task{}, err
	}
	if m.refresh != nil {
		if err := m.refresh(ctx); err != nil {
			return task, fmt.Errorf("refresh after commit: %w", err)
		}
	}
	return task, nil
}

func (m *Machine) IsEditing(row string, field Field) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == Editing && m.row == row && m.field == field
}

func (m *Machine) IsLoading(row string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.loading[row]
	return ok
}

func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Snapshot{State: m.state, RowKey: m.row, Field: m.field, Value: m.value}
	for row := range m.loading {
		s.Loading = append(s.Loading, row)
	}
	sort.Strings(s.Loading)
	return s
}

// reset must be called with mu held.
func (m *Machine) reset() {
	m.state = Idle
	m.row = ""
	m.field = ""
	m.initial = nil
	m.value = nil
}

func buildPatch(field Field, value any) (map[string]any, error) {
	switch field {
	case FieldDescription, FieldStatus, FieldPriority:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s wants a string, got %T", ErrInvalidValue, field, value)
		}
		return map[string]any{string(field): s}, nil
	case FieldDueDate:
		switch v := value.(type) {
		case nil:
			return map[string]any{string(field): nil}, nil
		case string:
			if v == "" {
				return map[string]any{string(field): nil}, nil
			}
			return map[string]any{string(field): v}, nil
		case time.Time:
			if v.IsZero() {
				return map[string]any{string(field): nil}, nil
			}
			return map[string]any{string(field): v.UTC().Format(time.RFC3339Nano)}, nil
		case *time.Time:
			if v == nil || v.IsZero() {
				return map[string]any{string(field): nil}, nil
			}
			return map[string]any{string(field): v.UTC().Format(time.RFC3339Nano)}, nil
		default:
			return nil, fmt.Errorf("%w: dueDate wants a time or string, got %T", ErrInvalidValue, value)
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownField, field)
}
