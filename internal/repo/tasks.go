package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"taskhub/internal/domain"
)

const taskSelect = `SELECT t.id,t.title,t.description,t.priority,t.status,t.due_date,t.creator_id,t.version,t.created_at,t.updated_at,
u.id,u.name,u.email
FROM tasks t LEFT JOIN users u ON u.id=t.creator_id`

// sortColumns maps API sort keys to the columns the store can order by natively.
var sortColumns = map[string]string{
	"title":       "t.title",
	"description": "t.description",
	"priority":    "t.priority",
	"status":      "t.status",
	"dueDate":     "t.due_date",
	"createdAt":   "t.created_at",
	"updatedAt":   "t.updated_at",
}

// SortableField reports whether field names a persisted task column.
func SortableField(field string) bool {
	_, ok := sortColumns[field]
	return ok
}

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var dueDate, creatorID, creatorName, creatorEmail sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(&t.ID, &t.Title, &t.Description, &t.Priority, &t.Status, &dueDate, &t.CreatorID, &t.Version, &createdAt, &updatedAt,
		&creatorID, &creatorName, &creatorEmail)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if t.DueDate, err = parseNullTime(dueDate); err != nil {
		return t, fmt.Errorf("task %s due_date: %w", t.ID, err)
	}
	if t.CreatedAt, err = domain.ParseTime(createdAt); err != nil {
		return t, fmt.Errorf("task %s created_at: %w", t.ID, err)
	}
	if t.UpdatedAt, err = domain.ParseTime(updatedAt); err != nil {
		return t, fmt.Errorf("task %s updated_at: %w", t.ID, err)
	}
	if creatorID.Valid {
		t.Creator = &domain.Creator{ID: creatorID.String, Name: creatorName.String, Email: creatorEmail.String}
	}
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	if t.Version == 0 {
		t.Version = 1
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO tasks(id,title,description,priority,status,due_date,creator_id,version,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Title, t.Description, t.Priority, t.Status, nullableTime(t.DueDate), t.CreatorID, t.Version,
		domain.FormatTime(t.CreatedAt), domain.FormatTime(t.UpdatedAt))
	return err
}

// GetTask loads a task with its creator projection.
func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx, taskSelect+` WHERE t.id=?`, id))
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	return scanTask(r.q(tx).QueryRowContext(ctx, taskSelect+` WHERE t.id=?`, id))
}

// UpdateTask writes every mutable field of t, conditional on the stored version
// still being expectVersion, and bumps the version.
func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.Task, expectVersion int) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE tasks SET title=?, description=?, priority=?, status=?, due_date=?, updated_at=?, version=version+1
WHERE id=? AND version=?`,
		t.Title, t.Description, t.Priority, t.Status, nullableTime(t.DueDate), domain.FormatTime(t.UpdatedAt), t.ID, expectVersion)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStaleVersion
	}
	return nil
}

func (r Repo) DeleteTask(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := r.q(tx).ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type TaskFilters struct {
	CreatorID  string
	Priorities []string
	Statuses   []string
	// Title is a case-sensitive substring match.
	Title string
	// OrderBy is an API sort key (see SortableField); empty keeps created_at DESC.
	OrderBy    string
	Descending bool
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.CreatorID != "" {
		clauses = append(clauses, "t.creator_id=?")
		args = append(args, f.CreatorID)
	}
	if len(f.Priorities) > 0 {
		clauses = append(clauses, "t.priority IN ("+placeholders(len(f.Priorities))+")")
		for _, p := range f.Priorities {
			args = append(args, p)
		}
	}
	if len(f.Statuses) > 0 {
		clauses = append(clauses, "t.status IN ("+placeholders(len(f.Statuses))+")")
		for _, s := range f.Statuses {
			args = append(args, s)
		}
	}
	if f.Title != "" {
		clauses = append(clauses, "instr(t.title, ?) > 0")
		args = append(args, f.Title)
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}
	order := " ORDER BY t.created_at DESC, t.id DESC"
	if f.OrderBy != "" {
		col, ok := sortColumns[f.OrderBy]
		if !ok {
			return nil, fmt.Errorf("invalid sort field %q", f.OrderBy)
		}
		dir := "ASC"
		if f.Descending {
			dir = "DESC"
		}
		order = fmt.Sprintf(" ORDER BY %s %s, t.created_at DESC, t.id DESC", col, dir)
	}
	rows, err := r.DB.QueryContext(ctx, taskSelect+where+order, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return res, nil
}

// TaskCounts aggregates one creator's tasks for the summary view.
type TaskCounts struct {
	ByStatus   map[string]int
	ByPriority map[string]int
	Overdue    int
	Total      int
}

func (r Repo) CountTasks(ctx context.Context, creatorID string, now time.Time) (TaskCounts, error) {
	counts := TaskCounts{ByStatus: map[string]int{}, ByPriority: map[string]int{}}
	rows, err := r.DB.QueryContext(ctx, `SELECT status, priority, COUNT(*) FROM tasks WHERE creator_id=? GROUP BY status, priority`, creatorID)
	if err != nil {
		return counts, err
	}
	defer rows.Close()
	for rows.Next() {
		var status, priority string
		var n int
		if err := rows.Scan(&status, &priority, &n); err != nil {
			return counts, err
		}
		counts.ByStatus[status] += n
		counts.ByPriority[priority] += n
		counts.Total += n
	}
	if err := rows.Err(); err != nil {
		return counts, err
	}
	err = r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE creator_id=? AND due_date IS NOT NULL AND due_date < ? AND status NOT IN (?,?)`,
		creatorID, domain.FormatTime(now), domain.StatusCompleted, domain.StatusCancelled).Scan(&counts.Overdue)
	return counts, err
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
