package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"taskhub/internal/db"
	"taskhub/internal/domain"
	"taskhub/internal/engine"
	"taskhub/internal/migrate"
	"taskhub/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Alice  domain.Principal
	Bob    domain.Principal
	clock  *time.Time
}

// tick moves the engine clock forward so consecutive creates get distinct timestamps.
func (e testEnv) tick(d time.Duration) { *e.clock = e.clock.Add(d) }

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	clock := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	eng := engine.New(conn)
	eng.Now = func() time.Time { return clock }
	ctx := context.Background()
	env := testEnv{Engine: eng, Ctx: ctx, clock: &clock}
	for _, u := range []domain.User{
		{ID: "u-alice", Name: "alice", Email: "alice@example.com", Role: domain.RoleUser},
		{ID: "u-bob", Name: "bob", Email: "bob@example.com", Role: domain.RoleUser},
	} {
		u.CreatedAt, u.UpdatedAt = clock, clock
		if err := eng.Repo.InsertUser(ctx, nil, u); err != nil {
			t.Fatalf("seed user: %v", err)
		}
	}
	env.Alice = domain.Principal{UserID: "u-alice", Name: "alice", Email: "alice@example.com", Role: domain.RoleUser}
	env.Bob = domain.Principal{UserID: "u-bob", Name: "bob", Email: "bob@example.com", Role: domain.RoleUser}
	return env
}

func (e testEnv) create(t *testing.T, p domain.Principal, in engine.CreateTaskInput) domain.Task {
	t.Helper()
	task, err := e.Engine.CreateTask(e.Ctx, p, in)
	if err != nil {
		t.Fatalf("create %q: %v", in.Title, err)
	}
	e.tick(time.Minute)
	return task
}

func validationCode(err error) string {
	var ve *engine.ValidationError
	if errors.As(err, &ve) {
		return ve.Code
	}
	return ""
}

func ptr[T any](v T) *T { return &v }

func titles(tasks []domain.Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.Title
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestCreateTaskDefaults(t *testing.T) {
	env := newTestEnv(t)
	task := env.create(t, env.Alice, engine.CreateTaskInput{Title: "Write docs"})
	if task.Priority != domain.PriorityMedium || task.Status != domain.StatusPending {
		t.Fatalf("defaults not applied: %+v", task)
	}
	if task.Description != "" || task.DueDate != nil || task.Version != 1 {
		t.Fatalf("unexpected fields: %+v", task)
	}
	if task.CreatorID != env.Alice.UserID || task.Creator == nil || task.Creator.Email != "alice@example.com" {
		t.Fatalf("creator projection missing: %+v", task.Creator)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		name string
		in   engine.CreateTaskInput
		code string
	}{
		{"blank title", engine.CreateTaskInput{Title: "   "}, engine.CodeBadRequest},
		{"bad priority", engine.CreateTaskInput{Title: "x", Priority: "critical"}, engine.CodeInvalidPriority},
		{"bad status", engine.CreateTaskInput{Title: "x", Status: "done"}, engine.CodeInvalidStatus},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.Engine.CreateTask(env.Ctx, env.Alice, tc.in)
			if got := validationCode(err); got != tc.code {
				t.Fatalf("expected %s, got %v", tc.code, err)
			}
		})
	}
}

func TestListScopedToPrincipal(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, env.Alice, engine.CreateTaskInput{Title: "alice task"})
	env.create(t, env.Bob, engine.CreateTaskInput{Title: "bob task"})

	tasks, err := env.Engine.ListTasks(env.Ctx, env.Alice, engine.ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !equalStrings(titles(tasks), []string{"alice task"}) {
		t.Fatalf("expected only alice's task, got %v", titles(tasks))
	}
}

func TestListFilters(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, env.Alice, engine.CreateTaskInput{Title: "Fix login", Priority: "high", Status: "pending"})
	env.create(t, env.Alice, engine.CreateTaskInput{Title: "fix logout", Priority: "low", Status: "in_progress"})
	env.create(t, env.Alice, engine.CreateTaskInput{Title: "Deploy", Priority: "urgent", Status: "completed"})

	got, err := env.Engine.ListTasks(env.Ctx, env.Alice, engine.ListOptions{Priorities: []string{"high", "urgent"}})
	if err != nil {
		t.Fatal(err)
	}
	for _, task := range got {
		if task.Priority != "high" && task.Priority != "urgent" {
			t.Fatalf("priority filter leaked %+v", task)
		}
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 tasks, got %v", titles(got))
	}

	got, err = env.Engine.ListTasks(env.Ctx, env.Alice, engine.ListOptions{Statuses: []string{"in_progress"}})
	if err != nil || !equalStrings(titles(got), []string{"fix logout"}) {
		t.Fatalf("status filter: %v %v", titles(got), err)
	}

	// title match is a case-sensitive substring
	got, err = env.Engine.ListTasks(env.Ctx, env.Alice, engine.ListOptions{Title: "Fix"})
	if err != nil || !equalStrings(titles(got), []string{"Fix login"}) {
		t.Fatalf("title filter: %v %v", titles(got), err)
	}

	_, err = env.Engine.ListTasks(env.Ctx, env.Alice, engine.ListOptions{Statuses: []string{"archived"}})
	if validationCode(err) != engine.CodeInvalidStatus {
		t.Fatalf("expected invalid_status, got %v", err)
	}
	_, err = env.Engine.ListTasks(env.Ctx, env.Alice, engine.ListOptions{Priorities: []string{"p0"}})
	if validationCode(err) != engine.CodeInvalidPriority {
		t.Fatalf("expected invalid_priority, got %v", err)
	}
}

func TestListDefaultOrder(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, env.Alice, engine.CreateTaskInput{Title: "done old", Status: "completed"})
	env.create(t, env.Alice, engine.CreateTaskInput{Title: "pending old"})
	env.create(t, env.Alice, engine.CreateTaskInput{Title: "cancelled", Status: "cancelled"})
	env.create(t, env.Alice, engine.CreateTaskInput{Title: "active", Status: "in_progress"})
	env.create(t, env.Alice, engine.CreateTaskInput{Title: "pending new"})

	got, err := env.Engine.ListTasks(env.Ctx, env.Alice, engine.ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"pending new", "pending old", "active", "done old", "cancelled"}
	if !equalStrings(titles(got), want) {
		t.Fatalf("default order = %v, want %v", titles(got), want)
	}
}

func TestListDueDateSortKeepsUndatedLast(t *testing.T) {
	env := newTestEnv(t)
	d := func(day int) *time.Time { v := time.Date(2024, 2, day, 0, 0, 0, 0, time.UTC); return &v }
	env.create(t, env.Alice, engine.CreateTaskInput{Title: "no date"})
	env.create(t, env.Alice, engine.CreateTaskInput{Title: "feb 10", DueDate: d(10)})
	env.create(t, env.Alice, engine.CreateTaskInput{Title: "feb 3", DueDate: d(3)})

	for _, tc := range []struct {
		order string
		want  []string
	}{
		{"asc", []string{"feb 3", "feb 10", "no date"}},
		{"desc", []string{"feb 10", "feb 3", "no date"}},
	} {
		got, err := env.Engine.ListTasks(env.Ctx, env.Alice, engine.ListOptions{SortBy: "dueDate", SortOrder: tc.order})
		if err != nil {
			t.Fatal(err)
		}
		if !equalStrings(titles(got), tc.want) {
			t.Fatalf("%s: got %v, want %v", tc.order, titles(got), tc.want)
		}
	}
}

func TestListNativeSortAndUnknownField(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, env.Alice, engine.CreateTaskInput{Title: "b"})
	env.create(t, env.Alice, engine.CreateTaskInput{Title: "a"})
	env.create(t, env.Alice, engine.CreateTaskInput{Title: "c"})

	got, err := env.Engine.ListTasks(env.Ctx, env.Alice, engine.ListOptions{SortBy: "title", SortOrder: "asc"})
	if err != nil || !equalStrings(titles(got), []string{"a", "b", "c"}) {
		t.Fatalf("title asc: %v %v", titles(got), err)
	}
	got, err = env.Engine.ListTasks(env.Ctx, env.Alice, engine.ListOptions{SortBy: "title"})
	if err != nil || !equalStrings(titles(got), []string{"c", "b", "a"}) {
		t.Fatalf("title default desc: %v %v", titles(got), err)
	}

	_, err = env.Engine.ListTasks(env.Ctx, env.Alice, engine.ListOptions{SortBy: "password"})
	if validationCode(err) != engine.CodeBadRequest {
		t.Fatalf("expected bad_request for unknown sort field, got %v", err)
	}
	_, err = env.Engine.ListTasks(env.Ctx, env.Alice, engine.ListOptions{SortBy: "title", SortOrder: "sideways"})
	if validationCode(err) != engine.CodeBadRequest {
		t.Fatalf("expected bad_request for sort order, got %v", err)
	}
}

func TestUpdateTaskAppliesOnlySuppliedFields(t *testing.T) {
	env := newTestEnv(t)
	task := env.create(t, env.Alice, engine.CreateTaskInput{Title: "Ship", Description: "v1", Priority: "low"})

	updated, err := env.Engine.UpdateTask(env.Ctx, env.Alice, task.ID, engine.TaskPatch{Status: ptr("in_progress")}, true)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Status != "in_progress" || updated.Description != "v1" || updated.Priority != "low" {
		t.Fatalf("unexpected update result: %+v", updated)
	}
	if updated.Version != task.Version+1 {
		t.Fatalf("version not bumped: %d", updated.Version)
	}
	if !updated.UpdatedAt.After(task.UpdatedAt) {
		t.Fatalf("updatedAt not advanced")
	}
	if updated.Creator == nil || updated.Creator.ID != env.Alice.UserID {
		t.Fatalf("creator missing after update")
	}
}

func TestUpdateTaskValidation(t *testing.T) {
	env := newTestEnv(t)
	task := env.create(t, env.Alice, engine.CreateTaskInput{Title: "Ship"})
	before := task.CreatedAt.Add(-time.Hour)
	at := task.CreatedAt

	cases := []struct {
		name  string
		patch engine.TaskPatch
		code  string
	}{
		{"status", engine.TaskPatch{Status: ptr("done")}, engine.CodeInvalidStatus},
		{"priority", engine.TaskPatch{Priority: ptr("p1")}, engine.CodeInvalidPriority},
		{"due before creation", engine.TaskPatch{DueDateSet: true, DueDate: &before}, engine.CodeInvalidDueDate},
		{"due equal to creation", engine.TaskPatch{DueDateSet: true, DueDate: &at}, engine.CodeInvalidDueDate},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.Engine.UpdateTask(env.Ctx, env.Alice, task.ID, tc.patch, true)
			if got := validationCode(err); got != tc.code {
				t.Fatalf("expected %s, got %v", tc.code, err)
			}
		})
	}

	stored, err := env.Engine.GetTask(env.Ctx, env.Alice, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Version != task.Version || stored.Status != task.Status {
		t.Fatalf("rejected update modified the task: %+v", stored)
	}
}

func TestUpdateTaskDueDateSetAndClear(t *testing.T) {
	env := newTestEnv(t)
	task := env.create(t, env.Alice, engine.CreateTaskInput{Title: "Ship"})
	due := task.CreatedAt.Add(48 * time.Hour)

	updated, err := env.Engine.UpdateTask(env.Ctx, env.Alice, task.ID, engine.TaskPatch{DueDateSet: true, DueDate: &due}, true)
	if err != nil || updated.DueDate == nil || !updated.DueDate.Equal(due) {
		t.Fatalf("set due date: %+v %v", updated.DueDate, err)
	}
	updated, err = env.Engine.UpdateTask(env.Ctx, env.Alice, task.ID, engine.TaskPatch{DueDateSet: true}, true)
	if err != nil || updated.DueDate != nil {
		t.Fatalf("clear due date: %+v %v", updated.DueDate, err)
	}
}

func TestUpdateTaskNotFoundAndOwnership(t *testing.T) {
	env := newTestEnv(t)
	task := env.create(t, env.Alice, engine.CreateTaskInput{Title: "private"})

	_, err := env.Engine.UpdateTask(env.Ctx, env.Alice, "missing", engine.TaskPatch{Status: ptr("completed")}, true)
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	_, err = env.Engine.UpdateTask(env.Ctx, env.Bob, task.ID, engine.TaskPatch{Status: ptr("completed")}, true)
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found for another user's task, got %v", err)
	}
	_, err = env.Engine.GetTask(env.Ctx, env.Bob, task.ID)
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected get to hide another user's task, got %v", err)
	}
	_, err = env.Engine.DeleteTask(env.Ctx, env.Bob, task.ID)
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected delete to hide another user's task, got %v", err)
	}
}

func TestUpdateTaskVersionConflict(t *testing.T) {
	env := newTestEnv(t)
	task := env.create(t, env.Alice, engine.CreateTaskInput{Title: "Ship"})

	if _, err := env.Engine.UpdateTask(env.Ctx, env.Alice, task.ID, engine.TaskPatch{Priority: ptr("high"), Version: ptr(task.Version)}, true); err != nil {
		t.Fatalf("first update: %v", err)
	}
	_, err := env.Engine.UpdateTask(env.Ctx, env.Alice, task.ID, engine.TaskPatch{Priority: ptr("low"), Version: ptr(task.Version)}, true)
	if !errors.Is(err, engine.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestUpdateTaskJSONChecksExistenceFirst(t *testing.T) {
	env := newTestEnv(t)
	task := env.create(t, env.Alice, engine.CreateTaskInput{Title: "Ship"})

	_, err := env.Engine.UpdateTaskJSON(env.Ctx, env.Alice, "missing", []byte(`{"description": 42}`), true)
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found before type error, got %v", err)
	}
	_, err = env.Engine.UpdateTaskJSON(env.Ctx, env.Alice, task.ID, []byte(`{"description": 42}`), true)
	if validationCode(err) != engine.CodeInvalidType {
		t.Fatalf("expected invalid_type, got %v", err)
	}
	updated, err := env.Engine.UpdateTaskJSON(env.Ctx, env.Alice, task.ID, []byte(`{"description": "notes", "title": "ignored"}`), false)
	if err != nil || updated.Description != "notes" || updated.Title != "Ship" {
		t.Fatalf("json update: %+v %v", updated, err)
	}
}

func TestDeleteTask(t *testing.T) {
	env := newTestEnv(t)
	task := env.create(t, env.Alice, engine.CreateTaskInput{Title: "temp"})

	ack, err := env.Engine.DeleteTask(env.Ctx, env.Alice, task.ID)
	if err != nil || ack.ID != task.ID || ack.Message == "" {
		t.Fatalf("delete: %+v %v", ack, err)
	}
	if _, err := env.Engine.GetTask(env.Ctx, env.Alice, task.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("task still readable: %v", err)
	}
	if _, err := env.Engine.DeleteTask(env.Ctx, env.Alice, task.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("second delete should be not found, got %v", err)
	}
}

func TestMutationsWriteEvents(t *testing.T) {
	env := newTestEnv(t)
	task := env.create(t, env.Alice, engine.CreateTaskInput{Title: "audited"})
	if _, err := env.Engine.UpdateTask(env.Ctx, env.Alice, task.ID, engine.TaskPatch{Status: ptr("completed")}, false); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.DeleteTask(env.Ctx, env.Alice, task.ID); err != nil {
		t.Fatal(err)
	}
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, "task", task.ID)
	if err != nil {
		t.Fatal(err)
	}
	var types []string
	for _, e := range evts {
		types = append(types, e.Type)
	}
	if !equalStrings(types, []string{"task.deleted", "task.updated", "task.created"}) {
		t.Fatalf("unexpected events %v", types)
	}
}

func TestSummary(t *testing.T) {
	env := newTestEnv(t)
	past := env.clock.Add(time.Hour)
	env.create(t, env.Alice, engine.CreateTaskInput{Title: "a", Status: "completed", Priority: "high"})
	env.create(t, env.Alice, engine.CreateTaskInput{Title: "b", DueDate: &past})
	env.create(t, env.Alice, engine.CreateTaskInput{Title: "c", Status: "in_progress"})
	env.create(t, env.Alice, engine.CreateTaskInput{Title: "d", Status: "completed"})
	env.create(t, env.Bob, engine.CreateTaskInput{Title: "not mine"})
	env.tick(2 * time.Hour)

	s, err := env.Engine.Summary(env.Ctx, env.Alice)
	if err != nil {
		t.Fatal(err)
	}
	if s.Total != 4 || s.ByStatus["completed"] != 2 || s.ByStatus["cancelled"] != 0 {
		t.Fatalf("unexpected status counts: %+v", s)
	}
	if _, ok := s.ByPriority["urgent"]; !ok || s.ByPriority["high"] != 1 || s.ByPriority["medium"] != 3 {
		t.Fatalf("unexpected priority counts: %+v", s.ByPriority)
	}
	if s.Overdue != 1 || s.CompletionRate != 0.5 {
		t.Fatalf("overdue=%d completion=%v", s.Overdue, s.CompletionRate)
	}
}
