package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"taskhub/internal/app"
	"taskhub/internal/config"
	"taskhub/internal/engine/auth"
	"taskhub/internal/logging"
	"taskhub/internal/session"
)

type testServer struct {
	URL   string
	App   *app.App
	close func()
}

func (s *testServer) Close() { s.close() }

// Client returns a fresh client with its own cookie jar.
func (s *testServer) Client(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookie jar: %v", err)
	}
	return &http.Client{Jar: jar}
}

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	cfg := config.Default()
	cfg.Database.Workspace = t.TempDir()
	a, err := app.Open(cfg, logging.Discard())
	if err != nil {
		t.Fatalf("open app: %v", err)
	}
	a.Auth.Hasher = auth.PasswordHasher{Cost: bcrypt.MinCost}
	handler, err := New(Config{
		Engine:   a.Engine,
		Auth:     a.Auth,
		Guard:    a.Guard,
		BasePath: "/api",
		Cookies:  CookieConfig{Name: cfg.Session.CookieName},
		Logger:   a.Log,
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL: "http://" + ln.Addr().String(),
		App: a,
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			a.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode error envelope: %v (%s)", err, string(data))
	}
	return env.Error.Code
}

// signup registers and logs in a user on client.
func signup(t *testing.T, srv *testServer, client *http.Client, name, email string) UserResponse {
	t.Helper()
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/auth/register", map[string]any{
		"name": name, "email": email, "password": "password123",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/auth/login", map[string]any{
		"email": email, "password": "password123",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("login status %d: %s", res.StatusCode, string(data))
	}
	var out AuthResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	return out.User
}

func createTask(t *testing.T, srv *testServer, client *http.Client, body map[string]any) TaskResponse {
	t.Helper()
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/tasks", body, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task status %d: %s", res.StatusCode, string(data))
	}
	var task TaskResponse
	if err := json.Unmarshal(data, &task); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	return task
}

func findCookie(res *http.Response, name string) *http.Cookie {
	for _, c := range res.Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestLoginSetsSessionCookie(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client(t)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/auth/register", map[string]any{
		"name": "Alice", "email": "alice@example.com", "password": "password123",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/auth/login", map[string]any{
		"email": "alice@example.com", "password": "password123", "remember": true,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("login: %d %s", res.StatusCode, string(data))
	}
	c := findCookie(res, session.DefaultCookieName)
	if c == nil {
		t.Fatalf("no session cookie in %v", res.Header["Set-Cookie"])
	}
	if !c.HttpOnly || c.SameSite != http.SameSiteStrictMode || c.Path != "/" {
		t.Fatalf("unexpected cookie attributes: %+v", c)
	}
	if c.MaxAge != int((7 * 24 * time.Hour).Seconds()) {
		t.Fatalf("remember cookie max-age = %d", c.MaxAge)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/users", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("current user: %d %s", res.StatusCode, string(data))
	}
	var me UserResponse
	_ = json.Unmarshal(data, &me)
	if me.Email != "alice@example.com" || me.Role != "user" {
		t.Fatalf("unexpected user %+v", me)
	}
}

func TestAuthFailures(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client(t)
	signup(t, srv, client, "Alice", "alice@example.com")

	anon := srv.Client(t)
	res, data := doJSON(t, anon, http.MethodPost, srv.URL+"/api/auth/login", map[string]any{
		"email": "alice@example.com", "password": "not-the-password",
	}, nil)
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "invalid_credentials" {
		t.Fatalf("wrong password: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, anon, http.MethodPost, srv.URL+"/api/auth/login", map[string]any{
		"email": "not-an-email", "password": "password123",
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad email: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, anon, http.MethodPost, srv.URL+"/api/auth/register", map[string]any{
		"name": "Again", "email": "alice@example.com", "password": "password123",
	}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate register: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, anon, http.MethodGet, srv.URL+"/api/tasks", nil, nil)
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "unauthorized" {
		t.Fatalf("no cookie: %d %s", res.StatusCode, string(data))
	}
	if c := findCookie(res, session.DefaultCookieName); c != nil {
		t.Fatalf("missing cookie should not be cleared: %+v", c)
	}
}

func TestRejectedSessionsClearCookie(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := &http.Client{}

	expired, _ := json.Marshal(session.Session{UserID: "u-1", Name: "alice", Expires: time.Now().Add(-time.Minute)})
	for _, tc := range []struct {
		name  string
		value string
		code  string
	}{
		{"expired", string(expired), "session_expired"},
		{"garbage", "{not json", "invalid_session"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			res, data := doJSON(t, client, http.MethodGet, srv.URL+"/api/tasks", nil, map[string]string{
				"Cookie": session.DefaultCookieName + "=" + url.PathEscape(tc.value),
			})
			if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != tc.code {
				t.Fatalf("status %d: %s", res.StatusCode, string(data))
			}
			c := findCookie(res, session.DefaultCookieName)
			if c == nil || c.MaxAge >= 0 || c.Value != "" {
				t.Fatalf("cookie not cleared: %+v", c)
			}
		})
	}
}

func TestLogoutClearsCookie(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client(t)
	signup(t, srv, client, "Alice", "alice@example.com")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/auth/logout", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("logout: %d %s", res.StatusCode, string(data))
	}
	if c := findCookie(res, session.DefaultCookieName); c == nil || c.MaxAge >= 0 {
		t.Fatalf("logout did not clear cookie: %+v", c)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/api/tasks", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 after logout, got %d", res.StatusCode)
	}
}

func TestTaskLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client(t)
	me := signup(t, srv, client, "Alice", "alice@example.com")

	task := createTask(t, srv, client, map[string]any{"title": "Ship it", "priority": "high"})
	if task.Status != "pending" || task.CreatorID != me.ID || task.Creator == nil || task.Creator.Email != me.Email {
		t.Fatalf("unexpected task %+v", task)
	}
	createTask(t, srv, client, map[string]any{"title": "Low one", "priority": "low"})
	createTask(t, srv, client, map[string]any{"title": "Urgent one", "priority": "urgent", "status": "in_progress"})

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/api/tasks?priority=high,urgent", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list: %d %s", res.StatusCode, string(data))
	}
	var listed []TaskResponse
	_ = json.Unmarshal(data, &listed)
	if len(listed) != 2 {
		t.Fatalf("comma filter returned %d tasks: %s", len(listed), string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/tasks?priority=high&priority=low&sortBy=title&sortOrder=asc", nil, nil)
	_ = json.Unmarshal(data, &listed)
	if res.StatusCode != http.StatusOK || len(listed) != 2 || listed[0].Title != "Low one" {
		t.Fatalf("repeated filter: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/tasks?status=done", nil, nil)
	if res.StatusCode != http.StatusBadRequest || errorCode(t, data) != "invalid_status" {
		t.Fatalf("invalid status filter: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/tasks?sortBy=creatorId", nil, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown sort: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/api/tasks/"+task.ID, map[string]any{
		"status": "completed", "dueDate": "2999-01-01", "version": task.Version,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("patch: %d %s", res.StatusCode, string(data))
	}
	var updated TaskResponse
	_ = json.Unmarshal(data, &updated)
	if updated.Status != "completed" || updated.DueDate == nil || updated.Priority != "high" || updated.Version != task.Version+1 {
		t.Fatalf("unexpected patch result %+v", updated)
	}

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/api/tasks/"+task.ID, map[string]any{
		"priority": "low", "version": task.Version,
	}, nil)
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "conflict" {
		t.Fatalf("stale version: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/api/tasks/"+task.ID, map[string]any{"dueDate": nil}, nil)
	_ = json.Unmarshal(data, &updated)
	if res.StatusCode != http.StatusOK || updated.DueDate != nil {
		t.Fatalf("clear due date: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/tasks/summary", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("summary: %d %s", res.StatusCode, string(data))
	}
	var summary struct {
		Total    int            `json:"total"`
		ByStatus map[string]int `json:"byStatus"`
	}
	_ = json.Unmarshal(data, &summary)
	if summary.Total != 3 || summary.ByStatus["completed"] != 1 {
		t.Fatalf("unexpected summary %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/api/tasks/"+task.ID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("delete: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/tasks/"+task.ID, nil, nil)
	if res.StatusCode != http.StatusNotFound || errorCode(t, data) != "not_found" {
		t.Fatalf("get deleted: %d %s", res.StatusCode, string(data))
	}
}

func TestUpdateValidationErrors(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client(t)
	signup(t, srv, client, "Alice", "alice@example.com")
	task := createTask(t, srv, client, map[string]any{"title": "Validate me"})

	for _, tc := range []struct {
		body string
		code string
	}{
		{`{"status":"done"}`, "invalid_status"},
		{`{"priority":"p0"}`, "invalid_priority"},
		{`{"description":123}`, "invalid_type"},
		{`{"dueDate":"2000-01-01"}`, "invalid_due_date"},
		{`{"dueDate":"soon"}`, "invalid_due_date"},
	} {
		res, data := doJSON(t, client, http.MethodPatch, srv.URL+"/api/tasks/"+task.ID, tc.body, nil)
		if res.StatusCode != http.StatusBadRequest || errorCode(t, data) != tc.code {
			t.Fatalf("%s: %d %s", tc.body, res.StatusCode, string(data))
		}
	}

	res, data := doJSON(t, client, http.MethodPatch, srv.URL+"/api/tasks/missing", `{"description":123}`, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing task should be 404 before body checks: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/tasks", map[string]any{"title": "   "}, nil)
	if res.StatusCode != http.StatusBadRequest || errorCode(t, data) != "bad_request" {
		t.Fatalf("blank title: %d %s", res.StatusCode, string(data))
	}
}

func TestTasksAreScopedToOwner(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	alice := srv.Client(t)
	bob := srv.Client(t)
	signup(t, srv, alice, "Alice", "alice@example.com")
	signup(t, srv, bob, "Bob", "bob@example.com")

	task := createTask(t, srv, alice, map[string]any{"title": "Alice only"})

	res, data := doJSON(t, bob, http.MethodGet, srv.URL+"/api/tasks", nil, nil)
	var listed []TaskResponse
	_ = json.Unmarshal(data, &listed)
	if res.StatusCode != http.StatusOK || len(listed) != 0 {
		t.Fatalf("bob sees alice's tasks: %s", string(data))
	}
	for _, method := range []string{http.MethodGet, http.MethodPatch, http.MethodDelete} {
		res, data := doJSON(t, bob, method, srv.URL+"/api/tasks/"+task.ID, map[string]any{"status": "cancelled"}, nil)
		if res.StatusCode != http.StatusNotFound {
			t.Fatalf("%s by other user: %d %s", method, res.StatusCode, string(data))
		}
	}
}

func TestHealthAndOpenAPIArePublic(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := &http.Client{}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/api/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK || !bytes.Contains(data, []byte("cookieAuth")) {
		t.Fatalf("openapi: %d", res.StatusCode)
	}
}

func TestOpenAPIDocumentsUpdateBody(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, &http.Client{}, http.MethodGet, srv.URL+"/api/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi: %d", res.StatusCode)
	}
	var doc struct {
		Paths map[string]map[string]struct {
			RequestBody *struct {
				Content map[string]struct {
					Schema struct {
						Ref string `json:"$ref"`
					} `json:"schema"`
				} `json:"content"`
			} `json:"requestBody"`
		} `json:"paths"`
		Components struct {
			Schemas map[string]struct {
				Properties map[string]json.RawMessage `json:"properties"`
			} `json:"schemas"`
		} `json:"components"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("decode openapi: %v", err)
	}
	item, ok := doc.Paths["/api/tasks/{id}"]
	if !ok {
		t.Fatalf("missing /api/tasks/{id} in %v", doc.Paths)
	}
	for _, method := range []string{"put", "patch"} {
		op := item[method]
		if op.RequestBody == nil {
			t.Fatalf("%s has no request body", method)
		}
		if ref := op.RequestBody.Content["application/json"].Schema.Ref; ref != "#/components/schemas/TaskPatchRequest" {
			t.Fatalf("%s body schema ref = %q", method, ref)
		}
	}
	props := doc.Components.Schemas["TaskPatchRequest"].Properties
	for _, field := range []string{"description", "status", "priority", "dueDate", "version"} {
		if _, ok := props[field]; !ok {
			t.Fatalf("TaskPatchRequest lacks %s: %v", field, props)
		}
	}
}
