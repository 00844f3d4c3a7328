package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"leadline/internal/config"
	"leadline/internal/db"
	"leadline/internal/domain"
	"leadline/internal/engine"
	"leadline/internal/migrate"
)

var serverTestNow = time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("t1")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	e.Now = func() time.Time { return serverTestNow }
	seedTenants(t, e)
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:             "test-secret",
			AllowLegacyUserHeader: true,
		},
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
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func seedTenants(t *testing.T, e engine.Engine) {
	t.Helper()
	ctx := context.Background()
	r := e.Repo
	now := serverTestNow.Format(time.RFC3339)
	tx, err := r.DB.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	for _, tenant := range []string{"t1", "t2"} {
		if err := r.EnsureTenant(ctx, tx, tenant, tenant, now); err != nil {
			t.Fatalf("tenant %s: %v", tenant, err)
		}
	}
	users := []domain.User{
		{ID: "admin-1", TenantID: "t1", Role: domain.RoleAdmin, CreatedAt: now},
		{ID: "counselor-1", TenantID: "t1", Role: domain.RoleCounselor, CreatedAt: now},
		{ID: "outsider", TenantID: "t2", Role: domain.RoleCounselor, CreatedAt: now},
	}
	for _, u := range users {
		if err := r.EnsureUser(ctx, tx, u); err != nil {
			t.Fatalf("user %s: %v", u.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit seed: %v", err)
	}
	apps := []domain.Application{
		{ID: "app-t1", TenantID: "t1", Status: "submitted", CreatedAt: now},
		{ID: "app-t2", TenantID: "t2", Status: "submitted", CreatedAt: now},
	}
	for _, a := range apps {
		if err := r.InsertApplication(ctx, a); err != nil {
			t.Fatalf("application %s: %v", a.ID, err)
		}
	}
}

func counselorHeaders() map[string]string {
	return map[string]string{"X-User-Id": "counselor-1", "X-Tenant-Id": "t1", "X-Role": "counselor"}
}

func outsiderHeaders() map[string]string {
	return map[string]string{"X-User-Id": "outsider", "X-Tenant-Id": "t2", "X-Role": "counselor"}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
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

func TestCreateTaskReturnsTaskID(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks", map[string]any{
		"application_id": "app-t1",
		"task_type":      "call",
		"due_at":         serverTestNow.Add(2 * time.Hour).Format(time.RFC3339),
	}, counselorHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("create task status %d: %s", res.StatusCode, string(data))
	}
	var created CreateTaskResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !created.Success || created.TaskID == "" {
		t.Fatalf("expected success with task_id, got %s", string(data))
	}
	if created.Task.TenantID != "t1" {
		t.Fatalf("tenant should derive from application, got %q", created.Task.TenantID)
	}
}

func TestCreateTaskValidationEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks", map[string]any{
		"application_id": "app-t1",
		"task_type":      "sms",
		"due_at":         serverTestNow.Add(time.Hour).Format(time.RFC3339),
	}, counselorHeaders())
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Error.Code != "invalid_argument" {
		t.Fatalf("unexpected code %q", envelope.Error.Code)
	}
	if envelope.Error.Details["field"] != "task_type" {
		t.Fatalf("unexpected details %v", envelope.Error.Details)
	}
}

func TestCrossTenantTaskCreationForbidden(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	// counselor-1 belongs to t1; app-t2 belongs to t2
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks", map[string]any{
		"application_id": "app-t2",
		"task_type":      "call",
		"due_at":         serverTestNow.Add(time.Hour).Format(time.RFC3339),
	}, counselorHeaders())
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Error.Code != "permission_denied" {
		t.Fatalf("unexpected code %q", envelope.Error.Code)
	}
	if envelope.Error.Details["rule"] != "tenant_isolation" {
		t.Fatalf("unexpected rule %v", envelope.Error.Details)
	}
}

func TestCompleteTaskIdempotentOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks", map[string]any{
		"application_id": "app-t1",
		"task_type":      "email",
		"due_at":         serverTestNow.Add(time.Hour).Format(time.RFC3339),
	}, counselorHeaders())
	var created CreateTaskResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	res1, body1 := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+created.TaskID+"/complete", nil, counselorHeaders())
	if res1.StatusCode != http.StatusOK {
		t.Fatalf("first complete: %d %s", res1.StatusCode, string(body1))
	}
	res2, body2 := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+created.TaskID+"/complete", nil, counselorHeaders())
	if res2.StatusCode != http.StatusOK {
		t.Fatalf("second complete: %d %s", res2.StatusCode, string(body2))
	}
	var first, second TaskResponse
	_ = json.Unmarshal(body1, &first)
	_ = json.Unmarshal(body2, &second)
	if second.Task.Status != domain.TaskStatusCompleted {
		t.Fatalf("expected completed, got %s", second.Task.Status)
	}
	if first.Task.CompletedAt == nil || second.Task.CompletedAt == nil || *first.Task.CompletedAt != *second.Task.CompletedAt {
		t.Fatalf("completed_at changed between calls: %v vs %v", first.Task.CompletedAt, second.Task.CompletedAt)
	}
}

func TestCompleteTaskFromOtherTenantForbidden(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks", map[string]any{
		"application_id": "app-t1",
		"task_type":      "call",
		"due_at":         serverTestNow.Add(time.Hour).Format(time.RFC3339),
	}, counselorHeaders())
	var created CreateTaskResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+created.TaskID+"/complete", nil, outsiderHeaders())
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", res.StatusCode, string(body))
	}
}

func TestTaskNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks/nope", nil, counselorHeaders())
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}
}

func TestDueTodayPagination(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	for _, offset := range []time.Duration{4 * time.Hour, 5 * time.Hour, 6 * time.Hour} {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks", map[string]any{
			"application_id": "app-t1",
			"task_type":      "review",
			"due_at":         serverTestNow.Add(offset).Format(time.RFC3339),
		}, counselorHeaders())
		if res.StatusCode != http.StatusOK {
			t.Fatalf("seed task: %d %s", res.StatusCode, string(data))
		}
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks/due-today?limit=2", nil, counselorHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("due-today: %d %s", res.StatusCode, string(data))
	}
	var page paginatedTasks
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal page: %v", err)
	}
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("expected 2 items and a cursor, got %d items cursor=%q", len(page.Items), page.NextCursor)
	}

	res2, data2 := doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks/due-today?limit=2&cursor="+page.NextCursor, nil, counselorHeaders())
	if res2.StatusCode != http.StatusOK {
		t.Fatalf("due-today page 2: %d %s", res2.StatusCode, string(data2))
	}
	var page2 paginatedTasks
	if err := json.Unmarshal(data2, &page2); err != nil {
		t.Fatalf("unmarshal page 2: %v", err)
	}
	if len(page2.Items) != 1 || page2.NextCursor != "" {
		t.Fatalf("expected 1 remaining item, got %d cursor=%q", len(page2.Items), page2.NextCursor)
	}
	if page.Items[0].DueAt >= page.Items[1].DueAt {
		t.Fatalf("items not ascending: %s then %s", page.Items[0].DueAt, page.Items[1].DueAt)
	}
}

func TestUnauthenticatedRequestRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks/due-today", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}
}

func TestDevLoginJWTFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"user_id":   "counselor-1",
		"tenant_id": "t1",
		"role":      "counselor",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login: %d %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil {
		t.Fatalf("unmarshal login: %v", err)
	}
	if login.Token == "" {
		t.Fatal("empty token")
	}

	meRes, meData := doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"Authorization": "Bearer " + login.Token,
	})
	if meRes.StatusCode != http.StatusOK {
		t.Fatalf("me: %d %s", meRes.StatusCode, string(meData))
	}
	var me WhoAmIResponse
	if err := json.Unmarshal(meData, &me); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if me.UserID != "counselor-1" || me.TenantID != "t1" || me.Role != "counselor" {
		t.Fatalf("unexpected principal %+v", me)
	}
}

func TestLeadVisibilityOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/leads", map[string]any{
		"name": "Ada Prospect",
	}, counselorHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("create lead: %d %s", res.StatusCode, string(data))
	}
	var lead domain.Lead
	if err := json.Unmarshal(data, &lead); err != nil {
		t.Fatalf("unmarshal lead: %v", err)
	}
	if lead.OwnerID != "counselor-1" {
		t.Fatalf("owner should default to creator, got %q", lead.OwnerID)
	}

	// admin of the same tenant sees the lead
	adminRes, adminData := doJSON(t, client, http.MethodGet, srv.URL+"/v0/leads/"+lead.ID, nil, map[string]string{
		"X-User-Id": "admin-1", "X-Tenant-Id": "t1", "X-Role": "admin",
	})
	if adminRes.StatusCode != http.StatusOK {
		t.Fatalf("admin read: %d %s", adminRes.StatusCode, string(adminData))
	}

	// a user from another tenant never does
	outRes, outData := doJSON(t, client, http.MethodGet, srv.URL+"/v0/leads/"+lead.ID, nil, outsiderHeaders())
	if outRes.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for cross-tenant read, got %d: %s", outRes.StatusCode, string(outData))
	}
}
