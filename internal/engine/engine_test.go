package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"leadline/internal/access"
	"leadline/internal/config"
	"leadline/internal/db"
	"leadline/internal/domain"
	"leadline/internal/engine"
	"leadline/internal/migrate"
	"leadline/internal/repo"
)

var testNow = time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("t1")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return testNow }
	env := testEnv{Engine: eng, Ctx: context.Background()}
	env.seed(t)
	return env
}

// seed creates two tenants with users, a team, and one application each.
func (env testEnv) seed(t *testing.T) {
	t.Helper()
	r := env.Engine.Repo
	now := testNow.Format(time.RFC3339)
	tx, err := r.DB.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	for _, tenant := range []string{"t1", "t2"} {
		if err := r.EnsureTenant(env.Ctx, tx, tenant, tenant, now); err != nil {
			t.Fatalf("tenant %s: %v", tenant, err)
		}
	}
	users := []domain.User{
		{ID: "admin-1", TenantID: "t1", Role: domain.RoleAdmin, CreatedAt: now},
		{ID: "counselor-1", TenantID: "t1", Role: domain.RoleCounselor, CreatedAt: now},
		{ID: "counselor-2", TenantID: "t1", Role: domain.RoleCounselor, CreatedAt: now},
		{ID: "outsider", TenantID: "t2", Role: domain.RoleCounselor, CreatedAt: now},
	}
	for _, u := range users {
		if err := r.EnsureUser(env.Ctx, tx, u); err != nil {
			t.Fatalf("user %s: %v", u.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit seed: %v", err)
	}
	if err := r.InsertTeam(env.Ctx, domain.Team{ID: "team-a", TenantID: "t1", Name: "Admissions", CreatedAt: now}); err != nil {
		t.Fatalf("team: %v", err)
	}
	if err := r.AddTeamMember(env.Ctx, "team-a", "counselor-2", now); err != nil {
		t.Fatalf("member: %v", err)
	}
	apps := []domain.Application{
		{ID: "app-t1", TenantID: "t1", Status: "submitted", CreatedAt: now},
		{ID: "app-t2", TenantID: "t2", Status: "submitted", CreatedAt: now},
	}
	for _, a := range apps {
		if err := r.InsertApplication(env.Ctx, a); err != nil {
			t.Fatalf("application %s: %v", a.ID, err)
		}
	}
}

func counselor1() domain.Principal {
	return domain.Principal{TenantID: "t1", UserID: "counselor-1", Role: domain.RoleCounselor}
}

func admin1() domain.Principal {
	return domain.Principal{TenantID: "t1", UserID: "admin-1", Role: domain.RoleAdmin}
}

func TestCreateTaskRejectsUnknownType(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateTask(env.Ctx, counselor1(), "app-t1", "sms", testNow.Add(time.Hour).Format(time.RFC3339))
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if ve.Field != "task_type" {
		t.Fatalf("unexpected field %s", ve.Field)
	}
}

func TestCreateTaskRequiresStrictFuture(t *testing.T) {
	env := newTestEnv(t)
	p := counselor1()

	// equal to "now" is rejected
	_, err := env.Engine.CreateTask(env.Ctx, p, "app-t1", "call", testNow.Format(time.RFC3339))
	var ve engine.ValidationError
	if !errors.As(err, &ve) || ve.Field != "due_at" {
		t.Fatalf("expected due_at validation error, got %v", err)
	}

	// one second in the future succeeds
	task, err := env.Engine.CreateTask(env.Ctx, p, "app-t1", "call", testNow.Add(time.Second).Format(time.RFC3339))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if task.Status != domain.TaskStatusOpen {
		t.Fatalf("expected open, got %s", task.Status)
	}
	if task.ID == "" {
		t.Fatal("expected assigned id")
	}
}

func TestCreateTaskRejectsUnparsableDueDate(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateTask(env.Ctx, counselor1(), "app-t1", "call", "next tuesday")
	var ve engine.ValidationError
	if !errors.As(err, &ve) || ve.Field != "due_at" {
		t.Fatalf("expected due_at validation error, got %v", err)
	}
}

func TestCreateTaskUnknownApplication(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateTask(env.Ctx, counselor1(), "app-missing", "call", testNow.Add(time.Hour).Format(time.RFC3339))
	var ve engine.ValidationError
	if !errors.As(err, &ve) || ve.Field != "application_id" {
		t.Fatalf("expected application_id validation error, got %v", err)
	}
}

func TestCreateTaskDerivesTenantAndDeniesCrossTenant(t *testing.T) {
	env := newTestEnv(t)

	// same tenant: tenant id comes from the application, not the request
	task, err := env.Engine.CreateTask(env.Ctx, counselor1(), "app-t1", "email", testNow.Add(time.Hour).Format(time.RFC3339))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if task.TenantID != "t1" {
		t.Fatalf("expected derived tenant t1, got %s", task.TenantID)
	}

	// cross tenant: denied before anything is persisted, even with a valid id
	_, err = env.Engine.CreateTask(env.Ctx, counselor1(), "app-t2", "email", testNow.Add(time.Hour).Format(time.RFC3339))
	var denied access.DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected DeniedError, got %v", err)
	}
	if denied.Rule != access.RuleTenantIsolation {
		t.Fatalf("unexpected rule %s", denied.Rule)
	}
	counts, err := env.Engine.Repo.CountTasksByStatus(env.Ctx, "t2")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts[string(domain.TaskStatusOpen)] != 0 {
		t.Fatal("cross-tenant create leaked a persisted task")
	}
}

func TestCompleteTaskIdempotent(t *testing.T) {
	env := newTestEnv(t)
	p := counselor1()
	task, err := env.Engine.CreateTask(env.Ctx, p, "app-t1", "call", testNow.Add(time.Hour).Format(time.RFC3339))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	first, err := env.Engine.CompleteTask(env.Ctx, p, task.ID)
	if err != nil {
		t.Fatalf("first complete: %v", err)
	}
	if first.Status != domain.TaskStatusCompleted || first.CompletedAt == nil {
		t.Fatalf("expected completed with timestamp, got %+v", first)
	}

	second, err := env.Engine.CompleteTask(env.Ctx, p, task.ID)
	if err != nil {
		t.Fatalf("second complete: %v", err)
	}
	if second.Status != domain.TaskStatusCompleted {
		t.Fatalf("expected completed, got %s", second.Status)
	}
	if *second.CompletedAt != *first.CompletedAt {
		t.Fatal("second completion moved the audit timestamp")
	}

	// exactly one transition event
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 0, "t1", "task.completed", "", task.ID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(evts) != 1 {
		t.Fatalf("expected 1 task.completed event, got %d", len(evts))
	}
}

func TestCompleteTaskTenantIsolation(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, counselor1(), "app-t1", "call", testNow.Add(time.Hour).Format(time.RFC3339))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	outsider := domain.Principal{TenantID: "t2", UserID: "outsider", Role: domain.RoleCounselor}
	_, err = env.Engine.CompleteTask(env.Ctx, outsider, task.ID)
	var denied access.DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected DeniedError, got %v", err)
	}
}

func TestCompleteTaskNotFound(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CompleteTask(env.Ctx, counselor1(), "no-such-task")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListDueTodayBoundaries(t *testing.T) {
	env := newTestEnv(t)
	p := counselor1()

	mk := func(due time.Time) domain.Task {
		t.Helper()
		task, err := env.Engine.CreateTask(env.Ctx, p, "app-t1", "call", due.Format(time.RFC3339Nano))
		if err != nil {
			t.Fatalf("create %s: %v", due, err)
		}
		return task
	}

	lastMoment := mk(time.Date(2024, 3, 15, 23, 59, 59, 999_000_000, time.UTC))
	nextMidnight := mk(time.Date(2024, 3, 16, 0, 0, 0, 0, time.UTC))
	midday := mk(time.Date(2024, 3, 15, 14, 30, 0, 0, time.UTC))

	tasks, err := env.Engine.ListDueToday(env.Ctx, p, testNow, engine.DueQuery{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	ids := map[string]bool{}
	for _, task := range tasks {
		ids[task.ID] = true
	}
	if !ids[lastMoment.ID] {
		t.Fatal("23:59:59.999 of the reference day should be included")
	}
	if ids[nextMidnight.ID] {
		t.Fatal("00:00:00.000 of the next day should be excluded")
	}
	if !ids[midday.ID] {
		t.Fatal("midday task missing")
	}

	// ascending by due_at
	if len(tasks) != 2 || tasks[0].ID != midday.ID || tasks[1].ID != lastMoment.ID {
		t.Fatalf("expected [midday, lastMoment] ordering, got %d tasks", len(tasks))
	}
}

func TestListDueTodayExcludesCompleted(t *testing.T) {
	env := newTestEnv(t)
	p := counselor1()
	due := time.Date(2024, 3, 15, 16, 0, 0, 0, time.UTC)
	task, err := env.Engine.CreateTask(env.Ctx, p, "app-t1", "review", due.Format(time.RFC3339))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.Engine.CompleteTask(env.Ctx, p, task.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	tasks, err := env.Engine.ListDueToday(env.Ctx, p, testNow, engine.DueQuery{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, got := range tasks {
		if got.ID == task.ID {
			t.Fatal("completed task listed as due")
		}
	}
}

func TestListDueTodayTenantScoped(t *testing.T) {
	env := newTestEnv(t)
	outsider := domain.Principal{TenantID: "t2", UserID: "outsider", Role: domain.RoleCounselor}
	due := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	if _, err := env.Engine.CreateTask(env.Ctx, outsider, "app-t2", "call", due.Format(time.RFC3339)); err != nil {
		t.Fatalf("create: %v", err)
	}
	tasks, err := env.Engine.ListDueToday(env.Ctx, counselor1(), testNow, engine.DueQuery{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("cross-tenant tasks leaked into listing: %d", len(tasks))
	}
}

func TestLeadVisibilityPaths(t *testing.T) {
	env := newTestEnv(t)
	owner := counselor1()

	teamID := "team-a"
	shared, err := env.Engine.CreateLead(env.Ctx, owner, engine.LeadCreateOptions{Name: "Shared Lead", TeamID: &teamID})
	if err != nil {
		t.Fatalf("create shared: %v", err)
	}
	private, err := env.Engine.CreateLead(env.Ctx, owner, engine.LeadCreateOptions{Name: "Private Lead"})
	if err != nil {
		t.Fatalf("create private: %v", err)
	}

	// owner reads both
	if _, err := env.Engine.GetLead(env.Ctx, owner, private.ID); err != nil {
		t.Fatalf("owner read: %v", err)
	}

	// admin reads both without any team relation
	if _, err := env.Engine.GetLead(env.Ctx, admin1(), private.ID); err != nil {
		t.Fatalf("admin read: %v", err)
	}

	// team member reads the shared lead but not the private one
	member := domain.Principal{TenantID: "t1", UserID: "counselor-2", Role: domain.RoleCounselor}
	if _, err := env.Engine.GetLead(env.Ctx, member, shared.ID); err != nil {
		t.Fatalf("team member read: %v", err)
	}
	_, err = env.Engine.GetLead(env.Ctx, member, private.ID)
	var denied access.DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected deny for unrelated counselor, got %v", err)
	}

	// cross-tenant principal is denied regardless of role
	outsider := domain.Principal{TenantID: "t2", UserID: "outsider", Role: domain.RoleAdmin}
	_, err = env.Engine.GetLead(env.Ctx, outsider, shared.ID)
	if !errors.As(err, &denied) || denied.Rule != access.RuleTenantIsolation {
		t.Fatalf("expected tenant isolation deny, got %v", err)
	}
}

func TestListLeadsFiltersToVisibleSet(t *testing.T) {
	env := newTestEnv(t)
	owner := counselor1()
	teamID := "team-a"
	if _, err := env.Engine.CreateLead(env.Ctx, owner, engine.LeadCreateOptions{Name: "Shared", TeamID: &teamID}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.Engine.CreateLead(env.Ctx, owner, engine.LeadCreateOptions{Name: "Private"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	member := domain.Principal{TenantID: "t1", UserID: "counselor-2", Role: domain.RoleCounselor}
	visible, err := env.Engine.ListLeads(env.Ctx, member, "", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(visible) != 1 || visible[0].Name != "Shared" {
		t.Fatalf("expected only the shared lead, got %d", len(visible))
	}

	all, err := env.Engine.ListLeads(env.Ctx, admin1(), "", 0)
	if err != nil {
		t.Fatalf("admin list: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("admin should see both leads, got %d", len(all))
	}
}

func TestAssignLeadKeepsTeamWhenOmitted(t *testing.T) {
	env := newTestEnv(t)
	owner := counselor1()
	teamID := "team-a"
	l, err := env.Engine.CreateLead(env.Ctx, owner, engine.LeadCreateOptions{Name: "Handoff Lead", TeamID: &teamID})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// owner-only reassignment leaves the team untouched
	assigned, err := env.Engine.AssignLead(env.Ctx, owner, l.ID, "counselor-2", nil)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if assigned.OwnerID != "counselor-2" {
		t.Fatalf("owner not reassigned, got %q", assigned.OwnerID)
	}
	if assigned.TeamID == nil || *assigned.TeamID != "team-a" {
		t.Fatalf("team should survive an owner-only reassignment, got %v", assigned.TeamID)
	}
	stored, err := env.Engine.GetLead(env.Ctx, admin1(), l.ID)
	if err != nil {
		t.Fatalf("re-read: %v", err)
	}
	if stored.TeamID == nil || *stored.TeamID != "team-a" {
		t.Fatalf("stored team should survive, got %v", stored.TeamID)
	}

	// an explicit empty team removes it
	empty := ""
	cleared, err := env.Engine.AssignLead(env.Ctx, admin1(), l.ID, "", &empty)
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if cleared.TeamID != nil {
		t.Fatalf("team should be cleared, got %v", cleared.TeamID)
	}
	if cleared.OwnerID != "counselor-2" {
		t.Fatalf("omitted owner should be kept, got %q", cleared.OwnerID)
	}
}

func TestAssignLeadUnknownTeamRejected(t *testing.T) {
	env := newTestEnv(t)
	owner := counselor1()
	l, err := env.Engine.CreateLead(env.Ctx, owner, engine.LeadCreateOptions{Name: "Lead"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	bogus := "team-nope"
	_, err = env.Engine.AssignLead(env.Ctx, owner, l.ID, "", &bogus)
	var verr engine.ValidationError
	if !errors.As(err, &verr) || verr.Field != "team_id" {
		t.Fatalf("expected team_id validation error, got %v", err)
	}
}

func TestEndToEndCounselorFlow(t *testing.T) {
	env := newTestEnv(t)
	p := counselor1()
	tomorrow := testNow.Add(24 * time.Hour)

	task, err := env.Engine.CreateTask(env.Ctx, p, "app-t1", "call", tomorrow.Format(time.RFC3339))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if task.Status != domain.TaskStatusOpen {
		t.Fatalf("expected open, got %s", task.Status)
	}

	done, err := env.Engine.CompleteTask(env.Ctx, p, task.ID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != domain.TaskStatusCompleted {
		t.Fatalf("expected completed, got %s", done.Status)
	}

	// excluded from today's listing: wrong day, and completed besides
	due, err := env.Engine.ListDueToday(env.Ctx, p, testNow, engine.DueQuery{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, got := range due {
		if got.ID == task.ID {
			t.Fatal("completed task appeared in due-today listing")
		}
	}
}
