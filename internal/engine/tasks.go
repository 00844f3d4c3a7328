package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"leadline/internal/access"
	"leadline/internal/domain"
	"leadline/internal/events"
	"leadline/internal/repo"
)

// CreateTask validates a follow-up request and persists it with status open.
// The task's tenant is derived from the referenced application, never from
// the caller; a principal from another tenant is denied before any write.
func (e Engine) CreateTask(ctx context.Context, p domain.Principal, applicationID, taskType, dueAt string) (domain.Task, error) {
	if applicationID == "" {
		return domain.Task{}, ValidationError{Field: "application_id", Reason: "required"}
	}
	kind := domain.TaskType(taskType)
	if !kind.Valid() {
		return domain.Task{}, ValidationError{Field: "task_type", Reason: "must be one of call, email, review"}
	}
	if dueAt == "" {
		return domain.Task{}, ValidationError{Field: "due_at", Reason: "required"}
	}
	due, err := time.Parse(time.RFC3339, dueAt)
	if err != nil {
		return domain.Task{}, ValidationError{Field: "due_at", Reason: "invalid timestamp"}
	}
	if !due.After(e.now()) {
		// strict future; equality with "now" is rejected too
		return domain.Task{}, ValidationError{Field: "due_at", Reason: "must be in the future"}
	}
	tenantID, err := e.Repo.ApplicationTenant(ctx, applicationID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Task{}, ValidationError{Field: "application_id", Reason: "unknown application"}
		}
		return domain.Task{}, err
	}
	if err := access.DecideTenant(p, tenantID).Err(); err != nil {
		return domain.Task{}, err
	}

	now := e.now().UTC()
	t := domain.Task{
		ID:            uuid.New().String(),
		TenantID:      tenantID,
		ApplicationID: applicationID,
		Type:          kind,
		Status:        domain.TaskStatusOpen,
		DueAt:         due.UTC().Format(time.RFC3339Nano),
		CreatedAt:     now.Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertTaskTx(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, tx, "task.created", t.TenantID, "task", t.ID, p.UserID, events.EventPayload{
		"type":   string(t.Type),
		"due_at": t.DueAt,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// CompleteTask moves a task from open to completed exactly once. Completing
// an already-completed task is a no-op success: optimistic-update clients
// may retry after a partial failure and must not see a spurious error for a
// completion that already landed.
func (e Engine) CompleteTask(ctx context.Context, p domain.Principal, taskID string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := access.DecideTenant(p, t.TenantID).Err(); err != nil {
		return domain.Task{}, err
	}
	if t.Status == domain.TaskStatusCompleted {
		return t, nil
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	nowStr := e.now().UTC().Format(time.RFC3339)
	transitioned, err := e.Repo.CompleteTaskIfOpen(ctx, tx, t.ID, nowStr)
	if err != nil {
		return domain.Task{}, err
	}
	if !transitioned {
		// A concurrent completion won the conditional update; report the
		// stored row as success with no second transition side effect.
		current, err := e.Repo.GetTaskTx(ctx, tx, t.ID)
		if err != nil {
			return domain.Task{}, err
		}
		if err := tx.Commit(); err != nil {
			return domain.Task{}, err
		}
		return current, nil
	}
	if err := e.Events.Append(ctx, tx, "task.completed", t.TenantID, "task", t.ID, p.UserID, events.EventPayload{
		"completed_at": nowStr,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	t.Status = domain.TaskStatusCompleted
	t.CompletedAt = &nowStr
	return t, nil
}

// GetTask fetches a task with tenant-wide visibility: any member of the
// task's tenant may read it.
func (e Engine) GetTask(ctx context.Context, p domain.Principal, taskID string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := access.DecideTenant(p, t.TenantID).Err(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// DueQuery pages through a due-today listing.
type DueQuery struct {
	Limit       int
	CursorDueAt string
	CursorID    string
}

// ListDueToday returns the principal's tenant tasks that are not completed
// and fall due on the asOf day, ascending by due time. The day window is
// computed in the deployment's configured reference zone so every user of a
// tenant sees the same "today".
func (e Engine) ListDueToday(ctx context.Context, p domain.Principal, asOf time.Time, q DueQuery) ([]domain.Task, error) {
	loc := e.location()
	day := asOf.In(loc)
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, loc)
	end := start.AddDate(0, 0, 1)
	return e.Repo.ListTasksDueBetween(ctx, repo.TaskDueFilters{
		TenantID:    p.TenantID,
		Start:       start.UTC().Format(time.RFC3339Nano),
		End:         end.UTC().Format(time.RFC3339Nano),
		Limit:       q.Limit,
		CursorDueAt: q.CursorDueAt,
		CursorID:    q.CursorID,
	})
}
