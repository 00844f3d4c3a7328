package repo

import (
	"context"
	"database/sql"

	"leadline/internal/domain"
)

const taskColumns = `id,tenant_id,application_id,type,status,due_at,created_at,completed_at`

func scanTask(scan func(dest ...any) error) (domain.Task, error) {
	var t domain.Task
	var taskType, status string
	var completedAt sql.NullString
	err := scan(&t.ID, &t.TenantID, &t.ApplicationID, &taskType, &status, &t.DueAt, &t.CreatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Type = domain.TaskType(taskType)
	t.Status = domain.TaskStatus(status)
	if completedAt.Valid {
		t.CompletedAt = &completedAt.String
	}
	return t, nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}

func (r Repo) InsertTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(id,tenant_id,application_id,type,status,due_at,created_at,completed_at) VALUES (?,?,?,?,?,?,?,?)`,
		t.ID, t.TenantID, t.ApplicationID, string(t.Type), string(t.Status), t.DueAt, t.CreatedAt, nullableStringPtr(t.CompletedAt))
	return err
}

// CompleteTaskIfOpen performs the conditional status transition. It returns
// true when this call made the transition and false when the row was already
// completed (or completed concurrently); the WHERE clause makes the check
// and the write one atomic statement.
func (r Repo) CompleteTaskIfOpen(ctx context.Context, tx *sql.Tx, id, completedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?, completed_at=? WHERE id=? AND status=?`,
		string(domain.TaskStatusCompleted), completedAt, id, string(domain.TaskStatusOpen))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}

// TaskDueFilters selects open tasks inside a due window. Start is inclusive,
// End exclusive; julianday comparisons keep sub-second boundaries exact.
type TaskDueFilters struct {
	TenantID    string
	Start       string
	End         string
	Limit       int
	CursorDueAt string
	CursorID    string
}

func (r Repo) ListTasksDueBetween(ctx context.Context, f TaskDueFilters) ([]domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks
WHERE tenant_id=? AND status<>? AND julianday(due_at)>=julianday(?) AND julianday(due_at)<julianday(?)`
	args := []any{f.TenantID, string(domain.TaskStatusCompleted), f.Start, f.End}
	if f.CursorDueAt != "" && f.CursorID != "" {
		query += ` AND (julianday(due_at)>julianday(?) OR (due_at=? AND id>?))`
		args = append(args, f.CursorDueAt, f.CursorDueAt, f.CursorID)
	}
	query += ` ORDER BY julianday(due_at) ASC, id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) CountTasksByStatus(ctx context.Context, tenantID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks WHERE tenant_id=? GROUP BY status`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
