package repo

import (
	"context"
	"database/sql"

	"leadline/internal/access"
	"leadline/internal/domain"
)

func (r Repo) InsertTeam(ctx context.Context, t domain.Team) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO teams(id,tenant_id,name,created_at) VALUES (?,?,?,?)`,
		t.ID, t.TenantID, t.Name, t.CreatedAt)
	return err
}

func (r Repo) GetTeam(ctx context.Context, id string) (domain.Team, error) {
	var t domain.Team
	err := r.DB.QueryRowContext(ctx, `SELECT id,tenant_id,name,created_at FROM teams WHERE id=?`, id).
		Scan(&t.ID, &t.TenantID, &t.Name, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

func (r Repo) ListTeams(ctx context.Context, tenantID string) ([]domain.Team, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,tenant_id,name,created_at FROM teams WHERE tenant_id=? ORDER BY created_at DESC`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Team
	for rows.Next() {
		var t domain.Team
		if err := rows.Scan(&t.ID, &t.TenantID, &t.Name, &t.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) AddTeamMember(ctx context.Context, teamID, userID, now string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO team_members(team_id,user_id,created_at) VALUES (?,?,?)`,
		teamID, userID, now)
	return err
}

func (r Repo) RemoveTeamMember(ctx context.Context, teamID, userID string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM team_members WHERE team_id=? AND user_id=?`, teamID, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MembershipsOf implements access.MembershipResolver. A user with no rows
// gets an empty set, never an error.
func (r Repo) MembershipsOf(ctx context.Context, userID string) (access.TeamSet, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT team_id FROM team_members WHERE user_id=?`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	set := access.TeamSet{}
	for rows.Next() {
		var teamID string
		if err := rows.Scan(&teamID); err != nil {
			return nil, err
		}
		set[teamID] = struct{}{}
	}
	return set, rows.Err()
}
