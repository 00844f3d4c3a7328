package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"leadline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertTenant(ctx context.Context, t domain.Tenant) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO tenants(id,name,created_at) VALUES (?,?,?)`,
		t.ID, t.Name, t.CreatedAt)
	return err
}

func (r Repo) GetTenant(ctx context.Context, id string) (domain.Tenant, error) {
	var t domain.Tenant
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,created_at FROM tenants WHERE id=?`, id).
		Scan(&t.ID, &t.Name, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

func (r Repo) ListTenants(ctx context.Context) ([]domain.Tenant, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,created_at FROM tenants ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Tenant
	for rows.Next() {
		var t domain.Tenant
		if err := rows.Scan(&t.ID, &t.Name, &t.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// SingleTenant returns the only tenant in the workspace, erroring when the
// choice is ambiguous. Used by the CLI when --tenant is not given.
func (r Repo) SingleTenant(ctx context.Context) (domain.Tenant, error) {
	tenants, err := r.ListTenants(ctx)
	if err != nil {
		return domain.Tenant{}, err
	}
	if len(tenants) == 0 {
		return domain.Tenant{}, ErrNotFound
	}
	if len(tenants) > 1 {
		return domain.Tenant{}, fmt.Errorf("multiple tenants exist; specify --tenant")
	}
	return tenants[0], nil
}

func (r Repo) EnsureTenant(ctx context.Context, tx *sql.Tx, id, name, now string) error {
	if name == "" {
		name = id
	}
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO tenants(id,name,created_at) VALUES (?,?,?)`, id, name, now)
	return err
}

func (r Repo) EnsureUser(ctx context.Context, tx *sql.Tx, u domain.User) error {
	if u.ID == "" {
		return errors.New("user id required")
	}
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO users(id,tenant_id,email,role,created_at) VALUES (?,?,?,?,?)`,
		u.ID, u.TenantID, u.Email, string(u.Role), u.CreatedAt)
	return err
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	var u domain.User
	var role string
	err := r.DB.QueryRowContext(ctx, `SELECT id,tenant_id,COALESCE(email,''),role,created_at FROM users WHERE id=?`, id).
		Scan(&u.ID, &u.TenantID, &u.Email, &role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	u.Role = domain.Role(role)
	return u, err
}

func (r Repo) InsertApplication(ctx context.Context, a domain.Application) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO applications(id,tenant_id,lead_id,program,status,created_at) VALUES (?,?,?,?,?,?)`,
		a.ID, a.TenantID, nullableStringPtr(a.LeadID), nullable(a.Program), a.Status, a.CreatedAt)
	return err
}

func (r Repo) GetApplication(ctx context.Context, id string) (domain.Application, error) {
	var a domain.Application
	var leadID, program sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,tenant_id,lead_id,program,status,created_at FROM applications WHERE id=?`, id).
		Scan(&a.ID, &a.TenantID, &leadID, &program, &a.Status, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if leadID.Valid {
		a.LeadID = &leadID.String
	}
	if program.Valid {
		a.Program = program.String
	}
	return a, err
}

func (r Repo) ListApplications(ctx context.Context, tenantID string) ([]domain.Application, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,tenant_id,lead_id,program,status,created_at FROM applications WHERE tenant_id=? ORDER BY created_at DESC, id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Application
	for rows.Next() {
		var a domain.Application
		var leadID, program sql.NullString
		if err := rows.Scan(&a.ID, &a.TenantID, &leadID, &program, &a.Status, &a.CreatedAt); err != nil {
			return nil, err
		}
		if leadID.Valid {
			a.LeadID = &leadID.String
		}
		if program.Valid {
			a.Program = program.String
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// ApplicationTenant resolves application_id -> tenant_id without loading the row.
func (r Repo) ApplicationTenant(ctx context.Context, id string) (string, error) {
	var tenantID string
	err := r.DB.QueryRowContext(ctx, `SELECT tenant_id FROM applications WHERE id=?`, id).Scan(&tenantID)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return tenantID, err
}

func (r Repo) InsertLeadTx(ctx context.Context, tx *sql.Tx, l domain.Lead) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO leads(id,tenant_id,owner_id,team_id,name,email,phone,status,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		l.ID, l.TenantID, l.OwnerID, nullableStringPtr(l.TeamID), l.Name, nullable(l.Email), nullable(l.Phone), l.Status, l.CreatedAt, l.UpdatedAt)
	return err
}

func scanLead(scan func(dest ...any) error) (domain.Lead, error) {
	var l domain.Lead
	var teamID, email, phone sql.NullString
	err := scan(&l.ID, &l.TenantID, &l.OwnerID, &teamID, &l.Name, &email, &phone, &l.Status, &l.CreatedAt, &l.UpdatedAt)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	if err != nil {
		return l, err
	}
	if teamID.Valid {
		l.TeamID = &teamID.String
	}
	if email.Valid {
		l.Email = email.String
	}
	if phone.Valid {
		l.Phone = phone.String
	}
	return l, nil
}

const leadColumns = `id,tenant_id,owner_id,team_id,name,email,phone,status,created_at,updated_at`

func (r Repo) GetLead(ctx context.Context, id string) (domain.Lead, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+leadColumns+` FROM leads WHERE id=?`, id)
	return scanLead(row.Scan)
}

// LeadFilters narrows ListLeads. When Admin is false the visible set is
// owned-by OwnerID or shared with one of TeamIDs; the membership set is
// resolved by the caller, never joined here.
type LeadFilters struct {
	TenantID string
	Admin    bool
	OwnerID  string
	TeamIDs  []string
	Status   string
	Limit    int
}

func (r Repo) ListLeads(ctx context.Context, f LeadFilters) ([]domain.Lead, error) {
	clauses := []string{"tenant_id=?"}
	args := []any{f.TenantID}
	if !f.Admin {
		visibility := []string{"owner_id=?"}
		args = append(args, f.OwnerID)
		if len(f.TeamIDs) > 0 {
			placeholders := strings.TrimSuffix(strings.Repeat("?,", len(f.TeamIDs)), ",")
			visibility = append(visibility, "team_id IN ("+placeholders+")")
			for _, id := range f.TeamIDs {
				args = append(args, id)
			}
		}
		clauses = append(clauses, "("+strings.Join(visibility, " OR ")+")")
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	query := `SELECT ` + leadColumns + ` FROM leads WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Lead
	for rows.Next() {
		l, err := scanLead(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

func (r Repo) UpdateLeadAssignment(ctx context.Context, tx *sql.Tx, id string, ownerID string, teamID *string, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE leads SET owner_id=?, team_id=?, updated_at=? WHERE id=?`,
		ownerID, nullableStringPtr(teamID), updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// LatestEvents returns the newest events for a tenant, optionally filtered.
func (r Repo) LatestEvents(ctx context.Context, limit int, tenantID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"tenant_id=?"}
	args := []any{tenantID}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	query := `SELECT id,ts,type,COALESCE(tenant_id,''),entity_kind,COALESCE(entity_id,''),user_id,payload_json FROM events WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id DESC`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.TenantID, &e.EntityKind, &e.EntityID, &e.UserID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the highest event id for a tenant, 0 when empty.
func (r Repo) LatestEventID(ctx context.Context, tenantID string) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events WHERE tenant_id=?`, tenantID).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// EventsAfter returns events with id greater than cursor, oldest first.
// Backs the webhook dispatcher.
func (r Repo) EventsAfter(ctx context.Context, tenantID string, afterID int64, limit int) ([]domain.Event, error) {
	query := `SELECT id,ts,type,COALESCE(tenant_id,''),entity_kind,COALESCE(entity_id,''),user_id,payload_json FROM events
WHERE tenant_id=? AND id>? ORDER BY id ASC LIMIT ?`
	rows, err := r.DB.QueryContext(ctx, query, tenantID, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.TenantID, &e.EntityKind, &e.EntityID, &e.UserID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
