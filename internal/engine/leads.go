package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"leadline/internal/access"
	"leadline/internal/domain"
	"leadline/internal/events"
	"leadline/internal/repo"
)

// LeadCreateOptions are parameters for creating a lead.
type LeadCreateOptions struct {
	Name    string
	Email   string
	Phone   string
	OwnerID string
	TeamID  *string
}

// CreateLead admits an insert for any authenticated tenant member with a
// known role; no ownership check applies (a counselor may create a lead
// they do not yet own).
func (e Engine) CreateLead(ctx context.Context, p domain.Principal, opts LeadCreateOptions) (domain.Lead, error) {
	if opts.Name == "" {
		return domain.Lead{}, ValidationError{Field: "name", Reason: "required"}
	}
	if err := access.Decide(p, access.Resource{TenantID: p.TenantID}, access.ActionWrite, nil).Err(); err != nil {
		return domain.Lead{}, err
	}
	ownerID := opts.OwnerID
	if ownerID == "" {
		ownerID = p.UserID
	}
	if opts.TeamID != nil {
		team, err := e.Repo.GetTeam(ctx, *opts.TeamID)
		if err != nil {
			return domain.Lead{}, ValidationError{Field: "team_id", Reason: "unknown team"}
		}
		if team.TenantID != p.TenantID {
			return domain.Lead{}, ValidationError{Field: "team_id", Reason: "unknown team"}
		}
	}
	now := e.now().UTC().Format(time.RFC3339)
	l := domain.Lead{
		ID:        uuid.New().String(),
		TenantID:  p.TenantID,
		OwnerID:   ownerID,
		TeamID:    opts.TeamID,
		Name:      opts.Name,
		Email:     opts.Email,
		Phone:     opts.Phone,
		Status:    "new",
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Lead{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertLeadTx(ctx, tx, l); err != nil {
		return domain.Lead{}, err
	}
	if err := e.Events.Append(ctx, tx, "lead.created", l.TenantID, "lead", l.ID, p.UserID, events.EventPayload{
		"owner_id": l.OwnerID,
	}); err != nil {
		return domain.Lead{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Lead{}, err
	}
	return l, nil
}

// GetLead fetches a lead the principal is permitted to read: admin, owner,
// or member of the lead's team. Memberships are resolved only when the
// cheaper branches do not already settle the decision.
func (e Engine) GetLead(ctx context.Context, p domain.Principal, leadID string) (domain.Lead, error) {
	l, err := e.Repo.GetLead(ctx, leadID)
	if err != nil {
		return domain.Lead{}, err
	}
	teams := access.TeamSet{}
	if p.Role != domain.RoleAdmin && l.OwnerID != p.UserID && l.TeamID != nil {
		teams, err = e.Repo.MembershipsOf(ctx, p.UserID)
		if err != nil {
			return domain.Lead{}, err
		}
	}
	if err := access.Decide(p, access.LeadResource(l), access.ActionRead, teams).Err(); err != nil {
		return domain.Lead{}, err
	}
	return l, nil
}

// ListLeads returns the tenant leads visible to the principal: all of them
// for an admin, otherwise owned leads plus leads shared with a team the
// principal belongs to.
func (e Engine) ListLeads(ctx context.Context, p domain.Principal, status string, limit int) ([]domain.Lead, error) {
	admin := p.Role == domain.RoleAdmin
	var teamIDs []string
	if !admin {
		set, err := e.Repo.MembershipsOf(ctx, p.UserID)
		if err != nil {
			return nil, err
		}
		for id := range set {
			teamIDs = append(teamIDs, id)
		}
	}
	return e.Repo.ListLeads(ctx, repo.LeadFilters{
		TenantID: p.TenantID,
		Admin:    admin,
		OwnerID:  p.UserID,
		TeamIDs:  teamIDs,
		Status:   status,
		Limit:    limit,
	})
}

// AssignLead moves a lead to a new owner and/or team. Only an admin or the
// current owner may reassign. A nil teamID keeps the current team; a pointer
// to the empty string removes the team.
func (e Engine) AssignLead(ctx context.Context, p domain.Principal, leadID, newOwnerID string, teamID *string) (domain.Lead, error) {
	l, err := e.GetLead(ctx, p, leadID)
	if err != nil {
		return domain.Lead{}, err
	}
	if p.Role != domain.RoleAdmin && l.OwnerID != p.UserID {
		return domain.Lead{}, access.DeniedError{Rule: access.RuleLeadVisibility}
	}
	if newOwnerID == "" {
		newOwnerID = l.OwnerID
	}
	switch {
	case teamID == nil:
		teamID = l.TeamID
	case *teamID == "":
		teamID = nil
	default:
		team, err := e.Repo.GetTeam(ctx, *teamID)
		if err != nil || team.TenantID != p.TenantID {
			return domain.Lead{}, ValidationError{Field: "team_id", Reason: "unknown team"}
		}
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Lead{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateLeadAssignment(ctx, tx, l.ID, newOwnerID, teamID, now); err != nil {
		return domain.Lead{}, err
	}
	if err := e.Events.Append(ctx, tx, "lead.assigned", l.TenantID, "lead", l.ID, p.UserID, events.EventPayload{
		"from_owner": l.OwnerID,
		"to_owner":   newOwnerID,
	}); err != nil {
		return domain.Lead{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Lead{}, err
	}
	l.OwnerID = newOwnerID
	l.TeamID = teamID
	l.UpdatedAt = now
	return l, nil
}
