package access

import (
	"context"
	"fmt"

	"leadline/internal/domain"
)

// Action is the kind of access being decided.
type Action string

const (
	ActionRead  Action = "read"
	ActionWrite Action = "write"
)

// Rule identifies which evaluation rule produced a denial.
type Rule string

const (
	RuleTenantIsolation Rule = "tenant_isolation"
	RuleLeadVisibility  Rule = "lead_visibility"
	RuleLeadInsert      Rule = "lead_insert"
)

// DeniedError indicates a deny decision and names the failing rule.
type DeniedError struct {
	Rule Rule
}

func (e DeniedError) Error() string {
	return fmt.Sprintf("access denied: %s", e.Rule)
}

// Decision is the outcome of evaluating a principal/resource/action triple.
type Decision struct {
	Allow bool
	Rule  Rule
}

func permit() Decision        { return Decision{Allow: true} }
func deny(rule Rule) Decision { return Decision{Allow: false, Rule: rule} }

// Err converts a deny decision into a typed error, nil on permit.
func (d Decision) Err() error {
	if d.Allow {
		return nil
	}
	return DeniedError{Rule: d.Rule}
}

// Resource is the minimal view of a protected record the evaluator needs.
// OwnerID and TeamID are only meaningful for leads.
type Resource struct {
	TenantID string
	OwnerID  string
	TeamID   *string
}

// LeadResource adapts a lead row for evaluation.
func LeadResource(l domain.Lead) Resource {
	return Resource{TenantID: l.TenantID, OwnerID: l.OwnerID, TeamID: l.TeamID}
}

// TeamSet is the set of team ids a user belongs to.
type TeamSet map[string]struct{}

func (s TeamSet) Has(teamID string) bool {
	_, ok := s[teamID]
	return ok
}

// NewTeamSet builds a set from a slice of team ids.
func NewTeamSet(ids []string) TeamSet {
	s := make(TeamSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// MembershipResolver returns the teams a user belongs to. Implementations
// must return an empty set, not an error, for users with no memberships.
type MembershipResolver interface {
	MembershipsOf(ctx context.Context, userID string) (TeamSet, error)
}

// DecideTenant applies the tenant-isolation rule alone. It is the outer
// boundary for every resource kind, including tasks, and does not consider
// role, ownership, or team membership.
func DecideTenant(p domain.Principal, tenantID string) Decision {
	if tenantID == "" || tenantID != p.TenantID {
		return deny(RuleTenantIsolation)
	}
	return permit()
}

// Decide evaluates access for a lead resource. The tenant check runs first
// and short-circuits everything else; no role branch is ever reached for a
// cross-tenant resource.
func Decide(p domain.Principal, res Resource, action Action, teams TeamSet) Decision {
	if d := DecideTenant(p, res.TenantID); !d.Allow {
		return d
	}
	switch action {
	case ActionRead:
		if p.Role == domain.RoleAdmin {
			return permit()
		}
		if res.OwnerID != "" && res.OwnerID == p.UserID {
			return permit()
		}
		if res.TeamID != nil && teams.Has(*res.TeamID) {
			return permit()
		}
		return deny(RuleLeadVisibility)
	case ActionWrite:
		// Insert admission: any authenticated tenant member with a known
		// role may create a lead, including one they do not yet own.
		if p.Anonymous() || !p.Role.Valid() {
			return deny(RuleLeadInsert)
		}
		return permit()
	default:
		return deny(RuleLeadVisibility)
	}
}
