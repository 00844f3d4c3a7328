package access_test

import (
	"testing"

	"leadline/internal/access"
	"leadline/internal/domain"
)

func strPtr(s string) *string { return &s }

func TestTenantIsolationIsAbsolute(t *testing.T) {
	// Cross-tenant resources are denied for every role, even for an admin
	// who owns the row and sits on its team.
	teams := access.NewTeamSet([]string{"team-1"})
	for _, role := range []domain.Role{domain.RoleAdmin, domain.RoleCounselor} {
		p := domain.Principal{TenantID: "t1", UserID: "u1", Role: role}
		res := access.Resource{TenantID: "t2", OwnerID: "u1", TeamID: strPtr("team-1")}
		for _, action := range []access.Action{access.ActionRead, access.ActionWrite} {
			d := access.Decide(p, res, action, teams)
			if d.Allow {
				t.Fatalf("role %s action %s: expected deny across tenants", role, action)
			}
			if d.Rule != access.RuleTenantIsolation {
				t.Fatalf("expected tenant_isolation rule, got %s", d.Rule)
			}
		}
	}
}

func TestAdminReadsAnyTenantLead(t *testing.T) {
	p := domain.Principal{TenantID: "t1", UserID: "admin-1", Role: domain.RoleAdmin}
	res := access.Resource{TenantID: "t1", OwnerID: "someone-else"}
	if d := access.Decide(p, res, access.ActionRead, nil); !d.Allow {
		t.Fatalf("admin read denied: %s", d.Rule)
	}
}

func TestOwnershipPath(t *testing.T) {
	p := domain.Principal{TenantID: "t1", UserID: "u1", Role: domain.RoleCounselor}
	res := access.Resource{TenantID: "t1", OwnerID: "u1"}
	// no team relation at all
	if d := access.Decide(p, res, access.ActionRead, access.TeamSet{}); !d.Allow {
		t.Fatalf("owner read denied: %s", d.Rule)
	}
}

func TestTeamPath(t *testing.T) {
	p := domain.Principal{TenantID: "t1", UserID: "u1", Role: domain.RoleCounselor}
	teams := access.NewTeamSet([]string{"team-a", "team-b"})

	shared := access.Resource{TenantID: "t1", OwnerID: "u2", TeamID: strPtr("team-b")}
	if d := access.Decide(p, shared, access.ActionRead, teams); !d.Allow {
		t.Fatalf("team member read denied: %s", d.Rule)
	}

	// A null team never grants access through the team branch.
	unshared := access.Resource{TenantID: "t1", OwnerID: "u2", TeamID: nil}
	if d := access.Decide(p, unshared, access.ActionRead, teams); d.Allow {
		t.Fatal("nil team granted access")
	}

	other := access.Resource{TenantID: "t1", OwnerID: "u2", TeamID: strPtr("team-z")}
	if d := access.Decide(p, other, access.ActionRead, teams); d.Allow {
		t.Fatal("non-member team granted access")
	}
}

func TestCounselorDeniedWithoutRelation(t *testing.T) {
	p := domain.Principal{TenantID: "t1", UserID: "u1", Role: domain.RoleCounselor}
	res := access.Resource{TenantID: "t1", OwnerID: "u2", TeamID: strPtr("team-a")}
	d := access.Decide(p, res, access.ActionRead, access.TeamSet{})
	if d.Allow {
		t.Fatal("expected deny for unrelated counselor")
	}
	if d.Rule != access.RuleLeadVisibility {
		t.Fatalf("expected lead_visibility rule, got %s", d.Rule)
	}
}

func TestInsertAdmission(t *testing.T) {
	res := access.Resource{TenantID: "t1"}

	counselor := domain.Principal{TenantID: "t1", UserID: "u1", Role: domain.RoleCounselor}
	if d := access.Decide(counselor, res, access.ActionWrite, nil); !d.Allow {
		t.Fatalf("counselor insert denied: %s", d.Rule)
	}

	anon := domain.Principal{TenantID: "t1", Role: domain.RoleCounselor}
	if d := access.Decide(anon, res, access.ActionWrite, nil); d.Allow {
		t.Fatal("anonymous principal allowed to insert")
	}

	unknownRole := domain.Principal{TenantID: "t1", UserID: "u1", Role: "viewer"}
	if d := access.Decide(unknownRole, res, access.ActionWrite, nil); d.Allow {
		t.Fatal("unknown role allowed to insert")
	}
}

func TestDecideTenantForTasks(t *testing.T) {
	p := domain.Principal{TenantID: "t1", UserID: "u1", Role: domain.RoleCounselor}
	if d := access.DecideTenant(p, "t1"); !d.Allow {
		t.Fatalf("same-tenant task access denied: %s", d.Rule)
	}
	if d := access.DecideTenant(p, "t2"); d.Allow {
		t.Fatal("cross-tenant task access permitted")
	}
	if d := access.DecideTenant(p, ""); d.Allow {
		t.Fatal("empty tenant permitted")
	}
}

func TestDecisionErr(t *testing.T) {
	p := domain.Principal{TenantID: "t1", UserID: "u1", Role: domain.RoleAdmin}
	if err := access.DecideTenant(p, "t1").Err(); err != nil {
		t.Fatalf("unexpected error on permit: %v", err)
	}
	err := access.DecideTenant(p, "t2").Err()
	denied, ok := err.(access.DeniedError)
	if !ok {
		t.Fatalf("expected DeniedError, got %T", err)
	}
	if denied.Rule != access.RuleTenantIsolation {
		t.Fatalf("unexpected rule %s", denied.Rule)
	}
}
