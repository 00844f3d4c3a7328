package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"leadline/internal/config"
	"leadline/internal/domain"
	"leadline/internal/repo"
)

// ResolveTenantAndConfig picks the active tenant and ensures tenant + acting
// user exist in the DB, seeding defaults if missing. It prefers the explicit
// override, then the workspace config file, then a single-tenant DB.
func ResolveTenantAndConfig(ctx context.Context, workspace, tenantOverride, userID string, role domain.Role, r repo.Repo) (string, *config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return "", nil, err
	}
	tenantID := tenantOverride
	if tenantID == "" && cfg != nil {
		tenantID = cfg.Tenant.ID
	}
	if tenantID == "" {
		if t, err := r.SingleTenant(ctx); err == nil {
			tenantID = t.ID
		} else {
			return "", nil, fmt.Errorf("tenant not specified; use --tenant")
		}
	}
	if cfg == nil {
		cfg = config.Default(tenantID)
	}
	cfg.Tenant.ID = tenantID
	if err := cfg.Validate(); err != nil {
		return "", nil, err
	}

	if _, err := r.GetTenant(ctx, tenantID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := createTenant(ctx, r, tenantID, cfg.Tenant.Name, userID, role); err != nil {
			return "", nil, err
		}
	}
	return tenantID, cfg, nil
}

// createTenant inserts a minimal tenant footprint plus the acting user.
func createTenant(ctx context.Context, r repo.Repo, tenantID, name, userID string, role domain.Role) error {
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.EnsureTenant(ctx, tx, tenantID, name, now); err != nil {
		return fmt.Errorf("ensure tenant: %w", err)
	}
	if userID == "" {
		userID = "local-user"
	}
	if !role.Valid() {
		role = domain.RoleAdmin
	}
	if err := r.EnsureUser(ctx, tx, domain.User{
		ID:        userID,
		TenantID:  tenantID,
		Role:      role,
		CreatedAt: now,
	}); err != nil {
		return fmt.Errorf("ensure user: %w", err)
	}
	return tx.Commit()
}
