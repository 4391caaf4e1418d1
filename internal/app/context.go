package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"perfline/internal/config"
	"perfline/internal/repo"
)

// ResolveTenantAndConfig picks the active tenant and ensures tenant and
// config rows exist, seeding defaults if missing. It prefers the
// override, then the single tenant in the workspace. A missing tenant is
// created on the fly.
func ResolveTenantAndConfig(ctx context.Context, tenantOverride string, r repo.Repo) (string, *config.Config, error) {
	tenantID := tenantOverride
	if tenantID == "" {
		t, err := r.SingleTenant(ctx)
		if err != nil {
			return "", nil, fmt.Errorf("tenant not specified; use --tenant")
		}
		tenantID = t.ID
	}

	if _, err := r.GetTenant(ctx, tenantID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := createTenant(ctx, r, tenantID); err != nil {
			return "", nil, err
		}
	}

	raw, err := r.GetTenantConfig(ctx, tenantID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		raw = config.GenerateDefault(tenantID)
		if err := r.UpsertTenantConfig(ctx, tenantID, raw); err != nil {
			return "", nil, fmt.Errorf("seed tenant config: %w", err)
		}
	}
	cfg, err := config.FromYAML([]byte(raw))
	if err != nil {
		return "", nil, fmt.Errorf("tenant %s config: %w", tenantID, err)
	}
	cfg.Tenant.ID = tenantID
	return tenantID, cfg, nil
}

func createTenant(ctx context.Context, r repo.Repo, tenantID string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO tenants(id,name,status,created_at) VALUES (?,?,?,?)`,
		tenantID, tenantID, "active", now); err != nil {
		return fmt.Errorf("insert tenant: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO tenant_configs(tenant_id,config_yaml,created_at,updated_at) VALUES (?,?,?,?)`,
		tenantID, config.GenerateDefault(tenantID), now, now); err != nil {
		return fmt.Errorf("insert tenant config: %w", err)
	}
	return tx.Commit()
}
