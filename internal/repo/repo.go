package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"perfline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict means a versioned update lost the race; the
	// caller saw stale state and should retry from a fresh read.
	ErrVersionConflict = errors.New("version conflict")

	// ErrDuplicate means an insert would violate a uniqueness rule,
	// such as one review per cycle, reviewee, reviewer and type.
	ErrDuplicate = errors.New("already exists")
)

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullablePtr[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func (r Repo) InsertTenant(ctx context.Context, t domain.Tenant) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO tenants(id,name,status,created_at) VALUES (?,?,?,?)`,
		t.ID, nullable(t.Name), t.Status, t.CreatedAt)
	return err
}

func (r Repo) GetTenant(ctx context.Context, id string) (domain.Tenant, error) {
	var t domain.Tenant
	err := r.DB.QueryRowContext(ctx, `SELECT id,COALESCE(name,''),status,created_at FROM tenants WHERE id=?`, id).
		Scan(&t.ID, &t.Name, &t.Status, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

// SingleTenant returns the only tenant in the workspace, for CLI use
// without an explicit --tenant flag.
func (r Repo) SingleTenant(ctx context.Context) (domain.Tenant, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,COALESCE(name,''),status,created_at FROM tenants`)
	if err != nil {
		return domain.Tenant{}, err
	}
	defer rows.Close()
	var tenants []domain.Tenant
	for rows.Next() {
		var t domain.Tenant
		if err := rows.Scan(&t.ID, &t.Name, &t.Status, &t.CreatedAt); err != nil {
			return domain.Tenant{}, err
		}
		tenants = append(tenants, t)
	}
	if err := rows.Err(); err != nil {
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

func (r Repo) ListTenants(ctx context.Context) ([]domain.Tenant, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,COALESCE(name,''),status,created_at FROM tenants ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Tenant
	for rows.Next() {
		var t domain.Tenant
		if err := rows.Scan(&t.ID, &t.Name, &t.Status, &t.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) UpsertTenantConfig(ctx context.Context, tenantID, configYAML string) error {
	now := nowRFC3339()
	_, err := r.DB.ExecContext(ctx, `INSERT INTO tenant_configs(tenant_id,config_yaml,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(tenant_id) DO UPDATE SET config_yaml=excluded.config_yaml, updated_at=excluded.updated_at`,
		tenantID, configYAML, now, now)
	return err
}

func (r Repo) GetTenantConfig(ctx context.Context, tenantID string) (string, error) {
	var yaml string
	err := r.DB.QueryRowContext(ctx, `SELECT config_yaml FROM tenant_configs WHERE tenant_id=?`, tenantID).Scan(&yaml)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return yaml, err
}
