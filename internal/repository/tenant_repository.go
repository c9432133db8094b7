package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aryan0dhankhar/facilityaccess/internal/domain"
	"github.com/aryan0dhankhar/facilityaccess/pkg/cache"
	"github.com/aryan0dhankhar/facilityaccess/pkg/database"
)

// SQLTenantRepository implements domain.TenantRepository
type SQLTenantRepository struct {
	cp     *database.ConnectionPool
	logger *slog.Logger
}

// NewSQLTenantRepository creates a new tenant repository
func NewSQLTenantRepository(cp *database.ConnectionPool, logger *slog.Logger) *SQLTenantRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLTenantRepository{cp: cp, logger: logger}
}

const tenantColumns = `id, name, timezone, is_active, created_at_ms, updated_at_ms`

func scanTenant(row interface{ Scan(...any) error }) (*domain.Tenant, error) {
	var (
		t                  domain.Tenant
		active             int
		createdMs, updated int64
	)
	if err := row.Scan(&t.ID, &t.Name, &t.Timezone, &active, &createdMs, &updated); err != nil {
		return nil, err
	}
	t.IsActive = active != 0
	t.CreatedAt = fromMillis(createdMs)
	t.UpdatedAt = fromMillis(updated)
	return &t, nil
}

// Get retrieves a tenant by ID
func (r *SQLTenantRepository) Get(ctx context.Context, id string) (*domain.Tenant, error) {
	row := r.cp.GetDB().QueryRowContext(ctx, r.cp.Rebind(`SELECT `+tenantColumns+` FROM tenants WHERE id = ?`), id)
	t, err := scanTenant(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get tenant: %w", err)
	}
	return t, nil
}

// List returns all tenants
func (r *SQLTenantRepository) List(ctx context.Context) ([]*domain.Tenant, error) {
	rows, err := r.cp.GetDB().QueryContext(ctx, `SELECT `+tenantColumns+` FROM tenants ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer rows.Close()

	var out []*domain.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tenant: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CachedTenantRepository keeps tenants in process memory for a short TTL.
// Every authenticated request and every evaluation reads the tenant.
type CachedTenantRepository struct {
	next  domain.TenantRepository
	cache *cache.Cache[*domain.Tenant]
	ttl   time.Duration
}

func NewCachedTenantRepository(next domain.TenantRepository, ttl time.Duration) *CachedTenantRepository {
	return &CachedTenantRepository{next: next, cache: cache.New[*domain.Tenant](), ttl: ttl}
}

func (r *CachedTenantRepository) Get(ctx context.Context, id string) (*domain.Tenant, error) {
	if t, ok := r.cache.Get("tenant:" + id); ok {
		return t, nil
	}
	t, err := r.next.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	r.cache.Set("tenant:"+id, t, r.ttl)
	return t, nil
}

func (r *CachedTenantRepository) List(ctx context.Context) ([]*domain.Tenant, error) {
	return r.next.List(ctx)
}

// Invalidate drops a cached tenant, or all of them when id is empty.
func (r *CachedTenantRepository) Invalidate(id string) {
	r.cache.Invalidate("tenant:" + id)
}

// Sweep drops expired tenants.
func (r *CachedTenantRepository) Sweep() int { return r.cache.Sweep() }

// TenantLocation resolves a tenant's configured time zone, falling back to
// def when none is set.
func TenantLocation(tenants domain.TenantRepository, def *time.Location) func(ctx context.Context, tenantID string) (*time.Location, error) {
	return func(ctx context.Context, tenantID string) (*time.Location, error) {
		t, err := tenants.Get(ctx, tenantID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return def, nil
			}
			return nil, err
		}
		if t.Timezone == "" {
			return def, nil
		}
		loc, err := time.LoadLocation(t.Timezone)
		if err != nil {
			return nil, fmt.Errorf("tenant %s timezone: %w", tenantID, err)
		}
		return loc, nil
	}
}
