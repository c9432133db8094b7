package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aryan0dhankhar/facilityaccess/internal/domain"
	"github.com/aryan0dhankhar/facilityaccess/pkg/database"
)

// SQLUserRepository implements domain.UserRepository
type SQLUserRepository struct {
	cp     *database.ConnectionPool
	logger *slog.Logger
}

// NewSQLUserRepository creates a new user repository
func NewSQLUserRepository(cp *database.ConnectionPool, logger *slog.Logger) *SQLUserRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &SQLUserRepository{
		cp:     cp,
		logger: logger,
	}
}

// Get retrieves a user by ID within a tenant
func (r *SQLUserRepository) Get(ctx context.Context, id, tenantID string) (*domain.User, error) {
	var (
		u                  domain.User
		role               string
		active             int
		createdMs, updated int64
	)
	err := r.cp.GetDB().QueryRowContext(ctx, r.cp.Rebind(`
SELECT id, tenant_id, email, name, role, is_active, created_at_ms, updated_at_ms
FROM users
WHERE id = ? AND tenant_id = ?`), id, tenantID).Scan(
		&u.ID, &u.TenantID, &u.Email, &u.Name, &role, &active, &createdMs, &updated,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		r.logger.Error("failed to get user",
			slog.String("user_id", id),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	u.Role = domain.Role(role)
	u.IsActive = active != 0
	u.CreatedAt = fromMillis(createdMs)
	u.UpdatedAt = fromMillis(updated)
	return &u, nil
}
