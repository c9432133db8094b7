package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aryan0dhankhar/facilityaccess/internal/domain"
	"github.com/aryan0dhankhar/facilityaccess/pkg/database"
)

// SQLDoorRepository implements domain.DoorRepository
type SQLDoorRepository struct {
	cp     *database.ConnectionPool
	logger *slog.Logger
}

// NewSQLDoorRepository creates a new door repository
func NewSQLDoorRepository(cp *database.ConnectionPool, logger *slog.Logger) *SQLDoorRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLDoorRepository{cp: cp, logger: logger}
}

const doorColumns = `id, tenant_id, name, location, status, is_online, is_locked, beacon_id, created_at_ms, updated_at_ms`

func scanDoor(row interface{ Scan(...any) error }) (*domain.Door, error) {
	var (
		d                  domain.Door
		status             string
		online, locked     int
		createdMs, updated int64
	)
	if err := row.Scan(&d.ID, &d.TenantID, &d.Name, &d.Location, &status, &online, &locked, &d.BeaconID, &createdMs, &updated); err != nil {
		return nil, err
	}
	d.Status = domain.DoorStatus(status)
	d.Online = online != 0
	d.Locked = locked != 0
	d.CreatedAt = fromMillis(createdMs)
	d.UpdatedAt = fromMillis(updated)
	return &d, nil
}

// Get retrieves a door scoped to its tenant
func (r *SQLDoorRepository) Get(ctx context.Context, id, tenantID string) (*domain.Door, error) {
	row := r.cp.GetDB().QueryRowContext(ctx,
		r.cp.Rebind(`SELECT `+doorColumns+` FROM doors WHERE id = ? AND tenant_id = ?`), id, tenantID)
	d, err := scanDoor(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get door: %w", err)
	}
	return d, nil
}

// List returns a tenant's doors ordered by name
func (r *SQLDoorRepository) List(ctx context.Context, tenantID string) ([]*domain.Door, error) {
	rows, err := r.cp.GetDB().QueryContext(ctx,
		r.cp.Rebind(`SELECT `+doorColumns+` FROM doors WHERE tenant_id = ? ORDER BY name, id`), tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list doors: %w", err)
	}
	defer rows.Close()

	out := []*domain.Door{}
	for rows.Next() {
		d, err := scanDoor(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan door: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// UpdateState persists status, online and locked flags
func (r *SQLDoorRepository) UpdateState(ctx context.Context, door *domain.Door) error {
	now := time.Now().UTC()
	var affected int64
	err := r.cp.Writer().Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, r.cp.Rebind(`
UPDATE doors SET status = ?, is_online = ?, is_locked = ?, updated_at_ms = ?
WHERE id = ? AND tenant_id = ?`),
			string(door.Status), boolInt(door.Online), boolInt(door.Locked), now.UnixMilli(), door.ID, door.TenantID)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		r.logger.Error("failed to update door state",
			slog.String("door_id", door.ID),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to update door state: %w", err)
	}
	if affected == 0 {
		return domain.ErrNotFound
	}
	door.UpdatedAt = now
	return nil
}
