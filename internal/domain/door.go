package domain

import (
	"context"
	"time"
)

// DoorStatus is the lifecycle state of a door.
type DoorStatus string

const (
	DoorStatusActive      DoorStatus = "ACTIVE"
	DoorStatusInactive    DoorStatus = "INACTIVE"
	DoorStatusMaintenance DoorStatus = "MAINTENANCE"
	DoorStatusError       DoorStatus = "ERROR"
)

// Door represents a physical access point owned by a tenant
type Door struct {
	ID       string
	TenantID string
	Name     string
	Location string
	Status   DoorStatus
	Online   bool
	Locked   bool
	// BeaconID is the proximity beacon mounted at the door, empty when none.
	BeaconID  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsActive reports whether the door accepts access attempts.
func (d *Door) IsActive() bool {
	return d != nil && d.Status == DoorStatusActive
}

// DoorRepository defines data access for doors. Lookups are always tenant scoped.
type DoorRepository interface {
	Get(ctx context.Context, id, tenantID string) (*Door, error)
	// UpdateState persists hardware-derived fields (status, online, locked).
	UpdateState(ctx context.Context, door *Door) error
}

// DoorState is what the hardware reports for a door.
type DoorState struct {
	Online bool
	Locked bool
}

// HardwareController is the door hardware boundary. Callers must hold a
// granted decision before invoking Unlock.
type HardwareController interface {
	Unlock(ctx context.Context, door *Door) error
	Lock(ctx context.Context, door *Door) error
	Status(ctx context.Context, door *Door) (DoorState, error)
}
