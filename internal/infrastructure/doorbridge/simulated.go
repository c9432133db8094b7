package doorbridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/aryan0dhankhar/facilityaccess/internal/domain"
)

// ErrOffline is returned for doors marked offline on the simulator.
var ErrOffline = errors.New("door offline")

// Simulated is an in-memory controller for development. Every door starts
// online and locked.
type Simulated struct {
	mu      sync.Mutex
	locked  map[string]bool
	offline map[string]bool
	logger  *slog.Logger
}

func NewSimulated(logger *slog.Logger) *Simulated {
	if logger == nil {
		logger = slog.Default()
	}
	return &Simulated{locked: map[string]bool{}, offline: map[string]bool{}, logger: logger}
}

// SetOffline makes subsequent calls for the door fail.
func (s *Simulated) SetOffline(tenantID, doorID string, offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline[tenantID+"/"+doorID] = offline
}

func (s *Simulated) Unlock(ctx context.Context, door *domain.Door) error {
	return s.set(ctx, door, false)
}

func (s *Simulated) Lock(ctx context.Context, door *domain.Door) error {
	return s.set(ctx, door, true)
}

func (s *Simulated) Status(ctx context.Context, door *domain.Door) (domain.DoorState, error) {
	if err := ctx.Err(); err != nil {
		return domain.DoorState{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := door.TenantID + "/" + door.ID
	if s.offline[k] {
		return domain.DoorState{}, ErrOffline
	}
	locked, seen := s.locked[k]
	return domain.DoorState{Online: true, Locked: locked || !seen}, nil
}

func (s *Simulated) set(ctx context.Context, door *domain.Door, locked bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := door.TenantID + "/" + door.ID
	if s.offline[k] {
		return ErrOffline
	}
	s.locked[k] = locked
	s.logger.Debug("simulated door actuated",
		slog.String("tenant_id", door.TenantID),
		slog.String("door_id", door.ID),
		slog.Bool("locked", locked),
	)
	return nil
}
