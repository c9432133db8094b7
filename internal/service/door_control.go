package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aryan0dhankhar/facilityaccess/internal/domain"
	"github.com/aryan0dhankhar/facilityaccess/internal/featureflags"
	"github.com/aryan0dhankhar/facilityaccess/internal/observability/metrics"
	"github.com/aryan0dhankhar/facilityaccess/internal/security/audit"
)

// Evaluator decides access for a principal at a door.
type Evaluator interface {
	Evaluate(ctx context.Context, doorID, userID, tenantID string) (domain.Decision, error)
}

// UnlockRequest is one attempt to open a door.
type UnlockRequest struct {
	TenantID  string
	DoorID    string
	UserID    string
	Method    domain.AccessMethod
	IPAddress string
	Proximity *Proximity
}

// LockRequest asks the hardware to secure a door.
type LockRequest struct {
	TenantID  string
	DoorID    string
	UserID    string
	Method    domain.AccessMethod
	IPAddress string
}

// DoorActionResult reports what happened and the entry that recorded it.
// Recorded is false only when the door moved but the access log write
// failed; the entry then went to the audit stream instead.
type DoorActionResult struct {
	Decision domain.Decision       `json:"decision"`
	Executed bool                  `json:"executed"`
	Recorded bool                  `json:"recorded"`
	Entry    domain.AccessLogEntry `json:"entry"`
}

// DoorControlService runs the evaluate, actuate, record sequence for doors.
// Every attempt produces exactly one access log entry.
type DoorControlService struct {
	evaluator        Evaluator
	doors            domain.DoorRepository
	hardware         domain.HardwareController
	logs             *AccessLogService
	audit            *audit.Logger
	logger           *slog.Logger
	minRSSI          int
	proximityEnabled func() bool
	hardwareTimeout  time.Duration
}

// NewDoorControlService creates a door controller. auditLog may be nil.
func NewDoorControlService(
	evaluator Evaluator,
	doors domain.DoorRepository,
	hardware domain.HardwareController,
	logs *AccessLogService,
	auditLog *audit.Logger,
	logger *slog.Logger,
	minRSSI int,
) *DoorControlService {
	if logger == nil {
		logger = slog.Default()
	}
	return &DoorControlService{
		evaluator:        evaluator,
		doors:            doors,
		hardware:         hardware,
		logs:             logs,
		audit:            auditLog,
		logger:           logger,
		minRSSI:          minRSSI,
		proximityEnabled: func() bool { return featureflags.Enabled(featureflags.ProximityRequired) },
		hardwareTimeout:  5 * time.Second,
	}
}

// RequireProximity overrides the proximity_required flag lookup.
func (s *DoorControlService) RequireProximity(fn func() bool) { s.proximityEnabled = fn }

// Unlock evaluates the principal and, only on a grant, actuates the door.
func (s *DoorControlService) Unlock(ctx context.Context, req UnlockRequest) (*DoorActionResult, error) {
	if req.Method == "" {
		req.Method = domain.MethodApp
	}
	dec, evalErr := s.evaluator.Evaluate(ctx, req.DoorID, req.UserID, req.TenantID)

	entry := domain.AccessLogEntry{
		TenantID:  req.TenantID,
		DoorID:    req.DoorID,
		UserID:    req.UserID,
		Method:    req.Method,
		IPAddress: req.IPAddress,
		Metadata:  decisionMetadata("unlock", dec),
	}
	if req.Proximity != nil {
		entry.Metadata["proximity"] = map[string]any{"beaconId": req.Proximity.BeaconID, "rssi": req.Proximity.RSSI}
	}

	if evalErr != nil {
		entry.Result = domain.ResultError
		entry.DenyReason = dec.Reason
		if s.audit != nil {
			s.audit.LogCollaboratorFailure(ctx, req.TenantID, req.UserID, req.DoorID, evalErr.Error())
		}
		return s.finish(ctx, dec, false, &entry)
	}
	if !dec.Granted {
		entry.Result = domain.ResultDenied
		entry.DenyReason = dec.Reason
		return s.finish(ctx, dec, false, &entry)
	}

	door, err := s.doors.Get(ctx, req.DoorID, req.TenantID)
	if err != nil {
		dec.Granted = false
		dec.Reason = ReasonEvaluationError
		dec.Code = domain.DenyCodeCollaboratorFailure
		dec.Steps = append(dec.Steps, "door reload failed: "+err.Error())
		entry.Metadata = decisionMetadata("unlock", dec)
		entry.Result = domain.ResultError
		entry.DenyReason = dec.Reason
		return s.finish(ctx, dec, false, &entry)
	}

	if req.Proximity != nil || s.proximityEnabled() {
		if err := ValidateProximity(door, req.Proximity, s.minRSSI); err != nil {
			dec.Granted = false
			dec.Reason = err.Error()
			dec.Code = domain.DenyCodeProximityRejected
			dec.Steps = append(dec.Steps, "proximity rejected: "+err.Error())
			entry.Metadata = decisionMetadata("unlock", dec)
			if req.Proximity != nil {
				entry.Metadata["proximity"] = map[string]any{"beaconId": req.Proximity.BeaconID, "rssi": req.Proximity.RSSI}
			}
			entry.Result = domain.ResultDenied
			entry.DenyReason = dec.Reason
			return s.finish(ctx, dec, false, &entry)
		}
	}

	if dec.Reason == ReasonAdminBypass && s.audit != nil {
		s.audit.LogAdminBypass(ctx, req.TenantID, req.UserID, req.DoorID)
	}

	hctx, cancel := context.WithTimeout(ctx, s.hardwareTimeout)
	err = s.hardware.Unlock(hctx, door)
	cancel()
	if err != nil {
		metrics.ObserveHardware("unlock", "error")
		s.hardwareFailed(ctx, door, req.UserID, "unlock", err)
		entry.Result = domain.ResultError
		entry.DenyReason = "hardware failure: " + err.Error()
		return s.finish(ctx, dec, false, &entry)
	}
	metrics.ObserveHardware("unlock", "success")

	door.Locked = false
	door.Online = true
	if err := s.doors.UpdateState(ctx, door); err != nil {
		s.logger.Warn("failed to persist door state",
			slog.String("door_id", door.ID),
			slog.String("error", err.Error()),
		)
	}

	entry.Result = domain.ResultGranted
	return s.finish(ctx, dec, true, &entry)
}

// Lock secures a door. Locking needs no rule evaluation; callers are
// authorized upstream.
func (s *DoorControlService) Lock(ctx context.Context, req LockRequest) (*DoorActionResult, error) {
	if req.Method == "" {
		req.Method = domain.MethodRemote
	}
	entry := domain.AccessLogEntry{
		TenantID:  req.TenantID,
		DoorID:    req.DoorID,
		UserID:    req.UserID,
		Method:    req.Method,
		IPAddress: req.IPAddress,
		Metadata:  map[string]any{"action": "lock"},
	}

	door, err := s.doors.Get(ctx, req.DoorID, req.TenantID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("door %s: %w", req.DoorID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("load door: %w", err)
	}

	hctx, cancel := context.WithTimeout(ctx, s.hardwareTimeout)
	err = s.hardware.Lock(hctx, door)
	cancel()
	if err != nil {
		metrics.ObserveHardware("lock", "error")
		s.hardwareFailed(ctx, door, req.UserID, "lock", err)
		entry.Result = domain.ResultError
		entry.DenyReason = "hardware failure: " + err.Error()
		return s.finish(ctx, domain.Decision{Reason: entry.DenyReason, Steps: []string{}}, false, &entry)
	}
	metrics.ObserveHardware("lock", "success")

	door.Locked = true
	door.Online = true
	if err := s.doors.UpdateState(ctx, door); err != nil {
		s.logger.Warn("failed to persist door state",
			slog.String("door_id", door.ID),
			slog.String("error", err.Error()),
		)
	}
	entry.Result = domain.ResultGranted
	return s.finish(ctx, domain.Decision{Granted: true, Reason: "locked", Steps: []string{}}, true, &entry)
}

// SyncStatus refreshes a door's online and locked flags from the hardware.
// An unreachable door is marked ERROR; a reachable door in ERROR returns to ACTIVE.
func (s *DoorControlService) SyncStatus(ctx context.Context, tenantID, doorID string) (*domain.Door, error) {
	door, err := s.doors.Get(ctx, doorID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("load door: %w", err)
	}

	hctx, cancel := context.WithTimeout(ctx, s.hardwareTimeout)
	state, err := s.hardware.Status(hctx, door)
	cancel()
	if err != nil {
		metrics.ObserveHardware("status", "error")
		s.logger.Warn("door status unavailable",
			slog.String("tenant_id", tenantID),
			slog.String("door_id", doorID),
			slog.String("error", err.Error()),
		)
		door.Online = false
		if door.Status == domain.DoorStatusActive {
			door.Status = domain.DoorStatusError
		}
	} else {
		metrics.ObserveHardware("status", "success")
		door.Online = state.Online
		door.Locked = state.Locked
		if door.Status == domain.DoorStatusError && state.Online {
			door.Status = domain.DoorStatusActive
		}
	}

	if err := s.doors.UpdateState(ctx, door); err != nil {
		return nil, fmt.Errorf("persist door state: %w", err)
	}
	return door, nil
}

func (s *DoorControlService) hardwareFailed(ctx context.Context, door *domain.Door, userID, action string, err error) {
	s.logger.Error("door hardware failure",
		slog.String("tenant_id", door.TenantID),
		slog.String("door_id", door.ID),
		slog.String("action", action),
		slog.String("error", err.Error()),
	)
	if s.audit != nil {
		s.audit.LogHardwareFailure(ctx, door.TenantID, userID, door.ID, action, err.Error())
	}
}

// finish records the entry. Once the hardware has acted a failed write no
// longer fails the call: the entry is handed to the audit stream and the
// result reports Recorded=false.
func (s *DoorControlService) finish(ctx context.Context, dec domain.Decision, executed bool, entry *domain.AccessLogEntry) (*DoorActionResult, error) {
	err := s.logs.Record(ctx, entry)
	if err == nil {
		return &DoorActionResult{Decision: dec, Executed: executed, Recorded: true, Entry: *entry}, nil
	}
	if !executed {
		return nil, err
	}

	entry.Seq, entry.PrevHash, entry.Hash = 0, "", ""
	if s.audit != nil {
		s.audit.LogUnrecorded(ctx, *entry, err)
	} else {
		s.logger.Error("door actuated but access log write failed",
			slog.String("tenant_id", entry.TenantID),
			slog.String("door_id", entry.DoorID),
			slog.Any("entry", *entry),
			slog.String("error", err.Error()),
		)
	}
	return &DoorActionResult{Decision: dec, Executed: true, Recorded: false, Entry: *entry}, nil
}

func decisionMetadata(action string, dec domain.Decision) map[string]any {
	meta := map[string]any{
		"action": action,
		"reason": dec.Reason,
		"steps":  dec.Steps,
	}
	if dec.RuleID != "" {
		meta["ruleId"] = dec.RuleID
	}
	if dec.Code != domain.DenyCodeNone {
		meta["code"] = string(dec.Code)
	}
	if dec.Metadata["bypass"] != nil {
		meta["bypass"] = dec.Metadata["bypass"]
	}
	return meta
}
