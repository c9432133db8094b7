package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/aryan0dhankhar/facilityaccess/internal/domain"
	"github.com/aryan0dhankhar/facilityaccess/internal/observability/metrics"
	"github.com/aryan0dhankhar/facilityaccess/internal/security/audit"
)

// MaxSuspiciousWindow caps how far back a single detection scans.
const MaxSuspiciousWindow = 7 * 24 * 60

// UserSummary identifies a flagged user without exposing the full record.
type UserSummary struct {
	ID    string      `json:"id"`
	Name  string      `json:"name,omitempty"`
	Email string      `json:"email,omitempty"`
	Role  domain.Role `json:"role,omitempty"`
}

type SuspiciousUser struct {
	UserID             string       `json:"userId"`
	User               *UserSummary `json:"user,omitempty"`
	FailedAttemptCount int          `json:"failedAttemptCount"`
}

type SuspiciousIP struct {
	IPAddress string `json:"ip"`
	Count     int    `json:"count"`
}

// SuspiciousActivity is the result of one detection run.
type SuspiciousActivity struct {
	TenantID        string           `json:"tenantId"`
	WindowMinutes   int              `json:"windowMinutes"`
	Threshold       int              `json:"threshold"`
	Since           time.Time        `json:"since"`
	Until           time.Time        `json:"until"`
	SuspiciousUsers []SuspiciousUser `json:"suspiciousUsers"`
	SuspiciousIPs   []SuspiciousIP   `json:"suspiciousIPs"`
}

// SuspiciousActivityDetector recomputes repeated-failure hot spots from the
// access log on every call. It keeps no counters between calls.
type SuspiciousActivityDetector struct {
	logs   domain.AccessLogRepository
	users  domain.UserRepository
	audit  *audit.Logger
	logger *slog.Logger
	now    func() time.Time
}

// NewSuspiciousActivityDetector creates a detector. users and auditLog may be nil.
func NewSuspiciousActivityDetector(logs domain.AccessLogRepository, users domain.UserRepository, auditLog *audit.Logger, logger *slog.Logger) *SuspiciousActivityDetector {
	if logger == nil {
		logger = slog.Default()
	}
	return &SuspiciousActivityDetector{logs: logs, users: users, audit: auditLog, logger: logger, now: time.Now}
}

// SetClock overrides the time source. Intended for tests.
func (d *SuspiciousActivityDetector) SetClock(now func() time.Time) { d.now = now }

// Detect flags users and IPs with at least threshold failed attempts in the
// last windowMinutes.
func (d *SuspiciousActivityDetector) Detect(ctx context.Context, tenantID string, windowMinutes, threshold int) (*SuspiciousActivity, error) {
	switch {
	case tenantID == "":
		return nil, fmt.Errorf("%w: tenant id required", domain.ErrInvalidFilter)
	case windowMinutes <= 0 || windowMinutes > MaxSuspiciousWindow:
		return nil, fmt.Errorf("%w: window must be between 1 and %d minutes", domain.ErrInvalidFilter, MaxSuspiciousWindow)
	case threshold <= 0:
		return nil, fmt.Errorf("%w: threshold must be positive", domain.ErrInvalidFilter)
	}

	until := d.now().UTC()
	since := until.Add(-time.Duration(windowMinutes) * time.Minute)

	byUser := map[string]int{}
	byIP := map[string]int{}
	err := d.logs.ScanFailures(ctx, tenantID, since, until, func(f domain.FailedAttempt) error {
		if f.UserID != "" {
			byUser[f.UserID]++
		}
		if f.IPAddress != "" {
			byIP[f.IPAddress]++
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan failed attempts: %w", err)
	}

	res := &SuspiciousActivity{
		TenantID:        tenantID,
		WindowMinutes:   windowMinutes,
		Threshold:       threshold,
		Since:           since,
		Until:           until,
		SuspiciousUsers: []SuspiciousUser{},
		SuspiciousIPs:   []SuspiciousIP{},
	}
	for id, n := range byUser {
		if n >= threshold {
			res.SuspiciousUsers = append(res.SuspiciousUsers, SuspiciousUser{UserID: id, FailedAttemptCount: n})
		}
	}
	for ip, n := range byIP {
		if n >= threshold {
			res.SuspiciousIPs = append(res.SuspiciousIPs, SuspiciousIP{IPAddress: ip, Count: n})
		}
	}
	sort.Slice(res.SuspiciousUsers, func(i, j int) bool {
		a, b := res.SuspiciousUsers[i], res.SuspiciousUsers[j]
		if a.FailedAttemptCount != b.FailedAttemptCount {
			return a.FailedAttemptCount > b.FailedAttemptCount
		}
		return a.UserID < b.UserID
	})
	sort.Slice(res.SuspiciousIPs, func(i, j int) bool {
		a, b := res.SuspiciousIPs[i], res.SuspiciousIPs[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.IPAddress < b.IPAddress
	})

	d.enrich(ctx, tenantID, res.SuspiciousUsers)

	metrics.ObserveSuspicious("user", len(res.SuspiciousUsers))
	metrics.ObserveSuspicious("ip", len(res.SuspiciousIPs))
	if d.audit != nil && (len(res.SuspiciousUsers) > 0 || len(res.SuspiciousIPs) > 0) {
		d.audit.LogSuspiciousActivity(ctx, tenantID, len(res.SuspiciousUsers), len(res.SuspiciousIPs), windowMinutes, threshold)
	}
	return res, nil
}

func (d *SuspiciousActivityDetector) enrich(ctx context.Context, tenantID string, users []SuspiciousUser) {
	if d.users == nil {
		return
	}
	for i := range users {
		u, err := d.users.Get(ctx, users[i].UserID, tenantID)
		if err != nil {
			if !errors.Is(err, domain.ErrNotFound) {
				d.logger.Warn("failed to load flagged user",
					slog.String("tenant_id", tenantID),
					slog.String("user_id", users[i].UserID),
					slog.String("error", err.Error()),
				)
			}
			continue
		}
		users[i].User = &UserSummary{ID: u.ID, Name: u.Name, Email: u.Email, Role: u.Role}
	}
}
