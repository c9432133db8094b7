package repository

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aryan0dhankhar/facilityaccess/internal/domain"
	"github.com/aryan0dhankhar/facilityaccess/pkg/cache"
	"github.com/aryan0dhankhar/facilityaccess/pkg/database"
)

// SQLMembershipRepository implements domain.MembershipResolver
type SQLMembershipRepository struct {
	cp     *database.ConnectionPool
	logger *slog.Logger
	now    func() time.Time
}

// NewSQLMembershipRepository creates a new membership repository
func NewSQLMembershipRepository(cp *database.ConnectionPool, logger *slog.Logger) *SQLMembershipRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLMembershipRepository{cp: cp, logger: logger, now: time.Now}
}

// SetClock overrides the time source. Intended for tests.
func (r *SQLMembershipRepository) SetClock(now func() time.Time) { r.now = now }

// HasActiveMembership reports whether the user holds an ACTIVE membership
// without a past end date. The start date is not consulted.
func (r *SQLMembershipRepository) HasActiveMembership(ctx context.Context, userID, tenantID string) (bool, error) {
	nowMs := r.now().UTC().UnixMilli()
	var n int
	err := r.cp.GetDB().QueryRowContext(ctx, r.cp.Rebind(`
SELECT COUNT(*) FROM memberships
WHERE tenant_id = ? AND user_id = ? AND status = ?
  AND (end_at_ms IS NULL OR end_at_ms > ?)`),
		tenantID, userID, string(domain.MembershipActive), nowMs).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check membership: %w", err)
	}
	return n > 0, nil
}

// MembershipCache is a shared key/value store for membership lookups.
type MembershipCache interface {
	Lookup(ctx context.Context, key string) (string, bool, error)
	Store(ctx context.Context, key, value string, ttl time.Duration) error
}

// CachedMembershipResolver remembers negative answers only. A positive
// answer is always read from next, so an ended or cancelled membership stops
// granting on the very next lookup. Cache errors fall through to next.
type CachedMembershipResolver struct {
	next   domain.MembershipResolver
	cache  MembershipCache
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedMembershipResolver wraps next. A ttl <= 0 disables the cache.
func NewCachedMembershipResolver(next domain.MembershipResolver, c MembershipCache, ttl time.Duration, logger *slog.Logger) *CachedMembershipResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedMembershipResolver{next: next, cache: c, ttl: ttl, logger: logger}
}

func membershipKey(tenantID, userID string) string {
	return "membership:" + tenantID + ":" + userID
}

const noMembership = "0"

func (r *CachedMembershipResolver) HasActiveMembership(ctx context.Context, userID, tenantID string) (bool, error) {
	if r.cache == nil || r.ttl <= 0 {
		return r.next.HasActiveMembership(ctx, userID, tenantID)
	}

	key := membershipKey(tenantID, userID)
	v, ok, err := r.cache.Lookup(ctx, key)
	if err != nil {
		r.logger.Warn("membership cache lookup failed",
			slog.String("tenant_id", tenantID),
			slog.String("error", err.Error()),
		)
	} else if ok && v == noMembership {
		return false, nil
	}

	active, err := r.next.HasActiveMembership(ctx, userID, tenantID)
	if err != nil || active {
		return active, err
	}
	if err := r.cache.Store(ctx, key, noMembership, r.ttl); err != nil {
		r.logger.Warn("membership cache store failed",
			slog.String("tenant_id", tenantID),
			slog.String("error", err.Error()),
		)
	}
	return false, nil
}

// LocalMembershipCache keeps membership answers in process memory. It is
// used when Redis is not configured.
type LocalMembershipCache struct {
	c *cache.Cache[string]
}

func NewLocalMembershipCache() *LocalMembershipCache {
	return &LocalMembershipCache{c: cache.New[string]()}
}

func (l *LocalMembershipCache) Lookup(_ context.Context, key string) (string, bool, error) {
	v, ok := l.c.Get(key)
	return v, ok, nil
}

func (l *LocalMembershipCache) Store(_ context.Context, key, value string, ttl time.Duration) error {
	l.c.Set(key, value, ttl)
	return nil
}

// Sweep drops expired answers.
func (l *LocalMembershipCache) Sweep() int { return l.c.Sweep() }
