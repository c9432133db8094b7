package repository_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aryan0dhankhar/facilityaccess/internal/domain"
	"github.com/aryan0dhankhar/facilityaccess/internal/repository"
	"github.com/aryan0dhankhar/facilityaccess/internal/repository/memory"
)

func TestDoorRepository(t *testing.T) {
	cp := openTestPool(t)
	seedFixture(t, cp)
	ctx := context.Background()
	doors := repository.NewSQLDoorRepository(cp, nil)

	d, err := doors.Get(ctx, "d1", "t1")
	require.NoError(t, err)
	require.Equal(t, "Front", d.Name)
	require.Equal(t, "b-1", d.BeaconID)
	require.True(t, d.IsActive())

	_, err = doors.Get(ctx, "d1", "t2")
	require.ErrorIs(t, err, domain.ErrNotFound)

	d.Locked = false
	d.Online = false
	d.Status = domain.DoorStatusError
	require.NoError(t, doors.UpdateState(ctx, d))

	got, err := doors.Get(ctx, "d1", "t1")
	require.NoError(t, err)
	require.False(t, got.Locked)
	require.False(t, got.Online)
	require.Equal(t, domain.DoorStatusError, got.Status)

	list, err := doors.List(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "Back", list[0].Name)

	missing := &domain.Door{ID: "nope", TenantID: "t1"}
	require.ErrorIs(t, doors.UpdateState(ctx, missing), domain.ErrNotFound)
}

func TestUserRepository(t *testing.T) {
	cp := openTestPool(t)
	seedFixture(t, cp)
	users := repository.NewSQLUserRepository(cp, nil)

	u, err := users.Get(context.Background(), "u2", "t1")
	require.NoError(t, err)
	require.Equal(t, domain.RoleTrainer, u.Role)
	require.False(t, u.IsActive)

	_, err = users.Get(context.Background(), "u1", "t2")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

type countingTenants struct {
	domain.TenantRepository
	calls int
}

func (c *countingTenants) Get(ctx context.Context, id string) (*domain.Tenant, error) {
	c.calls++
	return c.TenantRepository.Get(ctx, id)
}

func TestTenantRepositoryAndCache(t *testing.T) {
	cp := openTestPool(t)
	seedFixture(t, cp)
	ctx := context.Background()

	base := &countingTenants{TenantRepository: repository.NewSQLTenantRepository(cp, nil)}
	tenants := repository.NewCachedTenantRepository(base, time.Minute)

	for i := 0; i < 3; i++ {
		tn, err := tenants.Get(ctx, "t1")
		require.NoError(t, err)
		require.Equal(t, "Europe/Berlin", tn.Timezone)
	}
	require.Equal(t, 1, base.calls)

	tenants.Invalidate("t1")
	_, err := tenants.Get(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, 2, base.calls)

	all, err := tenants.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.False(t, all[1].IsActive)

	locate := repository.TenantLocation(tenants, time.UTC)
	loc, err := locate(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, "Europe/Berlin", loc.String())
	loc, err = locate(ctx, "t2")
	require.NoError(t, err)
	require.Equal(t, time.UTC, loc)
}

func TestRuleRepositoryOrdersAndFilters(t *testing.T) {
	cp := openTestPool(t)
	seedFixture(t, cp)
	rules := repository.NewSQLRuleRepository(cp, nil)

	got, err := rules.ListActiveRules(context.Background(), "d1", "t1", time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	ids := make([]string, len(got))
	for i, r := range got {
		ids[i] = r.ID
	}
	require.Equal(t, []string{"r-0", "r-a", "r-b"}, ids)
	require.Equal(t, []string{"u1"}, got[0].AllowedUserIDs)
	require.Equal(t, []domain.Role{domain.RoleTrainer, domain.RoleStaff}, got[1].AllowedRoles)
	require.Equal(t, []domain.TimeSlot{{DayOfWeek: 1, StartTime: "06:00", EndTime: "22:00"}}, got[1].TimeSlots)
	require.Empty(t, got[2].TimeSlots)

	none, err := rules.ListActiveRules(context.Background(), "d2", "t1", time.Now())
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestRuleRepositoryFailsClosedOnMalformedSlots(t *testing.T) {
	cp := openTestPool(t)
	seedFixture(t, cp)
	_, err := cp.GetDB().Exec(`UPDATE access_rules SET time_slots = '[{"dayOfWeek": 1, "startTime": "23:00", "endTime": "01:00"}]' WHERE id = 'r-a'`)
	require.NoError(t, err)

	rules := repository.NewSQLRuleRepository(cp, nil)
	_, err = rules.ListActiveRules(context.Background(), "d1", "t1", time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC))
	require.ErrorIs(t, err, domain.ErrInvalidTimeSlot)
}

func TestRuleRepositoryValidatesSelectors(t *testing.T) {
	cp := openTestPool(t)
	seedFixture(t, cp)
	rules := repository.NewSQLRuleRepository(cp, nil)
	monday := time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)

	_, err := cp.GetDB().Exec(`UPDATE access_rules SET allowed_roles = '["trainer", " Staff "]', allowed_membership_statuses = '["active"]' WHERE id = 'r-a'`)
	require.NoError(t, err)
	got, err := rules.ListActiveRules(context.Background(), "d1", "t1", monday)
	require.NoError(t, err)
	var staff *domain.AccessRule
	for i := range got {
		if got[i].ID == "r-a" {
			staff = &got[i]
		}
	}
	require.NotNil(t, staff)
	require.Equal(t, []domain.Role{domain.RoleTrainer, domain.RoleStaff}, staff.AllowedRoles)
	require.Equal(t, []domain.MembershipStatus{domain.MembershipActive}, staff.AllowedMembershipStatuses)

	_, err = cp.GetDB().Exec(`UPDATE access_rules SET allowed_roles = '["COACH"]' WHERE id = 'r-a'`)
	require.NoError(t, err)
	_, err = rules.ListActiveRules(context.Background(), "d1", "t1", monday)
	require.ErrorIs(t, err, domain.ErrInvalidSelector)

	_, err = cp.GetDB().Exec(`UPDATE access_rules SET allowed_roles = '[]', allowed_membership_statuses = '["PAUSED"]' WHERE id = 'r-a'`)
	require.NoError(t, err)
	_, err = rules.ListActiveRules(context.Background(), "d1", "t1", monday)
	require.ErrorIs(t, err, domain.ErrInvalidSelector)
}

func TestMembershipRepository(t *testing.T) {
	cp := openTestPool(t)
	seedFixture(t, cp)
	ctx := context.Background()
	m := repository.NewSQLMembershipRepository(cp, nil)

	m.SetClock(func() time.Time { return time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC) })
	ok, err := m.HasActiveMembership(ctx, "u1", "t1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = m.HasActiveMembership(ctx, "u2", "t1")
	require.NoError(t, err)
	require.False(t, ok, "frozen membership is not active")

	m.SetClock(func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) })
	ok, err = m.HasActiveMembership(ctx, "u1", "t1")
	require.NoError(t, err)
	require.False(t, ok, "ended membership is not active")

	m.SetClock(func() time.Time { return time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC) })
	ok, err = m.HasActiveMembership(ctx, "u1", "t1")
	require.NoError(t, err)
	require.True(t, ok, "an ACTIVE membership counts before its start date")
}

type stubResolver struct {
	active bool
	err    error
	calls  int
}

func (s *stubResolver) HasActiveMembership(context.Context, string, string) (bool, error) {
	s.calls++
	return s.active, s.err
}

type brokenCache struct{}

func (brokenCache) Lookup(context.Context, string) (string, bool, error) {
	return "", false, errors.New("connection refused")
}
func (brokenCache) Store(context.Context, string, string, time.Duration) error {
	return errors.New("connection refused")
}

func TestCachedMembershipResolver(t *testing.T) {
	ctx := context.Background()
	next := &stubResolver{active: true}
	r := repository.NewCachedMembershipResolver(next, repository.NewLocalMembershipCache(), time.Minute, nil)

	for i := 0; i < 3; i++ {
		ok, err := r.HasActiveMembership(ctx, "u1", "t1")
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.Equal(t, 3, next.calls, "positive answers are never cached")

	next.active = false
	for i := 0; i < 3; i++ {
		ok, err := r.HasActiveMembership(ctx, "u9", "t1")
		require.NoError(t, err)
		require.False(t, ok)
	}
	require.Equal(t, 4, next.calls, "negative answers are cached")
}

func TestCachedMembershipResolverStopsGrantingAfterEndDate(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)
	end := now.Add(time.Second)
	store := memory.NewMembershipStore(domain.Membership{
		ID: "m1", UserID: "u1", TenantID: "t1", Status: domain.MembershipActive,
		StartDate: now.Add(-24 * time.Hour), EndDate: &end,
	}).WithClock(func() time.Time { return now })
	r := repository.NewCachedMembershipResolver(store, repository.NewLocalMembershipCache(), time.Minute, nil)

	ok, err := r.HasActiveMembership(ctx, "u1", "t1")
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(30 * time.Second)
	ok, err = r.HasActiveMembership(ctx, "u1", "t1")
	require.NoError(t, err)
	require.False(t, ok, "ended membership must not be served from the cache")
}

func TestCachedMembershipResolverDisabledByZeroTTL(t *testing.T) {
	ctx := context.Background()
	next := &stubResolver{}
	r := repository.NewCachedMembershipResolver(next, repository.NewLocalMembershipCache(), 0, nil)

	for i := 0; i < 2; i++ {
		ok, err := r.HasActiveMembership(ctx, "u1", "t1")
		require.NoError(t, err)
		require.False(t, ok)
	}
	require.Equal(t, 2, next.calls)
}

func TestCachedMembershipResolverSurvivesCacheOutage(t *testing.T) {
	ctx := context.Background()
	next := &stubResolver{active: true}
	r := repository.NewCachedMembershipResolver(next, brokenCache{}, time.Minute, nil)

	ok, err := r.HasActiveMembership(ctx, "u1", "t1")
	require.NoError(t, err)
	require.True(t, ok)

	next.err = errors.New("db down")
	_, err = r.HasActiveMembership(ctx, "u1", "t1")
	require.Error(t, err)
}
