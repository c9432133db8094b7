package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aryan0dhankhar/facilityaccess/internal/domain"
	"github.com/aryan0dhankhar/facilityaccess/internal/repository"
	"github.com/aryan0dhankhar/facilityaccess/internal/repository/memory"
)

const (
	tenantA  = "tenant-a"
	doorMain = "door-main"
)

type evalFixture struct {
	doors       *memory.DoorStore
	users       *memory.UserStore
	rules       *memory.RuleStore
	memberships *memory.MembershipStore
	now         time.Time
}

func newEvalFixture(now time.Time) *evalFixture {
	f := &evalFixture{
		doors: memory.NewDoorStore(domain.Door{
			ID: doorMain, TenantID: tenantA, Name: "Main entrance", Status: domain.DoorStatusActive, Online: true, Locked: true,
		}),
		users:       memory.NewUserStore(),
		rules:       memory.NewRuleStore(),
		memberships: memory.NewMembershipStore(),
		now:         now,
	}
	f.memberships.WithClock(func() time.Time { return f.now })
	return f
}

func (f *evalFixture) addUser(id string, role domain.Role) {
	f.users.Put(domain.User{ID: id, TenantID: tenantA, Role: role, IsActive: true})
}

func (f *evalFixture) addMembership(userID string) {
	f.memberships.Add(domain.Membership{ID: "m-" + userID, UserID: userID, TenantID: tenantA, Status: domain.MembershipActive})
}

func (f *evalFixture) evaluator(opts ...EvaluatorOption) *AccessEvaluator {
	opts = append([]EvaluatorOption{WithClock(func() time.Time { return f.now })}, opts...)
	return NewAccessEvaluator(f.doors, f.users, f.rules, f.memberships, nil, opts...)
}

func evaluate(t *testing.T, e *AccessEvaluator, userID string) domain.Decision {
	t.Helper()
	dec, err := e.Evaluate(context.Background(), doorMain, userID, tenantA)
	if err != nil {
		t.Fatalf("unexpected evaluation error: %v", err)
	}
	if len(dec.Steps) == 0 {
		t.Fatalf("decision carries no trace")
	}
	return dec
}

func stepIndex(steps []string, substr string) int {
	for i, s := range steps {
		if strings.Contains(s, substr) {
			return i
		}
	}
	return -1
}

func TestEvaluateRoleRuleCustomerWithMembership(t *testing.T) {
	f := newEvalFixture(monday(9, 30))
	f.addUser("u1", domain.RoleCustomer)
	f.addMembership("u1")
	f.rules.Add(domain.AccessRule{ID: "r1", TenantID: tenantA, DoorID: doorMain, Priority: 5, Active: true,
		AllowedRoles: []domain.Role{domain.RoleCustomer}})

	dec := evaluate(t, f.evaluator(), "u1")
	if !dec.Granted || !strings.Contains(dec.Reason, "role-based") {
		t.Fatalf("expected role-based grant, got %+v", dec)
	}
	if dec.RuleID != "r1" {
		t.Fatalf("expected rule r1, got %q", dec.RuleID)
	}
}

func TestEvaluateRoleRuleCustomerWithoutMembership(t *testing.T) {
	f := newEvalFixture(monday(9, 30))
	f.addUser("u1", domain.RoleCustomer)
	f.rules.Add(domain.AccessRule{ID: "r1", TenantID: tenantA, DoorID: doorMain, Priority: 5, Active: true,
		AllowedRoles: []domain.Role{domain.RoleCustomer}})

	dec := evaluate(t, f.evaluator(), "u1")
	if dec.Granted {
		t.Fatalf("expected deny, got %+v", dec)
	}
	if dec.Reason != ReasonNoMembership || dec.Code != domain.DenyCodeMembershipRequired {
		t.Fatalf("unexpected reason %q code %q", dec.Reason, dec.Code)
	}
}

func TestEvaluateNoRulesConfigured(t *testing.T) {
	f := newEvalFixture(monday(9, 30))
	f.addUser("t1", domain.RoleTrainer)

	dec := evaluate(t, f.evaluator(), "t1")
	if dec.Granted || dec.Reason != ReasonNoRules {
		t.Fatalf("expected %q deny, got %+v", ReasonNoRules, dec)
	}
	if !errors.Is(dec.Code.Err(), domain.ErrNoRulesConfigured) {
		t.Fatalf("unexpected code %q", dec.Code)
	}
}

func TestEvaluateUserRuleOutsideTimeWindow(t *testing.T) {
	tuesday := monday(9, 0).AddDate(0, 0, 1)
	f := newEvalFixture(tuesday)
	f.addUser("U1", domain.RoleCustomer)
	f.rules.Add(domain.AccessRule{ID: "r1", TenantID: tenantA, DoorID: doorMain, Priority: 1, Active: true,
		AllowedUserIDs: []string{"U1"},
		TimeSlots:      []domain.TimeSlot{{DayOfWeek: 1, StartTime: "08:00", EndTime: "10:00"}}})

	dec := evaluate(t, f.evaluator(), "U1")
	if dec.Granted {
		t.Fatalf("expected deny on tuesday, got %+v", dec)
	}
	if dec.Code != domain.DenyCodeTimeWindowViolation {
		t.Fatalf("expected time window violation, got %q", dec.Code)
	}
	if stepIndex(dec.Steps, "explicit user match rejected") < 0 {
		t.Fatalf("trace does not record the time rejection: %v", dec.Steps)
	}
}

func TestEvaluateUserOverrideWithoutMembership(t *testing.T) {
	f := newEvalFixture(monday(9, 0))
	f.addUser("u1", domain.RoleCustomer)
	f.rules.Add(domain.AccessRule{ID: "r1", TenantID: tenantA, DoorID: doorMain, Priority: 1, Active: true,
		AllowedUserIDs: []string{"u1"},
		TimeSlots:      []domain.TimeSlot{{DayOfWeek: 1, StartTime: "08:00", EndTime: "10:00"}}})

	dec := evaluate(t, f.evaluator(), "u1")
	if !dec.Granted || dec.Reason != ReasonExplicitUser {
		t.Fatalf("expected explicit user grant, got %+v", dec)
	}
}

func TestEvaluatePriorityOrdering(t *testing.T) {
	f := newEvalFixture(monday(9, 30))
	f.addUser("t1", domain.RoleTrainer)
	// inserted out of order
	f.rules.Add(domain.AccessRule{ID: "r2", TenantID: tenantA, DoorID: doorMain, Priority: 2, Active: true,
		AllowedRoles: []domain.Role{domain.RoleTrainer}})
	f.rules.Add(domain.AccessRule{ID: "r1", TenantID: tenantA, DoorID: doorMain, Priority: 1, Active: true,
		AllowedRoles: []domain.Role{domain.RoleTrainer}})

	dec := evaluate(t, f.evaluator(), "t1")
	if !dec.Granted || dec.RuleID != "r1" {
		t.Fatalf("expected grant by r1, got %+v", dec)
	}
	if stepIndex(dec.Steps, "rule r1") < 0 {
		t.Fatalf("r1 missing from trace: %v", dec.Steps)
	}
	if i := stepIndex(dec.Steps, "rule r2"); i >= 0 {
		t.Fatalf("r2 evaluated after r1 matched: %v", dec.Steps)
	}
}

func TestEvaluatePriorityFallsThroughOnTimeWindow(t *testing.T) {
	f := newEvalFixture(monday(12, 0))
	f.addUser("t1", domain.RoleTrainer)
	f.rules.Add(domain.AccessRule{ID: "r1", TenantID: tenantA, DoorID: doorMain, Priority: 1, Active: true,
		AllowedRoles: []domain.Role{domain.RoleTrainer},
		TimeSlots:    []domain.TimeSlot{{DayOfWeek: 1, StartTime: "06:00", EndTime: "08:00"}}})
	f.rules.Add(domain.AccessRule{ID: "r2", TenantID: tenantA, DoorID: doorMain, Priority: 2, Active: true,
		AllowedRoles: []domain.Role{domain.RoleTrainer}})

	dec := evaluate(t, f.evaluator(), "t1")
	if !dec.Granted || dec.RuleID != "r2" {
		t.Fatalf("expected grant by r2, got %+v", dec)
	}
	if a, b := stepIndex(dec.Steps, "rule r1"), stepIndex(dec.Steps, "rule r2"); a < 0 || b < 0 || a > b {
		t.Fatalf("expected r1 before r2 in trace: %v", dec.Steps)
	}
}

func TestEvaluateAdminBypass(t *testing.T) {
	for _, role := range []domain.Role{domain.RoleAdmin, domain.RoleSuperAdmin} {
		t.Run(string(role), func(t *testing.T) {
			f := newEvalFixture(monday(3, 0))
			f.addUser("a1", role)

			dec := evaluate(t, f.evaluator(), "a1")
			if !dec.Granted || dec.Reason != ReasonAdminBypass {
				t.Fatalf("expected admin bypass, got %+v", dec)
			}
			if stepIndex(dec.Steps, "admin bypass") < 0 {
				t.Fatalf("bypass not tagged in trace: %v", dec.Steps)
			}
			if dec.Metadata["bypass"] != "admin" {
				t.Fatalf("bypass not tagged in metadata: %v", dec.Metadata)
			}
		})
	}
}

func TestEvaluateMembershipBranch(t *testing.T) {
	f := newEvalFixture(monday(9, 30))
	f.addUser("u1", domain.RoleStaff)
	f.addMembership("u1")
	f.rules.Add(domain.AccessRule{ID: "r1", TenantID: tenantA, DoorID: doorMain, Priority: 1, Active: true,
		AllowedMembershipStatuses: []domain.MembershipStatus{domain.MembershipActive}})

	dec := evaluate(t, f.evaluator(), "u1")
	if !dec.Granted || dec.Reason != ReasonMembershipBased {
		t.Fatalf("expected membership grant, got %+v", dec)
	}
}

func TestEvaluateExpiredMembershipDenied(t *testing.T) {
	now := monday(9, 30)
	f := newEvalFixture(now)
	f.addUser("u1", domain.RoleCustomer)
	ended := now.Add(-time.Hour)
	f.memberships.Add(domain.Membership{ID: "m1", UserID: "u1", TenantID: tenantA, Status: domain.MembershipActive, EndDate: &ended})
	f.rules.Add(domain.AccessRule{ID: "r1", TenantID: tenantA, DoorID: doorMain, Priority: 1, Active: true,
		AllowedRoles:              []domain.Role{domain.RoleCustomer},
		AllowedMembershipStatuses: []domain.MembershipStatus{domain.MembershipActive}})

	dec := evaluate(t, f.evaluator(), "u1")
	if dec.Granted {
		t.Fatalf("expired membership must not grant: %+v", dec)
	}
}

func TestEvaluateNoMatchingRule(t *testing.T) {
	f := newEvalFixture(monday(9, 30))
	f.addUser("t1", domain.RoleTrainer)
	f.rules.Add(domain.AccessRule{ID: "r1", TenantID: tenantA, DoorID: doorMain, Priority: 1, Active: true,
		AllowedRoles: []domain.Role{domain.RoleCustomer}})

	dec := evaluate(t, f.evaluator(), "t1")
	if dec.Granted || dec.Reason != ReasonNoMatchingRule {
		t.Fatalf("expected generic no-match deny, got %+v", dec)
	}
}

func TestEvaluateSkipsRulesOutsideValidity(t *testing.T) {
	now := monday(9, 30)
	f := newEvalFixture(now)
	f.addUser("t1", domain.RoleTrainer)
	until := now.Add(-time.Minute)
	f.rules.Add(domain.AccessRule{ID: "r1", TenantID: tenantA, DoorID: doorMain, Priority: 1, Active: true,
		ValidUntil: &until, AllowedRoles: []domain.Role{domain.RoleTrainer}})
	f.rules.Add(domain.AccessRule{ID: "r2", TenantID: tenantA, DoorID: doorMain, Priority: 1, Active: false,
		AllowedRoles: []domain.Role{domain.RoleTrainer}})

	dec := evaluate(t, f.evaluator(), "t1")
	if dec.Granted || dec.Reason != ReasonNoRules {
		t.Fatalf("expected no rules, got %+v", dec)
	}
}

func TestEvaluateDoorAndUserChecks(t *testing.T) {
	f := newEvalFixture(monday(9, 30))
	f.addUser("u1", domain.RoleAdmin)
	f.users.Put(domain.User{ID: "gone", TenantID: tenantA, Role: domain.RoleAdmin, IsActive: false})
	f.doors.Put(domain.Door{ID: "door-maint", TenantID: tenantA, Status: domain.DoorStatusMaintenance})
	e := f.evaluator()

	cases := []struct {
		name, door, user, tenant string
		reason                   string
		code                     domain.DenyCode
	}{
		{"unknown door", "nope", "u1", tenantA, ReasonDoorUnavailable, domain.DenyCodeNotFound},
		{"door in maintenance", "door-maint", "u1", tenantA, ReasonDoorUnavailable, domain.DenyCodeInactive},
		{"other tenant", doorMain, "u1", "tenant-b", ReasonDoorUnavailable, domain.DenyCodeNotFound},
		{"unknown user", doorMain, "ghost", tenantA, ReasonUserUnavailable, domain.DenyCodeNotFound},
		{"inactive user", doorMain, "gone", tenantA, ReasonUserUnavailable, domain.DenyCodeInactive},
		{"empty user", doorMain, "", tenantA, ReasonUserUnavailable, domain.DenyCodeNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dec, err := e.Evaluate(context.Background(), tc.door, tc.user, tc.tenant)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if dec.Granted || dec.Reason != tc.reason || dec.Code != tc.code {
				t.Fatalf("got %+v", dec)
			}
		})
	}
}

type failingRules struct{ err error }

func (f failingRules) ListActiveRules(context.Context, string, string, time.Time) ([]domain.AccessRule, error) {
	return nil, f.err
}

type blockingRules struct{}

func (blockingRules) ListActiveRules(ctx context.Context, _, _ string, _ time.Time) ([]domain.AccessRule, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type panickingMemberships struct{}

func (panickingMemberships) HasActiveMembership(context.Context, string, string) (bool, error) {
	panic("resolver exploded")
}

func TestEvaluateCollaboratorFailureFailsClosed(t *testing.T) {
	f := newEvalFixture(monday(9, 30))
	f.addUser("u1", domain.RoleTrainer)

	cases := []struct {
		name string
		e    *AccessEvaluator
	}{
		{"rule store error", NewAccessEvaluator(f.doors, f.users, failingRules{errors.New("db down")}, f.memberships, nil)},
		{"rule store timeout", NewAccessEvaluator(f.doors, f.users, blockingRules{}, f.memberships, nil, WithCallTimeout(20*time.Millisecond))},
		{"resolver panic", NewAccessEvaluator(f.doors, f.users, f.rules, panickingMemberships{}, nil)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dec, err := tc.e.Evaluate(context.Background(), doorMain, "u1", tenantA)
			if !errors.Is(err, domain.ErrCollaboratorFailure) {
				t.Fatalf("expected collaborator failure, got %v", err)
			}
			if dec.Granted || dec.Reason != ReasonEvaluationError {
				t.Fatalf("expected evaluation error deny, got %+v", dec)
			}
		})
	}
}

func TestEvaluateUsesTenantLocation(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	// 14:30 UTC is 09:30 in New York in January
	f := newEvalFixture(monday(14, 30))
	f.addUser("t1", domain.RoleTrainer)
	f.rules.Add(domain.AccessRule{ID: "r1", TenantID: tenantA, DoorID: doorMain, Priority: 1, Active: true,
		AllowedRoles: []domain.Role{domain.RoleTrainer},
		TimeSlots:    []domain.TimeSlot{{DayOfWeek: 1, StartTime: "09:00", EndTime: "10:00"}}})

	utc := evaluate(t, f.evaluator(), "t1")
	if utc.Granted {
		t.Fatalf("expected deny when matching in UTC")
	}

	local := evaluate(t, f.evaluator(WithLocationResolver(func(context.Context, string) (*time.Location, error) {
		return ny, nil
	})), "t1")
	if !local.Granted {
		t.Fatalf("expected grant in tenant local time, got %+v", local)
	}
}

func TestEvaluateNeverGrantsWithoutApplicableRule(t *testing.T) {
	f := newEvalFixture(monday(9, 30))
	roles := []domain.Role{domain.RoleCustomer, domain.RoleTrainer, domain.RoleStaff}
	for _, r := range roles {
		f.addUser(string(r), r)
		f.addMembership(string(r))
	}
	e := f.evaluator()
	for _, r := range roles {
		dec := evaluate(t, e, string(r))
		if dec.Granted {
			t.Fatalf("role %s granted with no rules", r)
		}
	}
}

func TestEvaluateCachedMembershipEndsWithEndDate(t *testing.T) {
	f := newEvalFixture(monday(9, 30))
	f.addUser("u1", domain.RoleCustomer)
	end := f.now.Add(time.Second)
	f.memberships.Add(domain.Membership{ID: "m-u1", UserID: "u1", TenantID: tenantA, Status: domain.MembershipActive, EndDate: &end})
	f.rules.Add(domain.AccessRule{ID: "r1", TenantID: tenantA, DoorID: doorMain, Priority: 5, Active: true,
		AllowedRoles: []domain.Role{domain.RoleCustomer}})

	cached := repository.NewCachedMembershipResolver(f.memberships, repository.NewLocalMembershipCache(), time.Minute, nil)
	e := NewAccessEvaluator(f.doors, f.users, f.rules, cached, nil, WithClock(func() time.Time { return f.now }))

	if dec := evaluate(t, e, "u1"); !dec.Granted {
		t.Fatalf("expected grant while membership is active, got %+v", dec)
	}
	f.now = f.now.Add(30 * time.Second)
	dec := evaluate(t, e, "u1")
	if dec.Granted || dec.Reason != ReasonNoMembership {
		t.Fatalf("expected denial after membership end, got %+v", dec)
	}
}
