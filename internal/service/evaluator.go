package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aryan0dhankhar/facilityaccess/internal/domain"
	"github.com/aryan0dhankhar/facilityaccess/internal/observability/metrics"
)

const (
	ReasonDoorUnavailable    = "door not found or inactive"
	ReasonUserUnavailable    = "user not found or inactive"
	ReasonAdminBypass        = "admin automatic access"
	ReasonNoRules            = "no access rules configured"
	ReasonExplicitUser       = "explicit user rule"
	ReasonRoleBased          = "role-based rule"
	ReasonMembershipBased    = "membership-based rule"
	ReasonOutsideTimeWindow  = "outside permitted time window"
	ReasonNoMembership       = "no active membership and no override"
	ReasonNoMatchingRule     = "user does not match any access rule"
	ReasonEvaluationError    = "evaluation error"
	defaultCollaboratorLimit = 2 * time.Second
)

// LocationResolver returns the civil-time location of a tenant.
type LocationResolver func(ctx context.Context, tenantID string) (*time.Location, error)

// EvaluatorOption customizes an AccessEvaluator
type EvaluatorOption func(*AccessEvaluator)

// WithClock overrides the evaluator's time source.
func WithClock(now func() time.Time) EvaluatorOption {
	return func(e *AccessEvaluator) { e.now = now }
}

// WithCallTimeout bounds each collaborator call.
func WithCallTimeout(d time.Duration) EvaluatorOption {
	return func(e *AccessEvaluator) {
		if d > 0 {
			e.callTimeout = d
		}
	}
}

// WithLocationResolver makes time slots match in each tenant's local time.
func WithLocationResolver(fn LocationResolver) EvaluatorOption {
	return func(e *AccessEvaluator) { e.locate = fn }
}

// AccessEvaluator decides whether a principal may pass a door. It holds no
// mutable state and is safe for concurrent use.
type AccessEvaluator struct {
	doors       domain.DoorRepository
	users       domain.UserRepository
	rules       domain.RuleStore
	memberships domain.MembershipResolver
	logger      *slog.Logger
	tracer      trace.Tracer
	now         func() time.Time
	locate      LocationResolver
	callTimeout time.Duration
}

// NewAccessEvaluator creates a new evaluator
func NewAccessEvaluator(
	doors domain.DoorRepository,
	users domain.UserRepository,
	rules domain.RuleStore,
	memberships domain.MembershipResolver,
	logger *slog.Logger,
	opts ...EvaluatorOption,
) *AccessEvaluator {
	if logger == nil {
		logger = slog.Default()
	}
	e := &AccessEvaluator{
		doors:       doors,
		users:       users,
		rules:       rules,
		memberships: memberships,
		logger:      logger,
		tracer:      otel.Tracer("facilityaccess/service"),
		now:         time.Now,
		callTimeout: defaultCollaboratorLimit,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// evaluation carries the trace of a single Evaluate call.
type evaluation struct {
	steps []string
}

func (ev *evaluation) step(format string, args ...any) {
	ev.steps = append(ev.steps, fmt.Sprintf(format, args...))
}

func (ev *evaluation) grant(reason string, rule *domain.AccessRule, meta map[string]any) domain.Decision {
	d := domain.Decision{Granted: true, Reason: reason, Metadata: meta, Steps: ev.steps}
	if rule != nil {
		d.RuleID = rule.ID
	}
	return d
}

func (ev *evaluation) deny(reason string, code domain.DenyCode) domain.Decision {
	return domain.Decision{Granted: false, Reason: reason, Code: code, Steps: ev.steps}
}

// Evaluate returns a verdict for every input. The error is non-nil only when a
// collaborator failed, and the decision is then a deny with reason
// "evaluation error".
func (e *AccessEvaluator) Evaluate(ctx context.Context, doorID, userID, tenantID string) (dec domain.Decision, err error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "AccessEvaluator.Evaluate",
		trace.WithAttributes(
			attribute.String("door.id", doorID),
			attribute.String("tenant.id", tenantID),
		))
	ev := &evaluation{}

	defer func() {
		if r := recover(); r != nil {
			ev.step("evaluation aborted: %v", r)
			dec = ev.deny(ReasonEvaluationError, domain.DenyCodeCollaboratorFailure)
			err = fmt.Errorf("%w: panic during evaluation: %v", domain.ErrCollaboratorFailure, r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			e.logger.Error("access evaluation failed",
				slog.String("tenant_id", tenantID),
				slog.String("door_id", doorID),
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
		}
		span.SetAttributes(
			attribute.Bool("access.granted", dec.Granted),
			attribute.String("access.reason", dec.Reason),
		)
		span.End()
		metrics.ObserveDecision(dec.Granted, string(dec.Code), time.Since(start))
	}()

	dec, err = e.evaluate(ctx, ev, doorID, userID, tenantID)
	return dec, err
}

func (e *AccessEvaluator) fail(ev *evaluation, what string, cause error) (domain.Decision, error) {
	ev.step("%s failed: %v", what, cause)
	return ev.deny(ReasonEvaluationError, domain.DenyCodeCollaboratorFailure),
		fmt.Errorf("%w: %s: %v", domain.ErrCollaboratorFailure, what, cause)
}

func (e *AccessEvaluator) call(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.callTimeout)
}

func (e *AccessEvaluator) evaluate(ctx context.Context, ev *evaluation, doorID, userID, tenantID string) (domain.Decision, error) {
	now := e.now()
	ev.step("evaluating door=%s user=%s tenant=%s", doorID, userID, tenantID)

	if tenantID == "" || doorID == "" {
		ev.step("door lookup skipped: missing door or tenant id")
		return ev.deny(ReasonDoorUnavailable, domain.DenyCodeNotFound), nil
	}

	cctx, cancel := e.call(ctx)
	door, err := e.doors.Get(cctx, doorID, tenantID)
	cancel()
	switch {
	case errors.Is(err, domain.ErrNotFound):
		ev.step("door %s not found", doorID)
		return ev.deny(ReasonDoorUnavailable, domain.DenyCodeNotFound), nil
	case err != nil:
		return e.fail(ev, "door lookup", err)
	case door == nil:
		ev.step("door %s not found", doorID)
		return ev.deny(ReasonDoorUnavailable, domain.DenyCodeNotFound), nil
	case !door.IsActive():
		ev.step("door %s is %s", doorID, door.Status)
		return ev.deny(ReasonDoorUnavailable, domain.DenyCodeInactive), nil
	}
	ev.step("door %s active", doorID)

	if userID == "" {
		ev.step("user lookup skipped: missing user id")
		return ev.deny(ReasonUserUnavailable, domain.DenyCodeNotFound), nil
	}
	cctx, cancel = e.call(ctx)
	user, err := e.users.Get(cctx, userID, tenantID)
	cancel()
	switch {
	case errors.Is(err, domain.ErrNotFound):
		ev.step("user %s not found", userID)
		return ev.deny(ReasonUserUnavailable, domain.DenyCodeNotFound), nil
	case err != nil:
		return e.fail(ev, "user lookup", err)
	case user == nil:
		ev.step("user %s not found", userID)
		return ev.deny(ReasonUserUnavailable, domain.DenyCodeNotFound), nil
	case !user.IsActive:
		ev.step("user %s is inactive", userID)
		return ev.deny(ReasonUserUnavailable, domain.DenyCodeInactive), nil
	}
	ev.step("user %s active with role %s", userID, user.Role)

	if user.Role.IsAdmin() {
		ev.step("admin bypass: role %s receives automatic access, rules not evaluated", user.Role)
		return ev.grant(ReasonAdminBypass, nil, map[string]any{
			"bypass": "admin",
			"role":   string(user.Role),
		}), nil
	}

	cctx, cancel = e.call(ctx)
	hasMembership, err := e.memberships.HasActiveMembership(cctx, userID, tenantID)
	cancel()
	if err != nil {
		return e.fail(ev, "membership lookup", err)
	}
	ev.step("active membership: %t", hasMembership)

	cctx, cancel = e.call(ctx)
	rules, err := e.rules.ListActiveRules(cctx, doorID, tenantID, now)
	cancel()
	if err != nil {
		return e.fail(ev, "rule lookup", err)
	}
	rules = applicableRules(ev, rules, now)
	if len(rules) == 0 {
		ev.step("no active rules apply to door %s", doorID)
		return ev.deny(ReasonNoRules, domain.DenyCodeNoRulesConfigured), nil
	}
	ev.step("%d active rule(s) loaded", len(rules))

	local := now
	if e.locate != nil {
		cctx, cancel = e.call(ctx)
		loc, err := e.locate(cctx, tenantID)
		cancel()
		if err != nil {
			return e.fail(ev, "tenant timezone lookup", err)
		}
		if loc != nil {
			local = now.In(loc)
		}
	}
	ev.step("local time %s %s", local.Weekday(), local.Format("15:04"))

	timeRejected := false
	for i := range rules {
		rule := &rules[i]
		ev.step("rule %s (priority %d) considered", rule.ID, rule.Priority)

		if rule.AllowsUser(userID) {
			if w := MatchTimeSlots(rule.TimeSlots, local); w.Allowed {
				ev.step("rule %s: explicit user match, membership not required", rule.ID)
				return ev.grant(ReasonExplicitUser, rule, ruleMetadata(rule, "user")), nil
			} else {
				timeRejected = true
				ev.step("rule %s: explicit user match rejected: %s", rule.ID, w.Reason)
			}
		}

		if rule.AllowsRole(user.Role) {
			if user.Role == domain.RoleCustomer && !hasMembership {
				ev.step("rule %s: role %s matched but no active membership", rule.ID, user.Role)
			} else if w := MatchTimeSlots(rule.TimeSlots, local); w.Allowed {
				ev.step("rule %s: role %s matched", rule.ID, user.Role)
				return ev.grant(ReasonRoleBased, rule, ruleMetadata(rule, "role")), nil
			} else {
				timeRejected = true
				ev.step("rule %s: role match rejected: %s", rule.ID, w.Reason)
			}
		}

		if len(rule.AllowedMembershipStatuses) > 0 {
			if hasMembership && rule.AllowsMembershipStatus(domain.MembershipActive) {
				if w := MatchTimeSlots(rule.TimeSlots, local); w.Allowed {
					ev.step("rule %s: membership status %s matched", rule.ID, domain.MembershipActive)
					return ev.grant(ReasonMembershipBased, rule, ruleMetadata(rule, "membership")), nil
				} else {
					timeRejected = true
					ev.step("rule %s: membership match rejected: %s", rule.ID, w.Reason)
				}
			} else {
				ev.step("rule %s: membership status not allowed", rule.ID)
			}
		}

		ev.step("rule %s: no branch matched", rule.ID)
	}

	switch {
	case timeRejected:
		ev.step("denied: matching rules were outside their time windows")
		return ev.deny(ReasonOutsideTimeWindow, domain.DenyCodeTimeWindowViolation), nil
	case user.Role == domain.RoleCustomer && !hasMembership:
		ev.step("denied: customer without active membership and no user override")
		return ev.deny(ReasonNoMembership, domain.DenyCodeMembershipRequired), nil
	default:
		ev.step("denied: no rule matched")
		return ev.deny(ReasonNoMatchingRule, domain.DenyCodeNoMatchingRule), nil
	}
}

// applicableRules drops inactive or out-of-window rules the store may have
// returned and orders the rest by priority, then id.
func applicableRules(ev *evaluation, rules []domain.AccessRule, now time.Time) []domain.AccessRule {
	out := make([]domain.AccessRule, 0, len(rules))
	for _, r := range rules {
		if !r.Active {
			ev.step("rule %s skipped: inactive", r.ID)
			continue
		}
		if !r.ValidAt(now) {
			ev.step("rule %s skipped: outside validity window", r.ID)
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func ruleMetadata(rule *domain.AccessRule, branch string) map[string]any {
	return map[string]any{
		"ruleId":   rule.ID,
		"ruleName": rule.Name,
		"priority": rule.Priority,
		"branch":   branch,
	}
}
