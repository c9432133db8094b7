package domain

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrInactive            = errors.New("inactive")
	ErrNoRulesConfigured   = errors.New("no access rules configured")
	ErrNoMatchingRule      = errors.New("no matching rule")
	ErrMembershipRequired  = errors.New("membership required")
	ErrTimeWindowViolation = errors.New("outside permitted time window")
	// ErrCollaboratorFailure is the only evaluation error surfaced to callers.
	ErrCollaboratorFailure = errors.New("collaborator failure")

	ErrInvalidTimeSlot = errors.New("invalid time slot")
	ErrInvalidSelector = errors.New("invalid rule selector")
	ErrInvalidFilter   = errors.New("invalid access log filter")
	ErrInvalidEntry    = errors.New("invalid access log entry")
	ErrProximity       = errors.New("proximity check failed")

	// ErrChainConflict means another writer advanced the tenant's chain head first.
	ErrChainConflict = errors.New("audit chain head moved")
	ErrChainBroken   = errors.New("audit chain broken")
)
