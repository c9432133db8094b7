package domain

// DenyCode classifies why a decision was reached. Every code except
// DenyCodeNone resolves to a deny.
type DenyCode string

const (
	DenyCodeNone                DenyCode = ""
	DenyCodeNotFound            DenyCode = "NOT_FOUND"
	DenyCodeInactive            DenyCode = "INACTIVE"
	DenyCodeNoRulesConfigured   DenyCode = "NO_RULES_CONFIGURED"
	DenyCodeNoMatchingRule      DenyCode = "NO_MATCHING_RULE"
	DenyCodeMembershipRequired  DenyCode = "MEMBERSHIP_REQUIRED"
	DenyCodeTimeWindowViolation DenyCode = "TIME_WINDOW_VIOLATION"
	DenyCodeCollaboratorFailure DenyCode = "COLLABORATOR_FAILURE"
	DenyCodeProximityRejected   DenyCode = "PROXIMITY_REJECTED"
)

// Err maps the code onto the sentinel error taxonomy.
func (c DenyCode) Err() error {
	switch c {
	case DenyCodeNotFound:
		return ErrNotFound
	case DenyCodeInactive:
		return ErrInactive
	case DenyCodeNoRulesConfigured:
		return ErrNoRulesConfigured
	case DenyCodeNoMatchingRule:
		return ErrNoMatchingRule
	case DenyCodeMembershipRequired:
		return ErrMembershipRequired
	case DenyCodeTimeWindowViolation:
		return ErrTimeWindowViolation
	case DenyCodeCollaboratorFailure:
		return ErrCollaboratorFailure
	case DenyCodeProximityRejected:
		return ErrProximity
	}
	return nil
}

// Decision is the verdict of one access evaluation. Steps is the
// chronological trace intended for audit and security personnel.
type Decision struct {
	Granted  bool           `json:"granted"`
	Reason   string         `json:"reason"`
	Code     DenyCode       `json:"code,omitempty"`
	RuleID   string         `json:"ruleId,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Steps    []string       `json:"steps"`
}

// Public returns a copy safe to show to the principal: no trace, no metadata.
func (d Decision) Public() Decision {
	return Decision{Granted: d.Granted, Reason: d.Reason, Code: d.Code, RuleID: d.RuleID, Steps: []string{}}
}
