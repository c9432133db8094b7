package domain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// AccessRule grants access to one door. Selector sets are independent
// match branches, not a conjunction.
type AccessRule struct {
	ID       string
	TenantID string
	DoorID   string
	Name     string
	// Priority orders evaluation; lower values are evaluated first.
	Priority   int
	Active     bool
	ValidFrom  *time.Time
	ValidUntil *time.Time

	AllowedUserIDs            []string
	AllowedRoles              []Role
	AllowedMembershipStatuses []MembershipStatus
	TimeSlots                 []TimeSlot

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ValidAt reports whether now falls inside the rule's validity window.
// A nil bound is open.
func (r *AccessRule) ValidAt(now time.Time) bool {
	if r.ValidFrom != nil && now.Before(*r.ValidFrom) {
		return false
	}
	if r.ValidUntil != nil && now.After(*r.ValidUntil) {
		return false
	}
	return true
}

func (r *AccessRule) AllowsUser(userID string) bool {
	return userID != "" && slices.Contains(r.AllowedUserIDs, userID)
}

func (r *AccessRule) AllowsRole(role Role) bool {
	return slices.Contains(r.AllowedRoles, role)
}

func (r *AccessRule) AllowsMembershipStatus(status MembershipStatus) bool {
	return slices.Contains(r.AllowedMembershipStatuses, status)
}

// RuleStore supplies the active rules of a door, valid at now and sorted
// ascending by priority.
type RuleStore interface {
	ListActiveRules(ctx context.Context, doorID, tenantID string, now time.Time) ([]AccessRule, error)
}

// TimeSlot is a recurring weekly window. DayOfWeek is 0 (Sunday) to 6.
// Times are zero-padded "HH:MM"; a slot never crosses midnight.
type TimeSlot struct {
	DayOfWeek int    `json:"dayOfWeek"`
	StartTime string `json:"startTime"`
	EndTime   string `json:"endTime"`
}

// Validate checks the slot's day and clock bounds.
func (s TimeSlot) Validate() error {
	if s.DayOfWeek < 0 || s.DayOfWeek > 6 {
		return fmt.Errorf("%w: dayOfWeek %d out of range", ErrInvalidTimeSlot, s.DayOfWeek)
	}
	if !validClock(s.StartTime) {
		return fmt.Errorf("%w: startTime %q is not HH:MM", ErrInvalidTimeSlot, s.StartTime)
	}
	if !validClock(s.EndTime) {
		return fmt.Errorf("%w: endTime %q is not HH:MM", ErrInvalidTimeSlot, s.EndTime)
	}
	if s.StartTime > s.EndTime {
		return fmt.Errorf("%w: %s-%s crosses midnight", ErrInvalidTimeSlot, s.StartTime, s.EndTime)
	}
	return nil
}

func validClock(v string) bool {
	if len(v) != 5 || v[2] != ':' {
		return false
	}
	for _, i := range []int{0, 1, 3, 4} {
		if v[i] < '0' || v[i] > '9' {
			return false
		}
	}
	hh := int(v[0]-'0')*10 + int(v[1]-'0')
	mm := int(v[3]-'0')*10 + int(v[4]-'0')
	return hh < 24 && mm < 60
}

// ParseTimeSlots decodes a stored time-slot list. Empty input, "null" and
// "[]" mean unrestricted. Unknown fields and malformed slots are rejected.
func ParseTimeSlots(raw []byte) ([]TimeSlot, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	var slots []TimeSlot
	if err := dec.Decode(&slots); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTimeSlot, err)
	}
	for i, s := range slots {
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("slot %d: %w", i, err)
		}
	}
	return slots, nil
}

// ParseRoles decodes a stored role allow-list, normalizing case. Unknown
// roles are rejected so a typo cannot silently disable a rule.
func ParseRoles(raw []byte) ([]Role, error) {
	names, err := decodeSelector(raw)
	if err != nil || names == nil {
		return nil, err
	}
	roles := make([]Role, 0, len(names))
	for _, n := range names {
		r, err := ParseRole(n)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSelector, err)
		}
		roles = append(roles, r)
	}
	return roles, nil
}

// ParseMembershipStatuses decodes a stored membership-status allow-list.
func ParseMembershipStatuses(raw []byte) ([]MembershipStatus, error) {
	names, err := decodeSelector(raw)
	if err != nil || names == nil {
		return nil, err
	}
	statuses := make([]MembershipStatus, 0, len(names))
	for _, n := range names {
		st, err := ParseMembershipStatus(n)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSelector, err)
		}
		statuses = append(statuses, st)
	}
	return statuses, nil
}

func decodeSelector(raw []byte) ([]string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	var names []string
	if err := json.Unmarshal(trimmed, &names); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSelector, err)
	}
	return names, nil
}

// EncodeTimeSlots is the inverse of ParseTimeSlots.
func EncodeTimeSlots(slots []TimeSlot) ([]byte, error) {
	if len(slots) == 0 {
		return []byte("[]"), nil
	}
	for i, s := range slots {
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("slot %d: %w", i, err)
		}
	}
	return json.Marshal(slots)
}
