package domain

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Role is the principal's role within a tenant
type Role string

const (
	RoleCustomer   Role = "CUSTOMER"
	RoleTrainer    Role = "TRAINER"
	RoleStaff      Role = "STAFF"
	RoleAdmin      Role = "ADMIN"
	RoleSuperAdmin Role = "SUPER_ADMIN"
)

// IsAdmin reports whether the role receives automatic access everywhere.
func (r Role) IsAdmin() bool {
	return r == RoleAdmin || r == RoleSuperAdmin
}

// ParseRole normalizes and validates a role name.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToUpper(strings.TrimSpace(s)))
	switch r {
	case RoleCustomer, RoleTrainer, RoleStaff, RoleAdmin, RoleSuperAdmin:
		return r, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// User represents a principal whose access is evaluated
type User struct {
	ID        string
	TenantID  string
	Email     string
	Name      string
	Role      Role
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// UserRepository defines data access for users
type UserRepository interface {
	Get(ctx context.Context, id, tenantID string) (*User, error)
}

// Tenant represents an organization/tenant
type Tenant struct {
	ID        string
	Name      string
	Timezone  string // IANA name, empty means UTC
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TenantRepository defines data access for tenants
type TenantRepository interface {
	Get(ctx context.Context, id string) (*Tenant, error)
	List(ctx context.Context) ([]*Tenant, error)
}

// MembershipStatus is the lifecycle state of a membership
type MembershipStatus string

const (
	MembershipActive    MembershipStatus = "ACTIVE"
	MembershipPending   MembershipStatus = "PENDING"
	MembershipFrozen    MembershipStatus = "FROZEN"
	MembershipCancelled MembershipStatus = "CANCELLED"
	MembershipExpired   MembershipStatus = "EXPIRED"
)

// ParseMembershipStatus normalizes and validates a membership status.
func ParseMembershipStatus(s string) (MembershipStatus, error) {
	st := MembershipStatus(strings.ToUpper(strings.TrimSpace(s)))
	switch st {
	case MembershipActive, MembershipPending, MembershipFrozen, MembershipCancelled, MembershipExpired:
		return st, nil
	}
	return "", fmt.Errorf("unknown membership status %q", s)
}

// Membership belongs to exactly one user
type Membership struct {
	ID        string
	UserID    string
	TenantID  string
	Status    MembershipStatus
	StartDate time.Time
	EndDate   *time.Time
}

// ActiveAt reports whether the membership is ACTIVE and not past its end date.
func (m *Membership) ActiveAt(now time.Time) bool {
	if m == nil || m.Status != MembershipActive {
		return false
	}
	return m.EndDate == nil || m.EndDate.After(now)
}

// MembershipResolver reports whether a user currently holds an active membership.
type MembershipResolver interface {
	HasActiveMembership(ctx context.Context, userID, tenantID string) (bool, error)
}
