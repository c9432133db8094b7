package security

import (
	"testing"

	"github.com/aryan0dhankhar/facilityaccess/internal/domain"
)

func TestRolePermissions(t *testing.T) {
	as := NewAuthorizationService(nil)
	cases := []struct {
		role domain.Role
		perm Permission
		want bool
	}{
		{domain.RoleSuperAdmin, PermVerifyChain, true},
		{domain.RoleAdmin, PermViewTrace, true},
		{domain.RoleStaff, PermViewLogs, true},
		{domain.RoleStaff, PermExportLogs, false},
		{domain.RoleTrainer, PermEvaluate, true},
		{domain.RoleTrainer, PermViewTrace, false},
		{domain.RoleCustomer, PermUnlockSelf, true},
		{domain.RoleCustomer, PermEvaluate, false},
		{domain.Role("GUEST"), PermUnlockSelf, false},
	}
	for _, tc := range cases {
		if got := as.HasPermission(tc.role, tc.perm); got != tc.want {
			t.Errorf("%s/%s: got %v want %v", tc.role, tc.perm, got, tc.want)
		}
		if err := as.ValidatePermission(tc.role, tc.perm); (err == nil) != tc.want {
			t.Errorf("%s/%s: unexpected validate result %v", tc.role, tc.perm, err)
		}
	}
}

func TestValidateUnlockSubject(t *testing.T) {
	as := NewAuthorizationService(nil)
	if err := as.ValidateUnlockSubject("u1", domain.RoleCustomer, "u1"); err != nil {
		t.Fatalf("customer unlocking for self: %v", err)
	}
	if err := as.ValidateUnlockSubject("u1", domain.RoleCustomer, "u2"); err == nil {
		t.Fatal("customer must not unlock for others")
	}
	if err := as.ValidateUnlockSubject("t1", domain.RoleTrainer, "u2"); err != nil {
		t.Fatalf("trainer unlocking for member: %v", err)
	}
}

func TestValidateTenantAccess(t *testing.T) {
	as := NewAuthorizationService(nil)
	if err := as.ValidateTenantAccess("a", "a"); err != nil {
		t.Fatal(err)
	}
	if err := as.ValidateTenantAccess("a", "b"); err == nil {
		t.Fatal("expected cross-tenant access to fail")
	}
}
