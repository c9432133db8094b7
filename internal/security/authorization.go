package security

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/aryan0dhankhar/facilityaccess/internal/domain"
)

// Permission represents an operator action on the API
type Permission string

const (
	PermEvaluate       Permission = "evaluate_access"
	PermViewTrace      Permission = "view_decision_trace"
	PermUnlockSelf     Permission = "unlock_self"
	PermUnlockAny      Permission = "unlock_any"
	PermLockDoor       Permission = "lock_door"
	PermSyncDoor       Permission = "sync_door"
	PermListDoors      Permission = "list_doors"
	PermRecordLog      Permission = "record_access_log"
	PermViewLogs       Permission = "view_access_logs"
	PermExportLogs     Permission = "export_access_logs"
	PermViewStats      Permission = "view_access_stats"
	PermVerifyChain    Permission = "verify_audit_chain"
	PermViewSuspicious Permission = "view_suspicious_activity"
	PermStreamLogs     Permission = "stream_access_logs"
)

var adminPermissions = []Permission{
	PermEvaluate, PermViewTrace, PermUnlockSelf, PermUnlockAny, PermLockDoor, PermSyncDoor,
	PermListDoors, PermRecordLog, PermViewLogs, PermExportLogs, PermViewStats, PermVerifyChain,
	PermViewSuspicious, PermStreamLogs,
}

// RolePermissions maps roles to their permissions
var RolePermissions = map[domain.Role][]Permission{
	domain.RoleSuperAdmin: adminPermissions,
	domain.RoleAdmin:      adminPermissions,
	domain.RoleStaff: {
		PermEvaluate, PermUnlockSelf, PermUnlockAny, PermLockDoor, PermListDoors,
		PermViewLogs, PermViewStats,
	},
	domain.RoleTrainer: {
		PermEvaluate, PermUnlockSelf, PermUnlockAny, PermListDoors,
	},
	domain.RoleCustomer: {
		PermUnlockSelf,
	},
}

// AuthorizationService handles authorization checks
type AuthorizationService struct {
	logger *slog.Logger
}

// NewAuthorizationService creates a new authorization service
func NewAuthorizationService(logger *slog.Logger) *AuthorizationService {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthorizationService{
		logger: logger,
	}
}

// HasPermission checks if a role has a specific permission
func (as *AuthorizationService) HasPermission(role domain.Role, permission Permission) bool {
	return slices.Contains(RolePermissions[role], permission)
}

// ValidatePermission validates that a role has a specific permission
func (as *AuthorizationService) ValidatePermission(role domain.Role, permission Permission) error {
	if !as.HasPermission(role, permission) {
		as.logger.Warn("permission denied",
			slog.String("role", string(role)),
			slog.String("permission", string(permission)),
		)
		return fmt.Errorf("permission denied: %s role cannot %s", role, permission)
	}
	return nil
}

// ValidateUnlockSubject checks that the operator may open a door on behalf
// of subjectID. Everyone may act for themselves; acting for others needs
// PermUnlockAny.
func (as *AuthorizationService) ValidateUnlockSubject(operatorID string, role domain.Role, subjectID string) error {
	if subjectID == operatorID {
		return as.ValidatePermission(role, PermUnlockSelf)
	}
	if !as.HasPermission(role, PermUnlockAny) {
		as.logger.Warn("unlock on behalf denied",
			slog.String("operator_id", operatorID),
			slog.String("subject_id", subjectID),
			slog.String("role", string(role)),
		)
		return fmt.Errorf("permission denied: %s role cannot unlock for another user", role)
	}
	return nil
}

// ValidateTenantAccess checks if a user belongs to a tenant
func (as *AuthorizationService) ValidateTenantAccess(userTenantID, requestedTenantID string) error {
	if userTenantID != requestedTenantID {
		as.logger.Warn("tenant access denied",
			slog.String("user_tenant", userTenantID),
			slog.String("requested_tenant", requestedTenantID),
		)
		return fmt.Errorf("access denied: invalid tenant")
	}
	return nil
}
