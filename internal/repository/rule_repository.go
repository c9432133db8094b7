package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aryan0dhankhar/facilityaccess/internal/domain"
	"github.com/aryan0dhankhar/facilityaccess/pkg/database"
)

// SQLRuleRepository implements domain.RuleStore
type SQLRuleRepository struct {
	cp     *database.ConnectionPool
	logger *slog.Logger
}

// NewSQLRuleRepository creates a new rule repository
func NewSQLRuleRepository(cp *database.ConnectionPool, logger *slog.Logger) *SQLRuleRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLRuleRepository{cp: cp, logger: logger}
}

// ListActiveRules returns the door's active rules valid at now, ordered by
// priority then id. A rule with malformed selectors or time slots fails the
// whole load.
func (r *SQLRuleRepository) ListActiveRules(ctx context.Context, doorID, tenantID string, now time.Time) ([]domain.AccessRule, error) {
	nowMs := now.UTC().UnixMilli()
	rows, err := r.cp.GetDB().QueryContext(ctx, r.cp.Rebind(`
SELECT id, tenant_id, door_id, name, priority, is_active, valid_from_ms, valid_until_ms,
       allowed_user_ids, allowed_roles, allowed_membership_statuses, time_slots,
       created_at_ms, updated_at_ms
FROM access_rules
WHERE tenant_id = ? AND door_id = ? AND is_active = 1
  AND (valid_from_ms IS NULL OR valid_from_ms <= ?)
  AND (valid_until_ms IS NULL OR valid_until_ms >= ?)
ORDER BY priority ASC, id ASC`), tenantID, doorID, nowMs, nowMs)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var out []domain.AccessRule
	for rows.Next() {
		var (
			rule                        domain.AccessRule
			active                      int
			from, until                 sql.NullInt64
			users, roles, statuses, raw string
			createdMs, updatedMs        int64
		)
		if err := rows.Scan(&rule.ID, &rule.TenantID, &rule.DoorID, &rule.Name, &rule.Priority, &active,
			&from, &until, &users, &roles, &statuses, &raw, &createdMs, &updatedMs); err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rule.Active = active != 0
		rule.ValidFrom = fromNullMillis(from)
		rule.ValidUntil = fromNullMillis(until)
		rule.CreatedAt = fromMillis(createdMs)
		rule.UpdatedAt = fromMillis(updatedMs)

		if err := decodeList(users, &rule.AllowedUserIDs); err != nil {
			return nil, r.malformed(rule.ID, "allowed_user_ids", err)
		}
		if rule.AllowedRoles, err = domain.ParseRoles([]byte(roles)); err != nil {
			return nil, r.malformed(rule.ID, "allowed_roles", err)
		}
		if rule.AllowedMembershipStatuses, err = domain.ParseMembershipStatuses([]byte(statuses)); err != nil {
			return nil, r.malformed(rule.ID, "allowed_membership_statuses", err)
		}
		if rule.TimeSlots, err = domain.ParseTimeSlots([]byte(raw)); err != nil {
			return nil, r.malformed(rule.ID, "time_slots", err)
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

func (r *SQLRuleRepository) malformed(ruleID, column string, err error) error {
	r.logger.Error("malformed access rule",
		slog.String("rule_id", ruleID),
		slog.String("column", column),
		slog.String("error", err.Error()),
	)
	return fmt.Errorf("rule %s %s: %w", ruleID, column, err)
}

func decodeList[T any](raw string, dst *[]T) error {
	if raw == "" || raw == "null" {
		*dst = nil
		return nil
	}
	return json.Unmarshal([]byte(raw), dst)
}
