package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/tidwall/jsonc"

	"github.com/aryan0dhankhar/facilityaccess/internal/domain"
)

// SeedFile is the fixture format read by Seed. Comments and trailing commas
// are allowed.
type SeedFile struct {
	Tenants []struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		Timezone string `json:"timezone"`
		Active   *bool  `json:"active"`
	} `json:"tenants"`
	Doors []struct {
		ID       string `json:"id"`
		TenantID string `json:"tenantId"`
		Name     string `json:"name"`
		Location string `json:"location"`
		Status   string `json:"status"`
		BeaconID string `json:"beaconId"`
	} `json:"doors"`
	Users []struct {
		ID       string `json:"id"`
		TenantID string `json:"tenantId"`
		Email    string `json:"email"`
		Name     string `json:"name"`
		Role     string `json:"role"`
		Active   *bool  `json:"active"`
	} `json:"users"`
	Memberships []struct {
		ID       string     `json:"id"`
		UserID   string     `json:"userId"`
		TenantID string     `json:"tenantId"`
		Status   string     `json:"status"`
		Start    time.Time  `json:"start"`
		End      *time.Time `json:"end"`
	} `json:"memberships"`
	Rules []struct {
		ID                        string            `json:"id"`
		TenantID                  string            `json:"tenantId"`
		DoorID                    string            `json:"doorId"`
		Name                      string            `json:"name"`
		Priority                  int               `json:"priority"`
		Active                    *bool             `json:"active"`
		ValidFrom                 *time.Time        `json:"validFrom"`
		ValidUntil                *time.Time        `json:"validUntil"`
		AllowedUserIDs            []string          `json:"allowedUserIds"`
		AllowedRoles              []string          `json:"allowedRoles"`
		AllowedMembershipStatuses []string          `json:"allowedMembershipStatuses"`
		TimeSlots                 []domain.TimeSlot `json:"timeSlots"`
	} `json:"rules"`
}

// ParseSeed decodes a JSONC fixture.
func ParseSeed(data []byte) (*SeedFile, error) {
	var f SeedFile
	if err := json.Unmarshal(jsonc.ToJSON(data), &f); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}
	return &f, nil
}

// SeedFromFile loads path and seeds the database with it.
func SeedFromFile(ctx context.Context, cp *ConnectionPool, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read seed file: %w", err)
	}
	f, err := ParseSeed(data)
	if err != nil {
		return err
	}
	return Seed(ctx, cp, f)
}

func boolOr(b *bool, def bool) int {
	if b == nil {
		if def {
			return 1
		}
		return 0
	}
	if *b {
		return 1
	}
	return 0
}

func msPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().UnixMilli()
}

// Seed inserts fixture rows that do not exist yet. Existing ids are left
// untouched so reseeding a running database is harmless.
func Seed(ctx context.Context, cp *ConnectionPool, f *SeedFile) error {
	now := time.Now().UTC().UnixMilli()

	return cp.Writer().Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		insert := func(table, id, query string, args ...any) error {
			var n int
			if err := tx.QueryRowContext(ctx, cp.Rebind("SELECT COUNT(*) FROM "+table+" WHERE id = ?"), id).Scan(&n); err != nil {
				return fmt.Errorf("seed %s %s: %w", table, id, err)
			}
			if n > 0 {
				return nil
			}
			if _, err := tx.ExecContext(ctx, cp.Rebind(query), args...); err != nil {
				return fmt.Errorf("seed %s %s: %w", table, id, err)
			}
			return nil
		}

		for _, t := range f.Tenants {
			if err := insert("tenants", t.ID, `
INSERT INTO tenants (id, name, timezone, is_active, created_at_ms, updated_at_ms)
VALUES (?, ?, ?, ?, ?, ?)`,
				t.ID, t.Name, t.Timezone, boolOr(t.Active, true), now, now); err != nil {
				return err
			}
		}

		for _, d := range f.Doors {
			status := d.Status
			if status == "" {
				status = string(domain.DoorStatusActive)
			}
			if err := insert("doors", d.ID, `
INSERT INTO doors (id, tenant_id, name, location, status, is_online, is_locked, beacon_id, created_at_ms, updated_at_ms)
VALUES (?, ?, ?, ?, ?, 1, 1, ?, ?, ?)`,
				d.ID, d.TenantID, d.Name, d.Location, status, d.BeaconID, now, now); err != nil {
				return err
			}
		}

		for _, u := range f.Users {
			role, err := domain.ParseRole(u.Role)
			if err != nil {
				return fmt.Errorf("seed user %s: %w", u.ID, err)
			}
			if err := insert("users", u.ID, `
INSERT INTO users (id, tenant_id, email, name, role, is_active, created_at_ms, updated_at_ms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				u.ID, u.TenantID, u.Email, u.Name, string(role), boolOr(u.Active, true), now, now); err != nil {
				return err
			}
		}

		for _, m := range f.Memberships {
			if err := insert("memberships", m.ID, `
INSERT INTO memberships (id, user_id, tenant_id, status, start_at_ms, end_at_ms, created_at_ms)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
				m.ID, m.UserID, m.TenantID, m.Status, m.Start.UTC().UnixMilli(), msPtr(m.End), now); err != nil {
				return err
			}
		}

		for _, r := range f.Rules {
			slots, err := domain.EncodeTimeSlots(r.TimeSlots)
			if err != nil {
				return fmt.Errorf("seed rule %s: %w", r.ID, err)
			}
			users, roles, statuses, err := encodeSelectors(r.AllowedUserIDs, r.AllowedRoles, r.AllowedMembershipStatuses)
			if err != nil {
				return fmt.Errorf("seed rule %s: %w", r.ID, err)
			}
			if err := insert("access_rules", r.ID, `
INSERT INTO access_rules (id, tenant_id, door_id, name, priority, is_active, valid_from_ms, valid_until_ms,
  allowed_user_ids, allowed_roles, allowed_membership_statuses, time_slots, created_at_ms, updated_at_ms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				r.ID, r.TenantID, r.DoorID, r.Name, r.Priority, boolOr(r.Active, true),
				msPtr(r.ValidFrom), msPtr(r.ValidUntil),
				users, roles, statuses, string(slots), now, now); err != nil {
				return err
			}
		}
		return nil
	})
}

func encodeSelectors(lists ...[]string) (string, string, string, error) {
	var out [3]string
	for i, l := range lists {
		if l == nil {
			l = []string{}
		}
		b, err := json.Marshal(l)
		if err != nil {
			return "", "", "", err
		}
		out[i] = string(b)
	}
	return out[0], out[1], out[2], nil
}
