package repository_test

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aryan0dhankhar/facilityaccess/pkg/database"
)

// openTestPool returns a migrated in-memory SQLite pool unique to the test.
func openTestPool(t *testing.T) *database.ConnectionPool {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf(
		"file:test_%s?mode=memory&cache=shared&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)",
		name,
	)
	cp, err := database.NewConnectionPool(context.Background(), &database.Config{Driver: "sqlite", DSN: dsn}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { cp.Close() })
	return cp
}

const fixture = `{
  "tenants": [
    {"id": "t1", "name": "Downtown", "timezone": "Europe/Berlin"},
    {"id": "t2", "name": "Uptown", "timezone": "", "active": false},
  ],
  "doors": [
    {"id": "d1", "tenantId": "t1", "name": "Front", "location": "Lobby", "beaconId": "b-1"},
    {"id": "d2", "tenantId": "t1", "name": "Back", "location": "Yard"},
  ],
  "users": [
    {"id": "u1", "tenantId": "t1", "email": "ada@example.com", "name": "Ada", "role": "CUSTOMER"},
    {"id": "u2", "tenantId": "t1", "email": "bo@example.com", "name": "Bo", "role": "TRAINER", "active": false},
  ],
  "memberships": [
    {"id": "m1", "userId": "u1", "tenantId": "t1", "status": "ACTIVE", "start": "2024-01-01T00:00:00Z", "end": "2024-12-31T00:00:00Z"},
    {"id": "m2", "userId": "u2", "tenantId": "t1", "status": "FROZEN", "start": "2024-01-01T00:00:00Z"},
  ],
  "rules": [
    {"id": "r-b", "tenantId": "t1", "doorId": "d1", "name": "Members", "priority": 10, "allowedMembershipStatuses": ["ACTIVE"]},
    {"id": "r-a", "tenantId": "t1", "doorId": "d1", "name": "Staff", "priority": 10, "allowedRoles": ["TRAINER", "STAFF"],
     "timeSlots": [{"dayOfWeek": 1, "startTime": "06:00", "endTime": "22:00"}]},
    {"id": "r-0", "tenantId": "t1", "doorId": "d1", "name": "VIP", "priority": 1, "allowedUserIds": ["u1"]},
    {"id": "r-off", "tenantId": "t1", "doorId": "d1", "name": "Off", "priority": 0, "active": false, "allowedUserIds": ["u1"]},
    {"id": "r-old", "tenantId": "t1", "doorId": "d1", "name": "Old", "priority": 0, "validUntil": "2023-01-01T00:00:00Z", "allowedUserIds": ["u1"]},
  ],
}`

func seedFixture(t *testing.T, cp *database.ConnectionPool) {
	t.Helper()
	f, err := database.ParseSeed([]byte(fixture))
	require.NoError(t, err)
	require.NoError(t, database.Seed(context.Background(), cp, f))
}
