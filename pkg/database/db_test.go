package database

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestPool(t *testing.T) *ConnectionPool {
	t.Helper()
	dsn := fmt.Sprintf(
		"file:test_%s?mode=memory&cache=shared&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)",
		t.Name(),
	)
	cp, err := NewConnectionPool(context.Background(), &Config{Driver: "sqlite", DSN: dsn}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { cp.Close() })
	return cp
}

func TestRebind(t *testing.T) {
	q := "SELECT * FROM t WHERE a = ? AND b = '?' AND c IN (?, ?)"
	require.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = '?' AND c IN ($2, $3)", Rebind(DialectPostgres, q))
	require.Equal(t, q, Rebind(DialectMySQL, q))
	require.Equal(t, q, Rebind(DialectSQLite, q))
}

func TestUnsupportedDriver(t *testing.T) {
	_, err := NewConnectionPool(context.Background(), &Config{Driver: "oracle"}, nil)
	require.Error(t, err)
}

func TestMigrateIsIdempotent(t *testing.T) {
	cp := openTestPool(t)
	ctx := context.Background()

	require.NoError(t, Migrate(ctx, cp))

	var n int
	require.NoError(t, cp.GetDB().QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&n))
	ms, err := loadMigrations()
	require.NoError(t, err)
	require.Equal(t, len(ms), n)

	for _, table := range []string{"tenants", "doors", "users", "memberships", "access_rules", "access_logs", "audit_chain_heads"} {
		_, err := cp.GetDB().ExecContext(ctx, "SELECT COUNT(*) FROM "+table)
		require.NoError(t, err, table)
	}
}

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements("-- header\nCREATE TABLE a (x INTEGER);\n\nCREATE INDEX i ON a (x);\n")
	require.Equal(t, []string{"CREATE TABLE a (x INTEGER)", "CREATE INDEX i ON a (x)"}, stmts)
}

const fixture = `{
  // one gym, one door
  "tenants": [{"id": "t1", "name": "Gym", "timezone": "Europe/Berlin"}],
  "doors": [{"id": "d1", "tenantId": "t1", "name": "Front", "location": "Lobby", "beaconId": "b-1"}],
  "users": [{"id": "u1", "tenantId": "t1", "email": "a@example.com", "name": "Ada", "role": "customer"}],
  "memberships": [{"id": "m1", "userId": "u1", "tenantId": "t1", "status": "ACTIVE", "start": "2024-01-01T00:00:00Z"}],
  "rules": [{
    "id": "r1", "tenantId": "t1", "doorId": "d1", "name": "Members", "priority": 10,
    "allowedMembershipStatuses": ["ACTIVE"],
    "timeSlots": [{"dayOfWeek": 1, "startTime": "06:00", "endTime": "22:00"}], // weekdays only
  }],
}`

func TestSeedInsertsOnce(t *testing.T) {
	cp := openTestPool(t)
	ctx := context.Background()

	f, err := ParseSeed([]byte(fixture))
	require.NoError(t, err)
	require.NoError(t, Seed(ctx, cp, f))
	require.NoError(t, Seed(ctx, cp, f))

	var role, slots string
	require.NoError(t, cp.GetDB().QueryRowContext(ctx, "SELECT role FROM users WHERE id = 'u1'").Scan(&role))
	require.Equal(t, "CUSTOMER", role)
	require.NoError(t, cp.GetDB().QueryRowContext(ctx, "SELECT time_slots FROM access_rules WHERE id = 'r1'").Scan(&slots))
	require.JSONEq(t, `[{"dayOfWeek":1,"startTime":"06:00","endTime":"22:00"}]`, slots)

	var n int
	require.NoError(t, cp.GetDB().QueryRowContext(ctx, "SELECT COUNT(*) FROM doors").Scan(&n))
	require.Equal(t, 1, n)
}

func TestSeedRejectsBadTimeSlot(t *testing.T) {
	cp := openTestPool(t)
	f, err := ParseSeed([]byte(`{"rules": [{"id": "r1", "tenantId": "t1", "doorId": "d1", "timeSlots": [{"dayOfWeek": 9, "startTime": "06:00", "endTime": "07:00"}]}]}`))
	require.NoError(t, err)
	require.Error(t, Seed(context.Background(), cp, f))
}
