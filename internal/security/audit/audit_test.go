package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLogActionCarriesRequestID(t *testing.T) {
	var buf bytes.Buffer
	al := NewLogger(slog.New(slog.NewJSONHandler(&buf, nil)))

	ctx := WithRequestID(context.Background(), "req-42")
	al.LogSuspiciousActivity(ctx, "tenant-a", 2, 1, 30, 5)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	require.Equal(t, "req-42", rec["request_id"])
	require.Equal(t, "suspicious_activity", rec["action"])
	require.Equal(t, "tenant-a", rec["tenant_id"])
	require.Equal(t, "audit", rec["stream"])
	require.Equal(t, "users=2 ips=1 window=30m threshold=5", rec["details"])
}

func TestRequestIDMissing(t *testing.T) {
	require.Equal(t, "", RequestID(context.Background()))
}
