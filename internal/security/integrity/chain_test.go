package integrity_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aryan0dhankhar/facilityaccess/internal/domain"
	"github.com/aryan0dhankhar/facilityaccess/internal/repository/memory"
	"github.com/aryan0dhankhar/facilityaccess/internal/security/integrity"
)

var testKey = bytes.Repeat([]byte{0x42}, 32)

func appendEntries(t *testing.T, store *memory.AccessLogStore, sealer *integrity.Sealer, tenantID string, n int) {
	t.Helper()
	base := time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		e := &domain.AccessLogEntry{
			ID:        tenantID + "-" + string(rune('a'+i)),
			TenantID:  tenantID,
			DoorID:    "door-1",
			UserID:    "user-1",
			Result:    domain.ResultDenied,
			Method:    domain.MethodCard,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Metadata:  map[string]any{"steps": []string{"a", "b"}, "priority": 3},
		}
		require.NoError(t, store.Append(context.Background(), e, sealer.Seal))
		require.Equal(t, int64(i+1), e.Seq)
	}
}

func TestNewSealerRejectsShortKey(t *testing.T) {
	_, err := integrity.NewSealer([]byte("short"))
	require.Error(t, err)
}

func TestSealIsDeterministicAndTenantBound(t *testing.T) {
	s, err := integrity.NewSealer(testKey)
	require.NoError(t, err)

	e := domain.AccessLogEntry{ID: "e1", TenantID: "t1", DoorID: "d1", Result: domain.ResultGranted,
		Method: domain.MethodApp, Timestamp: time.UnixMilli(1700000000000).UTC(), Seq: 1,
		Metadata: map[string]any{"b": 1, "a": "x"}}
	h1, err := s.Seal(&e)
	require.NoError(t, err)
	h2, err := s.Seal(&e)
	require.NoError(t, err)
	require.Equal(t, h1, h2)
	require.Len(t, h1, 64)

	other := e
	other.TenantID = "t2"
	h3, err := s.Seal(&other)
	require.NoError(t, err)
	require.NotEqual(t, h1, h3)
}

func TestVerifyIntactChain(t *testing.T) {
	s, err := integrity.NewSealer(testKey)
	require.NoError(t, err)
	store := memory.NewAccessLogStore(nil)
	appendEntries(t, store, s, "t1", 4)
	appendEntries(t, store, s, "t2", 2)

	rep, err := s.Verify(context.Background(), store, "t1")
	require.NoError(t, err)
	require.True(t, rep.Intact, rep.Problem)
	require.Equal(t, 4, rep.Checked)
	require.Equal(t, int64(1), rep.FirstSeq)
	require.Equal(t, int64(4), rep.LastSeq)
}

func TestVerifyDetectsTampering(t *testing.T) {
	s, err := integrity.NewSealer(testKey)
	require.NoError(t, err)
	store := memory.NewAccessLogStore(nil)
	appendEntries(t, store, s, "t1", 4)

	require.True(t, store.Tamper("t1", 2, func(e *domain.AccessLogEntry) {
		e.Result = domain.ResultGranted
	}))

	rep, err := s.Verify(context.Background(), store, "t1")
	require.NoError(t, err)
	require.False(t, rep.Intact)
	require.Equal(t, int64(2), rep.BrokenAt)
}

func TestVerifyDetectsRemovedEntry(t *testing.T) {
	s, err := integrity.NewSealer(testKey)
	require.NoError(t, err)
	store := memory.NewAccessLogStore(nil)
	appendEntries(t, store, s, "t1", 4)

	require.True(t, store.Tamper("t1", 3, func(e *domain.AccessLogEntry) {
		e.TenantID = "elsewhere"
	}))

	rep, err := s.Verify(context.Background(), store, "t1")
	require.NoError(t, err)
	require.False(t, rep.Intact)
	require.Equal(t, int64(3), rep.BrokenAt)
}

func TestVerifyAcceptsPrunedPrefix(t *testing.T) {
	s, err := integrity.NewSealer(testKey)
	require.NoError(t, err)
	store := memory.NewAccessLogStore(nil)
	appendEntries(t, store, s, "t1", 5)

	cutoff := time.Date(2024, 3, 4, 8, 2, 0, 0, time.UTC)
	n, err := store.DeleteBefore(context.Background(), cutoff)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	rep, err := s.Verify(context.Background(), store, "t1")
	require.NoError(t, err)
	require.True(t, rep.Intact, rep.Problem)
	require.Equal(t, int64(3), rep.FirstSeq)
	require.Equal(t, 3, rep.Checked)
}
