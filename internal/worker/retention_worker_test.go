package worker

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/aryan0dhankhar/facilityaccess/internal/domain"
	"github.com/aryan0dhankhar/facilityaccess/internal/repository/memory"
	"github.com/aryan0dhankhar/facilityaccess/internal/security/integrity"
	"github.com/aryan0dhankhar/facilityaccess/internal/service"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func seed(t *testing.T) (*memory.AccessLogStore, *service.AccessLogService) {
	t.Helper()
	sealer, err := integrity.NewSealer(bytes.Repeat([]byte{1}, 32))
	if err != nil {
		t.Fatal(err)
	}
	store := memory.NewAccessLogStore(memory.NewDoorStore())
	svc := service.NewAccessLogService(store, sealer, nil, nil)
	for _, e := range []struct {
		tenant string
		age    time.Duration
	}{
		{"t1", 40 * 24 * time.Hour},
		{"t1", 35 * 24 * time.Hour},
		{"t1", time.Hour},
		{"t2", 31 * 24 * time.Hour},
		{"t2", 2 * time.Hour},
	} {
		at := now.Add(-e.age)
		svc.SetClock(func() time.Time { return at })
		entry := domain.AccessLogEntry{
			TenantID: e.tenant,
			DoorID:   "d1",
			Result:   domain.ResultGranted,
			Method:   domain.MethodCard,
		}
		if err := svc.Record(context.Background(), &entry); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	return store, svc
}

func readArchive(t *testing.T, dir, tenant string) [][]string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, tenant, "*.csv.zst"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("expected one archive for %s, got %v (%v)", tenant, matches, err)
	}
	raw, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatal(err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer dec.Close()
	plain, err := dec.DecodeAll(raw, nil)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	rows, err := csv.NewReader(bytes.NewReader(plain)).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	return rows
}

func TestRetentionArchivesThenDeletes(t *testing.T) {
	store, svc := seed(t)
	dir := t.TempDir()
	w := NewRetentionWorker(store, nil, time.Hour, 30, dir)
	w.SetClock(func() time.Time { return now })

	n, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 deleted, got %d", n)
	}

	t1 := readArchive(t, dir, "t1")
	if len(t1) != 3 || t1[0][0] != service.CSVColumns[0] {
		t.Fatalf("t1 archive should hold header plus two rows, got %v", t1)
	}
	if t1[1][9] != "1" || t1[2][9] != "2" {
		t.Fatalf("rows must be in chain order, got seq %s, %s", t1[1][9], t1[2][9])
	}
	if rows := readArchive(t, dir, "t2"); len(rows) != 2 {
		t.Fatalf("t2 archive should hold one row, got %v", rows)
	}

	rep, err := svc.VerifyChain(context.Background(), "t1")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !rep.Intact || rep.FirstSeq != 3 {
		t.Fatalf("surviving chain must verify from seq 3, got %+v", rep)
	}
}

func TestRetentionDisabled(t *testing.T) {
	store, _ := seed(t)
	w := NewRetentionWorker(store, nil, time.Hour, 0, "")
	n, err := w.RunOnce(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("disabled sweep must be a no-op, got %d %v", n, err)
	}
}

type failingScan struct{ *memory.AccessLogStore }

func (f failingScan) ScanBefore(context.Context, time.Time, func(domain.AccessLogEntry) error) error {
	return errors.New("disk gone")
}

func TestRetentionKeepsRowsWhenArchiveFails(t *testing.T) {
	store, _ := seed(t)
	w := NewRetentionWorker(failingScan{store}, nil, time.Hour, 30, t.TempDir())
	w.SetClock(func() time.Time { return now })

	if _, err := w.RunOnce(context.Background()); err == nil {
		t.Fatal("expected archive error")
	}
	if n, _ := store.DeleteBefore(context.Background(), now.Add(-30*24*time.Hour)); n != 3 {
		t.Fatalf("rows must survive a failed archive, %d left to delete", n)
	}
}
