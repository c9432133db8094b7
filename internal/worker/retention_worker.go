package worker

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/aryan0dhankhar/facilityaccess/internal/domain"
	"github.com/aryan0dhankhar/facilityaccess/internal/observability/metrics"
	"github.com/aryan0dhankhar/facilityaccess/internal/service"
)

// RetentionWorker periodically deletes access log entries older than the
// retention period. When an archive directory is configured the entries are
// first written per tenant as zstd-compressed CSV; a failed archive aborts
// the deletion.
type RetentionWorker struct {
	logs       domain.AccessLogRepository
	logger     *slog.Logger
	interval   time.Duration
	retention  time.Duration
	archiveDir string
	now        func() time.Time
}

// NewRetentionWorker creates a worker. retentionDays <= 0 disables sweeping.
func NewRetentionWorker(
	logs domain.AccessLogRepository,
	logger *slog.Logger,
	interval time.Duration,
	retentionDays int,
	archiveDir string,
) *RetentionWorker {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &RetentionWorker{
		logs:       logs,
		logger:     logger,
		interval:   interval,
		retention:  time.Duration(retentionDays) * 24 * time.Hour,
		archiveDir: archiveDir,
		now:        time.Now,
	}
}

// SetClock overrides the time source. Intended for tests.
func (w *RetentionWorker) SetClock(now func() time.Time) { w.now = now }

// Start runs a sweep every interval until ctx is cancelled.
func (w *RetentionWorker) Start(ctx context.Context) {
	if w.retention <= 0 {
		w.logger.Info("retention worker disabled")
		return
	}
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("retention worker started",
		slog.Duration("interval", w.interval),
		slog.Duration("retention", w.retention),
		slog.String("archive_dir", w.archiveDir),
	)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("retention worker stopped")
			return
		case <-ticker.C:
			if _, err := w.RunOnce(ctx); err != nil {
				w.logger.Error("retention sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// RunOnce archives and deletes everything older than the cutoff and returns
// the number of deleted entries.
func (w *RetentionWorker) RunOnce(ctx context.Context) (int64, error) {
	if w.retention <= 0 {
		return 0, nil
	}
	cutoff := w.now().UTC().Add(-w.retention)

	if w.archiveDir != "" {
		files, err := w.archive(ctx, cutoff)
		if err != nil {
			metrics.ObserveRetention("archive_error", 0)
			return 0, err
		}
		for _, f := range files {
			w.logger.Info("access logs archived", slog.String("file", f))
		}
	}

	n, err := w.logs.DeleteBefore(ctx, cutoff)
	if err != nil {
		metrics.ObserveRetention("error", 0)
		return 0, fmt.Errorf("delete expired access logs: %w", err)
	}
	metrics.ObserveRetention("deleted", n)
	w.logger.Info("retention sweep complete",
		slog.Time("cutoff", cutoff),
		slog.Int64("deleted", n),
	)
	return n, nil
}

// archive writes one file per tenant. Files are written under a temporary
// name and renamed only once complete.
func (w *RetentionWorker) archive(ctx context.Context, cutoff time.Time) ([]string, error) {
	stamp := w.now().UTC().Format("20060102T150405Z")
	var (
		cur     *tenantArchive
		written []string
	)
	closeCur := func() error {
		if cur == nil {
			return nil
		}
		path, err := cur.commit()
		cur = nil
		if err != nil {
			return err
		}
		written = append(written, path)
		return nil
	}

	err := w.logs.ScanBefore(ctx, cutoff, func(e domain.AccessLogEntry) error {
		if cur == nil || cur.tenantID != e.TenantID {
			if err := closeCur(); err != nil {
				return err
			}
			a, err := openTenantArchive(w.archiveDir, e.TenantID, stamp)
			if err != nil {
				return err
			}
			cur = a
		}
		return cur.write(e)
	})
	if err != nil {
		if cur != nil {
			cur.abort()
		}
		return nil, fmt.Errorf("archive access logs: %w", err)
	}
	if err := closeCur(); err != nil {
		return nil, fmt.Errorf("archive access logs: %w", err)
	}
	return written, nil
}

type tenantArchive struct {
	tenantID string
	path     string
	file     *os.File
	zw       *zstd.Encoder
	rows     int
}

func openTenantArchive(dir, tenantID, stamp string) (*tenantArchive, error) {
	tenantDir := filepath.Join(dir, url.PathEscape(tenantID))
	if err := os.MkdirAll(tenantDir, 0o750); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	path := filepath.Join(tenantDir, "access-logs-"+stamp+".csv.zst")
	f, err := os.OpenFile(path+".tmp", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return nil, fmt.Errorf("create archive file: %w", err)
	}
	zw, err := zstd.NewWriter(f)
	if err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return nil, fmt.Errorf("create zstd writer: %w", err)
	}
	return &tenantArchive{tenantID: tenantID, path: path, file: f, zw: zw}, nil
}

func (a *tenantArchive) write(e domain.AccessLogEntry) error {
	if err := service.WriteCSV(a.zw, []domain.AccessLogEntry{e}, a.rows == 0); err != nil {
		return err
	}
	a.rows++
	return nil
}

func (a *tenantArchive) commit() (string, error) {
	if err := a.zw.Close(); err != nil {
		a.abort()
		return "", fmt.Errorf("flush archive: %w", err)
	}
	if err := a.file.Sync(); err != nil {
		a.abort()
		return "", fmt.Errorf("sync archive: %w", err)
	}
	if err := a.file.Close(); err != nil {
		_ = os.Remove(a.file.Name())
		return "", fmt.Errorf("close archive: %w", err)
	}
	if err := os.Rename(a.path+".tmp", a.path); err != nil {
		return "", fmt.Errorf("publish archive: %w", err)
	}
	return a.path, nil
}

func (a *tenantArchive) abort() {
	_ = a.zw.Close()
	_ = a.file.Close()
	_ = os.Remove(a.path + ".tmp")
}
