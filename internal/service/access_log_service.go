package service

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/aryan0dhankhar/facilityaccess/internal/domain"
	"github.com/aryan0dhankhar/facilityaccess/internal/observability/metrics"
	"github.com/aryan0dhankhar/facilityaccess/internal/reliability/retry"
	"github.com/aryan0dhankhar/facilityaccess/internal/security/integrity"
)

const (
	MaxExportRows   = 10000
	DefaultPageSize = 50
	MaxPageSize     = 500
	topDoorsLimit   = 10

	csvTimeLayout = "2006-01-02T15:04:05.000Z07:00"
)

// CSVColumns is the fixed column order of exported access logs.
var CSVColumns = []string{
	"id", "timestamp", "door_id", "user_id", "result", "deny_reason",
	"method", "ip_address", "metadata", "seq", "hash",
}

// Publisher fans recorded entries out to live subscribers.
type Publisher interface {
	Publish(ctx context.Context, entry domain.AccessLogEntry) error
}

// AccessLogService records, queries, exports and summarizes access logs.
type AccessLogService struct {
	repo         domain.AccessLogRepository
	sealer       *integrity.Sealer
	publisher    Publisher
	logger       *slog.Logger
	tracer       trace.Tracer
	now          func() time.Time
	writeTimeout time.Duration
	retryCfg     *retry.Config
}

// NewAccessLogService creates the audit logger. publisher may be nil.
func NewAccessLogService(repo domain.AccessLogRepository, sealer *integrity.Sealer, publisher Publisher, logger *slog.Logger) *AccessLogService {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = 5
	cfg.InitialBackoff = 5 * time.Millisecond
	cfg.MaxBackoff = 200 * time.Millisecond
	cfg.RetryIf = func(err error) bool { return errors.Is(err, domain.ErrChainConflict) }

	return &AccessLogService{
		repo:         repo,
		sealer:       sealer,
		publisher:    publisher,
		logger:       logger,
		tracer:       otel.Tracer("facilityaccess/service"),
		now:          time.Now,
		writeTimeout: 3 * time.Second,
		retryCfg:     cfg,
	}
}

// SetClock overrides the time source. Intended for tests.
func (s *AccessLogService) SetClock(now func() time.Time) { s.now = now }

// SetWriteTimeout bounds each record call.
func (s *AccessLogService) SetWriteTimeout(d time.Duration) {
	if d > 0 {
		s.writeTimeout = d
	}
}

// Record appends one immutable entry. The entry is stamped with the server
// clock on every append attempt; a caller-supplied timestamp is kept in
// metadata as reportedAt.
func (s *AccessLogService) Record(ctx context.Context, entry *domain.AccessLogEntry) error {
	ctx, span := s.tracer.Start(ctx, "AccessLogService.Record",
		trace.WithAttributes(attribute.String("tenant.id", entry.TenantID)))
	defer span.End()

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	now := s.now().UTC().Truncate(time.Millisecond)
	if !entry.Timestamp.IsZero() && !entry.Timestamp.Equal(now) {
		if entry.Metadata == nil {
			entry.Metadata = map[string]any{}
		}
		entry.Metadata["reportedAt"] = entry.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	entry.Timestamp = now
	if len(entry.Metadata) == 0 {
		entry.Metadata = nil
	}
	if err := entry.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()

	_, err := retry.Do(ctx, s.retryCfg, s.logger, "append access log", func(ctx context.Context) (struct{}, error) {
		entry.Seq, entry.PrevHash, entry.Hash = 0, "", ""
		entry.Timestamp = s.now().UTC().Truncate(time.Millisecond)
		return struct{}{}, s.repo.Append(ctx, entry, s.sealer.Seal)
	})
	if err != nil {
		metrics.ObserveAuditWrite("error")
		span.RecordError(err)
		s.logger.Error("failed to record access log",
			slog.String("tenant_id", entry.TenantID),
			slog.String("door_id", entry.DoorID),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("record access log: %w", err)
	}
	metrics.ObserveAuditWrite("success")

	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, *entry); err != nil {
			s.logger.Warn("failed to publish access log",
				slog.String("tenant_id", entry.TenantID),
				slog.String("entry_id", entry.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

func normalizePage(p domain.Pagination) domain.Pagination {
	if p.Offset < 0 {
		p.Offset = 0
	}
	if p.Limit <= 0 {
		p.Limit = DefaultPageSize
	}
	if p.Limit > MaxPageSize {
		p.Limit = MaxPageSize
	}
	return p
}

// Query returns one page of a tenant's entries, newest first.
func (s *AccessLogService) Query(ctx context.Context, tenantID string, filter domain.AccessLogFilter, page domain.Pagination) (*domain.AccessLogPage, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant id required", domain.ErrInvalidFilter)
	}
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	page = normalizePage(page)

	entries, total, err := s.repo.Query(ctx, tenantID, filter, page)
	if err != nil {
		return nil, fmt.Errorf("query access logs: %w", err)
	}
	if entries == nil {
		entries = []domain.AccessLogEntry{}
	}
	return &domain.AccessLogPage{
		Entries: entries,
		Total:   total,
		HasMore: page.Offset+len(entries) < total,
	}, nil
}

// ExportCSV serializes up to MaxExportRows matching entries, newest first.
func (s *AccessLogService) ExportCSV(ctx context.Context, tenantID string, filter domain.AccessLogFilter) ([]byte, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant id required", domain.ErrInvalidFilter)
	}
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	entries, _, err := s.repo.Query(ctx, tenantID, filter, domain.Pagination{Offset: 0, Limit: MaxExportRows})
	if err != nil {
		return nil, fmt.Errorf("export access logs: %w", err)
	}

	var buf bytes.Buffer
	if err := WriteCSV(&buf, entries, true); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteCSV writes entries in CSVColumns order.
func WriteCSV(out io.Writer, entries []domain.AccessLogEntry, header bool) error {
	w := csv.NewWriter(out)
	if header {
		if err := w.Write(CSVColumns); err != nil {
			return fmt.Errorf("write csv header: %w", err)
		}
	}
	for _, e := range entries {
		meta := ""
		if len(e.Metadata) > 0 {
			b, err := json.Marshal(e.Metadata)
			if err != nil {
				return fmt.Errorf("encode metadata of %s: %w", e.ID, err)
			}
			meta = string(b)
		}
		row := []string{
			e.ID,
			e.Timestamp.UTC().Format(csvTimeLayout),
			e.DoorID,
			e.UserID,
			string(e.Result),
			e.DenyReason,
			string(e.Method),
			e.IPAddress,
			meta,
			strconv.FormatInt(e.Seq, 10),
			e.Hash,
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	w.Flush()
	return w.Error()
}

// Stats aggregates attempts in [from, to]; nil bounds are open.
func (s *AccessLogService) Stats(ctx context.Context, tenantID string, from, to *time.Time) (*domain.AccessLogStats, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant id required", domain.ErrInvalidFilter)
	}
	if err := (domain.AccessLogFilter{From: from, To: to}).Validate(); err != nil {
		return nil, err
	}
	agg, err := s.repo.Aggregate(ctx, tenantID, from, to, topDoorsLimit)
	if err != nil {
		return nil, fmt.Errorf("aggregate access logs: %w", err)
	}

	stats := &domain.AccessLogStats{
		ByResult:        agg.ByResult,
		ByMethod:        agg.ByMethod,
		UniqueUserCount: agg.UniqueUsers,
		TopDoors:        agg.TopDoors,
	}
	if stats.ByResult == nil {
		stats.ByResult = map[domain.AccessResult]int{}
	}
	if stats.ByMethod == nil {
		stats.ByMethod = map[domain.AccessMethod]int{}
	}
	if stats.TopDoors == nil {
		stats.TopDoors = []domain.DoorCount{}
	}
	for result, n := range stats.ByResult {
		stats.TotalAttempts += n
		if result == domain.ResultGranted {
			stats.SuccessCount += n
		}
	}
	stats.FailureCount = stats.TotalAttempts - stats.SuccessCount
	if stats.TotalAttempts > 0 {
		stats.SuccessRate = float64(stats.SuccessCount) / float64(stats.TotalAttempts)
	}
	return stats, nil
}

// VerifyChain recomputes the tenant's audit chain.
func (s *AccessLogService) VerifyChain(ctx context.Context, tenantID string) (*integrity.Report, error) {
	rep, err := s.sealer.Verify(ctx, s.repo, tenantID)
	if err != nil {
		return nil, err
	}
	if !rep.Intact {
		s.logger.Error("access log chain broken",
			slog.String("tenant_id", tenantID),
			slog.Int64("broken_at", rep.BrokenAt),
			slog.String("problem", rep.Problem),
		)
	}
	return rep, nil
}
