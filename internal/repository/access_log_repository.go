package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aryan0dhankhar/facilityaccess/internal/domain"
	"github.com/aryan0dhankhar/facilityaccess/pkg/database"
)

// SQLAccessLogRepository implements domain.AccessLogRepository. Entries are
// only ever inserted; the retention sweep is the single delete path.
type SQLAccessLogRepository struct {
	cp     *database.ConnectionPool
	logger *slog.Logger
}

// NewSQLAccessLogRepository creates a new access log repository
func NewSQLAccessLogRepository(cp *database.ConnectionPool, logger *slog.Logger) *SQLAccessLogRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLAccessLogRepository{cp: cp, logger: logger}
}

const logColumns = `id, tenant_id, seq, door_id, user_id, result, deny_reason, method, occurred_at_ms, ip_address, metadata, prev_hash, entry_hash`

func scanEntry(row interface{ Scan(...any) error }) (domain.AccessLogEntry, error) {
	var (
		e              domain.AccessLogEntry
		result, method string
		ms             int64
		meta           string
	)
	if err := row.Scan(&e.ID, &e.TenantID, &e.Seq, &e.DoorID, &e.UserID, &result, &e.DenyReason, &method,
		&ms, &e.IPAddress, &meta, &e.PrevHash, &e.Hash); err != nil {
		return e, err
	}
	e.Result = domain.AccessResult(result)
	e.Method = domain.AccessMethod(method)
	e.Timestamp = fromMillis(ms)
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
			return e, fmt.Errorf("decode metadata of %s: %w", e.ID, err)
		}
	}
	return e, nil
}

// Append links the entry to the tenant's chain head and stores both in one
// transaction. The head update is conditional on the head seen at the start.
// The entry's timestamp is raised to its predecessor's when it is earlier, so
// per-tenant timestamp order always agrees with seq order.
func (r *SQLAccessLogRepository) Append(ctx context.Context, entry *domain.AccessLogEntry, seal domain.SealFunc) error {
	var meta string
	if len(entry.Metadata) > 0 {
		b, err := json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		meta = string(b)
	}

	return r.cp.Writer().Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var (
			headSeq  int64
			headHash string
			hasHead  = true
		)
		err := tx.QueryRowContext(ctx, r.cp.Rebind(`SELECT seq, head_hash FROM audit_chain_heads WHERE tenant_id = ?`),
			entry.TenantID).Scan(&headSeq, &headHash)
		if errors.Is(err, sql.ErrNoRows) {
			hasHead = false
		} else if err != nil {
			return fmt.Errorf("read chain head: %w", err)
		}

		if hasHead {
			var prevMs int64
			err := tx.QueryRowContext(ctx, r.cp.Rebind(`SELECT occurred_at_ms FROM access_logs WHERE tenant_id = ? AND seq = ?`),
				entry.TenantID, headSeq).Scan(&prevMs)
			switch {
			case errors.Is(err, sql.ErrNoRows):
				// predecessor already removed by retention
			case err != nil:
				return fmt.Errorf("read previous entry: %w", err)
			case entry.Timestamp.UnixMilli() < prevMs:
				entry.Timestamp = time.UnixMilli(prevMs).UTC()
			}
		}

		entry.Seq = headSeq + 1
		entry.PrevHash = headHash
		hash, err := seal(entry)
		if err != nil {
			return fmt.Errorf("seal entry: %w", err)
		}
		entry.Hash = hash

		if _, err := tx.ExecContext(ctx, r.cp.Rebind(`INSERT INTO access_logs (`+logColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			entry.ID, entry.TenantID, entry.Seq, entry.DoorID, entry.UserID, string(entry.Result), entry.DenyReason,
			string(entry.Method), entry.Timestamp.UTC().UnixMilli(), entry.IPAddress, meta, entry.PrevHash, entry.Hash,
		); err != nil {
			if hasHead {
				return fmt.Errorf("insert access log: %w", err)
			}
			// another writer created the first entry of this tenant
			return fmt.Errorf("%w: %v", domain.ErrChainConflict, err)
		}

		now := time.Now().UTC().UnixMilli()
		if !hasHead {
			if _, err := tx.ExecContext(ctx, r.cp.Rebind(`
INSERT INTO audit_chain_heads (tenant_id, seq, head_hash, updated_at_ms) VALUES (?, ?, ?, ?)`),
				entry.TenantID, entry.Seq, entry.Hash, now); err != nil {
				return fmt.Errorf("%w: %v", domain.ErrChainConflict, err)
			}
			return nil
		}

		res, err := tx.ExecContext(ctx, r.cp.Rebind(`
UPDATE audit_chain_heads SET seq = ?, head_hash = ?, updated_at_ms = ?
WHERE tenant_id = ? AND seq = ?`),
			entry.Seq, entry.Hash, now, entry.TenantID, headSeq)
		if err != nil {
			return fmt.Errorf("advance chain head: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("advance chain head: %w", err)
		}
		if n != 1 {
			return domain.ErrChainConflict
		}
		return nil
	})
}

// whereClause builds the tenant-scoped predicate for a filter.
func whereClause(tenantID string, f domain.AccessLogFilter) (string, []any) {
	conds := []string{"tenant_id = ?"}
	args := []any{tenantID}
	if f.DoorID != "" {
		conds = append(conds, "door_id = ?")
		args = append(args, f.DoorID)
	}
	if f.UserID != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.Result != "" {
		conds = append(conds, "result = ?")
		args = append(args, string(f.Result))
	}
	if f.Method != "" {
		conds = append(conds, "method = ?")
		args = append(args, string(f.Method))
	}
	if f.From != nil {
		conds = append(conds, "occurred_at_ms >= ?")
		args = append(args, f.From.UTC().UnixMilli())
	}
	if f.To != nil {
		conds = append(conds, "occurred_at_ms <= ?")
		args = append(args, f.To.UTC().UnixMilli())
	}
	return strings.Join(conds, " AND "), args
}

func (r *SQLAccessLogRepository) Query(ctx context.Context, tenantID string, f domain.AccessLogFilter, page domain.Pagination) ([]domain.AccessLogEntry, int, error) {
	where, args := whereClause(tenantID, f)
	db := r.cp.GetDB()

	var total int
	if err := db.QueryRowContext(ctx, r.cp.Rebind(`SELECT COUNT(*) FROM access_logs WHERE `+where), args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count access logs: %w", err)
	}
	if total == 0 || page.Offset >= total {
		return []domain.AccessLogEntry{}, total, nil
	}

	rows, err := db.QueryContext(ctx, r.cp.Rebind(`SELECT `+logColumns+` FROM access_logs WHERE `+where+`
ORDER BY occurred_at_ms DESC, seq DESC LIMIT ? OFFSET ?`), append(args, page.Limit, page.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("query access logs: %w", err)
	}
	defer rows.Close()

	out := make([]domain.AccessLogEntry, 0, min(page.Limit, total-page.Offset))
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan access log: %w", err)
		}
		out = append(out, e)
	}
	return out, total, rows.Err()
}

func (r *SQLAccessLogRepository) Aggregate(ctx context.Context, tenantID string, from, to *time.Time, topDoors int) (*domain.AccessLogAggregate, error) {
	where, args := whereClause(tenantID, domain.AccessLogFilter{From: from, To: to})
	db := r.cp.GetDB()
	agg := &domain.AccessLogAggregate{
		ByResult: map[domain.AccessResult]int{},
		ByMethod: map[domain.AccessMethod]int{},
		TopDoors: []domain.DoorCount{},
	}

	group := func(column string, fn func(key string, n int)) error {
		rows, err := db.QueryContext(ctx, r.cp.Rebind(`SELECT `+column+`, COUNT(*) FROM access_logs WHERE `+where+` GROUP BY `+column), args...)
		if err != nil {
			return fmt.Errorf("group by %s: %w", column, err)
		}
		defer rows.Close()
		for rows.Next() {
			var (
				key string
				n   int
			)
			if err := rows.Scan(&key, &n); err != nil {
				return fmt.Errorf("scan %s group: %w", column, err)
			}
			fn(key, n)
		}
		return rows.Err()
	}
	if err := group("result", func(k string, n int) { agg.ByResult[domain.AccessResult(k)] = n }); err != nil {
		return nil, err
	}
	if err := group("method", func(k string, n int) { agg.ByMethod[domain.AccessMethod(k)] = n }); err != nil {
		return nil, err
	}

	if err := db.QueryRowContext(ctx, r.cp.Rebind(`SELECT COUNT(DISTINCT user_id) FROM access_logs WHERE `+where+` AND user_id <> ''`),
		args...).Scan(&agg.UniqueUsers); err != nil {
		return nil, fmt.Errorf("count unique users: %w", err)
	}

	if topDoors <= 0 {
		return agg, nil
	}
	rows, err := db.QueryContext(ctx, r.cp.Rebind(`
SELECT l.door_id, COALESCE(d.name, ''), COUNT(*) AS cnt
FROM access_logs l
LEFT JOIN doors d ON d.id = l.door_id AND d.tenant_id = l.tenant_id
WHERE `+qualify(where, "l.")+`
GROUP BY l.door_id, d.name
ORDER BY cnt DESC, l.door_id ASC
LIMIT ?`), append(args, topDoors)...)
	if err != nil {
		return nil, fmt.Errorf("top doors: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var dc domain.DoorCount
		if err := rows.Scan(&dc.DoorID, &dc.DoorName, &dc.Count); err != nil {
			return nil, fmt.Errorf("scan top door: %w", err)
		}
		agg.TopDoors = append(agg.TopDoors, dc)
	}
	return agg, rows.Err()
}

// qualify prefixes the bare column names produced by whereClause.
func qualify(where, prefix string) string {
	parts := strings.Split(where, " AND ")
	for i, p := range parts {
		parts[i] = prefix + p
	}
	return strings.Join(parts, " AND ")
}

func (r *SQLAccessLogRepository) ScanFailures(ctx context.Context, tenantID string, since, until time.Time, fn func(domain.FailedAttempt) error) error {
	rows, err := r.cp.GetDB().QueryContext(ctx, r.cp.Rebind(`
SELECT user_id, ip_address, occurred_at_ms FROM access_logs
WHERE tenant_id = ? AND result <> ? AND occurred_at_ms >= ? AND occurred_at_ms <= ?
ORDER BY occurred_at_ms ASC`),
		tenantID, string(domain.ResultGranted), since.UTC().UnixMilli(), until.UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("scan failures: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			f  domain.FailedAttempt
			ms int64
		)
		if err := rows.Scan(&f.UserID, &f.IPAddress, &ms); err != nil {
			return fmt.Errorf("scan failure row: %w", err)
		}
		f.Timestamp = fromMillis(ms)
		if err := fn(f); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (r *SQLAccessLogRepository) Walk(ctx context.Context, tenantID string, fromSeq int64, fn func(domain.AccessLogEntry) error) error {
	rows, err := r.cp.GetDB().QueryContext(ctx, r.cp.Rebind(`SELECT `+logColumns+` FROM access_logs
WHERE tenant_id = ? AND seq >= ? ORDER BY seq ASC`), tenantID, fromSeq)
	if err != nil {
		return fmt.Errorf("walk access logs: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (r *SQLAccessLogRepository) Head(ctx context.Context, tenantID string) (domain.ChainHead, error) {
	h := domain.ChainHead{TenantID: tenantID}
	err := r.cp.GetDB().QueryRowContext(ctx, r.cp.Rebind(`SELECT seq, head_hash FROM audit_chain_heads WHERE tenant_id = ?`),
		tenantID).Scan(&h.Seq, &h.Hash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return h, fmt.Errorf("read chain head: %w", err)
	}
	return h, nil
}

func (r *SQLAccessLogRepository) ScanBefore(ctx context.Context, cutoff time.Time, fn func(domain.AccessLogEntry) error) error {
	rows, err := r.cp.GetDB().QueryContext(ctx, r.cp.Rebind(`SELECT `+logColumns+` FROM access_logs
WHERE occurred_at_ms < ? ORDER BY tenant_id ASC, seq ASC`), cutoff.UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("scan expired access logs: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return rows.Err()
}

// DeleteBefore removes entries older than cutoff. Chain heads are kept, so
// verification still detects removal of the newest entries.
func (r *SQLAccessLogRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := r.cp.Writer().Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, r.cp.Rebind(`DELETE FROM access_logs WHERE occurred_at_ms < ?`), cutoff.UTC().UnixMilli())
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("delete expired access logs: %w", err)
	}
	r.logger.Info("access logs pruned", slog.Int64("deleted", n), slog.Time("cutoff", cutoff))
	return n, nil
}
