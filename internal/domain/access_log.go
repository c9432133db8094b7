package domain

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// AccessResult is the outcome recorded for an access attempt
type AccessResult string

const (
	ResultGranted AccessResult = "GRANTED"
	ResultDenied  AccessResult = "DENIED"
	ResultError   AccessResult = "ERROR"
)

// AccessMethod is how access was attempted
type AccessMethod string

const (
	MethodApp       AccessMethod = "APP"
	MethodCard      AccessMethod = "CARD"
	MethodPIN       AccessMethod = "PIN"
	MethodBluetooth AccessMethod = "BLUETOOTH"
	MethodRemote    AccessMethod = "REMOTE"
	MethodManual    AccessMethod = "MANUAL"
	MethodSystem    AccessMethod = "SYSTEM"
)

var accessMethods = map[AccessMethod]bool{
	MethodApp: true, MethodCard: true, MethodPIN: true, MethodBluetooth: true,
	MethodRemote: true, MethodManual: true, MethodSystem: true,
}

// ParseAccessMethod normalizes and validates a method name.
func ParseAccessMethod(s string) (AccessMethod, error) {
	m := AccessMethod(strings.ToUpper(strings.TrimSpace(s)))
	if !accessMethods[m] {
		return "", fmt.Errorf("unknown access method %q", s)
	}
	return m, nil
}

// ParseAccessResult normalizes and validates a result name.
func ParseAccessResult(s string) (AccessResult, error) {
	r := AccessResult(strings.ToUpper(strings.TrimSpace(s)))
	switch r {
	case ResultGranted, ResultDenied, ResultError:
		return r, nil
	}
	return "", fmt.Errorf("unknown access result %q", s)
}

// AccessLogEntry is an immutable record of one decision or hardware action.
// Seq, PrevHash and Hash place the entry in its tenant's audit chain.
type AccessLogEntry struct {
	ID         string         `json:"id"`
	TenantID   string         `json:"tenantId"`
	DoorID     string         `json:"doorId"`
	UserID     string         `json:"userId,omitempty"`
	Result     AccessResult   `json:"result"`
	DenyReason string         `json:"denyReason,omitempty"`
	Method     AccessMethod   `json:"method"`
	Timestamp  time.Time      `json:"timestamp"`
	IPAddress  string         `json:"ipAddress,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`

	Seq      int64  `json:"seq"`
	PrevHash string `json:"prevHash"`
	Hash     string `json:"hash"`
}

// Validate checks the fields a caller must supply before recording.
func (e *AccessLogEntry) Validate() error {
	switch {
	case e.TenantID == "":
		return fmt.Errorf("%w: tenant id required", ErrInvalidEntry)
	case e.DoorID == "":
		return fmt.Errorf("%w: door id required", ErrInvalidEntry)
	}
	if _, err := ParseAccessResult(string(e.Result)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	if _, err := ParseAccessMethod(string(e.Method)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	if e.Result == ResultGranted && e.DenyReason != "" {
		return fmt.Errorf("%w: granted entry cannot carry a deny reason", ErrInvalidEntry)
	}
	return nil
}

// AccessLogFilter narrows queries. Zero values mean "any"; time bounds are inclusive.
type AccessLogFilter struct {
	DoorID string
	UserID string
	Result AccessResult
	Method AccessMethod
	From   *time.Time
	To     *time.Time
}

// Validate rejects inverted time ranges.
func (f AccessLogFilter) Validate() error {
	if f.From != nil && f.To != nil && f.From.After(*f.To) {
		return fmt.Errorf("%w: from is after to", ErrInvalidFilter)
	}
	return nil
}

// Pagination is offset+limit paging
type Pagination struct {
	Offset int
	Limit  int
}

// AccessLogPage is one page of query results, newest first.
type AccessLogPage struct {
	Entries []AccessLogEntry `json:"entries"`
	Total   int              `json:"total"`
	HasMore bool             `json:"hasMore"`
}

// DoorCount is a per-door attempt count.
type DoorCount struct {
	DoorID   string `json:"doorId"`
	DoorName string `json:"doorName,omitempty"`
	Count    int    `json:"count"`
}

// AccessLogAggregate is the raw grouping a repository computes for stats.
type AccessLogAggregate struct {
	ByResult    map[AccessResult]int
	ByMethod    map[AccessMethod]int
	UniqueUsers int
	TopDoors    []DoorCount
}

// AccessLogStats summarizes attempts over a time range.
type AccessLogStats struct {
	TotalAttempts   int                  `json:"totalAttempts"`
	SuccessCount    int                  `json:"successCount"`
	FailureCount    int                  `json:"failureCount"`
	SuccessRate     float64              `json:"successRate"`
	UniqueUserCount int                  `json:"uniqueUserCount"`
	ByResult        map[AccessResult]int `json:"byResult"`
	ByMethod        map[AccessMethod]int `json:"byMethod"`
	TopDoors        []DoorCount          `json:"topDoors"`
}

// FailedAttempt is the projection the suspicious-activity scan reads.
type FailedAttempt struct {
	UserID    string
	IPAddress string
	Timestamp time.Time
}

// ChainHead is the newest link of a tenant's audit chain.
type ChainHead struct {
	TenantID string
	Seq      int64
	Hash     string
}

// SealFunc computes an entry's chain hash once Seq and PrevHash are assigned.
type SealFunc func(entry *AccessLogEntry) (string, error)

// AccessLogRepository persists access log entries. Entries are append-only;
// only the retention sweep deletes.
type AccessLogRepository interface {
	// Append assigns Seq and PrevHash from the tenant's chain head, seals the
	// entry, and stores entry and new head atomically. It returns
	// ErrChainConflict when the head moved concurrently.
	Append(ctx context.Context, entry *AccessLogEntry, seal SealFunc) error
	Query(ctx context.Context, tenantID string, filter AccessLogFilter, page Pagination) ([]AccessLogEntry, int, error)
	Aggregate(ctx context.Context, tenantID string, from, to *time.Time, topDoors int) (*AccessLogAggregate, error)
	// ScanFailures streams non-granted entries with timestamps in [since, until].
	ScanFailures(ctx context.Context, tenantID string, since, until time.Time, fn func(FailedAttempt) error) error
	// Walk streams a tenant's entries in chain order starting at fromSeq.
	Walk(ctx context.Context, tenantID string, fromSeq int64, fn func(AccessLogEntry) error) error
	Head(ctx context.Context, tenantID string) (ChainHead, error)
	// ScanBefore streams entries older than cutoff across tenants, ordered by tenant and seq.
	ScanBefore(ctx context.Context, cutoff time.Time, fn func(AccessLogEntry) error) error
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
