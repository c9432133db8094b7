package memory

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/aryan0dhankhar/facilityaccess/internal/domain"
)

// AccessLogStore is an in-memory append-only access log.
type AccessLogStore struct {
	mu      sync.RWMutex
	entries []domain.AccessLogEntry
	heads   map[string]domain.ChainHead
	doors   *DoorStore
}

// NewAccessLogStore creates a store. doors is optional and only used to name
// top doors in aggregates.
func NewAccessLogStore(doors *DoorStore) *AccessLogStore {
	return &AccessLogStore{heads: make(map[string]domain.ChainHead), doors: doors}
}

func (s *AccessLogStore) Append(_ context.Context, entry *domain.AccessLogEntry, seal domain.SealFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	head := s.heads[entry.TenantID]
	for i := len(s.entries) - 1; i >= 0; i-- {
		prev := s.entries[i]
		if prev.TenantID != entry.TenantID || prev.Seq != head.Seq {
			continue
		}
		if entry.Timestamp.Before(prev.Timestamp) {
			entry.Timestamp = prev.Timestamp
		}
		break
	}
	entry.Seq = head.Seq + 1
	entry.PrevHash = head.Hash
	hash, err := seal(entry)
	if err != nil {
		return fmt.Errorf("seal entry: %w", err)
	}
	entry.Hash = hash

	stored := *entry
	stored.Metadata = maps.Clone(entry.Metadata)
	s.entries = append(s.entries, stored)
	s.heads[entry.TenantID] = domain.ChainHead{TenantID: entry.TenantID, Seq: entry.Seq, Hash: hash}
	return nil
}

func matches(e *domain.AccessLogEntry, tenantID string, f domain.AccessLogFilter) bool {
	switch {
	case e.TenantID != tenantID:
		return false
	case f.DoorID != "" && e.DoorID != f.DoorID:
		return false
	case f.UserID != "" && e.UserID != f.UserID:
		return false
	case f.Result != "" && e.Result != f.Result:
		return false
	case f.Method != "" && e.Method != f.Method:
		return false
	case f.From != nil && e.Timestamp.Before(*f.From):
		return false
	case f.To != nil && e.Timestamp.After(*f.To):
		return false
	}
	return true
}

func (s *AccessLogStore) Query(_ context.Context, tenantID string, f domain.AccessLogFilter, page domain.Pagination) ([]domain.AccessLogEntry, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var hits []domain.AccessLogEntry
	for i := range s.entries {
		if matches(&s.entries[i], tenantID, f) {
			hits = append(hits, s.entries[i])
		}
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if !hits[i].Timestamp.Equal(hits[j].Timestamp) {
			return hits[i].Timestamp.After(hits[j].Timestamp)
		}
		return hits[i].Seq > hits[j].Seq
	})

	total := len(hits)
	if page.Offset >= total {
		return []domain.AccessLogEntry{}, total, nil
	}
	end := total
	if page.Limit > 0 && page.Offset+page.Limit < total {
		end = page.Offset + page.Limit
	}
	out := make([]domain.AccessLogEntry, 0, end-page.Offset)
	for _, e := range hits[page.Offset:end] {
		e.Metadata = maps.Clone(e.Metadata)
		out = append(out, e)
	}
	return out, total, nil
}

func (s *AccessLogStore) Aggregate(ctx context.Context, tenantID string, from, to *time.Time, topDoors int) (*domain.AccessLogAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agg := &domain.AccessLogAggregate{
		ByResult: map[domain.AccessResult]int{},
		ByMethod: map[domain.AccessMethod]int{},
	}
	users := map[string]struct{}{}
	doors := map[string]int{}
	f := domain.AccessLogFilter{From: from, To: to}
	for i := range s.entries {
		e := &s.entries[i]
		if !matches(e, tenantID, f) {
			continue
		}
		agg.ByResult[e.Result]++
		agg.ByMethod[e.Method]++
		if e.UserID != "" {
			users[e.UserID] = struct{}{}
		}
		doors[e.DoorID]++
	}
	agg.UniqueUsers = len(users)

	for id, n := range doors {
		dc := domain.DoorCount{DoorID: id, Count: n}
		if s.doors != nil {
			if d, err := s.doors.Get(ctx, id, tenantID); err == nil {
				dc.DoorName = d.Name
			}
		}
		agg.TopDoors = append(agg.TopDoors, dc)
	}
	sort.Slice(agg.TopDoors, func(i, j int) bool {
		if agg.TopDoors[i].Count != agg.TopDoors[j].Count {
			return agg.TopDoors[i].Count > agg.TopDoors[j].Count
		}
		return agg.TopDoors[i].DoorID < agg.TopDoors[j].DoorID
	})
	if topDoors > 0 && len(agg.TopDoors) > topDoors {
		agg.TopDoors = agg.TopDoors[:topDoors]
	}
	return agg, nil
}

func (s *AccessLogStore) ScanFailures(_ context.Context, tenantID string, since, until time.Time, fn func(domain.FailedAttempt) error) error {
	s.mu.RLock()
	var hits []domain.FailedAttempt
	for _, e := range s.entries {
		if e.TenantID != tenantID || e.Result == domain.ResultGranted {
			continue
		}
		if e.Timestamp.Before(since) || e.Timestamp.After(until) {
			continue
		}
		hits = append(hits, domain.FailedAttempt{UserID: e.UserID, IPAddress: e.IPAddress, Timestamp: e.Timestamp})
	}
	s.mu.RUnlock()

	for _, h := range hits {
		if err := fn(h); err != nil {
			return err
		}
	}
	return nil
}

func (s *AccessLogStore) Walk(_ context.Context, tenantID string, fromSeq int64, fn func(domain.AccessLogEntry) error) error {
	s.mu.RLock()
	var chain []domain.AccessLogEntry
	for _, e := range s.entries {
		if e.TenantID == tenantID && e.Seq >= fromSeq {
			chain = append(chain, e)
		}
	}
	s.mu.RUnlock()

	sort.Slice(chain, func(i, j int) bool { return chain[i].Seq < chain[j].Seq })
	for _, e := range chain {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func (s *AccessLogStore) Head(_ context.Context, tenantID string) (domain.ChainHead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.heads[tenantID]
	if !ok {
		return domain.ChainHead{TenantID: tenantID}, nil
	}
	return h, nil
}

func (s *AccessLogStore) ScanBefore(_ context.Context, cutoff time.Time, fn func(domain.AccessLogEntry) error) error {
	s.mu.RLock()
	var old []domain.AccessLogEntry
	for _, e := range s.entries {
		if e.Timestamp.Before(cutoff) {
			old = append(old, e)
		}
	}
	s.mu.RUnlock()

	sort.Slice(old, func(i, j int) bool {
		if old[i].TenantID != old[j].TenantID {
			return old[i].TenantID < old[j].TenantID
		}
		return old[i].Seq < old[j].Seq
	})
	for _, e := range old {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func (s *AccessLogStore) DeleteBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.entries[:0]
	var n int64
	for _, e := range s.entries {
		if e.Timestamp.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
	return n, nil
}

// Tamper replaces a stored entry in place. Test-only helper.
func (s *AccessLogStore) Tamper(tenantID string, seq int64, mutate func(*domain.AccessLogEntry)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.entries {
		if s.entries[i].TenantID == tenantID && s.entries[i].Seq == seq {
			mutate(&s.entries[i])
			return true
		}
	}
	return false
}
