// Package stream fans recorded access log entries out to live subscribers.
package stream

import (
	"context"
	"log/slog"
	"sync"

	"github.com/aryan0dhankhar/facilityaccess/internal/domain"
)

// Hub is an in-process broadcaster keyed by tenant. Slow subscribers lose
// entries rather than blocking the recorder.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*subscription]struct{}
	buffer int
	logger *slog.Logger
}

type subscription struct {
	ch chan domain.AccessLogEntry
}

func NewHub(buffer int, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = 32
	}
	return &Hub{subs: make(map[string]map[*subscription]struct{}), buffer: buffer, logger: logger}
}

// Subscribe returns a channel of the tenant's new entries and a cancel func
// that must be called once the caller stops reading.
func (h *Hub) Subscribe(tenantID string) (<-chan domain.AccessLogEntry, func()) {
	s := &subscription{ch: make(chan domain.AccessLogEntry, h.buffer)}
	h.mu.Lock()
	if h.subs[tenantID] == nil {
		h.subs[tenantID] = make(map[*subscription]struct{})
	}
	h.subs[tenantID][s] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[tenantID], s)
			if len(h.subs[tenantID]) == 0 {
				delete(h.subs, tenantID)
			}
			h.mu.Unlock()
			close(s.ch)
		})
	}
}

// Publish delivers entry to the tenant's current subscribers.
func (h *Hub) Publish(_ context.Context, entry domain.AccessLogEntry) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs[entry.TenantID] {
		select {
		case s.ch <- entry:
		default:
			h.logger.Warn("live subscriber lagging, entry dropped",
				slog.String("tenant_id", entry.TenantID),
				slog.String("entry_id", entry.ID),
			)
		}
	}
	return nil
}

// Subscribers reports how many subscribers a tenant has.
func (h *Hub) Subscribers(tenantID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[tenantID])
}
