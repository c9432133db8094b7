// Package memory provides in-memory repositories for tests and local runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/aryan0dhankhar/facilityaccess/internal/domain"
)

func key(tenantID, id string) string { return tenantID + "/" + id }

// DoorStore is an in-memory domain.DoorRepository.
type DoorStore struct {
	mu    sync.RWMutex
	doors map[string]domain.Door
}

func NewDoorStore(doors ...domain.Door) *DoorStore {
	s := &DoorStore{doors: make(map[string]domain.Door)}
	for _, d := range doors {
		s.Put(d)
	}
	return s
}

func (s *DoorStore) Put(d domain.Door) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doors[key(d.TenantID, d.ID)] = d
}

func (s *DoorStore) Get(_ context.Context, id, tenantID string) (*domain.Door, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.doors[key(tenantID, id)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &d, nil
}

// List returns the tenant's doors ordered by name, then id.
func (s *DoorStore) List(_ context.Context, tenantID string) ([]*domain.Door, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Door
	for _, d := range s.doors {
		if d.TenantID == tenantID {
			d := d
			out = append(out, &d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *DoorStore) UpdateState(_ context.Context, door *domain.Door) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(door.TenantID, door.ID)
	d, ok := s.doors[k]
	if !ok {
		return domain.ErrNotFound
	}
	d.Status = door.Status
	d.Online = door.Online
	d.Locked = door.Locked
	d.UpdatedAt = time.Now().UTC()
	s.doors[k] = d
	return nil
}

// UserStore is an in-memory domain.UserRepository.
type UserStore struct {
	mu    sync.RWMutex
	users map[string]domain.User
}

func NewUserStore(users ...domain.User) *UserStore {
	s := &UserStore{users: make(map[string]domain.User)}
	for _, u := range users {
		s.Put(u)
	}
	return s
}

func (s *UserStore) Put(u domain.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[key(u.TenantID, u.ID)] = u
}

func (s *UserStore) Get(_ context.Context, id, tenantID string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[key(tenantID, id)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &u, nil
}

// TenantStore is an in-memory domain.TenantRepository.
type TenantStore struct {
	mu      sync.RWMutex
	tenants map[string]domain.Tenant
}

func NewTenantStore(tenants ...domain.Tenant) *TenantStore {
	s := &TenantStore{tenants: make(map[string]domain.Tenant)}
	for _, t := range tenants {
		s.tenants[t.ID] = t
	}
	return s
}

func (s *TenantStore) Get(_ context.Context, id string) (*domain.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &t, nil
}

func (s *TenantStore) List(_ context.Context) ([]*domain.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Tenant, 0, len(s.tenants))
	for _, t := range s.tenants {
		t := t
		out = append(out, &t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// MembershipStore is an in-memory domain.MembershipResolver.
type MembershipStore struct {
	mu          sync.RWMutex
	memberships map[string][]domain.Membership
	now         func() time.Time
}

func NewMembershipStore(memberships ...domain.Membership) *MembershipStore {
	s := &MembershipStore{memberships: make(map[string][]domain.Membership), now: time.Now}
	for _, m := range memberships {
		s.Add(m)
	}
	return s
}

// WithClock sets the time used to judge end dates.
func (s *MembershipStore) WithClock(now func() time.Time) *MembershipStore {
	s.now = now
	return s
}

func (s *MembershipStore) Add(m domain.Membership) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(m.TenantID, m.UserID)
	s.memberships[k] = append(s.memberships[k], m)
}

func (s *MembershipStore) HasActiveMembership(_ context.Context, userID, tenantID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	for _, m := range s.memberships[key(tenantID, userID)] {
		if m.ActiveAt(now) {
			return true, nil
		}
	}
	return false, nil
}

// RuleStore is an in-memory domain.RuleStore.
type RuleStore struct {
	mu    sync.RWMutex
	rules []domain.AccessRule
}

func NewRuleStore(rules ...domain.AccessRule) *RuleStore {
	return &RuleStore{rules: append([]domain.AccessRule(nil), rules...)}
}

func (s *RuleStore) Add(r domain.AccessRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = append(s.rules, r)
}

func (s *RuleStore) ListActiveRules(_ context.Context, doorID, tenantID string, now time.Time) ([]domain.AccessRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.AccessRule
	for _, r := range s.rules {
		if r.TenantID != tenantID || r.DoorID != doorID || !r.Active || !r.ValidAt(now) {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
