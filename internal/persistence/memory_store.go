package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/petrijr/stepflow/pkg/api"
)

// InMemoryStore is a simple, goroutine-safe RecordStore and Leaser backed
// by maps. Records are copied on the way in and out.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string]*api.ExecutionRecord
	leases  map[string]memoryLease

	now func() time.Time
}

type memoryLease struct {
	owner     string
	expiresAt time.Time
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		records: make(map[string]*api.ExecutionRecord),
		leases:  make(map[string]memoryLease),
		now:     time.Now,
	}
}

// Ensure InMemoryStore implements the interfaces.
var (
	_ RecordStore = (*InMemoryStore)(nil)
	_ Leaser      = (*InMemoryStore)(nil)
)

func (s *InMemoryStore) Create(_ context.Context, rec *api.ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[rec.JobID]; ok {
		return ErrAlreadyExists
	}
	rec.Version = 1
	s.records[rec.JobID] = rec.Clone()
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, jobID string) (*api.ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[jobID]
	if !ok {
		return nil, api.ErrExecutionNotFound
	}
	return rec.Clone(), nil
}

func (s *InMemoryStore) Put(_ context.Context, rec *api.ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.records[rec.JobID]
	if !ok {
		return api.ErrExecutionNotFound
	}
	if cur.Version != rec.Version {
		return api.ErrConcurrentModification
	}
	rec.Version++
	s.records[rec.JobID] = rec.Clone()
	return nil
}

func (s *InMemoryStore) List(_ context.Context, filter api.ExecutionFilter) ([]*api.ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.ExecutionRecord
	for _, rec := range s.records {
		if matchesFilter(rec, filter) {
			result = append(result, rec.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *InMemoryStore) ListDue(_ context.Context, now, staleBefore time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for id, rec := range s.records {
		if IsDue(rec, now, staleBefore) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *InMemoryStore) Delete(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, jobID)
	delete(s.leases, jobID)
	return nil
}

func (s *InMemoryStore) PurgeExpired(_ context.Context, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, rec := range s.records {
		if IsExpired(rec, now) {
			ids = append(ids, id)
			delete(s.records, id)
			delete(s.leases, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *InMemoryStore) TryAcquireLease(_ context.Context, jobID, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if cur, ok := s.leases[jobID]; ok && cur.owner != owner && now.Before(cur.expiresAt) {
		return false, nil
	}
	s.leases[jobID] = memoryLease{owner: owner, expiresAt: now.Add(ttl)}
	return true, nil
}

func (s *InMemoryStore) RenewLease(_ context.Context, jobID, owner string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.leases[jobID]
	if !ok || cur.owner != owner {
		return ErrLeaseNotHeld
	}
	cur.expiresAt = s.now().Add(ttl)
	s.leases[jobID] = cur
	return nil
}

func (s *InMemoryStore) ReleaseLease(_ context.Context, jobID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.leases[jobID]; ok && cur.owner == owner {
		delete(s.leases, jobID)
	}
	return nil
}

// InMemoryHistoryStore keeps transition history in a map.
type InMemoryHistoryStore struct {
	mu     sync.RWMutex
	events map[string][]api.TransitionEvent
}

var _ HistoryStore = (*InMemoryHistoryStore)(nil)

func NewInMemoryHistoryStore() *InMemoryHistoryStore {
	return &InMemoryHistoryStore{events: make(map[string][]api.TransitionEvent)}
}

func (h *InMemoryHistoryStore) Append(_ context.Context, ev api.TransitionEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events[ev.JobID] = append(h.events[ev.JobID], ev)
	return nil
}

func (h *InMemoryHistoryStore) List(_ context.Context, jobID string) ([]api.TransitionEvent, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]api.TransitionEvent, len(h.events[jobID]))
	copy(out, h.events[jobID])
	return out, nil
}

func (h *InMemoryHistoryStore) Delete(_ context.Context, jobID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.events, jobID)
	return nil
}
