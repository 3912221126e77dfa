package resource

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	res     Resource
	deleted bool
}

// MemoryStore keeps resources in process memory. Values are cloned on the
// way in and out so callers never share state with the store. Entries are
// never modified after they are stored; writes replace them, so a Query can
// sort and clone its matches after releasing the lock.
type MemoryStore struct {
	mu     sync.RWMutex
	byType map[string]map[string]*memoryEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byType: make(map[string]map[string]*memoryEntry)}
}

func (s *MemoryStore) Init(context.Context) error     { return nil }
func (s *MemoryStore) Shutdown(context.Context) error { return nil }
func (s *MemoryStore) Ping(context.Context) error     { return nil }

func (s *MemoryStore) Put(_ context.Context, r Resource) error {
	c := Clone(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	bucket := s.byType[c.ResourceType()]
	if bucket == nil {
		bucket = make(map[string]*memoryEntry)
		s.byType[c.ResourceType()] = bucket
	}
	bucket[c.GetID()] = &memoryEntry{res: c}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, resourceType, id string) (Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.byType[resourceType][id]
	if !ok {
		return nil, ErrNotFound
	}
	if e.deleted {
		return Clone(e.res), ErrDeleted
	}
	return Clone(e.res), nil
}

func (s *MemoryStore) Query(_ context.Context, q Query) ([]Resource, int, error) {
	s.mu.RLock()
	var matches []Resource
	for _, e := range s.byType[q.ResourceType] {
		if e.deleted || !q.matches(e.res) {
			continue
		}
		matches = append(matches, e.res)
	}
	s.mu.RUnlock()

	window, total := page(matches, q)
	out := make([]Resource, len(window))
	for i, r := range window {
		out[i] = Clone(r)
	}
	return out, total, nil
}

func (s *MemoryStore) Tombstone(_ context.Context, resourceType, id, versionID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byType[resourceType][id]
	if !ok {
		return ErrNotFound
	}
	c := Clone(e.res)
	setTombstoneMeta(c, versionID, at)
	s.byType[resourceType][id] = &memoryEntry{res: c, deleted: true}
	return nil
}
