package certs

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory, thread-safe Store. It is used by tests and by
// single-process deployments that run without PostgreSQL.
type MemoryStore struct {
	mu    sync.RWMutex
	certs map[uuid.UUID]*Certificate
	now   func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		certs: make(map[uuid.UUID]*Certificate),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Create implements Store.
func (s *MemoryStore) Create(_ context.Context, c *Certificate) error {
	if len(c.Domains) == 0 {
		return errors.New("certificate has no domains")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if _, exists := s.certs[c.ID]; exists {
		return errors.New("certificate already exists")
	}
	now := s.now()
	c.Version = 1
	c.CreatedAt = now
	c.UpdatedAt = now
	s.certs[c.ID] = c.Clone()
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.certs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

// ListCandidates implements Store.
func (s *MemoryStore) ListCandidates(_ context.Context, p Predicate, now time.Time) ([]*Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Certificate
	for _, c := range s.certs {
		if p.Match(c, now) {
			out = append(out, c.Clone())
		}
	}
	return out, nil
}

// ListByOwner implements Store. Newest issuance first.
func (s *MemoryStore) ListByOwner(_ context.Context, ownerID uuid.UUID) ([]*Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Certificate
	for _, c := range s.certs {
		if c.OwnerID == ownerID {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.After(out[j].IssuedAt) })
	return out, nil
}

// Save implements Store.
func (s *MemoryStore) Save(_ context.Context, c *Certificate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.certs[c.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != c.Version {
		return ErrConflict
	}
	merge(stored, c, s.now())
	*c = *stored.Clone()
	return nil
}
