package accounts

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryDirectory is an in-process Directory for development and tests.
type MemoryDirectory struct {
	mu      sync.RWMutex
	byID    map[uuid.UUID]*Account
	byEmail map[string]uuid.UUID
}

// NewMemoryDirectory returns an empty MemoryDirectory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		byID:    make(map[uuid.UUID]*Account),
		byEmail: make(map[string]uuid.UUID),
	}
}

// Create implements Directory.
func (m *MemoryDirectory) Create(_ context.Context, a *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	email := strings.ToLower(strings.TrimSpace(a.Email))
	if _, exists := m.byEmail[email]; exists {
		return ErrDuplicateEmail
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.Email = email
	a.CreatedAt = time.Now().UTC()
	cp := *a
	m.byID[a.ID] = &cp
	m.byEmail[email] = a.ID
	return nil
}

// GetByID implements Directory.
func (m *MemoryDirectory) GetByID(_ context.Context, id uuid.UUID) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

// GetByEmail implements Directory.
func (m *MemoryDirectory) GetByEmail(_ context.Context, email string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byEmail[strings.ToLower(strings.TrimSpace(email))]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.byID[id]
	return &cp, nil
}
