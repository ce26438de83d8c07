package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryLedger is an in-process Ledger. Contents are lost on restart.
type MemoryLedger struct {
	mu      sync.RWMutex
	entries []*Entry
	now     func() time.Time
}

// NewMemoryLedger returns a ledger holding only the genesis entry.
func NewMemoryLedger() *MemoryLedger {
	l := &MemoryLedger{now: time.Now}
	l.entries = append(l.entries, &Entry{
		Timestamp: l.now().UTC(),
		Action:    ActionGenesis,
		Actor:     SystemActor,
		DataHash:  GenesisHash,
		PrevHash:  GenesisHash,
		Hash:      GenesisHash,
	})
	return l
}

// Append implements Ledger.
func (l *MemoryLedger) Append(_ context.Context, certID uuid.UUID, action, actor string, payload any) (*Entry, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal audit payload: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	e := &Entry{
		Index:         len(l.entries),
		Timestamp:     l.now().UTC(),
		CertificateID: certID,
		Action:        action,
		Actor:         actor,
		DataHash:      digest(raw),
		PrevHash:      l.entries[len(l.entries)-1].Hash,
	}
	e.Hash = hashEntry(e)
	l.entries = append(l.entries, e)
	cp := *e
	return &cp, nil
}

// List implements Ledger.
func (l *MemoryLedger) List(_ context.Context, certID uuid.UUID) ([]*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []*Entry
	for _, e := range l.entries[1:] {
		if e.CertificateID == certID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Len implements Ledger.
func (l *MemoryLedger) Len(_ context.Context) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries), nil
}

// Verify implements Ledger.
func (l *MemoryLedger) Verify(_ context.Context) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var prev *Entry
	for _, curr := range l.entries {
		if err := checkLink(prev, curr); err != nil {
			return err
		}
		prev = curr
	}
	return nil
}

// Root implements Ledger.
func (l *MemoryLedger) Root(_ context.Context) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.entries[len(l.entries)-1].Hash, nil
}
