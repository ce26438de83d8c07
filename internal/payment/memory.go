package payment

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryRepository is an in-process Repository.
type MemoryRepository struct {
	mu     sync.Mutex
	orders map[string]*Order
}

// NewMemoryRepository creates an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{orders: make(map[string]*Order)}
}

func (m *MemoryRepository) Create(_ context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[o.OrderID]; ok {
		return fmt.Errorf("order %s already exists", o.OrderID)
	}
	cp := *o
	m.orders[o.OrderID] = &cp
	return nil
}

func (m *MemoryRepository) GetByOrderID(_ context.Context, orderID string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryRepository) Transition(_ context.Context, orderID string, from, to Status, transactionID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return false, ErrOrderNotFound
	}
	if o.Status != from {
		return false, nil
	}
	o.Status = to
	o.TransactionID = transactionID
	if to == StatusPaid {
		paid := at.UTC()
		o.PaidAt = &paid
	}
	return true, nil
}
