// Package orders is a read-only view of the marketplace's order records.
// Orders are owned by another service; settlement only needs the parties and
// the total of an order to hold its payment.
package orders

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrNotFound = errors.New("order not found")

// Order is the part of an order that settlement depends on.
type Order struct {
	Ref         string    `json:"orderRef"`
	BuyerID     string    `json:"buyerId"`
	SellerID    string    `json:"sellerId"`
	DriverID    string    `json:"driverId,omitempty"`
	TotalAmount int64     `json:"totalAmount"`
	Currency    string    `json:"currency"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Source looks up orders by reference.
type Source interface {
	GetOrder(ctx context.Context, orderRef string) (*Order, error)
}

// MemoryStore is an in-memory Source seeded with Put.
type MemoryStore struct {
	mu     sync.RWMutex
	orders map[string]*Order
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: make(map[string]*Order)}
}

// Put inserts or replaces an order.
func (m *MemoryStore) Put(o *Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *o
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	m.orders[o.Ref] = &cp
}

func (m *MemoryStore) GetOrder(ctx context.Context, orderRef string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[orderRef]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

var _ Source = (*MemoryStore)(nil)
