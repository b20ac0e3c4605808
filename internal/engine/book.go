package engine

import (
	"sort"
	"sync"

	"github.com/benbjohnson/clock"
)

type orderKey struct {
	sessionID string
	clOrdID   string
}

// entry serializes every mutation of one order
type entry struct {
	mu    sync.Mutex
	order Order
	timer *clock.Timer
}

// Book is the process-wide order collection. The map is guarded by mu;
// each order is guarded by its own entry lock. Orders are never removed.
type Book struct {
	mu     sync.RWMutex
	orders map[orderKey]*entry
}

func NewBook() *Book {
	return &Book{orders: make(map[orderKey]*entry)}
}

func (b *Book) lookup(sessionID, clOrdID string) (*entry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.orders[orderKey{sessionID, clOrdID}]
	return e, ok
}

// insert adds a locked entry unless the key is taken
func (b *Book) insert(o Order) (*entry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := orderKey{o.SessionID, o.ClOrdID}
	if _, exists := b.orders[key]; exists {
		return nil, false
	}
	e := &entry{order: o}
	e.mu.Lock()
	b.orders[key] = e
	return e, true
}

// Get returns a snapshot of one order
func (b *Book) Get(sessionID, clOrdID string) (Order, bool) {
	e, ok := b.lookup(sessionID, clOrdID)
	if !ok {
		return Order{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.order, true
}

// Orders snapshots every order of a session, oldest first
func (b *Book) Orders(sessionID string) []Order {
	b.mu.RLock()
	entries := make([]*entry, 0, len(b.orders))
	for k, e := range b.orders {
		if k.sessionID == sessionID {
			entries = append(entries, e)
		}
	}
	b.mu.RUnlock()

	out := make([]Order, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.order)
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ClOrdID < out[j].ClOrdID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Len is the number of orders ever created
func (b *Book) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.orders)
}
