package storage

import (
	"context"
	"sync"

	booking "github.com/onhand/dispatch-core/internal/booking/domain"
	offer "github.com/onhand/dispatch-core/internal/offer/domain"
)

// MemoryTxManager serializes transactions over the in-memory repositories
// with a single mutex. One writer at a time is trivially serializable.
type MemoryTxManager struct {
	bookings booking.Repository
	offers   offer.Repository
	mu       sync.Mutex
}

// Compile-time checks
var (
	_ TxManager = (*MemoryTxManager)(nil)
	_ Stores    = (*MemoryTxManager)(nil)
)

// NewMemoryTxManager wraps the given repositories
func NewMemoryTxManager(bookings booking.Repository, offers offer.Repository) *MemoryTxManager {
	return &MemoryTxManager{bookings: bookings, offers: offers}
}

// Bookings returns the booking repository
func (m *MemoryTxManager) Bookings() booking.Repository { return m.bookings }

// Offers returns the offer repository
func (m *MemoryTxManager) Offers() offer.Repository { return m.offers }

// WithinSerializable runs fn under the transaction mutex. The in-memory
// stores have no rollback; fn is expected to validate before mutating, which
// the acceptance resolver does by re-reading under the lock.
func (m *MemoryTxManager) WithinSerializable(ctx context.Context, fn func(ctx context.Context, s Stores) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(ctx, m)
}
