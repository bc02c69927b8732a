// Package storage binds the booking and offer stores to a shared
// transactional boundary. The acceptance resolver is the only caller that
// needs both stores mutated atomically; everything else reads and writes
// through the individual repositories.
package storage

import (
	"context"

	booking "github.com/onhand/dispatch-core/internal/booking/domain"
	offer "github.com/onhand/dispatch-core/internal/offer/domain"
)

// Stores exposes the repositories bound to one transaction scope
type Stores interface {
	Bookings() booking.Repository
	Offers() offer.Repository
}

// TxManager runs a function atomically over both stores. Serializable
// isolation; a serialization conflict surfaces as an error the caller may
// retry.
type TxManager interface {
	WithinSerializable(ctx context.Context, fn func(ctx context.Context, s Stores) error) error
}
