package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	booking "github.com/onhand/dispatch-core/internal/booking/domain"
	bookingpg "github.com/onhand/dispatch-core/internal/booking/repository/postgres"
	offer "github.com/onhand/dispatch-core/internal/offer/domain"
	offerpg "github.com/onhand/dispatch-core/internal/offer/repository/postgres"
)

// PgTxManager runs serializable transactions over the Postgres-backed stores
type PgTxManager struct {
	pool *pgxpool.Pool
}

// Compile-time check
var _ TxManager = (*PgTxManager)(nil)

// NewPgTxManager creates a transaction manager over the pool
func NewPgTxManager(pool *pgxpool.Pool) *PgTxManager {
	return &PgTxManager{pool: pool}
}

// txStores binds both repositories to one open transaction
type txStores struct {
	bookings booking.Repository
	offers   offer.Repository
}

func (s *txStores) Bookings() booking.Repository { return s.bookings }
func (s *txStores) Offers() offer.Repository     { return s.offers }

// WithinSerializable begins a serializable transaction, binds the
// repositories to it, and commits if fn succeeds. On failure the transaction
// is rolled back and the error returned; serialization conflicts surface
// as-is for the caller's retry loop.
func (m *PgTxManager) WithinSerializable(ctx context.Context, fn func(ctx context.Context, s Stores) error) error {
	tx, err := m.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
	}()

	stores := &txStores{
		bookings: bookingpg.NewBookingRepository(tx),
		offers:   offerpg.NewOfferRepository(tx),
	}

	if err := fn(ctx, stores); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("failed to rollback: %w (original: %v)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}

	return nil
}
