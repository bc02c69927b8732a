package postgres

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/onhand/dispatch-core/internal/offer/domain"
	"github.com/onhand/dispatch-core/internal/platform/errors"
)

// Querier is the subset of pgx satisfied by both *pgxpool.Pool and pgx.Tx
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// OfferRepository handles offer rows in Postgres
type OfferRepository struct {
	db Querier
}

// Compile-time check that OfferRepository implements domain.Repository
var _ domain.Repository = (*OfferRepository)(nil)

// NewOfferRepository creates a new OfferRepository
func NewOfferRepository(db Querier) *OfferRepository {
	return &OfferRepository{db: db}
}

const offerColumns = `
	id, booking_id, provider_id, state, priority,
	distance_km, estimated_travel_min, decline_reason,
	created_at, expires_at, updated_at
`

// Create inserts a new sent offer. The partial unique index on live
// (booking_id, provider_id) pairs enforces pair uniqueness; a violation maps
// to ErrDuplicateOffer.
func (r *OfferRepository) Create(ctx context.Context, params domain.CreateParams) (string, error) {
	query := `
		INSERT INTO offers (
			booking_id, provider_id, state, priority,
			distance_km, estimated_travel_min, created_at, expires_at
		)
		VALUES ($1, $2, 'sent', $3, $4, $5, $6, $7)
		RETURNING id
	`
	var id string
	err := r.db.QueryRow(ctx, query,
		params.BookingID, params.ProviderID, params.Priority,
		params.DistanceKm, params.EstimatedTravelMin,
		params.CreatedAt, params.CreatedAt.Add(params.TTL),
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if stderrors.As(err, &pgErr) && pgErr.Code == "23505" {
			return "", errors.ErrDuplicateOffer.
				WithDetails("booking_id", params.BookingID).
				WithDetails("provider_id", params.ProviderID)
		}
		return "", errors.ErrUnavailable.WithCause(err)
	}
	return id, nil
}

// Get retrieves an offer by id
func (r *OfferRepository) Get(ctx context.Context, id string) (domain.Offer, error) {
	query := fmt.Sprintf(`SELECT %s FROM offers WHERE id = $1`, offerColumns)
	o, err := scanOffer(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return domain.Offer{}, errors.ErrOfferNotFound.WithDetails("id", id)
		}
		return domain.Offer{}, errors.ErrUnavailable.WithCause(err)
	}
	return o, nil
}

// ExpireDue transitions every live offer past its expiry to expired
func (r *OfferRepository) ExpireDue(ctx context.Context, now time.Time) ([]domain.Offer, error) {
	query := fmt.Sprintf(`
		UPDATE offers
		SET state = 'expired', updated_at = $1
		WHERE state IN ('sent', 'seen') AND expires_at <= $1
		RETURNING %s
	`, offerColumns)

	rows, err := r.db.Query(ctx, query, now)
	if err != nil {
		return nil, errors.ErrUnavailable.WithCause(err)
	}
	defer rows.Close()
	return collectOffers(rows)
}

// TryAccept performs the accept transition on the offer row. The conditional
// update is what makes a lost race observable: zero rows affected means the
// offer left the live states concurrently.
func (r *OfferRepository) TryAccept(ctx context.Context, id, providerID string, now time.Time) (domain.AcceptOutcome, domain.Offer, error) {
	current, err := r.Get(ctx, id)
	if err != nil {
		if stderrors.Is(err, errors.ErrOfferNotFound) {
			return domain.AcceptUnknown, domain.Offer{}, nil
		}
		return domain.AcceptUnknown, domain.Offer{}, err
	}
	if current.ProviderID != providerID {
		return domain.AcceptUnknown, domain.Offer{}, nil
	}
	if current.State == domain.StateAccepted {
		return domain.AcceptAlreadyAssigned, current, nil
	}
	if !current.State.Live() || current.Expired(now) {
		return domain.AcceptExpired, current, nil
	}

	query := fmt.Sprintf(`
		UPDATE offers
		SET state = 'accepted', updated_at = $1
		WHERE id = $2 AND provider_id = $3
		  AND state IN ('sent', 'seen') AND expires_at > $1
		RETURNING %s
	`, offerColumns)

	o, err := scanOffer(r.db.QueryRow(ctx, query, now, id, providerID))
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return domain.AcceptExpired, current, nil
		}
		return domain.AcceptUnknown, domain.Offer{}, errors.ErrUnavailable.WithCause(err)
	}
	return domain.AcceptAccepted, o, nil
}

// Decline transitions sent|seen → declined; idempotent
func (r *OfferRepository) Decline(ctx context.Context, id, providerID, reason string) (domain.Offer, error) {
	current, err := r.Get(ctx, id)
	if err != nil {
		return domain.Offer{}, err
	}
	if current.ProviderID != providerID {
		return domain.Offer{}, errors.ErrOfferNotFound.WithDetails("id", id)
	}
	if current.State == domain.StateDeclined {
		return current, nil
	}
	if !current.State.Live() {
		return domain.Offer{}, errors.ErrOfferTerminal.WithDetails("state", string(current.State))
	}

	query := fmt.Sprintf(`
		UPDATE offers
		SET state = 'declined', decline_reason = $1, updated_at = CURRENT_TIMESTAMP
		WHERE id = $2 AND provider_id = $3 AND state IN ('sent', 'seen')
		RETURNING %s
	`, offerColumns)

	o, err := scanOffer(r.db.QueryRow(ctx, query, reason, id, providerID))
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return domain.Offer{}, errors.ErrOfferTerminal.WithDetails("id", id)
		}
		return domain.Offer{}, errors.ErrUnavailable.WithCause(err)
	}
	return o, nil
}

// MarkSeen transitions sent → seen; idempotent
func (r *OfferRepository) MarkSeen(ctx context.Context, id, providerID string) error {
	query := `
		UPDATE offers
		SET state = 'seen', updated_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND provider_id = $2 AND state = 'sent'
	`
	_, err := r.db.Exec(ctx, query, id, providerID)
	if err != nil {
		return errors.ErrUnavailable.WithCause(err)
	}
	return nil
}

// CancelForBooking cancels every non-terminal (and declined) offer for the
// booking, returning the offers that were live beforehand
func (r *OfferRepository) CancelForBooking(ctx context.Context, bookingID string) ([]domain.Offer, error) {
	query := fmt.Sprintf(`
		UPDATE offers
		SET state = 'cancelled', updated_at = CURRENT_TIMESTAMP
		WHERE booking_id = $1 AND state IN ('sent', 'seen', 'declined')
		RETURNING %s
	`, offerColumns)

	rows, err := r.db.Query(ctx, query, bookingID)
	if err != nil {
		return nil, errors.ErrUnavailable.WithCause(err)
	}
	defer rows.Close()

	cancelled, err := collectOffers(rows)
	if err != nil {
		return nil, err
	}

	// report only the offers a provider could still have acted on
	var wereLive []domain.Offer
	for _, o := range cancelled {
		if o.DeclineReason == nil {
			wereLive = append(wereLive, o)
		}
	}
	return wereLive, nil
}

// CancelOthers cancels every live offer for the booking except keepID
func (r *OfferRepository) CancelOthers(ctx context.Context, bookingID, keepID string) ([]domain.Offer, error) {
	query := fmt.Sprintf(`
		UPDATE offers
		SET state = 'cancelled', updated_at = CURRENT_TIMESTAMP
		WHERE booking_id = $1 AND id <> $2 AND state IN ('sent', 'seen')
		RETURNING %s
	`, offerColumns)

	rows, err := r.db.Query(ctx, query, bookingID, keepID)
	if err != nil {
		return nil, errors.ErrUnavailable.WithCause(err)
	}
	defer rows.Close()
	return collectOffers(rows)
}

// ListActive returns the live offers for a booking
func (r *OfferRepository) ListActive(ctx context.Context, bookingID string) ([]domain.Offer, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM offers
		WHERE booking_id = $1 AND state IN ('sent', 'seen')
		ORDER BY id
	`, offerColumns)

	rows, err := r.db.Query(ctx, query, bookingID)
	if err != nil {
		return nil, errors.ErrUnavailable.WithCause(err)
	}
	defer rows.Close()
	return collectOffers(rows)
}

// ListByProvider returns a provider's offers filtered by state
func (r *OfferRepository) ListByProvider(ctx context.Context, providerID string, states []domain.State) ([]domain.Offer, error) {
	stateStrings := make([]string, 0, len(states))
	for _, s := range states {
		stateStrings = append(stateStrings, string(s))
	}

	query := fmt.Sprintf(`
		SELECT %s FROM offers
		WHERE provider_id = $1 AND ($2::text[] IS NULL OR state = ANY($2))
		ORDER BY created_at
	`, offerColumns)

	var filter any
	if len(stateStrings) > 0 {
		filter = stateStrings
	}

	rows, err := r.db.Query(ctx, query, providerID, filter)
	if err != nil {
		return nil, errors.ErrUnavailable.WithCause(err)
	}
	defer rows.Close()
	return collectOffers(rows)
}

// ContactedProviders returns every provider that ever held an offer for the
// booking
func (r *OfferRepository) ContactedProviders(ctx context.Context, bookingID string) (map[string]struct{}, error) {
	query := `SELECT DISTINCT provider_id FROM offers WHERE booking_id = $1`

	rows, err := r.db.Query(ctx, query, bookingID)
	if err != nil {
		return nil, errors.ErrUnavailable.WithCause(err)
	}
	defer rows.Close()

	contacted := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.ErrUnavailable.WithCause(err)
		}
		contacted[id] = struct{}{}
	}
	return contacted, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOffer(row rowScanner) (domain.Offer, error) {
	var o domain.Offer
	err := row.Scan(
		&o.ID, &o.BookingID, &o.ProviderID, &o.State, &o.Priority,
		&o.DistanceKm, &o.EstimatedTravelMin, &o.DeclineReason,
		&o.CreatedAt, &o.ExpiresAt, &o.UpdatedAt,
	)
	return o, err
}

func collectOffers(rows pgx.Rows) ([]domain.Offer, error) {
	var offers []domain.Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, errors.ErrUnavailable.WithCause(err)
		}
		offers = append(offers, o)
	}
	return offers, rows.Err()
}
