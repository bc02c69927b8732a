package postgres

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/onhand/dispatch-core/internal/booking/domain"
	"github.com/onhand/dispatch-core/internal/platform/errors"
)

// Querier is the subset of pgx satisfied by both *pgxpool.Pool and pgx.Tx,
// so the same repository serves pooled reads and transactional writes.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// BookingRepository handles booking rows in Postgres
type BookingRepository struct {
	db Querier
}

// Compile-time check that BookingRepository implements domain.Repository
var _ domain.Repository = (*BookingRepository)(nil)

// NewBookingRepository creates a new BookingRepository
func NewBookingRepository(db Querier) *BookingRepository {
	return &BookingRepository{db: db}
}

const bookingColumns = `
	id, customer_id, service_kind, kind, urgency,
	lat, lon, address, scheduled_for, price, payment_method, notes,
	status, search_radius_km, search_wave, radius_history,
	matching_expires_at, pending_offer_count, assigned_provider_id,
	assignment_method, created_at, updated_at
`

// Create inserts a new booking into the store
func (r *BookingRepository) Create(ctx context.Context, b domain.Booking) (string, error) {
	history, err := json.Marshal(b.RadiusHistory)
	if err != nil {
		return "", errors.ErrInternal.WithCause(err)
	}

	query := `
		INSERT INTO bookings (
			customer_id, service_kind, kind, urgency,
			lat, lon, address, scheduled_for, price, payment_method, notes,
			status, search_radius_km, search_wave, radius_history,
			matching_expires_at, pending_offer_count
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		RETURNING id
	`
	status := b.Status
	if status == "" {
		status = domain.StatusPending
	}

	var id string
	err = r.db.QueryRow(ctx, query,
		b.CustomerID, b.ServiceKind, b.Kind, b.Urgency,
		b.Location.Lat, b.Location.Lon, b.Location.Address,
		b.ScheduledFor, b.Price, b.PaymentMethod, b.Notes,
		status, b.SearchRadiusKm, b.SearchWave, history,
		b.MatchingExpiresAt, b.PendingOfferCount,
	).Scan(&id)
	if err != nil {
		return "", errors.ErrUnavailable.WithCause(err)
	}
	return id, nil
}

// Get retrieves a booking by id
func (r *BookingRepository) Get(ctx context.Context, id string) (domain.Booking, error) {
	query := fmt.Sprintf(`SELECT %s FROM bookings WHERE id = $1`, bookingColumns)
	return r.scanOne(r.db.QueryRow(ctx, query, id), id)
}

// getForUpdate re-reads the booking row with write intent inside a
// transaction
func (r *BookingRepository) getForUpdate(ctx context.Context, id string) (domain.Booking, error) {
	query := fmt.Sprintf(`SELECT %s FROM bookings WHERE id = $1 FOR UPDATE`, bookingColumns)
	return r.scanOne(r.db.QueryRow(ctx, query, id), id)
}

// Update applies a validated patch and returns the updated row
func (r *BookingRepository) Update(ctx context.Context, id string, patch domain.Patch) (domain.Booking, error) {
	current, err := r.getForUpdate(ctx, id)
	if err != nil {
		return domain.Booking{}, err
	}

	updated, err := patch.Apply(current, time.Now())
	if err != nil {
		return domain.Booking{}, err
	}

	query := `
		UPDATE bookings SET
			status = $1,
			search_radius_km = $2,
			search_wave = $3,
			matching_expires_at = $4,
			pending_offer_count = $5,
			assigned_provider_id = $6,
			assignment_method = $7,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = $8
	`
	_, err = r.db.Exec(ctx, query,
		updated.Status, updated.SearchRadiusKm, updated.SearchWave,
		updated.MatchingExpiresAt, updated.PendingOfferCount,
		updated.AssignedProviderID, nullIfEmpty(string(updated.AssignmentMethod)),
		id,
	)
	if err != nil {
		return domain.Booking{}, errors.ErrUnavailable.WithCause(err)
	}
	return updated, nil
}

// AdjustPendingOffers atomically adds delta to pending-offer-count, clamping
// at zero
func (r *BookingRepository) AdjustPendingOffers(ctx context.Context, id string, delta int) (int, error) {
	query := `
		UPDATE bookings
		SET pending_offer_count = GREATEST(pending_offer_count + $1, 0),
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = $2
		RETURNING pending_offer_count
	`
	var count int
	err := r.db.QueryRow(ctx, query, delta, id).Scan(&count)
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return 0, errors.ErrBookingNotFound.WithDetails("id", id)
		}
		return 0, errors.ErrUnavailable.WithCause(err)
	}
	return count, nil
}

// ListNeedingAttention returns bookings the dispatcher must act on
func (r *BookingRepository) ListNeedingAttention(ctx context.Context, now time.Time, leadTime time.Duration) ([]domain.Booking, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM bookings
		WHERE (status = 'pending'
		       AND (kind = 'instant'
		            OR (scheduled_for IS NOT NULL AND scheduled_for - $2::interval <= $1)))
		   OR (status = 'provider_search'
		       AND (matching_expires_at <= $1 OR pending_offer_count = 0))
		ORDER BY id
	`, bookingColumns)

	rows, err := r.db.Query(ctx, query, now, leadTime)
	if err != nil {
		return nil, errors.ErrUnavailable.WithCause(err)
	}
	defer rows.Close()

	var bookings []domain.Booking
	for rows.Next() {
		b, err := r.scanRow(rows)
		if err != nil {
			return nil, err
		}
		bookings = append(bookings, b)
	}
	return bookings, rows.Err()
}

// SetRadiusAndWave records one radius expansion atomically
func (r *BookingRepository) SetRadiusAndWave(ctx context.Context, id string, radiusKm float64, wave int, entry domain.RadiusExpansion) error {
	entryJSON, err := json.Marshal(entry)
	if err != nil {
		return errors.ErrInternal.WithCause(err)
	}

	query := `
		UPDATE bookings
		SET search_radius_km = $1,
		    search_wave = $2,
		    radius_history = radius_history || $3::jsonb,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = $4 AND search_radius_km <= $1
	`
	tag, err := r.db.Exec(ctx, query, radiusKm, wave, entryJSON, id)
	if err != nil {
		return errors.ErrUnavailable.WithCause(err)
	}
	if tag.RowsAffected() == 0 {
		return errors.ErrValidation.WithDetails("reason", "booking missing or radius would shrink")
	}
	return nil
}

func (r *BookingRepository) scanOne(row pgx.Row, id string) (domain.Booking, error) {
	b, err := scanBooking(row)
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return domain.Booking{}, errors.ErrBookingNotFound.WithDetails("id", id)
		}
		return domain.Booking{}, errors.ErrUnavailable.WithCause(err)
	}
	return b, nil
}

func (r *BookingRepository) scanRow(rows pgx.Rows) (domain.Booking, error) {
	b, err := scanBooking(rows)
	if err != nil {
		return domain.Booking{}, errors.ErrUnavailable.WithCause(err)
	}
	return b, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBooking(row rowScanner) (domain.Booking, error) {
	var (
		b                domain.Booking
		historyJSON      []byte
		assignmentMethod *string
	)
	err := row.Scan(
		&b.ID, &b.CustomerID, &b.ServiceKind, &b.Kind, &b.Urgency,
		&b.Location.Lat, &b.Location.Lon, &b.Location.Address,
		&b.ScheduledFor, &b.Price, &b.PaymentMethod, &b.Notes,
		&b.Status, &b.SearchRadiusKm, &b.SearchWave, &historyJSON,
		&b.MatchingExpiresAt, &b.PendingOfferCount, &b.AssignedProviderID,
		&assignmentMethod, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return domain.Booking{}, err
	}
	if len(historyJSON) > 0 {
		if err := json.Unmarshal(historyJSON, &b.RadiusHistory); err != nil {
			return domain.Booking{}, err
		}
	}
	if assignmentMethod != nil {
		b.AssignmentMethod = domain.AssignmentMethod(*assignmentMethod)
	}
	return b, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
