package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/onhand/dispatch-core/internal/booking/domain"
	"github.com/onhand/dispatch-core/internal/platform/errors"
)

// BookingRepository keeps bookings in an in-memory store. Used by unit tests
// and single-node development runs.
type BookingRepository struct {
	db map[string]domain.Booking
	sync.RWMutex

	clock func() time.Time
}

// Compile-time check that BookingRepository implements domain.Repository
var _ domain.Repository = (*BookingRepository)(nil)

// NewBookingRepository creates a new in-memory BookingRepository
func NewBookingRepository(clock func() time.Time) *BookingRepository {
	if clock == nil {
		clock = time.Now
	}
	return &BookingRepository{db: make(map[string]domain.Booking), clock: clock}
}

// Create inserts a new booking into the store
func (r *BookingRepository) Create(ctx context.Context, booking domain.Booking) (string, error) {
	r.Lock()
	defer r.Unlock()

	if booking.ID == "" {
		booking.ID = uuid.New().String()
	}
	now := r.clock()
	booking.CreatedAt = now
	booking.UpdatedAt = now
	if booking.Status == "" {
		booking.Status = domain.StatusPending
	}
	r.db[booking.ID] = booking
	return booking.ID, nil
}

// Get retrieves a booking by id
func (r *BookingRepository) Get(ctx context.Context, id string) (domain.Booking, error) {
	r.RLock()
	defer r.RUnlock()

	booking, ok := r.db[id]
	if !ok {
		return domain.Booking{}, errors.ErrBookingNotFound.WithDetails("id", id)
	}
	return booking, nil
}

// Update applies a validated patch and returns the updated row
func (r *BookingRepository) Update(ctx context.Context, id string, patch domain.Patch) (domain.Booking, error) {
	r.Lock()
	defer r.Unlock()

	booking, ok := r.db[id]
	if !ok {
		return domain.Booking{}, errors.ErrBookingNotFound.WithDetails("id", id)
	}

	updated, err := patch.Apply(booking, r.clock())
	if err != nil {
		return domain.Booking{}, err
	}
	r.db[id] = updated
	return updated, nil
}

// AdjustPendingOffers atomically adds delta to pending-offer-count, clamping
// at zero
func (r *BookingRepository) AdjustPendingOffers(ctx context.Context, id string, delta int) (int, error) {
	r.Lock()
	defer r.Unlock()

	booking, ok := r.db[id]
	if !ok {
		return 0, errors.ErrBookingNotFound.WithDetails("id", id)
	}

	booking.PendingOfferCount += delta
	if booking.PendingOfferCount < 0 {
		booking.PendingOfferCount = 0
	}
	booking.UpdatedAt = r.clock()
	r.db[id] = booking
	return booking.PendingOfferCount, nil
}

// ListNeedingAttention returns bookings the dispatcher must act on
func (r *BookingRepository) ListNeedingAttention(ctx context.Context, now time.Time, leadTime time.Duration) ([]domain.Booking, error) {
	r.RLock()
	defer r.RUnlock()

	var due []domain.Booking
	for _, b := range r.db {
		switch b.Status {
		case domain.StatusPending:
			if b.DueForDispatch(now, leadTime) {
				due = append(due, b)
			}
		case domain.StatusProviderSearch:
			if b.MatchingExpired(now) || b.PendingOfferCount == 0 {
				due = append(due, b)
			}
		}
	}

	// stable order keeps tick behavior deterministic
	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })
	return due, nil
}

// SetRadiusAndWave records one radius expansion atomically
func (r *BookingRepository) SetRadiusAndWave(ctx context.Context, id string, radiusKm float64, wave int, entry domain.RadiusExpansion) error {
	r.Lock()
	defer r.Unlock()

	booking, ok := r.db[id]
	if !ok {
		return errors.ErrBookingNotFound.WithDetails("id", id)
	}
	if radiusKm < booking.SearchRadiusKm {
		return errors.ErrValidation.WithDetails("reason", "search radius must be non-decreasing")
	}

	booking.SearchRadiusKm = radiusKm
	booking.SearchWave = wave
	booking.RadiusHistory = append(booking.RadiusHistory, entry)
	booking.UpdatedAt = r.clock()
	r.db[id] = booking
	return nil
}
