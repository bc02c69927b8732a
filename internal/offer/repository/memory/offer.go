package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/onhand/dispatch-core/internal/offer/domain"
	"github.com/onhand/dispatch-core/internal/platform/errors"
)

// OfferRepository keeps offers in an in-memory store
type OfferRepository struct {
	db map[string]domain.Offer
	sync.RWMutex

	clock func() time.Time
}

// Compile-time check that OfferRepository implements domain.Repository
var _ domain.Repository = (*OfferRepository)(nil)

// NewOfferRepository creates a new in-memory OfferRepository
func NewOfferRepository(clock func() time.Time) *OfferRepository {
	if clock == nil {
		clock = time.Now
	}
	return &OfferRepository{db: make(map[string]domain.Offer), clock: clock}
}

// Create inserts a new sent offer, enforcing pair uniqueness across
// non-terminal offers
func (r *OfferRepository) Create(ctx context.Context, params domain.CreateParams) (string, error) {
	r.Lock()
	defer r.Unlock()

	for _, o := range r.db {
		if o.BookingID == params.BookingID && o.ProviderID == params.ProviderID && !o.State.Terminal() {
			return "", errors.ErrDuplicateOffer.
				WithDetails("booking_id", params.BookingID).
				WithDetails("provider_id", params.ProviderID)
		}
	}

	id := uuid.New().String()
	r.db[id] = domain.Offer{
		ID:                 id,
		BookingID:          params.BookingID,
		ProviderID:         params.ProviderID,
		State:              domain.StateSent,
		Priority:           params.Priority,
		DistanceKm:         params.DistanceKm,
		EstimatedTravelMin: params.EstimatedTravelMin,
		CreatedAt:          params.CreatedAt,
		ExpiresAt:          params.CreatedAt.Add(params.TTL),
		UpdatedAt:          params.CreatedAt,
	}
	return id, nil
}

// Get retrieves an offer by id
func (r *OfferRepository) Get(ctx context.Context, id string) (domain.Offer, error) {
	r.RLock()
	defer r.RUnlock()

	offer, ok := r.db[id]
	if !ok {
		return domain.Offer{}, errors.ErrOfferNotFound.WithDetails("id", id)
	}
	return offer, nil
}

// ExpireDue transitions every live offer past its expiry to expired
func (r *OfferRepository) ExpireDue(ctx context.Context, now time.Time) ([]domain.Offer, error) {
	r.Lock()
	defer r.Unlock()

	var expired []domain.Offer
	for id, o := range r.db {
		if o.State.Live() && o.Expired(now) {
			o.State = domain.StateExpired
			o.UpdatedAt = now
			r.db[id] = o
			expired = append(expired, o)
		}
	}

	sort.Slice(expired, func(i, j int) bool { return expired[i].ID < expired[j].ID })
	return expired, nil
}

// TryAccept performs the accept transition on the offer row
func (r *OfferRepository) TryAccept(ctx context.Context, id, providerID string, now time.Time) (domain.AcceptOutcome, domain.Offer, error) {
	r.Lock()
	defer r.Unlock()

	offer, ok := r.db[id]
	if !ok || offer.ProviderID != providerID {
		return domain.AcceptUnknown, domain.Offer{}, nil
	}
	if offer.State == domain.StateAccepted {
		return domain.AcceptAlreadyAssigned, offer, nil
	}
	if !offer.State.Live() || offer.Expired(now) {
		return domain.AcceptExpired, offer, nil
	}

	offer.State = domain.StateAccepted
	offer.UpdatedAt = now
	r.db[id] = offer
	return domain.AcceptAccepted, offer, nil
}

// Decline transitions sent|seen → declined; idempotent
func (r *OfferRepository) Decline(ctx context.Context, id, providerID, reason string) (domain.Offer, error) {
	r.Lock()
	defer r.Unlock()

	offer, ok := r.db[id]
	if !ok || offer.ProviderID != providerID {
		return domain.Offer{}, errors.ErrOfferNotFound.WithDetails("id", id)
	}
	if offer.State == domain.StateDeclined {
		return offer, nil
	}
	if !offer.State.Live() {
		return domain.Offer{}, errors.ErrOfferTerminal.WithDetails("state", string(offer.State))
	}

	offer.State = domain.StateDeclined
	offer.DeclineReason = &reason
	offer.UpdatedAt = r.clock()
	r.db[id] = offer
	return offer, nil
}

// MarkSeen transitions sent → seen; idempotent
func (r *OfferRepository) MarkSeen(ctx context.Context, id, providerID string) error {
	r.Lock()
	defer r.Unlock()

	offer, ok := r.db[id]
	if !ok || offer.ProviderID != providerID {
		return errors.ErrOfferNotFound.WithDetails("id", id)
	}
	if offer.State != domain.StateSent {
		return nil
	}

	offer.State = domain.StateSeen
	offer.UpdatedAt = r.clock()
	r.db[id] = offer
	return nil
}

// CancelForBooking cancels every non-terminal (and declined) offer for the
// booking, returning the offers that were live beforehand
func (r *OfferRepository) CancelForBooking(ctx context.Context, bookingID string) ([]domain.Offer, error) {
	r.Lock()
	defer r.Unlock()

	now := r.clock()
	var wereLive []domain.Offer
	for id, o := range r.db {
		if o.BookingID != bookingID {
			continue
		}
		if o.State.Live() || o.State == domain.StateDeclined {
			if o.State.Live() {
				wereLive = append(wereLive, o)
			}
			o.State = domain.StateCancelled
			o.UpdatedAt = now
			r.db[id] = o
		}
	}

	sort.Slice(wereLive, func(i, j int) bool { return wereLive[i].ID < wereLive[j].ID })
	return wereLive, nil
}

// CancelOthers cancels every live offer for the booking except keepID
func (r *OfferRepository) CancelOthers(ctx context.Context, bookingID, keepID string) ([]domain.Offer, error) {
	r.Lock()
	defer r.Unlock()

	now := r.clock()
	var cancelled []domain.Offer
	for id, o := range r.db {
		if o.BookingID != bookingID || id == keepID || !o.State.Live() {
			continue
		}
		o.State = domain.StateCancelled
		o.UpdatedAt = now
		r.db[id] = o
		cancelled = append(cancelled, o)
	}

	sort.Slice(cancelled, func(i, j int) bool { return cancelled[i].ID < cancelled[j].ID })
	return cancelled, nil
}

// ListActive returns the live offers for a booking
func (r *OfferRepository) ListActive(ctx context.Context, bookingID string) ([]domain.Offer, error) {
	r.RLock()
	defer r.RUnlock()

	var active []domain.Offer
	for _, o := range r.db {
		if o.BookingID == bookingID && o.State.Live() {
			active = append(active, o)
		}
	}

	sort.Slice(active, func(i, j int) bool { return active[i].ID < active[j].ID })
	return active, nil
}

// ListByProvider returns a provider's offers filtered by state
func (r *OfferRepository) ListByProvider(ctx context.Context, providerID string, states []domain.State) ([]domain.Offer, error) {
	r.RLock()
	defer r.RUnlock()

	wanted := make(map[domain.State]struct{}, len(states))
	for _, s := range states {
		wanted[s] = struct{}{}
	}

	var offers []domain.Offer
	for _, o := range r.db {
		if o.ProviderID != providerID {
			continue
		}
		if len(wanted) > 0 {
			if _, ok := wanted[o.State]; !ok {
				continue
			}
		}
		offers = append(offers, o)
	}

	sort.Slice(offers, func(i, j int) bool { return offers[i].CreatedAt.Before(offers[j].CreatedAt) })
	return offers, nil
}

// ContactedProviders returns every provider that ever held an offer for the
// booking
func (r *OfferRepository) ContactedProviders(ctx context.Context, bookingID string) (map[string]struct{}, error) {
	r.RLock()
	defer r.RUnlock()

	contacted := make(map[string]struct{})
	for _, o := range r.db {
		if o.BookingID == bookingID {
			contacted[o.ProviderID] = struct{}{}
		}
	}
	return contacted, nil
}
