package domain

import (
	"context"
	"time"

	"github.com/onhand/dispatch-core/internal/platform/errors"
)

// Patch is a partial booking update. Nil fields are left untouched. Patches
// are validated against the state machine before they are applied, so a
// repository never persists an illegal transition.
type Patch struct {
	Status                *Status
	SearchRadiusKm        *float64
	SearchWave            *int
	MatchingExpiresAt     *time.Time
	ClearMatchingDeadline bool
	PendingOfferCount     *int
	AssignedProviderID    *string
	AssignmentMethod      *AssignmentMethod
}

// Apply validates the patch against b and returns the patched copy. The
// receiver is not mutated.
func (p Patch) Apply(b Booking, now time.Time) (Booking, error) {
	if p.Status != nil && !b.Status.CanTransitionTo(*p.Status) {
		return Booking{}, errors.ErrValidation.
			WithDetails("reason", "illegal status transition").
			WithDetails("from", string(b.Status)).
			WithDetails("to", string(*p.Status))
	}

	if p.Status != nil {
		b.Status = *p.Status
	}
	if p.SearchRadiusKm != nil {
		if *p.SearchRadiusKm < b.SearchRadiusKm {
			return Booking{}, errors.ErrValidation.
				WithDetails("reason", "search radius must be non-decreasing")
		}
		b.SearchRadiusKm = *p.SearchRadiusKm
	}
	if p.SearchWave != nil {
		b.SearchWave = *p.SearchWave
	}
	if p.MatchingExpiresAt != nil {
		deadline := *p.MatchingExpiresAt
		b.MatchingExpiresAt = &deadline
	}
	if p.ClearMatchingDeadline {
		b.MatchingExpiresAt = nil
	}
	if p.PendingOfferCount != nil {
		b.PendingOfferCount = *p.PendingOfferCount
	}
	if p.AssignedProviderID != nil {
		provider := *p.AssignedProviderID
		b.AssignedProviderID = &provider
	}
	if p.AssignmentMethod != nil {
		b.AssignmentMethod = *p.AssignmentMethod
	}

	if b.Status.HasAssignee() && b.AssignedProviderID == nil {
		return Booking{}, errors.ErrValidation.
			WithDetails("reason", "status requires an assigned provider").
			WithDetails("status", string(b.Status))
	}
	if !b.Status.HasAssignee() && b.Status != StatusCancelled && b.AssignedProviderID != nil {
		return Booking{}, errors.ErrValidation.
			WithDetails("reason", "status forbids an assigned provider").
			WithDetails("status", string(b.Status))
	}

	b.UpdatedAt = now
	return b, nil
}

// Repository is the booking store contract consumed by the core
type Repository interface {
	Create(ctx context.Context, booking Booking) (string, error)
	Get(ctx context.Context, id string) (Booking, error)

	// Update applies a validated patch and returns the updated row
	Update(ctx context.Context, id string, patch Patch) (Booking, error)

	// AdjustPendingOffers atomically adds delta to pending-offer-count,
	// clamping at zero, and returns the new count
	AdjustPendingOffers(ctx context.Context, id string, delta int) (int, error)

	// ListNeedingAttention returns bookings the dispatcher must act on:
	// pending bookings that are due, and provider_search bookings whose
	// deadline passed or whose outstanding offers have drained
	ListNeedingAttention(ctx context.Context, now time.Time, leadTime time.Duration) ([]Booking, error)

	// SetRadiusAndWave records one radius expansion: new radius, incremented
	// wave, and the appended history entry, atomically
	SetRadiusAndWave(ctx context.Context, id string, radiusKm float64, wave int, entry RadiusExpansion) error
}
