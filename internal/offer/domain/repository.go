package domain

import (
	"context"
	"time"
)

// CreateParams carries the fields the dispatcher sets when it emits an offer
type CreateParams struct {
	BookingID          string
	ProviderID         string
	Priority           int
	DistanceKm         float64
	EstimatedTravelMin int
	CreatedAt          time.Time
	TTL                time.Duration
}

// Repository is the offer store contract (§ operations are all atomic and
// durable from the core's viewpoint)
type Repository interface {
	// Create inserts a new sent offer. Fails with ErrDuplicateOffer when a
	// non-terminal offer already exists for the (booking, provider) pair.
	Create(ctx context.Context, params CreateParams) (string, error)

	Get(ctx context.Context, id string) (Offer, error)

	// ExpireDue transitions every sent/seen offer with expires-at <= now to
	// expired and returns the transitioned offers
	ExpireDue(ctx context.Context, now time.Time) ([]Offer, error)

	// TryAccept performs the atomic accept transition on the offer row alone.
	// The caller is responsible for running it inside the serializable
	// transaction that also re-checks and patches the booking row.
	TryAccept(ctx context.Context, id, providerID string, now time.Time) (AcceptOutcome, Offer, error)

	// Decline transitions sent|seen → declined recording the reason; a
	// repeat decline is a no-op
	Decline(ctx context.Context, id, providerID, reason string) (Offer, error)

	// MarkSeen transitions sent → seen; idempotent
	MarkSeen(ctx context.Context, id, providerID string) error

	// CancelForBooking transitions every non-terminal (and declined) offer
	// for the booking to cancelled and returns the offers that were live
	// before cancellation
	CancelForBooking(ctx context.Context, bookingID string) ([]Offer, error)

	// CancelOthers cancels every live offer for the booking except keepID;
	// used inside the acceptance transaction
	CancelOthers(ctx context.Context, bookingID, keepID string) ([]Offer, error)

	// ListActive returns the live offers for a booking
	ListActive(ctx context.Context, bookingID string) ([]Offer, error)

	// ListByProvider returns a provider's offers filtered by state
	ListByProvider(ctx context.Context, providerID string, states []State) ([]Offer, error)

	// ContactedProviders returns the ids of every provider that ever held
	// an offer for this booking, whatever its state ended as. Later waves
	// exclude them all: live offers must stay unique per pair, and a
	// declined or expired provider is not offered the same job again.
	ContactedProviders(ctx context.Context, bookingID string) (map[string]struct{}, error)
}
