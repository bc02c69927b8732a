package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Kind distinguishes bookings dispatched immediately from bookings that wait
// for their lead time.
type Kind string

const (
	KindInstant   Kind = "instant"
	KindScheduled Kind = "scheduled"
)

// Urgency is the customer-declared priority of a booking
type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyNormal Urgency = "normal"
	UrgencyHigh   Urgency = "high"
	UrgencyUrgent Urgency = "urgent"
)

// Rank orders urgencies from low to urgent for threshold comparisons
func (u Urgency) Rank() int {
	switch u {
	case UrgencyLow:
		return 0
	case UrgencyNormal:
		return 1
	case UrgencyHigh:
		return 2
	case UrgencyUrgent:
		return 3
	default:
		return 1
	}
}

// Valid reports whether the urgency is one of the known values
func (u Urgency) Valid() bool {
	switch u {
	case UrgencyLow, UrgencyNormal, UrgencyHigh, UrgencyUrgent:
		return true
	}
	return false
}

// AssignmentMethod records how a booking got (or failed to get) its provider
type AssignmentMethod string

const (
	AssignmentAccepted  AssignmentMethod = "accepted"
	AssignmentTimeout   AssignmentMethod = "timeout"
	AssignmentCancelled AssignmentMethod = "cancelled"
	AssignmentManual    AssignmentMethod = "manual"
)

// Location is a point plus the human-readable address the customer entered
type Location struct {
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	Address string  `json:"address"`
}

// RadiusExpansion is one entry of the per-booking search history. The history
// length always equals the booking's search wave, and radius values are
// non-decreasing across entries.
type RadiusExpansion struct {
	Wave           int       `json:"wave"`
	RadiusKm       float64   `json:"radius_km"`
	ProvidersFound int       `json:"providers_found"`
	ExpandedAt     time.Time `json:"expanded_at"`
}

// Booking represents a customer's request for a service
type Booking struct {
	ID          string          `json:"id" db:"id"`
	CustomerID  string          `json:"customer_id" db:"customer_id"`
	ServiceKind string          `json:"service_kind" db:"service_kind"`
	Kind        Kind            `json:"kind" db:"kind"`
	Urgency     Urgency         `json:"urgency" db:"urgency"`
	Location    Location        `json:"location" db:"location"`
	ScheduledFor *time.Time     `json:"scheduled_for,omitempty" db:"scheduled_for"`
	Price       decimal.Decimal `json:"price" db:"price"`
	PaymentMethod string        `json:"payment_method" db:"payment_method"`
	Notes       string          `json:"notes,omitempty" db:"notes"`

	Status             Status            `json:"status" db:"status"`
	SearchRadiusKm     float64           `json:"search_radius_km" db:"search_radius_km"`
	SearchWave         int               `json:"search_wave" db:"search_wave"`
	RadiusHistory      []RadiusExpansion `json:"radius_history" db:"radius_history"`
	MatchingExpiresAt  *time.Time        `json:"matching_expires_at,omitempty" db:"matching_expires_at"`
	PendingOfferCount  int               `json:"pending_offer_count" db:"pending_offer_count"`
	AssignedProviderID *string           `json:"assigned_provider_id,omitempty" db:"assigned_provider_id"`
	AssignmentMethod   AssignmentMethod  `json:"assignment_method,omitempty" db:"assignment_method"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// IsTerminal reports whether the booking can no longer change state
func (b *Booking) IsTerminal() bool {
	return b.Status.IsTerminal()
}

// MatchingExpired reports whether the global dispatch deadline has passed
func (b *Booking) MatchingExpired(now time.Time) bool {
	return b.MatchingExpiresAt != nil && !now.Before(*b.MatchingExpiresAt)
}

// DueForDispatch reports whether a pending booking should enter matching.
// Instant bookings are due immediately; scheduled bookings wait until the
// lead time before their scheduled-for timestamp.
func (b *Booking) DueForDispatch(now time.Time, leadTime time.Duration) bool {
	if b.Status != StatusPending {
		return false
	}
	if b.Kind == KindInstant {
		return true
	}
	if b.ScheduledFor == nil {
		return false
	}
	return !now.Before(b.ScheduledFor.Add(-leadTime))
}
