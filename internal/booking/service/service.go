// Package service implements the booking-facing operations: submission,
// lookup, and customer cancellation. Dispatch itself is the dispatcher's
// job; this layer only validates, persists, and authorizes.
package service

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/onhand/dispatch-core/internal/auth"
	"github.com/onhand/dispatch-core/internal/booking/domain"
	"github.com/onhand/dispatch-core/internal/geo"
	offerdomain "github.com/onhand/dispatch-core/internal/offer/domain"
	"github.com/onhand/dispatch-core/internal/platform/errors"
)

// Canceller cascades a customer cancellation through the dispatch core
type Canceller interface {
	CancelBooking(ctx context.Context, bookingID, by string) error
}

// Service handles booking operations
type Service struct {
	bookings  domain.Repository
	offers    offerdomain.Repository
	canceller Canceller
}

// NewService creates the booking service
func NewService(bookings domain.Repository, offers offerdomain.Repository, canceller Canceller) *Service {
	return &Service{bookings: bookings, offers: offers, canceller: canceller}
}

// CreateInput is the validated submission payload
type CreateInput struct {
	ServiceKind   string
	Kind          domain.Kind
	Urgency       domain.Urgency
	Lat           float64
	Lon           float64
	Address       string
	ScheduledFor  *time.Time
	Price         decimal.Decimal
	PaymentMethod string
	Notes         string
}

// Create validates and persists a new booking in state pending. The
// dispatcher picks it up on its next tick; scheduled bookings wait for their
// lead time.
func (s *Service) Create(ctx context.Context, identity auth.Identity, in CreateInput) (domain.Booking, error) {
	if identity.Role != auth.RoleCustomer && identity.Role != auth.RoleAdmin {
		return domain.Booking{}, errors.ErrForbidden.WithDetails("reason", "only customers create bookings")
	}
	if in.ServiceKind == "" {
		return domain.Booking{}, errors.ErrValidation.WithDetails("field", "service_kind")
	}
	if !geo.ValidCoordinates(in.Lat, in.Lon) {
		return domain.Booking{}, errors.ErrValidation.WithDetails("field", "location").WithDetails("reason", "coordinates out of range")
	}
	if !in.Urgency.Valid() {
		return domain.Booking{}, errors.ErrValidation.WithDetails("field", "urgency")
	}
	if in.Kind != domain.KindInstant && in.Kind != domain.KindScheduled {
		return domain.Booking{}, errors.ErrValidation.WithDetails("field", "kind")
	}
	if in.Kind == domain.KindScheduled && in.ScheduledFor == nil {
		return domain.Booking{}, errors.ErrValidation.WithDetails("field", "scheduled_for").WithDetails("reason", "required for scheduled bookings")
	}
	if in.Price.IsNegative() {
		return domain.Booking{}, errors.ErrValidation.WithDetails("field", "price")
	}

	b := domain.Booking{
		CustomerID:  identity.UserID,
		ServiceKind: in.ServiceKind,
		Kind:        in.Kind,
		Urgency:     in.Urgency,
		Location: domain.Location{
			Lat:     in.Lat,
			Lon:     in.Lon,
			Address: in.Address,
		},
		ScheduledFor:  in.ScheduledFor,
		Price:         in.Price,
		PaymentMethod: in.PaymentMethod,
		Notes:         in.Notes,
		Status:        domain.StatusPending,
	}

	id, err := s.bookings.Create(ctx, b)
	if err != nil {
		return domain.Booking{}, err
	}
	return s.bookings.Get(ctx, id)
}

// Get returns a booking visible to the identity: its customer, its assigned
// provider, or an admin
func (s *Service) Get(ctx context.Context, identity auth.Identity, id string) (domain.Booking, error) {
	b, err := s.bookings.Get(ctx, id)
	if err != nil {
		return domain.Booking{}, err
	}
	if !s.canView(identity, b) {
		return domain.Booking{}, errors.ErrForbidden.WithDetails("booking_id", id)
	}
	return b, nil
}

// Cancel cancels a booking on behalf of its customer (or an admin).
// Cancelling a terminal booking is a no-op.
func (s *Service) Cancel(ctx context.Context, identity auth.Identity, id string) error {
	b, err := s.bookings.Get(ctx, id)
	if err != nil {
		return err
	}
	if identity.Role != auth.RoleAdmin && b.CustomerID != identity.UserID {
		return errors.ErrForbidden.WithDetails("booking_id", id)
	}
	return s.canceller.CancelBooking(ctx, id, identity.UserID)
}

// ListOffers returns the live offers of a booking for its customer or an
// admin
func (s *Service) ListOffers(ctx context.Context, identity auth.Identity, id string) ([]offerdomain.Offer, error) {
	b, err := s.bookings.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if identity.Role != auth.RoleAdmin && b.CustomerID != identity.UserID {
		return nil, errors.ErrForbidden.WithDetails("booking_id", id)
	}
	return s.offers.ListActive(ctx, id)
}

func (s *Service) canView(identity auth.Identity, b domain.Booking) bool {
	if identity.Role == auth.RoleAdmin {
		return true
	}
	if b.CustomerID == identity.UserID {
		return true
	}
	return b.AssignedProviderID != nil && *b.AssignedProviderID == identity.UserID
}
