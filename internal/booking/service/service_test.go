package service

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onhand/dispatch-core/internal/auth"
	"github.com/onhand/dispatch-core/internal/booking/domain"
	bookingmemory "github.com/onhand/dispatch-core/internal/booking/repository/memory"
	offermemory "github.com/onhand/dispatch-core/internal/offer/repository/memory"
	"github.com/onhand/dispatch-core/internal/platform/errors"
)

// recordingCanceller captures cascade requests
type recordingCanceller struct {
	cancelled []string
}

func (c *recordingCanceller) CancelBooking(_ context.Context, bookingID, _ string) error {
	c.cancelled = append(c.cancelled, bookingID)
	return nil
}

func newService() (*Service, *bookingmemory.BookingRepository, *recordingCanceller) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	bookings := bookingmemory.NewBookingRepository(func() time.Time { return now })
	offers := offermemory.NewOfferRepository(func() time.Time { return now })
	canceller := &recordingCanceller{}
	return NewService(bookings, offers, canceller), bookings, canceller
}

func validInput() CreateInput {
	return CreateInput{
		ServiceKind:   "electrician",
		Kind:          domain.KindInstant,
		Urgency:       domain.UrgencyNormal,
		Lat:           12.9716,
		Lon:           77.5946,
		Address:       "MG Road",
		Price:         decimal.NewFromInt(500),
		PaymentMethod: "card",
	}
}

var customer = auth.Identity{UserID: "cust-1", Role: auth.RoleCustomer}

func TestService_Create(t *testing.T) {
	svc, _, _ := newService()
	ctx := context.Background()

	t.Run("valid instant booking", func(t *testing.T) {
		b, err := svc.Create(ctx, customer, validInput())
		require.NoError(t, err)
		assert.Equal(t, domain.StatusPending, b.Status)
		assert.Equal(t, "cust-1", b.CustomerID)
		assert.NotEmpty(t, b.ID)
	})

	t.Run("provider cannot create bookings", func(t *testing.T) {
		provider := auth.Identity{UserID: "p-1", Role: auth.RoleServiceProvider}
		_, err := svc.Create(ctx, provider, validInput())
		assert.ErrorIs(t, err, errors.ErrForbidden)
	})

	t.Run("coordinates out of range", func(t *testing.T) {
		in := validInput()
		in.Lat = 95
		_, err := svc.Create(ctx, customer, in)
		assert.ErrorIs(t, err, errors.ErrValidation)
	})

	t.Run("unknown urgency", func(t *testing.T) {
		in := validInput()
		in.Urgency = "asap"
		_, err := svc.Create(ctx, customer, in)
		assert.ErrorIs(t, err, errors.ErrValidation)
	})

	t.Run("scheduled requires scheduled_for", func(t *testing.T) {
		in := validInput()
		in.Kind = domain.KindScheduled
		_, err := svc.Create(ctx, customer, in)
		assert.ErrorIs(t, err, errors.ErrValidation)
	})

	t.Run("negative price", func(t *testing.T) {
		in := validInput()
		in.Price = decimal.NewFromInt(-10)
		_, err := svc.Create(ctx, customer, in)
		assert.ErrorIs(t, err, errors.ErrValidation)
	})
}

func TestService_Get(t *testing.T) {
	svc, _, _ := newService()
	ctx := context.Background()

	b, err := svc.Create(ctx, customer, validInput())
	require.NoError(t, err)

	t.Run("owner sees the booking", func(t *testing.T) {
		got, err := svc.Get(ctx, customer, b.ID)
		require.NoError(t, err)
		assert.Equal(t, b.ID, got.ID)
	})

	t.Run("stranger is refused", func(t *testing.T) {
		stranger := auth.Identity{UserID: "cust-2", Role: auth.RoleCustomer}
		_, err := svc.Get(ctx, stranger, b.ID)
		assert.ErrorIs(t, err, errors.ErrForbidden)
	})

	t.Run("admin sees everything", func(t *testing.T) {
		admin := auth.Identity{UserID: "a-1", Role: auth.RoleAdmin}
		_, err := svc.Get(ctx, admin, b.ID)
		assert.NoError(t, err)
	})

	t.Run("missing booking", func(t *testing.T) {
		_, err := svc.Get(ctx, customer, "missing")
		assert.ErrorIs(t, err, errors.ErrBookingNotFound)
	})
}

func TestService_Cancel(t *testing.T) {
	svc, _, canceller := newService()
	ctx := context.Background()

	b, err := svc.Create(ctx, customer, validInput())
	require.NoError(t, err)

	t.Run("stranger cannot cancel", func(t *testing.T) {
		stranger := auth.Identity{UserID: "cust-2", Role: auth.RoleCustomer}
		err := svc.Cancel(ctx, stranger, b.ID)
		assert.ErrorIs(t, err, errors.ErrForbidden)
		assert.Empty(t, canceller.cancelled)
	})

	t.Run("owner cancel cascades", func(t *testing.T) {
		require.NoError(t, svc.Cancel(ctx, customer, b.ID))
		assert.Equal(t, []string{b.ID}, canceller.cancelled)
	})
}
