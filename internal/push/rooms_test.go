package push

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onhand/dispatch-core/internal/auth"
	bookingdomain "github.com/onhand/dispatch-core/internal/booking/domain"
	bookingmemory "github.com/onhand/dispatch-core/internal/booking/repository/memory"
	offerdomain "github.com/onhand/dispatch-core/internal/offer/domain"
	offermemory "github.com/onhand/dispatch-core/internal/offer/repository/memory"
)

func TestRoomNames(t *testing.T) {
	assert.Equal(t, "user:u-1", RoomUser("u-1"))
	assert.Equal(t, "order:b-1", RoomOrder("b-1"))

	id, ok := OrderIDFromRoom("order:b-1")
	assert.True(t, ok)
	assert.Equal(t, "b-1", id)

	_, ok = OrderIDFromRoom("user:u-1")
	assert.False(t, ok)
}

func newPolicyHarness(t *testing.T) (*AccessPolicy, *bookingmemory.BookingRepository, *offermemory.OfferRepository, string) {
	t.Helper()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	bookings := bookingmemory.NewBookingRepository(func() time.Time { return now })
	offers := offermemory.NewOfferRepository(func() time.Time { return now })

	bookingID, err := bookings.Create(context.Background(), bookingdomain.Booking{
		CustomerID:  "cust-1",
		ServiceKind: "electrician",
		Kind:        bookingdomain.KindInstant,
		Status:      bookingdomain.StatusProviderSearch,
	})
	require.NoError(t, err)

	return NewAccessPolicy(bookings, offers), bookings, offers, bookingID
}

func TestAccessPolicy_UserRoom(t *testing.T) {
	policy, _, _, _ := newPolicyHarness(t)
	ctx := context.Background()

	me := auth.Identity{UserID: "u-1", Role: auth.RoleCustomer}
	assert.True(t, policy.CanJoin(ctx, me, "user:u-1"))
	assert.False(t, policy.CanJoin(ctx, me, "user:u-2"))
}

func TestAccessPolicy_SharedRooms(t *testing.T) {
	policy, _, _, _ := newPolicyHarness(t)
	ctx := context.Background()

	provider := auth.Identity{UserID: "p-1", Role: auth.RoleServiceProvider}
	customer := auth.Identity{UserID: "c-1", Role: auth.RoleCustomer}
	admin := auth.Identity{UserID: "a-1", Role: auth.RoleAdmin}

	assert.True(t, policy.CanJoin(ctx, provider, RoomProviders))
	assert.False(t, policy.CanJoin(ctx, customer, RoomProviders))

	assert.True(t, policy.CanJoin(ctx, admin, RoomAdmin))
	assert.False(t, policy.CanJoin(ctx, provider, RoomAdmin))
}

func TestAccessPolicy_OrderRoom(t *testing.T) {
	policy, bookings, offers, bookingID := newPolicyHarness(t)
	ctx := context.Background()
	room := RoomOrder(bookingID)

	customer := auth.Identity{UserID: "cust-1", Role: auth.RoleCustomer}
	stranger := auth.Identity{UserID: "cust-2", Role: auth.RoleCustomer}
	admin := auth.Identity{UserID: "a-1", Role: auth.RoleAdmin}
	offered := auth.Identity{UserID: "p-offered", Role: auth.RoleServiceProvider}
	outsider := auth.Identity{UserID: "p-outside", Role: auth.RoleServiceProvider}

	assert.True(t, policy.CanJoin(ctx, customer, room))
	assert.False(t, policy.CanJoin(ctx, stranger, room))
	assert.True(t, policy.CanJoin(ctx, admin, room))

	// a provider holding a live offer may join
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	_, err := offers.Create(ctx, offerdomain.CreateParams{
		BookingID:  bookingID,
		ProviderID: "p-offered",
		CreatedAt:  now,
		TTL:        5 * time.Minute,
	})
	require.NoError(t, err)
	assert.True(t, policy.CanJoin(ctx, offered, room))
	assert.False(t, policy.CanJoin(ctx, outsider, room))

	// once the booking is assigned elsewhere, the losing provider's
	// membership dies on the next access check
	winner := "p-winner"
	status := bookingdomain.StatusAssigned
	method := bookingdomain.AssignmentAccepted
	zero := 0
	_, err = bookings.Update(ctx, bookingID, bookingdomain.Patch{
		Status:                &status,
		AssignedProviderID:    &winner,
		AssignmentMethod:      &method,
		ClearMatchingDeadline: true,
		PendingOfferCount:     &zero,
	})
	require.NoError(t, err)
	_, err = offers.CancelForBooking(ctx, bookingID)
	require.NoError(t, err)

	assert.False(t, policy.CanJoin(ctx, offered, room))
	assert.True(t, policy.CanJoin(ctx, auth.Identity{UserID: winner, Role: auth.RoleServiceProvider}, room))

	// the unknown order room denies everyone but admins
	assert.False(t, policy.CanJoin(ctx, customer, RoomOrder("missing")))
}
