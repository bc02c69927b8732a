package push

import (
	"context"
	"strings"

	"github.com/onhand/dispatch-core/internal/auth"
	booking "github.com/onhand/dispatch-core/internal/booking/domain"
	offer "github.com/onhand/dispatch-core/internal/offer/domain"
)

// Well-known rooms
const (
	RoomProviders = "providers"
	RoomAdmin     = "admin"

	userRoomPrefix  = "user:"
	orderRoomPrefix = "order:"
)

// RoomUser returns the private room of one user
func RoomUser(userID string) string {
	return userRoomPrefix + userID
}

// RoomOrder returns the shared room of one booking
func RoomOrder(bookingID string) string {
	return orderRoomPrefix + bookingID
}

// OrderIDFromRoom extracts the booking id from an order room name
func OrderIDFromRoom(room string) (string, bool) {
	if strings.HasPrefix(room, orderRoomPrefix) {
		return strings.TrimPrefix(room, orderRoomPrefix), true
	}
	return "", false
}

// AccessPolicy validates room joins and order-scoped actions against the
// current booking row. Permissions are re-checked on every access attempt,
// so a losing provider's order-room membership dies on its next use.
type AccessPolicy struct {
	bookings booking.Repository
	offers   offer.Repository
}

// NewAccessPolicy creates the room access policy
func NewAccessPolicy(bookings booking.Repository, offers offer.Repository) *AccessPolicy {
	return &AccessPolicy{bookings: bookings, offers: offers}
}

// CanJoin reports whether the identity may subscribe to the room
func (p *AccessPolicy) CanJoin(ctx context.Context, identity auth.Identity, room string) bool {
	switch {
	case strings.HasPrefix(room, userRoomPrefix):
		return room == RoomUser(identity.UserID)

	case room == RoomProviders:
		return identity.Role.IsProvider()

	case room == RoomAdmin:
		return identity.Role == auth.RoleAdmin

	case strings.HasPrefix(room, orderRoomPrefix):
		bookingID, _ := OrderIDFromRoom(room)
		return p.canAccessOrder(ctx, identity, bookingID)
	}

	return false
}

// canAccessOrder allows the booking's customer, its assigned provider, any
// provider currently holding a live offer for it, and admins
func (p *AccessPolicy) canAccessOrder(ctx context.Context, identity auth.Identity, bookingID string) bool {
	if identity.Role == auth.RoleAdmin {
		return true
	}

	b, err := p.bookings.Get(ctx, bookingID)
	if err != nil {
		return false
	}

	if b.CustomerID == identity.UserID {
		return true
	}

	if !identity.Role.IsProvider() {
		return false
	}

	if b.AssignedProviderID != nil && *b.AssignedProviderID == identity.UserID {
		return true
	}

	active, err := p.offers.ListActive(ctx, bookingID)
	if err != nil {
		return false
	}
	for _, o := range active {
		if o.ProviderID == identity.UserID {
			return true
		}
	}
	return false
}
