package push

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event type names, server → client
const (
	EventHello            = "hello"
	EventAuthOK           = "auth.ok"
	EventAuthFailed       = "auth.failed"
	EventError            = "error"
	EventPong             = "pong"
	EventRoomJoined       = "room.joined"
	EventRoomAccessDenied = "room.access_denied"

	EventOfferNew       = "offer.new"
	EventOfferExpired   = "offer.expired"
	EventMatchingStarted        = "matching.started"
	EventMatchingRadiusExpanded = "matching.radius_expanded"
	EventMatchingExpired        = "matching.expired"
	EventBookingAssigned        = "booking.assigned"
	EventOrderStatus            = "order.status"
	EventProviderLocation       = "provider.location"
)

// Inbound type names, client → server
const (
	TypeAuth             = "auth"
	TypeJoinRoom         = "join_room"
	TypeLeaveRoom        = "leave_room"
	TypeOrderSubscribe   = "order.subscribe"
	TypeOrderUnsubscribe = "order.unsubscribe"
	TypeOfferAck         = "offer.ack"
	TypeOfferAccept      = "offer.accept"
	TypeOfferDecline     = "offer.decline"
	TypeProviderLocation = "provider.location"
	TypePing             = "ping"
)

// Frame is the single wire envelope. Every frame, in either direction, is
// one JSON text payload of this shape.
type Frame struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
	MessageID string          `json:"messageId,omitempty"`
}

// Event is an outbound frame before encoding. MessageID is fresh per
// recipient: the same logical event broadcast to multiple recipients shares
// no id, so client-side dedupe stays per-connection.
type Event struct {
	Type string
	Data interface{}
}

// Encode renders the event as a wire frame with a fresh message id
func (e Event) Encode(now time.Time) ([]byte, error) {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{
		Type:      e.Type,
		Data:      data,
		Timestamp: now.UnixMilli(),
		MessageID: uuid.New().String(),
	})
}

// Inbound payload shapes

type authPayload struct {
	Token string `json:"token"`
}

type roomPayload struct {
	RoomID string `json:"roomId"`
}

type orderPayload struct {
	OrderID string `json:"orderId"`
}

type offerAckPayload struct {
	OfferID string `json:"offerId"`
}

type offerAcceptPayload struct {
	OfferID string `json:"offerId"`
}

type offerDeclinePayload struct {
	OfferID string `json:"offerId"`
	Reason  string `json:"reason"`
}

type locationPayload struct {
	OrderID  string   `json:"orderId"`
	Lat      float64  `json:"lat"`
	Lon      float64  `json:"lon"`
	Accuracy *float64 `json:"accuracy,omitempty"`
}

// Outbound payload shapes

// HelloData opens the handshake
type HelloData struct {
	AuthRequired  bool  `json:"authRequired"`
	AuthTimeoutMs int64 `json:"authTimeoutMs"`
}

// AuthOKData confirms a successful handshake
type AuthOKData struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
	Email  string `json:"email"`
}

// AuthFailedData reports a failed handshake
type AuthFailedData struct {
	Message string `json:"message"`
}

// ErrorData is the generic inbound-rejection payload
type ErrorData struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// RoomJoinedData confirms a room subscription
type RoomJoinedData struct {
	RoomID string `json:"roomId"`
}

// RoomAccessDeniedData reports a rejected join
type RoomAccessDeniedData struct {
	RoomID  string `json:"roomId"`
	Message string `json:"message"`
}

// OfferNewData announces a fresh offer to a provider
type OfferNewData struct {
	OfferID     string  `json:"offerId"`
	BookingID   string  `json:"bookingId"`
	ServiceKind string  `json:"serviceKind"`
	Location    OfferLocation `json:"location"`
	Price       string  `json:"price"`
	Urgency     string  `json:"urgency"`
	ExpiresAt   int64   `json:"expiresAt"`
	DistanceKm  float64 `json:"distanceKm"`
	TravelMin   int     `json:"travelMin"`
}

// OfferLocation is the booking location as pushed to providers
type OfferLocation struct {
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	Address string  `json:"address"`
}

// OfferExpiredData tells a provider an offer is gone
type OfferExpiredData struct {
	OfferID   string `json:"offerId"`
	BookingID string `json:"bookingId"`
	Reason    string `json:"reason"`
}

// MatchingStartedData tells the customer dispatch has begun
type MatchingStartedData struct {
	BookingID     string  `json:"bookingId"`
	ProviderCount int     `json:"providerCount"`
	RadiusKm      float64 `json:"radiusKm"`
	Wave          int     `json:"wave"`
	DeadlineAt    int64   `json:"deadlineAt"`
}

// MatchingRadiusExpandedData tells the customer the search widened
type MatchingRadiusExpandedData struct {
	BookingID   string  `json:"bookingId"`
	NewRadiusKm float64 `json:"newRadiusKm"`
	Wave        int     `json:"wave"`
}

// MatchingExpiredData tells the customer the search ended without a match
type MatchingExpiredData struct {
	BookingID string   `json:"bookingId"`
	Reason    string   `json:"reason"`
	NextSteps []string `json:"nextSteps"`
}

// BookingAssignedData tells the customer a provider took the job
type BookingAssignedData struct {
	BookingID    string `json:"bookingId"`
	ProviderID   string `json:"providerId"`
	ProviderName string `json:"providerName"`
	EtaMin       int    `json:"etaMin"`
}

// OrderStatusData carries order lifecycle updates into the order room
type OrderStatusData struct {
	BookingID string `json:"bookingId"`
	Status    string `json:"status"`
	Notes     string `json:"notes,omitempty"`
	UpdatedAt int64  `json:"updatedAt"`
	By        string `json:"by"`
}

// ProviderLocationData shares a provider position into the order room
type ProviderLocationData struct {
	BookingID  string   `json:"bookingId"`
	ProviderID string   `json:"providerId"`
	Lat        float64  `json:"lat"`
	Lon        float64  `json:"lon"`
	Accuracy   *float64 `json:"accuracy,omitempty"`
}
