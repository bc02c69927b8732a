package push

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/onhand/dispatch-core/internal/auth"
	"github.com/onhand/dispatch-core/internal/geo"
	offer "github.com/onhand/dispatch-core/internal/offer/domain"
)

// Client is one authenticated bus connection: a reader goroutine, a writer
// goroutine, and the room set it is subscribed to.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	ip   string

	identity auth.Identity
	rooms    map[string]struct{}

	outbound  chan []byte
	done      chan struct{}
	closeOnce sync.Once
	limiter   *msgLimiter
}

func newClient(h *Hub, conn *websocket.Conn, ip string) *Client {
	return &Client{
		hub:      h,
		conn:     conn,
		ip:       ip,
		rooms:    make(map[string]struct{}),
		outbound: make(chan []byte, h.cfg.SendBuffer),
		done:     make(chan struct{}),
		limiter:  newMsgLimiter(h.cfg.MaxMessagesPerMin),
	}
}

// run performs the handshake and then pumps messages until the connection
// dies. Runs on the HTTP handler goroutine.
func (c *Client) run(ctx context.Context) {
	defer c.hub.ips.release(c.ip)
	defer c.conn.Close()

	// a read slightly past the limit is reported as too large instead of
	// tearing the connection down mid-frame
	c.conn.SetReadLimit(c.hub.cfg.MaxFrameBytes * 2)

	if !c.handshake(ctx) {
		return
	}

	c.hub.mu.RLock()
	closed := c.hub.closed
	c.hub.mu.RUnlock()
	if closed {
		c.close(websocket.CloseGoingAway, "server-shutting-down")
		return
	}

	c.hub.register(c)
	defer c.hub.unregister(c)

	c.sendEvent(EventAuthOK, AuthOKData{
		UserID: c.identity.UserID,
		Role:   string(c.identity.Role),
		Email:  c.identity.Email,
	})

	go c.writePump()
	c.readPump(ctx)
}

// handshake sends hello and waits for a valid auth frame within the timeout
func (c *Client) handshake(ctx context.Context) bool {
	hello := Event{Type: EventHello, Data: HelloData{
		AuthRequired:  true,
		AuthTimeoutMs: c.hub.cfg.AuthTimeout.Milliseconds(),
	}}
	if err := c.writeNow(hello); err != nil {
		return false
	}

	_ = c.conn.SetReadDeadline(c.hub.clock().Add(c.hub.cfg.AuthTimeout))
	_, payload, err := c.conn.ReadMessage()
	if err != nil {
		return false
	}

	var frame Frame
	if err := json.Unmarshal(payload, &frame); err != nil || frame.Type != TypeAuth {
		_ = c.writeNow(Event{Type: EventAuthFailed, Data: AuthFailedData{Message: "expected auth frame"}})
		return false
	}

	var body authPayload
	if err := json.Unmarshal(frame.Data, &body); err != nil {
		_ = c.writeNow(Event{Type: EventAuthFailed, Data: AuthFailedData{Message: "malformed auth payload"}})
		return false
	}

	claims, err := c.hub.verifier.Verify(body.Token)
	if err != nil {
		_ = c.writeNow(Event{Type: EventAuthFailed, Data: AuthFailedData{Message: "invalid token"}})
		return false
	}

	c.identity = claims.Identity()
	return true
}

// readPump reads inbound frames until the connection dies. The read deadline
// doubles as the heartbeat: pongs (and any inbound frame) push it forward.
func (c *Client) readPump(ctx context.Context) {
	resetDeadline := func() {
		_ = c.conn.SetReadDeadline(c.hub.clock().Add(c.hub.cfg.PongTimeout))
	}
	resetDeadline()
	c.conn.SetPongHandler(func(string) error {
		resetDeadline()
		return nil
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		resetDeadline()

		if int64(len(payload)) > c.hub.cfg.MaxFrameBytes {
			c.sendEvent(EventError, ErrorData{Message: "frame too large", Code: "tooLarge"})
			continue
		}

		ok, fatal := c.limiter.allow()
		if fatal {
			c.close(websocket.ClosePolicyViolation, "rate-limit")
			return
		}
		if !ok {
			c.sendEvent(EventError, ErrorData{Message: "too many messages", Code: "rateLimited"})
			continue
		}

		c.handleFrame(ctx, payload)
	}
}

// writePump flushes outbound frames and drives the low-level ping cycle
func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame, ok := <-c.outbound:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(c.hub.clock().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(c.hub.clock().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// handleFrame dispatches one inbound frame by its type tag. Unknown types
// are rejected, never silently accepted.
func (c *Client) handleFrame(ctx context.Context, payload []byte) {
	var frame Frame
	if err := json.Unmarshal(payload, &frame); err != nil {
		c.sendEvent(EventError, ErrorData{Message: "malformed frame", Code: "invalidInput"})
		return
	}

	switch frame.Type {
	case TypePing:
		c.sendEvent(EventPong, struct{}{})

	case TypeJoinRoom:
		var body roomPayload
		if !c.decode(frame.Data, &body) {
			return
		}
		c.joinRoom(ctx, body.RoomID)

	case TypeLeaveRoom:
		var body roomPayload
		if !c.decode(frame.Data, &body) {
			return
		}
		c.hub.unsubscribe(c, body.RoomID)

	case TypeOrderSubscribe:
		var body orderPayload
		if !c.decode(frame.Data, &body) {
			return
		}
		c.joinRoom(ctx, RoomOrder(body.OrderID))

	case TypeOrderUnsubscribe:
		var body orderPayload
		if !c.decode(frame.Data, &body) {
			return
		}
		c.hub.unsubscribe(c, RoomOrder(body.OrderID))

	case TypeOfferAck:
		var body offerAckPayload
		if !c.decode(frame.Data, &body) {
			return
		}
		if !c.requireProvider() {
			return
		}
		if err := c.hub.actions.OfferSeen(ctx, c.identity.UserID, body.OfferID); err != nil {
			c.sendDomainError(err)
		}

	case TypeOfferAccept:
		var body offerAcceptPayload
		if !c.decode(frame.Data, &body) {
			return
		}
		if !c.requireProvider() {
			return
		}
		c.handleAccept(ctx, body.OfferID)

	case TypeOfferDecline:
		var body offerDeclinePayload
		if !c.decode(frame.Data, &body) {
			return
		}
		if !c.requireProvider() {
			return
		}
		if err := c.hub.actions.OfferDecline(ctx, c.identity.UserID, body.OfferID, body.Reason); err != nil {
			c.sendDomainError(err)
		}

	case TypeProviderLocation:
		var body locationPayload
		if !c.decode(frame.Data, &body) {
			return
		}
		if !c.requireProvider() {
			return
		}
		if !geo.ValidCoordinates(body.Lat, body.Lon) {
			c.sendEvent(EventError, ErrorData{Message: "coordinates out of range", Code: "invalidInput"})
			return
		}
		if err := c.hub.actions.ProviderLocation(ctx, c.identity, body.OrderID, body.Lat, body.Lon, body.Accuracy); err != nil {
			c.sendDomainError(err)
		}

	default:
		c.sendEvent(EventError, ErrorData{Message: "unknown message type", Code: "unknownType"})
	}
}

// handleAccept runs the accept action and reports the outcome back on this
// connection
func (c *Client) handleAccept(ctx context.Context, offerID string) {
	result, err := c.hub.actions.OfferAccept(ctx, c.identity.UserID, offerID)
	if err != nil {
		c.sendDomainError(err)
		return
	}

	switch result.Outcome {
	case offer.AcceptAccepted:
		c.sendEvent(EventOrderStatus, OrderStatusData{
			BookingID: result.BookingID,
			Status:    "assigned",
			UpdatedAt: c.hub.clock().UnixMilli(),
			By:        c.identity.UserID,
		})
	case offer.AcceptAlreadyAssigned:
		c.sendEvent(EventError, ErrorData{Message: "booking already assigned", Code: "alreadyAssigned"})
	case offer.AcceptExpired:
		c.sendEvent(EventError, ErrorData{Message: "offer expired", Code: "expired"})
	default:
		c.sendEvent(EventError, ErrorData{Message: "offer not found", Code: "notFound"})
	}
}

// joinRoom re-validates access on every attempt
func (c *Client) joinRoom(ctx context.Context, room string) {
	if !c.hub.policy.CanJoin(ctx, c.identity, room) {
		c.sendEvent(EventRoomAccessDenied, RoomAccessDeniedData{
			RoomID:  room,
			Message: "access denied",
		})
		return
	}
	c.hub.subscribe(c, room)
	c.sendEvent(EventRoomJoined, RoomJoinedData{RoomID: room})
}

func (c *Client) requireProvider() bool {
	if c.identity.Role.IsProvider() {
		return true
	}
	c.sendEvent(EventError, ErrorData{Message: "provider role required", Code: "forbidden"})
	return false
}

func (c *Client) decode(data json.RawMessage, v interface{}) bool {
	if err := json.Unmarshal(data, v); err != nil {
		c.sendEvent(EventError, ErrorData{Message: "malformed payload", Code: "invalidInput"})
		return false
	}
	return true
}

// send queues an event for delivery. A full buffer drops the frame; clients
// reconcile via snapshots on reconnect.
func (c *Client) send(event Event) {
	frame, err := event.Encode(c.hub.clock())
	if err != nil {
		c.hub.logger.Error("event encode failed", zap.String("type", event.Type), zap.Error(err))
		return
	}
	select {
	case c.outbound <- frame:
	default:
		c.hub.logger.Warn("send buffer full, dropping frame",
			zap.String("user_id", c.identity.UserID),
			zap.String("type", event.Type),
		)
	}
}

func (c *Client) sendEvent(eventType string, data interface{}) {
	c.send(Event{Type: eventType, Data: data})
}

func (c *Client) sendDomainError(err error) {
	c.sendEvent(EventError, ErrorData{Message: err.Error()})
}

// writeNow writes synchronously; only used before the write pump starts
func (c *Client) writeNow(event Event) error {
	frame, err := event.Encode(c.hub.clock())
	if err != nil {
		return err
	}
	_ = c.conn.SetWriteDeadline(c.hub.clock().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

// close sends a close frame and tears the connection down
func (c *Client) close(code int, reason string) {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.conn.SetWriteDeadline(c.hub.clock().Add(2 * time.Second))
		_ = c.conn.WriteMessage(websocket.CloseMessage, msg)
		close(c.done)
		_ = c.conn.Close()
	})
}
