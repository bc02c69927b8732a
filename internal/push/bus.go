// Package push implements the real-time bus: authenticated long-lived
// websocket connections, room-based fan-out, and the inbound actions the
// dispatch core recognizes.
package push

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/onhand/dispatch-core/internal/auth"
	"github.com/onhand/dispatch-core/internal/config"
	offer "github.com/onhand/dispatch-core/internal/offer/domain"
	"github.com/onhand/dispatch-core/internal/platform/log"
)

// AcceptResult is what an accept action reports back to the connection
type AcceptResult struct {
	Outcome   offer.AcceptOutcome
	BookingID string
}

// Actions is the inbound contract the bus delegates to. The acceptance
// resolver and provider projection sit behind it.
type Actions interface {
	OfferSeen(ctx context.Context, providerID, offerID string) error
	OfferAccept(ctx context.Context, providerID, offerID string) (AcceptResult, error)
	OfferDecline(ctx context.Context, providerID, offerID, reason string) error
	ProviderLocation(ctx context.Context, identity auth.Identity, orderID string, lat, lon float64, accuracy *float64) error
}

// Fanout relays room broadcasts across instances. Implementations publish
// the logical event; remote instances deliver it to their local subscribers.
type Fanout interface {
	Publish(ctx context.Context, room, eventType string, data interface{}) error
}

// Recorder persists an audit copy of outbound events. Payloads are opaque to
// the recorder; chat content riding the bus is never interpreted.
type Recorder interface {
	Record(ctx context.Context, room, eventType string, data interface{})
}

// Hub owns the connection table and room table. All mutations go through the
// hub mutex; per-connection I/O runs on each client's own goroutines.
type Hub struct {
	cfg      config.PushConfig
	verifier *auth.Verifier
	policy   *AccessPolicy
	actions  Actions
	logger   *zap.Logger
	clock    func() time.Time

	fanout   Fanout
	recorder Recorder

	mu          sync.RWMutex
	connections map[string]*Client // keyed by user id
	rooms       map[string]map[*Client]struct{}
	closed      bool

	ips      *ipTable
	upgrader websocket.Upgrader
}

// NewHub creates the push bus hub
func NewHub(cfg config.PushConfig, verifier *auth.Verifier, policy *AccessPolicy, actions Actions, logger *zap.Logger) *Hub {
	return &Hub{
		cfg:         cfg,
		verifier:    verifier,
		policy:      policy,
		actions:     actions,
		logger:      logger,
		clock:       time.Now,
		connections: make(map[string]*Client),
		rooms:       make(map[string]map[*Client]struct{}),
		ips:         newIPTable(cfg.MaxConnPerIP),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// SetFanout attaches a cross-instance relay
func (h *Hub) SetFanout(f Fanout) { h.fanout = f }

// SetActions attaches the inbound action handler. Must happen before the
// first connection is served; the hub and the resolver reference each other,
// so one side is wired late.
func (h *Hub) SetActions(a Actions) { h.actions = a }

// SetRecorder attaches an audit sink
func (h *Hub) SetRecorder(r Recorder) { h.recorder = r }

// ServeWS upgrades an HTTP request into a bus connection and runs the
// handshake. Blocks until the connection dies.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if !h.ips.acquire(ip) {
		h.logger.Warn("connection rejected, per-ip limit reached", zap.String("ip", ip))
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.ips.release(ip)
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := newClient(h, conn, ip)
	client.run(r.Context())
}

// register installs an authenticated client, displacing any prior connection
// for the same user
func (h *Hub) register(c *Client) {
	h.mu.Lock()
	prior := h.connections[c.identity.UserID]
	h.connections[c.identity.UserID] = c
	h.mu.Unlock()

	if prior != nil {
		prior.close(websocket.ClosePolicyViolation, "replaced")
	}

	// auto-subscriptions by role
	h.subscribe(c, RoomUser(c.identity.UserID))
	if c.identity.Role.IsProvider() {
		h.subscribe(c, RoomProviders)
	}
	if c.identity.Role == auth.RoleAdmin {
		h.subscribe(c, RoomAdmin)
	}
}

// unregister removes a client from the connection and room tables
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if h.connections[c.identity.UserID] == c {
		delete(h.connections, c.identity.UserID)
	}
	for room := range c.rooms {
		if members, ok := h.rooms[room]; ok {
			delete(members, c)
			if len(members) == 0 {
				delete(h.rooms, room)
			}
		}
	}
	h.mu.Unlock()
}

// subscribe adds a client to a room; joining twice yields one membership
func (h *Hub) subscribe(c *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*Client]struct{})
	}
	h.rooms[room][c] = struct{}{}
	c.rooms[room] = struct{}{}
}

// unsubscribe removes a client from a room
func (h *Hub) unsubscribe(c *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(c.rooms, room)
	if members, ok := h.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// Push broadcasts an event to every local subscriber of a room and relays it
// to other instances. Each recipient's frame carries a fresh message id.
// Delivery is best-effort: a full send buffer drops the frame for that
// recipient and the booking state remains the source of truth.
func (h *Hub) Push(ctx context.Context, room, eventType string, data interface{}) {
	h.deliverLocal(ctx, room, eventType, data)

	if h.fanout != nil {
		if err := h.fanout.Publish(ctx, room, eventType, data); err != nil {
			log.FromContext(ctx).Warn("push fanout failed",
				zap.String("room", room),
				zap.String("event", eventType),
				zap.Error(err),
			)
		}
	}

	if h.recorder != nil {
		h.recorder.Record(ctx, room, eventType, data)
	}
}

// DeliverLocal delivers a fanned-out event to local subscribers only; used
// by the fanout subscriber to avoid re-publishing loops.
func (h *Hub) DeliverLocal(ctx context.Context, room, eventType string, data interface{}) {
	h.deliverLocal(ctx, room, eventType, data)
}

func (h *Hub) deliverLocal(ctx context.Context, room, eventType string, data interface{}) {
	h.mu.RLock()
	members := make([]*Client, 0, len(h.rooms[room]))
	for c := range h.rooms[room] {
		members = append(members, c)
	}
	h.mu.RUnlock()

	for _, c := range members {
		c.send(Event{Type: eventType, Data: data})
	}
}

// PushUser is shorthand for pushing into a user's private room
func (h *Hub) PushUser(ctx context.Context, userID, eventType string, data interface{}) {
	h.Push(ctx, RoomUser(userID), eventType, data)
}

// ConnectionCount returns the number of authenticated connections
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// Shutdown closes every open connection with a server-shutting-down reason
// and stops accepting registrations
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	clients := make([]*Client, 0, len(h.connections))
	for _, c := range h.connections {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close(websocket.CloseGoingAway, "server-shutting-down")
	}
	return nil
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host := r.RemoteAddr
	for i := len(host) - 1; i >= 0; i-- {
		if host[i] == ':' {
			return host[:i]
		}
	}
	return host
}
