// Package voice adapts the dispatch core to the external voice notifier.
// The gateway screens every call request against the provider's preferences
// before it is queued; a dropped call is logged, never queued. Retry and
// backoff beyond the queue are the notifier's own concern.
package voice

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	booking "github.com/onhand/dispatch-core/internal/booking/domain"
	"github.com/onhand/dispatch-core/internal/platform/log"
	provider "github.com/onhand/dispatch-core/internal/provider/domain"
)

// CallRequest is the per-offer contract submitted to the voice notifier
type CallRequest struct {
	ProviderID     string          `json:"provider_id"`
	PhoneNumber    string          `json:"phone_number"`
	BookingID      string          `json:"booking_id"`
	OfferID        string          `json:"offer_id"`
	Urgency        booking.Urgency `json:"urgency"`
	CustomerName   string          `json:"customer_name"`
	ServiceKind    string          `json:"service_kind"`
	EstimatedPrice decimal.Decimal `json:"estimated_price"`
	ExpiresAt      time.Time       `json:"expires_at"`
	Language       string          `json:"language"`
}

// Queue is the transport behind the gateway. The AMQP implementation is the
// production one; tests use the in-memory queue.
type Queue interface {
	Enqueue(ctx context.Context, req CallRequest) error
	PurgeBooking(ctx context.Context, bookingID string) (int, error)
}

// Gateway screens and submits call requests
type Gateway struct {
	queue Queue
	clock func() time.Time

	mu    sync.Mutex
	calls map[string][]time.Time // providerID → submission times, sliding hour
}

// NewGateway creates the voice notifier gateway
func NewGateway(queue Queue, clock func() time.Time) *Gateway {
	if clock == nil {
		clock = time.Now
	}
	return &Gateway{
		queue: queue,
		clock: clock,
		calls: make(map[string][]time.Time),
	}
}

// DropReason explains why a call was screened out
type DropReason string

const (
	DropNone         DropReason = ""
	DropCallsOff     DropReason = "calls-disabled"
	DropQuietHours   DropReason = "quiet-hours"
	DropRateExceeded DropReason = "max-calls-per-hour"
	DropBelowUrgency DropReason = "below-urgency-threshold"
)

// Screen applies the provider's preferences to a prospective call. Quiet
// hours are bypassed only when the booking urgency clears the provider's
// threshold at the urgent level; otherwise urgency is checked against the
// declared minimum.
func (g *Gateway) Screen(prefs provider.VoicePreferences, urgency booking.Urgency, at time.Time) DropReason {
	if !prefs.CallsEnabled {
		return DropCallsOff
	}

	minUrgency := booking.Urgency(prefs.MinUrgency)
	if !minUrgency.Valid() {
		minUrgency = booking.UrgencyLow
	}
	if urgency.Rank() < minUrgency.Rank() {
		return DropBelowUrgency
	}

	if prefs.InQuietHours(at) && urgency != booking.UrgencyUrgent {
		return DropQuietHours
	}

	return DropNone
}

// Submit screens the request and enqueues it when every preference allows.
// Submission failures are logged and swallowed: the offer remains valid and
// the provider still sees it on the push bus.
func (g *Gateway) Submit(ctx context.Context, req CallRequest, prefs provider.VoicePreferences) {
	logger := log.FromContext(ctx).With(
		zap.String("booking_id", req.BookingID),
		zap.String("offer_id", req.OfferID),
		zap.String("provider_id", req.ProviderID),
	)

	now := g.clock()
	if reason := g.Screen(prefs, req.Urgency, now); reason != DropNone {
		logger.Info("voice call dropped", zap.String("reason", string(reason)))
		return
	}

	if prefs.MaxCallsPerHour > 0 && !g.reserveCall(req.ProviderID, prefs.MaxCallsPerHour, now) {
		logger.Info("voice call dropped", zap.String("reason", string(DropRateExceeded)))
		return
	}

	if err := g.queue.Enqueue(ctx, req); err != nil {
		logger.Warn("voice call submission failed", zap.Error(err))
	}
}

// CancelForBooking drops unsent call attempts for the booking. In-flight
// attempts complete on the notifier side.
func (g *Gateway) CancelForBooking(ctx context.Context, bookingID string) {
	purged, err := g.queue.PurgeBooking(ctx, bookingID)
	if err != nil {
		log.FromContext(ctx).Warn("voice call purge failed",
			zap.String("booking_id", bookingID),
			zap.Error(err),
		)
		return
	}
	if purged > 0 {
		log.FromContext(ctx).Info("voice calls purged",
			zap.String("booking_id", bookingID),
			zap.Int("count", purged),
		)
	}
}

// reserveCall enforces the per-provider hourly cap over a sliding window
func (g *Gateway) reserveCall(providerID string, max int, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	cutoff := now.Add(-time.Hour)
	recent := g.calls[providerID][:0]
	for _, t := range g.calls[providerID] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= max {
		g.calls[providerID] = recent
		return false
	}

	g.calls[providerID] = append(recent, now)
	return true
}
