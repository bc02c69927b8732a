// Package dispatch implements the control plane that advances bookings
// through provider search: the periodic scanner, the per-booking lock table,
// and the wave/radius actions.
package dispatch

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	booking "github.com/onhand/dispatch-core/internal/booking/domain"
	"github.com/onhand/dispatch-core/internal/config"
	"github.com/onhand/dispatch-core/internal/events"
	"github.com/onhand/dispatch-core/internal/geo"
	offer "github.com/onhand/dispatch-core/internal/offer/domain"
	"github.com/onhand/dispatch-core/internal/platform/log"
	provider "github.com/onhand/dispatch-core/internal/provider/domain"
	"github.com/onhand/dispatch-core/internal/push"
	"github.com/onhand/dispatch-core/internal/voice"
)

var tracer = otel.Tracer("dispatch-loop")

// Notifier is the push surface the dispatcher needs. Satisfied by push.Hub.
type Notifier interface {
	Push(ctx context.Context, room, eventType string, data interface{})
}

// Dispatcher is the single logical loop that ticks every DISPATCH_TICK and
// advances every booking that needs attention. All state it relies on lives
// in the stores; a restarted process reconstructs everything on its first
// tick.
type Dispatcher struct {
	cfg       config.DispatchConfig
	bookings  booking.Repository
	offers    offer.Repository
	providers provider.Repository
	index     *geo.Index
	notifier  Notifier
	voice     *voice.Gateway
	events    *events.Publisher
	locks     *LockTable
	metrics   *Metrics
	logger    *zap.Logger

	// clock returns wall-clock time for storage timestamps; the tick
	// interval itself rides the runtime's monotonic timer
	clock func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewDispatcher wires the loop
func NewDispatcher(
	cfg config.DispatchConfig,
	bookings booking.Repository,
	offers offer.Repository,
	providers provider.Repository,
	index *geo.Index,
	notifier Notifier,
	voiceGateway *voice.Gateway,
	publisher *events.Publisher,
	locks *LockTable,
	metrics *Metrics,
	logger *zap.Logger,
	clock func() time.Time,
) *Dispatcher {
	if clock == nil {
		clock = time.Now
	}
	return &Dispatcher{
		cfg:       cfg,
		bookings:  bookings,
		offers:    offers,
		providers: providers,
		index:     index,
		notifier:  notifier,
		voice:     voiceGateway,
		events:    publisher,
		locks:     locks,
		metrics:   metrics,
		logger:    logger,
		clock:     clock,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Run ticks until Shutdown is called or the context dies. Ticks never
// overlap: each one completes before the next fires.
func (d *Dispatcher) Run(ctx context.Context) {
	defer close(d.done)

	ticker := time.NewTicker(d.cfg.Tick)
	defer ticker.Stop()

	d.logger.Info("dispatcher started",
		zap.Duration("tick", d.cfg.Tick),
		zap.Int("parallelism", d.cfg.Parallelism),
	)

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		case <-ticker.C:
			d.Tick(ctx)
		}
	}
}

// Shutdown stops the loop and waits for the in-flight tick to drain
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.stopOnce.Do(func() { close(d.stop) })
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Tick performs one pass: reap expired offers, scan bookings needing
// attention, and run the per-booking actions through the worker pool. A
// store failure skips the tick; nothing in memory is mutated and the next
// tick retries.
func (d *Dispatcher) Tick(ctx context.Context) {
	started := time.Now()
	ctx, span := tracer.Start(ctx, "dispatch.tick")
	defer span.End()
	defer func() {
		d.metrics.TickDuration.Observe(time.Since(started).Seconds())
	}()

	now := d.clock()
	ctx = log.WithLogger(ctx, d.logger)

	if err := d.reapExpired(ctx, now); err != nil {
		d.logger.Warn("tick skipped, offer reap failed", zap.Error(err))
		return
	}

	due, err := d.bookings.ListNeedingAttention(ctx, now, d.cfg.LeadTime)
	if err != nil {
		d.logger.Warn("tick skipped, booking scan failed", zap.Error(err))
		return
	}
	if len(due) == 0 {
		return
	}

	span.SetAttributes(attribute.Int("bookings.due", len(due)))

	// bounded fan-out; per-booking serialization comes from the lock table
	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(d.cfg.Parallelism)
	for _, b := range due {
		b := b
		group.Go(func() error {
			d.processBooking(ctx, b.ID)
			return nil
		})
	}
	_ = group.Wait()
}

// reapExpired expires due offers and propagates the per-offer side effects
func (d *Dispatcher) reapExpired(ctx context.Context, now time.Time) error {
	expired, err := d.offers.ExpireDue(ctx, now)
	if err != nil {
		return err
	}

	for _, o := range expired {
		d.metrics.OffersExpired.Inc()
		if _, err := d.bookings.AdjustPendingOffers(ctx, o.BookingID, -1); err != nil {
			d.logger.Warn("pending offer decrement failed",
				zap.String("booking_id", o.BookingID),
				zap.Error(err),
			)
		}
		d.notifier.Push(ctx, push.RoomUser(o.ProviderID), push.EventOfferExpired, push.OfferExpiredData{
			OfferID:   o.ID,
			BookingID: o.BookingID,
			Reason:    "expired",
		})
		d.events.Publish(ctx, "offer.expired", map[string]interface{}{
			"booking_id":  o.BookingID,
			"offer_id":    o.ID,
			"provider_id": o.ProviderID,
		})
	}
	return nil
}

// processBooking re-reads the booking under its lock and runs the action it
// needs. The re-read matters: an acceptance may have landed between the scan
// and this call.
func (d *Dispatcher) processBooking(ctx context.Context, bookingID string) {
	release := d.locks.Acquire(bookingID)
	defer release()

	ctx, span := tracer.Start(ctx, "dispatch.process_booking",
		trace.WithAttributes(attribute.String("booking.id", bookingID)))
	defer span.End()

	b, err := d.bookings.Get(ctx, bookingID)
	if err != nil {
		d.logger.Warn("booking re-read failed", zap.String("booking_id", bookingID), zap.Error(err))
		return
	}

	now := d.clock()
	switch {
	case b.Status == booking.StatusPending && b.DueForDispatch(now, d.cfg.LeadTime):
		d.initialMatching(ctx, b, now)

	case b.Status == booking.StatusProviderSearch && b.MatchingExpired(now):
		d.globalTimeout(ctx, b)

	case b.Status == booking.StatusProviderSearch && b.PendingOfferCount == 0:
		if b.SearchRadiusKm >= d.cfg.MaxRadiusKm {
			d.exhausted(ctx, b)
		} else {
			d.expandRadius(ctx, b, now)
		}
	}
}
