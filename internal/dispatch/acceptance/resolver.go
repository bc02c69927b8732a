// Package acceptance resolves provider responses to offers. Accept is the
// critical section: exactly-once assignment under contention, enforced by a
// serializable transaction over the booking and offer stores plus a bounded
// retry loop.
package acceptance

import (
	"context"
	stderrors "errors"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/onhand/dispatch-core/internal/auth"
	booking "github.com/onhand/dispatch-core/internal/booking/domain"
	"github.com/onhand/dispatch-core/internal/dispatch"
	"github.com/onhand/dispatch-core/internal/events"
	"github.com/onhand/dispatch-core/internal/geo"
	offer "github.com/onhand/dispatch-core/internal/offer/domain"
	"github.com/onhand/dispatch-core/internal/platform/errors"
	provider "github.com/onhand/dispatch-core/internal/provider/domain"
	"github.com/onhand/dispatch-core/internal/push"
	"github.com/onhand/dispatch-core/internal/storage"
	"github.com/onhand/dispatch-core/internal/voice"
)

var tracer = otel.Tracer("acceptance-resolver")

// Resolver handles accept, decline, and seen
type Resolver struct {
	tx        storage.TxManager
	bookings  booking.Repository
	offers    offer.Repository
	providers provider.Repository
	notifier  dispatch.Notifier
	voice     *voice.Gateway
	events    *events.Publisher
	locks     *dispatch.LockTable
	metrics   *dispatch.Metrics
	logger    *zap.Logger
	clock     func() time.Time
	retryMax  int
}

// NewResolver wires the acceptance resolver
func NewResolver(
	tx storage.TxManager,
	bookings booking.Repository,
	offers offer.Repository,
	providers provider.Repository,
	notifier dispatch.Notifier,
	voiceGateway *voice.Gateway,
	publisher *events.Publisher,
	locks *dispatch.LockTable,
	metrics *dispatch.Metrics,
	logger *zap.Logger,
	clock func() time.Time,
	retryMax int,
) *Resolver {
	if clock == nil {
		clock = time.Now
	}
	if retryMax < 1 {
		retryMax = 1
	}
	return &Resolver{
		tx:        tx,
		bookings:  bookings,
		offers:    offers,
		providers: providers,
		notifier:  notifier,
		voice:     voiceGateway,
		events:    publisher,
		locks:     locks,
		metrics:   metrics,
		logger:    logger,
		clock:     clock,
		retryMax:  retryMax,
	}
}

// acceptOutcome carries the transaction's terminal result out of the closure
type acceptOutcome struct {
	result    offer.AcceptOutcome
	bookingID string
	winning   offer.Offer
	losers    []offer.Offer
}

// errOutcomeDecided aborts the transaction once a non-accepted terminal
// result is known; the outcome itself travels in the acceptOutcome struct
var errOutcomeDecided = stderrors.New("accept outcome decided")

// Accept resolves one provider accept request. Returns the terminal outcome
// and the owning booking id. A duplicate accept from a retry returns
// already-assigned idempotently; the customer was already notified.
func (r *Resolver) Accept(ctx context.Context, providerID, offerID string) (offer.AcceptOutcome, string, error) {
	ctx, span := tracer.Start(ctx, "acceptance.accept",
		trace.WithAttributes(
			attribute.String("offer.id", offerID),
			attribute.String("provider.id", providerID),
		))
	defer span.End()

	// cheap pre-check before taking any lock
	pre, err := r.offers.Get(ctx, offerID)
	if err != nil || pre.ProviderID != providerID {
		return offer.AcceptUnknown, "", nil
	}
	now := r.clock()
	if pre.State == offer.StateAccepted {
		return offer.AcceptAlreadyAssigned, pre.BookingID, nil
	}
	// an offer cancelled by a concurrent winner's commit lost the race
	if pre.State == offer.StateCancelled {
		if b, err := r.bookings.Get(ctx, pre.BookingID); err == nil && b.AssignedProviderID != nil {
			r.metrics.AcceptConflicts.Inc()
			return offer.AcceptAlreadyAssigned, pre.BookingID, nil
		}
	}
	if !pre.State.Live() || pre.Expired(now) {
		return offer.AcceptExpired, pre.BookingID, nil
	}

	release := r.locks.Acquire(pre.BookingID)
	defer release()

	out, err := r.acceptWithRetry(ctx, providerID, offerID, pre.BookingID)
	if err != nil {
		return offer.AcceptUnknown, pre.BookingID, err
	}

	if out.result == offer.AcceptAccepted {
		r.metrics.AcceptWins.Inc()
		r.metrics.BookingsAssigned.Inc()
		r.postAssignment(ctx, out)
	} else if out.result == offer.AcceptAlreadyAssigned {
		r.metrics.AcceptConflicts.Inc()
	}

	return out.result, out.bookingID, nil
}

// acceptWithRetry runs the serializable transaction, retrying on conflicts
// with small jittered backoff. The final conflict maps to already-assigned.
func (r *Resolver) acceptWithRetry(ctx context.Context, providerID, offerID, bookingID string) (acceptOutcome, error) {
	var out acceptOutcome

	for attempt := 0; attempt < r.retryMax; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(10+rand.Intn(40)) * time.Millisecond
			select {
			case <-ctx.Done():
				return out, ctx.Err()
			case <-time.After(backoff):
			}
		}

		out = acceptOutcome{bookingID: bookingID}
		err := r.tx.WithinSerializable(ctx, func(ctx context.Context, s storage.Stores) error {
			return r.acceptTx(ctx, s, providerID, offerID, &out)
		})
		if err == nil || stderrors.Is(err, errOutcomeDecided) {
			return out, nil
		}

		r.logger.Warn("accept transaction conflict",
			zap.String("offer_id", offerID),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}

	// contention exhausted the retries; someone else holds the booking
	out.result = offer.AcceptAlreadyAssigned
	return out, nil
}

// acceptTx is the body of the serializable transaction
func (r *Resolver) acceptTx(ctx context.Context, s storage.Stores, providerID, offerID string, out *acceptOutcome) error {
	now := r.clock()

	b, err := s.Bookings().Get(ctx, out.bookingID)
	if err != nil {
		if stderrors.Is(err, errors.ErrBookingNotFound) {
			out.result = offer.AcceptUnknown
			return errOutcomeDecided
		}
		return err
	}
	if b.Status != booking.StatusProviderSearch || b.AssignedProviderID != nil {
		out.result = offer.AcceptAlreadyAssigned
		return errOutcomeDecided
	}

	result, accepted, err := s.Offers().TryAccept(ctx, offerID, providerID, now)
	if err != nil {
		return err
	}
	if result != offer.AcceptAccepted {
		out.result = result
		return errOutcomeDecided
	}

	status := booking.StatusAssigned
	method := booking.AssignmentAccepted
	zero := 0
	if _, err := s.Bookings().Update(ctx, out.bookingID, booking.Patch{
		Status:                &status,
		AssignedProviderID:    &providerID,
		AssignmentMethod:      &method,
		ClearMatchingDeadline: true,
		PendingOfferCount:     &zero,
	}); err != nil {
		return err
	}

	losers, err := s.Offers().CancelOthers(ctx, out.bookingID, offerID)
	if err != nil {
		return err
	}

	out.result = offer.AcceptAccepted
	out.winning = accepted
	out.losers = losers
	return nil
}

// postAssignment runs the post-commit side effects. All of them are
// idempotent against replays and skipped implicitly for a booking that
// turned out cancelled (the transaction would not have committed then).
// booking.assigned precedes the losers' offer.expired pushes.
func (r *Resolver) postAssignment(ctx context.Context, out acceptOutcome) {
	b, err := r.bookings.Get(ctx, out.bookingID)
	if err != nil {
		r.logger.Warn("post-assignment booking read failed",
			zap.String("booking_id", out.bookingID), zap.Error(err))
		return
	}

	providerName := out.winning.ProviderID
	etaMin := out.winning.EstimatedTravelMin
	if p, err := r.providers.GetForDispatch(ctx, out.winning.ProviderID); err == nil {
		providerName = p.Name
		etaMin = geo.EstimateTravelMinutes(geo.HaversineKm(p.Lat, p.Lon, b.Location.Lat, b.Location.Lon))
	}

	assigned := push.BookingAssignedData{
		BookingID:    out.bookingID,
		ProviderID:   out.winning.ProviderID,
		ProviderName: providerName,
		EtaMin:       etaMin,
	}
	r.notifier.Push(ctx, push.RoomUser(b.CustomerID), push.EventBookingAssigned, assigned)
	r.notifier.Push(ctx, push.RoomOrder(out.bookingID), push.EventBookingAssigned, assigned)

	for _, loser := range out.losers {
		r.notifier.Push(ctx, push.RoomUser(loser.ProviderID), push.EventOfferExpired, push.OfferExpiredData{
			OfferID:   loser.ID,
			BookingID: out.bookingID,
			Reason:    "cancelled",
		})
	}

	r.voice.CancelForBooking(ctx, out.bookingID)

	r.events.Publish(ctx, "booking.assigned", map[string]interface{}{
		"booking_id":  out.bookingID,
		"provider_id": out.winning.ProviderID,
		"offer_id":    out.winning.ID,
		"losers":      len(out.losers),
	})
}

// Decline resolves one provider decline. Declining an already-declined
// offer is a no-op; the last outstanding decline leaves the pending count at
// zero and the next dispatcher tick triggers radius expansion.
func (r *Resolver) Decline(ctx context.Context, providerID, offerID, reason string) error {
	pre, err := r.offers.Get(ctx, offerID)
	if err != nil {
		return err
	}
	if pre.ProviderID != providerID {
		return errors.ErrOfferNotFound.WithDetails("id", offerID)
	}
	if pre.State == offer.StateDeclined {
		return nil
	}

	release := r.locks.Acquire(pre.BookingID)
	defer release()

	if _, err := r.offers.Decline(ctx, offerID, providerID, reason); err != nil {
		return err
	}
	r.metrics.OffersDeclined.Inc()

	if _, err := r.bookings.AdjustPendingOffers(ctx, pre.BookingID, -1); err != nil {
		r.logger.Warn("pending offer decrement failed",
			zap.String("booking_id", pre.BookingID), zap.Error(err))
	}

	r.events.Publish(ctx, "offer.declined", map[string]interface{}{
		"booking_id":  pre.BookingID,
		"offer_id":    offerID,
		"provider_id": providerID,
		"reason":      reason,
	})
	return nil
}

// Seen marks an offer as seen by its provider; idempotent
func (r *Resolver) Seen(ctx context.Context, providerID, offerID string) error {
	return r.offers.MarkSeen(ctx, offerID, providerID)
}

// ShareLocation records a provider location fix and, when the provider may
// access the order, mirrors it into the order room. Access is re-validated
// against the current booking row on every call.
func (r *Resolver) ShareLocation(ctx context.Context, identity auth.Identity, orderID string, lat, lon float64, accuracy *float64) error {
	now := r.clock()
	if err := r.providers.UpdateLocation(ctx, identity.UserID, lat, lon, now); err != nil {
		return err
	}

	if orderID == "" {
		return nil
	}

	b, err := r.bookings.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if b.AssignedProviderID == nil || *b.AssignedProviderID != identity.UserID {
		return errors.ErrForbidden.WithDetails("reason", "provider not assigned to this booking")
	}

	r.notifier.Push(ctx, push.RoomOrder(orderID), push.EventProviderLocation, push.ProviderLocationData{
		BookingID:  orderID,
		ProviderID: identity.UserID,
		Lat:        lat,
		Lon:        lon,
		Accuracy:   accuracy,
	})
	return nil
}
