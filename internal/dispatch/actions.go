package dispatch

import (
	"context"
	"time"

	"go.uber.org/zap"

	booking "github.com/onhand/dispatch-core/internal/booking/domain"
	"github.com/onhand/dispatch-core/internal/geo"
	offer "github.com/onhand/dispatch-core/internal/offer/domain"
	"github.com/onhand/dispatch-core/internal/push"
	"github.com/onhand/dispatch-core/internal/voice"
)

// initialMatching moves a due pending booking into provider search: wave 1
// at the initial radius, with the global deadline armed.
func (d *Dispatcher) initialMatching(ctx context.Context, b booking.Booking, now time.Time) {
	deadline := now.Add(d.cfg.GlobalDeadline)
	status := booking.StatusProviderSearch
	radius := d.cfg.InitialRadiusKm
	wave := 1

	updated, err := d.bookings.Update(ctx, b.ID, booking.Patch{
		Status:            &status,
		MatchingExpiresAt: &deadline,
	})
	if err != nil {
		d.logger.Warn("initial matching transition failed",
			zap.String("booking_id", b.ID), zap.Error(err))
		return
	}

	candidates := d.index.Find(ctx, geo.Query{
		ServiceKind:  b.ServiceKind,
		Lat:          b.Location.Lat,
		Lon:          b.Location.Lon,
		RadiusKm:     radius,
		Scheduled:    b.Kind == booking.KindScheduled,
		ScheduledFor: scheduledFor(b),
		MaxResults:   d.cfg.ProvidersPerWave,
	})

	if err := d.bookings.SetRadiusAndWave(ctx, b.ID, radius, wave, booking.RadiusExpansion{
		Wave:           wave,
		RadiusKm:       radius,
		ProvidersFound: len(candidates),
		ExpandedAt:     now,
	}); err != nil {
		d.logger.Warn("wave record failed", zap.String("booking_id", b.ID), zap.Error(err))
		return
	}

	emitted := d.emitOffers(ctx, updated, candidates, now, deadline)

	if len(emitted) > 0 {
		count := len(emitted)
		if _, err := d.bookings.Update(ctx, b.ID, booking.Patch{PendingOfferCount: &count}); err != nil {
			d.logger.Warn("pending offer count update failed",
				zap.String("booking_id", b.ID), zap.Error(err))
		}
	}

	// matching.started always precedes any offer.new for the booking
	d.notifier.Push(ctx, push.RoomUser(b.CustomerID), push.EventMatchingStarted, push.MatchingStartedData{
		BookingID:     b.ID,
		ProviderCount: len(emitted),
		RadiusKm:      radius,
		Wave:          wave,
		DeadlineAt:    deadline.UnixMilli(),
	})
	d.pushWaveOffers(ctx, b, emitted)

	d.events.Publish(ctx, "matching.started", map[string]interface{}{
		"booking_id":     b.ID,
		"provider_count": len(emitted),
		"radius_km":      radius,
		"wave":           wave,
	})

	d.logger.Info("matching started",
		zap.String("booking_id", b.ID),
		zap.Int("offers", len(emitted)),
		zap.Float64("radius_km", radius),
	)
}

// expandRadius widens the search by one wave, excluding every provider
// contacted in earlier waves.
func (d *Dispatcher) expandRadius(ctx context.Context, b booking.Booking, now time.Time) {
	newRadius := b.SearchRadiusKm * d.cfg.RadiusGrowth
	if newRadius > d.cfg.MaxRadiusKm {
		newRadius = d.cfg.MaxRadiusKm
	}
	wave := b.SearchWave + 1

	exclude, err := d.offers.ContactedProviders(ctx, b.ID)
	if err != nil {
		d.logger.Warn("contacted provider lookup failed",
			zap.String("booking_id", b.ID), zap.Error(err))
		return
	}

	candidates := d.index.Find(ctx, geo.Query{
		ServiceKind:  b.ServiceKind,
		Lat:          b.Location.Lat,
		Lon:          b.Location.Lon,
		RadiusKm:     newRadius,
		Scheduled:    b.Kind == booking.KindScheduled,
		ScheduledFor: scheduledFor(b),
		MaxResults:   d.cfg.ProvidersPerWave,
		Exclude:      exclude,
	})

	if err := d.bookings.SetRadiusAndWave(ctx, b.ID, newRadius, wave, booking.RadiusExpansion{
		Wave:           wave,
		RadiusKm:       newRadius,
		ProvidersFound: len(candidates),
		ExpandedAt:     now,
	}); err != nil {
		d.logger.Warn("wave record failed", zap.String("booking_id", b.ID), zap.Error(err))
		return
	}
	d.metrics.RadiusExpansions.Inc()

	if len(candidates) == 0 && newRadius >= d.cfg.MaxRadiusKm {
		// the search space is exhausted; nothing further can arrive
		d.exhausted(ctx, b)
		return
	}

	deadline := now.Add(d.cfg.GlobalDeadline)
	if b.MatchingExpiresAt != nil {
		deadline = *b.MatchingExpiresAt
	}

	emitted := d.emitOffers(ctx, b, candidates, now, deadline)
	if len(emitted) > 0 {
		if _, err := d.bookings.AdjustPendingOffers(ctx, b.ID, len(emitted)); err != nil {
			d.logger.Warn("pending offer count update failed",
				zap.String("booking_id", b.ID), zap.Error(err))
		}
	}

	// matching.radius_expanded precedes the new wave's offer.new pushes
	d.notifier.Push(ctx, push.RoomUser(b.CustomerID), push.EventMatchingRadiusExpanded, push.MatchingRadiusExpandedData{
		BookingID:   b.ID,
		NewRadiusKm: newRadius,
		Wave:        wave,
	})
	d.pushWaveOffers(ctx, b, emitted)

	d.events.Publish(ctx, "matching.radius_expanded", map[string]interface{}{
		"booking_id":      b.ID,
		"new_radius_km":   newRadius,
		"wave":            wave,
		"providers_found": len(candidates),
	})

	d.logger.Info("radius expanded",
		zap.String("booking_id", b.ID),
		zap.Float64("radius_km", newRadius),
		zap.Int("wave", wave),
		zap.Int("offers", len(emitted)),
	)
}

// waveOffer is one offer created in the current action. The provider-side
// pushes are deferred until after the customer push so the ordering
// guarantee (matching event before offer.new) holds per booking.
type waveOffer struct {
	offerID   string
	candidate geo.Candidate
	expiresAt time.Time
}

// emitOffers writes one offer per candidate and returns the created offers
// for the deferred provider pushes
func (d *Dispatcher) emitOffers(ctx context.Context, b booking.Booking, candidates []geo.Candidate, now time.Time, deadline time.Time) []waveOffer {
	ttl := d.cfg.OfferTTL
	if remaining := deadline.Sub(now); remaining < ttl {
		// an offer never outlives the booking's global deadline
		ttl = remaining
	}
	if ttl <= 0 {
		return nil
	}

	var created []waveOffer
	for _, c := range candidates {
		offerID, err := d.offers.Create(ctx, offer.CreateParams{
			BookingID:          b.ID,
			ProviderID:         c.Provider.ID,
			Priority:           b.Urgency.Rank(),
			DistanceKm:         c.DistanceKm,
			EstimatedTravelMin: c.TravelMin,
			CreatedAt:          now,
			TTL:                ttl,
		})
		if err != nil {
			// duplicate pair or transient store failure; skip the candidate
			d.logger.Warn("offer create failed",
				zap.String("booking_id", b.ID),
				zap.String("provider_id", c.Provider.ID),
				zap.Error(err),
			)
			continue
		}
		d.metrics.OffersEmitted.Inc()
		created = append(created, waveOffer{
			offerID:   offerID,
			candidate: c,
			expiresAt: now.Add(ttl),
		})
	}

	return created
}

// pushWaveOffers delivers offer.new to each provider of the wave just
// emitted and hands the voice gateway one call request per offer
func (d *Dispatcher) pushWaveOffers(ctx context.Context, b booking.Booking, wave []waveOffer) {
	for _, w := range wave {
		p := w.candidate.Provider
		d.notifier.Push(ctx, push.RoomUser(p.ID), push.EventOfferNew, push.OfferNewData{
			OfferID:     w.offerID,
			BookingID:   b.ID,
			ServiceKind: b.ServiceKind,
			Location: push.OfferLocation{
				Lat:     b.Location.Lat,
				Lon:     b.Location.Lon,
				Address: b.Location.Address,
			},
			Price:      b.Price.String(),
			Urgency:    string(b.Urgency),
			ExpiresAt:  w.expiresAt.UnixMilli(),
			DistanceKm: w.candidate.DistanceKm,
			TravelMin:  w.candidate.TravelMin,
		})

		d.voice.Submit(ctx, voice.CallRequest{
			ProviderID:     p.ID,
			PhoneNumber:    p.Phone,
			BookingID:      b.ID,
			OfferID:        w.offerID,
			Urgency:        b.Urgency,
			CustomerName:   b.CustomerID,
			ServiceKind:    b.ServiceKind,
			EstimatedPrice: b.Price,
			ExpiresAt:      w.expiresAt,
			Language:       p.Language,
		}, p.VoicePreferences)

		d.events.Publish(ctx, "offer.new", map[string]interface{}{
			"booking_id":  b.ID,
			"offer_id":    w.offerID,
			"provider_id": p.ID,
			"distance_km": w.candidate.DistanceKm,
		})
	}
}

// globalTimeout ends a booking whose matching deadline passed
func (d *Dispatcher) globalTimeout(ctx context.Context, b booking.Booking) {
	d.finishWithoutProvider(ctx, b, "deadline")
}

// exhausted ends a booking whose search space ran dry at the maximum radius
func (d *Dispatcher) exhausted(ctx context.Context, b booking.Booking) {
	d.finishWithoutProvider(ctx, b, "exhausted")
}

func (d *Dispatcher) finishWithoutProvider(ctx context.Context, b booking.Booking, reason string) {
	status := booking.StatusNoProvidersFound
	method := booking.AssignmentTimeout
	zero := 0
	if _, err := d.bookings.Update(ctx, b.ID, booking.Patch{
		Status:                &status,
		ClearMatchingDeadline: true,
		PendingOfferCount:     &zero,
		AssignmentMethod:      &method,
	}); err != nil {
		d.logger.Warn("no-providers transition failed",
			zap.String("booking_id", b.ID), zap.Error(err))
		return
	}
	d.metrics.BookingsExhausted.Inc()

	wereLive, err := d.offers.CancelForBooking(ctx, b.ID)
	if err != nil {
		d.logger.Warn("offer cancellation failed",
			zap.String("booking_id", b.ID), zap.Error(err))
	}

	d.notifier.Push(ctx, push.RoomUser(b.CustomerID), push.EventMatchingExpired, push.MatchingExpiredData{
		BookingID: b.ID,
		Reason:    reason,
		NextSteps: []string{"retry_later", "adjust_service_time", "contact_support"},
	})
	for _, o := range wereLive {
		d.notifier.Push(ctx, push.RoomUser(o.ProviderID), push.EventOfferExpired, push.OfferExpiredData{
			OfferID:   o.ID,
			BookingID: b.ID,
			Reason:    "expired",
		})
	}

	d.voice.CancelForBooking(ctx, b.ID)

	d.events.Publish(ctx, "matching.expired", map[string]interface{}{
		"booking_id": b.ID,
		"reason":     reason,
	})

	d.logger.Info("matching ended without provider",
		zap.String("booking_id", b.ID),
		zap.String("reason", reason),
	)
}

// CancelBooking handles a customer cancellation: terminal transition,
// cascade into the offer store and the voice gateway, and pushes to every
// affected party. A terminal booking is a no-op.
func (d *Dispatcher) CancelBooking(ctx context.Context, bookingID, by string) error {
	release := d.locks.Acquire(bookingID)
	defer release()

	b, err := d.bookings.Get(ctx, bookingID)
	if err != nil {
		return err
	}
	if b.IsTerminal() {
		return nil
	}

	status := booking.StatusCancelled
	method := booking.AssignmentCancelled
	zero := 0
	if _, err := d.bookings.Update(ctx, bookingID, booking.Patch{
		Status:                &status,
		ClearMatchingDeadline: true,
		PendingOfferCount:     &zero,
		AssignmentMethod:      &method,
	}); err != nil {
		return err
	}

	wereLive, err := d.offers.CancelForBooking(ctx, bookingID)
	if err != nil {
		d.logger.Warn("offer cancellation failed",
			zap.String("booking_id", bookingID), zap.Error(err))
	}

	for _, o := range wereLive {
		d.notifier.Push(ctx, push.RoomUser(o.ProviderID), push.EventOfferExpired, push.OfferExpiredData{
			OfferID:   o.ID,
			BookingID: bookingID,
			Reason:    "cancelled",
		})
	}
	d.notifier.Push(ctx, push.RoomOrder(bookingID), push.EventOrderStatus, push.OrderStatusData{
		BookingID: bookingID,
		Status:    string(booking.StatusCancelled),
		UpdatedAt: d.clock().UnixMilli(),
		By:        by,
	})

	d.voice.CancelForBooking(ctx, bookingID)

	d.events.Publish(ctx, "booking.cancelled", map[string]interface{}{
		"booking_id": bookingID,
		"by":         by,
	})

	return nil
}

func scheduledFor(b booking.Booking) time.Time {
	if b.ScheduledFor != nil {
		return *b.ScheduledFor
	}
	return time.Time{}
}
