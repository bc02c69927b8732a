package dispatch_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	bookingdomain "github.com/onhand/dispatch-core/internal/booking/domain"
	bookingmemory "github.com/onhand/dispatch-core/internal/booking/repository/memory"
	"github.com/onhand/dispatch-core/internal/config"
	"github.com/onhand/dispatch-core/internal/dispatch"
	"github.com/onhand/dispatch-core/internal/dispatch/acceptance"
	"github.com/onhand/dispatch-core/internal/events"
	"github.com/onhand/dispatch-core/internal/geo"
	offerdomain "github.com/onhand/dispatch-core/internal/offer/domain"
	offermemory "github.com/onhand/dispatch-core/internal/offer/repository/memory"
	providerdomain "github.com/onhand/dispatch-core/internal/provider/domain"
	providermemory "github.com/onhand/dispatch-core/internal/provider/repository/memory"
	"github.com/onhand/dispatch-core/internal/push"
	"github.com/onhand/dispatch-core/internal/storage"
	"github.com/onhand/dispatch-core/internal/voice"
)

const (
	centerLat = 12.9716
	centerLon = 77.5946
)

// fakeClock is an adjustable wall clock shared by every component under test
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// pushRecord is one captured push
type pushRecord struct {
	Room string
	Type string
	Data interface{}
}

// fakeNotifier records pushes in order
type fakeNotifier struct {
	mu      sync.Mutex
	records []pushRecord
}

func (n *fakeNotifier) Push(_ context.Context, room, eventType string, data interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.records = append(n.records, pushRecord{Room: room, Type: eventType, Data: data})
}

func (n *fakeNotifier) byType(eventType string) []pushRecord {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []pushRecord
	for _, r := range n.records {
		if r.Type == eventType {
			out = append(out, r)
		}
	}
	return out
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.records)
}

// harness bundles a fully wired in-memory dispatch core
type harness struct {
	clock      *fakeClock
	bookings   *bookingmemory.BookingRepository
	offers     *offermemory.OfferRepository
	providers  *providermemory.ProviderRepository
	notifier   *fakeNotifier
	voiceQueue *voice.MemoryQueue
	dispatcher *dispatch.Dispatcher
	resolver   *acceptance.Resolver
}

func defaultDispatchConfig() config.DispatchConfig {
	return config.DispatchConfig{
		Tick:              5 * time.Second,
		OfferTTL:          5 * time.Minute,
		GlobalDeadline:    5 * time.Minute,
		InitialRadiusKm:   15,
		MaxRadiusKm:       50,
		RadiusGrowth:      1.5,
		ProvidersPerWave:  5,
		Parallelism:       16,
		AcceptRetryMax:    3,
		LocationFreshness: 10 * time.Minute,
		LeadTime:          30 * time.Minute,
	}
}

func newHarness(t *testing.T, cfg config.DispatchConfig) *harness {
	t.Helper()

	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	bookings := bookingmemory.NewBookingRepository(clock.Now)
	offers := offermemory.NewOfferRepository(clock.Now)
	providers := providermemory.NewProviderRepository()
	index := geo.NewIndex(providers, cfg.LocationFreshness, clock.Now)
	notifier := &fakeNotifier{}
	voiceQueue := voice.NewMemoryQueue()
	voiceGateway := voice.NewGateway(voiceQueue, clock.Now)
	publisher := events.NewPublisher(nil, "dispatch.events", "test", zap.NewNop())
	locks := dispatch.NewLockTable()
	metrics := dispatch.NewMetrics("test", prometheus.NewRegistry())
	logger := zap.NewNop()

	dispatcher := dispatch.NewDispatcher(
		cfg, bookings, offers, providers, index,
		notifier, voiceGateway, publisher, locks, metrics, logger, clock.Now,
	)

	tx := storage.NewMemoryTxManager(bookings, offers)
	resolver := acceptance.NewResolver(
		tx, bookings, offers, providers,
		notifier, voiceGateway, publisher, locks, metrics, logger, clock.Now,
		cfg.AcceptRetryMax,
	)

	return &harness{
		clock:      clock,
		bookings:   bookings,
		offers:     offers,
		providers:  providers,
		notifier:   notifier,
		voiceQueue: voiceQueue,
		dispatcher: dispatcher,
		resolver:   resolver,
	}
}

// seedProvider installs an eligible provider roughly km kilometers north of
// the center, with voice calls enabled
func (h *harness) seedProvider(id string, km float64) {
	h.providers.Seed(providerdomain.Provider{
		ID:                id,
		Name:              "Provider " + id,
		Phone:             "+100000",
		ServiceKinds:      []string{"electrician"},
		Lat:               centerLat + km/111.0,
		Lon:               centerLon,
		LocationUpdatedAt: h.clock.Now(),
		Active:            true,
		Verified:          true,
		Online:            true,
		ServiceRadiusKm:   100,
		Rating:            4.5,
		VoicePreferences: providerdomain.VoicePreferences{
			CallsEnabled: true,
			MinUrgency:   "low",
		},
		Language: "en",
	})
}

func (h *harness) createInstantBooking(t *testing.T) string {
	t.Helper()
	id, err := h.bookings.Create(context.Background(), bookingdomain.Booking{
		CustomerID:    "cust-1",
		ServiceKind:   "electrician",
		Kind:          bookingdomain.KindInstant,
		Urgency:       bookingdomain.UrgencyNormal,
		Location:      bookingdomain.Location{Lat: centerLat, Lon: centerLon, Address: "MG Road"},
		Price:         decimal.NewFromInt(500),
		PaymentMethod: "card",
		Status:        bookingdomain.StatusPending,
	})
	require.NoError(t, err)
	return id
}

func (h *harness) booking(t *testing.T, id string) bookingdomain.Booking {
	t.Helper()
	b, err := h.bookings.Get(context.Background(), id)
	require.NoError(t, err)
	return b
}

func (h *harness) activeOffers(t *testing.T, bookingID string) []offerdomain.Offer {
	t.Helper()
	active, err := h.offers.ListActive(context.Background(), bookingID)
	require.NoError(t, err)
	return active
}

func TestDispatcher_HappyPath(t *testing.T) {
	h := newHarness(t, defaultDispatchConfig())
	ctx := context.Background()

	h.seedProvider("p-1", 1.2)
	h.seedProvider("p-2", 3.0)
	h.seedProvider("p-3", 4.5)

	bookingID := h.createInstantBooking(t)
	h.dispatcher.Tick(ctx)

	b := h.booking(t, bookingID)
	assert.Equal(t, bookingdomain.StatusProviderSearch, b.Status)
	assert.Equal(t, 15.0, b.SearchRadiusKm)
	assert.Equal(t, 1, b.SearchWave)
	assert.Equal(t, 3, b.PendingOfferCount)
	require.Len(t, b.RadiusHistory, 1)
	assert.Equal(t, 3, b.RadiusHistory[0].ProvidersFound)

	started := h.notifier.byType(push.EventMatchingStarted)
	require.Len(t, started, 1)
	assert.Equal(t, push.RoomUser("cust-1"), started[0].Room)

	newOffers := h.notifier.byType(push.EventOfferNew)
	assert.Len(t, newOffers, 3)

	// one voice call request per emitted offer
	assert.Len(t, h.voiceQueue.Pending(), 3)

	// matching.started precedes every offer.new
	firstNew := -1
	startedAt := -1
	for i, r := range h.notifier.records {
		if r.Type == push.EventOfferNew && firstNew < 0 {
			firstNew = i
		}
		if r.Type == push.EventMatchingStarted {
			startedAt = i
		}
	}
	assert.Less(t, startedAt, firstNew)

	// at t=7 the mid-distance provider accepts
	h.clock.Advance(7 * time.Second)
	var acceptedOfferID string
	for _, o := range h.activeOffers(t, bookingID) {
		if o.ProviderID == "p-2" {
			acceptedOfferID = o.ID
		}
	}
	require.NotEmpty(t, acceptedOfferID)

	outcome, gotBooking, err := h.resolver.Accept(ctx, "p-2", acceptedOfferID)
	require.NoError(t, err)
	assert.Equal(t, offerdomain.AcceptAccepted, outcome)
	assert.Equal(t, bookingID, gotBooking)

	b = h.booking(t, bookingID)
	assert.Equal(t, bookingdomain.StatusAssigned, b.Status)
	require.NotNil(t, b.AssignedProviderID)
	assert.Equal(t, "p-2", *b.AssignedProviderID)
	assert.Equal(t, bookingdomain.AssignmentAccepted, b.AssignmentMethod)
	assert.Nil(t, b.MatchingExpiresAt)
	assert.Zero(t, b.PendingOfferCount)

	// both losing offers end cancelled
	assert.Empty(t, h.activeOffers(t, bookingID))
	losers, err := h.offers.ListByProvider(ctx, "p-1", []offerdomain.State{offerdomain.StateCancelled})
	require.NoError(t, err)
	assert.Len(t, losers, 1)

	// exactly one booking.assigned reached the customer's room
	assigned := h.notifier.byType(push.EventBookingAssigned)
	customerAssigned := 0
	for _, r := range assigned {
		if r.Room == push.RoomUser("cust-1") {
			customerAssigned++
		}
	}
	assert.Equal(t, 1, customerAssigned)

	// losers got offer.expired with reason cancelled
	expired := h.notifier.byType(push.EventOfferExpired)
	require.Len(t, expired, 2)
	for _, r := range expired {
		data := r.Data.(push.OfferExpiredData)
		assert.Equal(t, "cancelled", data.Reason)
	}

	// the pending voice calls were purged on assignment
	assert.Empty(t, h.voiceQueue.Pending())
}

func TestDispatcher_AcceptRace(t *testing.T) {
	h := newHarness(t, defaultDispatchConfig())
	ctx := context.Background()

	h.seedProvider("p-1", 1.2)
	h.seedProvider("p-2", 3.0)

	bookingID := h.createInstantBooking(t)
	h.dispatcher.Tick(ctx)

	offers := h.activeOffers(t, bookingID)
	require.Len(t, offers, 2)

	type result struct {
		provider string
		outcome  offerdomain.AcceptOutcome
	}
	results := make(chan result, 2)

	var wg sync.WaitGroup
	for _, o := range offers {
		o := o
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, _, err := h.resolver.Accept(ctx, o.ProviderID, o.ID)
			require.NoError(t, err)
			results <- result{provider: o.ProviderID, outcome: outcome}
		}()
	}
	wg.Wait()
	close(results)

	var wins, conflicts int
	for r := range results {
		switch r.outcome {
		case offerdomain.AcceptAccepted:
			wins++
		case offerdomain.AcceptAlreadyAssigned:
			conflicts++
		default:
			t.Fatalf("unexpected outcome %q for %s", r.outcome, r.provider)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, conflicts)

	// exactly one winner on the booking row
	b := h.booking(t, bookingID)
	assert.Equal(t, bookingdomain.StatusAssigned, b.Status)
	require.NotNil(t, b.AssignedProviderID)

	// exactly one booking.assigned for the customer
	assigned := 0
	for _, r := range h.notifier.byType(push.EventBookingAssigned) {
		if r.Room == push.RoomUser("cust-1") {
			assigned++
		}
	}
	assert.Equal(t, 1, assigned)
}

func TestDispatcher_WaveExpansionToExhaustion(t *testing.T) {
	h := newHarness(t, defaultDispatchConfig())
	ctx := context.Background()

	// nothing within 15 km, two providers at ~20 km
	h.seedProvider("p-far-1", 20)
	h.seedProvider("p-far-2", 20.5)

	bookingID := h.createInstantBooking(t)

	// t=0: wave 1 at 15 km finds nothing
	h.dispatcher.Tick(ctx)
	b := h.booking(t, bookingID)
	assert.Equal(t, 1, b.SearchWave)
	assert.Zero(t, b.PendingOfferCount)
	assert.Empty(t, h.activeOffers(t, bookingID))

	// t=5: expand to 22.5 km, both providers offered
	h.clock.Advance(5 * time.Second)
	h.dispatcher.Tick(ctx)
	b = h.booking(t, bookingID)
	assert.Equal(t, 2, b.SearchWave)
	assert.Equal(t, 22.5, b.SearchRadiusKm)
	assert.Equal(t, 2, b.PendingOfferCount)

	expanded := h.notifier.byType(push.EventMatchingRadiusExpanded)
	require.Len(t, expanded, 1)

	// both decline by t=40
	h.clock.Advance(35 * time.Second)
	for _, o := range h.activeOffers(t, bookingID) {
		require.NoError(t, h.resolver.Decline(ctx, o.ProviderID, o.ID, "too far"))
	}
	b = h.booking(t, bookingID)
	assert.Zero(t, b.PendingOfferCount)

	// t=45: expand to 33.75 km; the declined pair is excluded, zero new
	h.clock.Advance(5 * time.Second)
	h.dispatcher.Tick(ctx)
	b = h.booking(t, bookingID)
	assert.Equal(t, 3, b.SearchWave)
	assert.InDelta(t, 33.75, b.SearchRadiusKm, 0.001)
	assert.Zero(t, b.PendingOfferCount)

	// t=50: expand to the 50 km cap with zero candidates ends the search
	h.clock.Advance(5 * time.Second)
	h.dispatcher.Tick(ctx)
	b = h.booking(t, bookingID)
	assert.Equal(t, bookingdomain.StatusNoProvidersFound, b.Status)
	assert.Equal(t, 50.0, b.SearchRadiusKm)
	assert.Equal(t, 4, b.SearchWave)
	assert.Len(t, b.RadiusHistory, 4)

	// radius history is non-decreasing and wave matches its length
	for i := 1; i < len(b.RadiusHistory); i++ {
		assert.GreaterOrEqual(t, b.RadiusHistory[i].RadiusKm, b.RadiusHistory[i-1].RadiusKm)
	}

	matchingExpired := h.notifier.byType(push.EventMatchingExpired)
	require.Len(t, matchingExpired, 1)
	assert.Equal(t, push.RoomUser("cust-1"), matchingExpired[0].Room)

	// no provider was ever offered the same booking twice
	for _, p := range []string{"p-far-1", "p-far-2"} {
		all, err := h.offers.ListByProvider(ctx, p, nil)
		require.NoError(t, err)
		assert.Len(t, all, 1)
	}
}

func TestDispatcher_GlobalDeadline(t *testing.T) {
	h := newHarness(t, defaultDispatchConfig())
	ctx := context.Background()

	h.seedProvider("p-1", 2.0)
	bookingID := h.createInstantBooking(t)

	h.dispatcher.Tick(ctx)
	require.Len(t, h.activeOffers(t, bookingID), 1)

	// the provider never responds; at t=300 the deadline hits
	h.clock.Advance(5 * time.Minute)
	h.dispatcher.Tick(ctx)

	b := h.booking(t, bookingID)
	assert.Equal(t, bookingdomain.StatusNoProvidersFound, b.Status)
	assert.Zero(t, b.PendingOfferCount)
	assert.Nil(t, b.MatchingExpiresAt)

	// the offer was reaped as expired
	offers, err := h.offers.ListByProvider(ctx, "p-1", []offerdomain.State{offerdomain.StateExpired})
	require.NoError(t, err)
	assert.Len(t, offers, 1)

	matchingExpired := h.notifier.byType(push.EventMatchingExpired)
	require.Len(t, matchingExpired, 1)
}

func TestDispatcher_CancelMidDispatch(t *testing.T) {
	h := newHarness(t, defaultDispatchConfig())
	ctx := context.Background()

	h.seedProvider("p-1", 1.2)
	h.seedProvider("p-2", 3.0)
	h.seedProvider("p-3", 4.5)

	bookingID := h.createInstantBooking(t)
	h.dispatcher.Tick(ctx)

	offers := h.activeOffers(t, bookingID)
	require.Len(t, offers, 3)
	require.Len(t, h.voiceQueue.Pending(), 3)

	h.clock.Advance(20 * time.Second)
	require.NoError(t, h.dispatcher.CancelBooking(ctx, bookingID, "cust-1"))

	b := h.booking(t, bookingID)
	assert.Equal(t, bookingdomain.StatusCancelled, b.Status)

	// every offer ended cancelled and each provider was told
	assert.Empty(t, h.activeOffers(t, bookingID))
	expired := h.notifier.byType(push.EventOfferExpired)
	require.Len(t, expired, 3)
	for _, r := range expired {
		assert.Equal(t, "cancelled", r.Data.(push.OfferExpiredData).Reason)
	}

	// pending voice calls dropped
	assert.Empty(t, h.voiceQueue.Pending())

	// a late accept cannot resurrect the booking
	outcome, _, err := h.resolver.Accept(ctx, offers[0].ProviderID, offers[0].ID)
	require.NoError(t, err)
	assert.Equal(t, offerdomain.AcceptExpired, outcome)

	// cancelling again is a no-op
	require.NoError(t, h.dispatcher.CancelBooking(ctx, bookingID, "cust-1"))
	pushesBefore := h.notifier.count()
	require.NoError(t, h.dispatcher.CancelBooking(ctx, bookingID, "cust-1"))
	assert.Equal(t, pushesBefore, h.notifier.count())
}

func TestDispatcher_TickIsIdempotent(t *testing.T) {
	h := newHarness(t, defaultDispatchConfig())
	ctx := context.Background()

	h.seedProvider("p-1", 1.2)
	h.seedProvider("p-2", 3.0)

	bookingID := h.createInstantBooking(t)
	h.dispatcher.Tick(ctx)

	b := h.booking(t, bookingID)
	offersBefore := h.activeOffers(t, bookingID)
	pushesBefore := h.notifier.count()

	// a second tick with no time movement and no external input changes
	// nothing
	h.dispatcher.Tick(ctx)

	after := h.booking(t, bookingID)
	assert.Equal(t, b.Status, after.Status)
	assert.Equal(t, b.SearchWave, after.SearchWave)
	assert.Equal(t, b.PendingOfferCount, after.PendingOfferCount)
	assert.Equal(t, len(offersBefore), len(h.activeOffers(t, bookingID)))
	assert.Equal(t, pushesBefore, h.notifier.count())
}

func TestDispatcher_ScheduledWaitsForLeadTime(t *testing.T) {
	h := newHarness(t, defaultDispatchConfig())
	ctx := context.Background()

	h.seedProvider("p-1", 2.0)
	p, err := h.providers.GetForDispatch(ctx, "p-1")
	require.NoError(t, err)
	p.Availability = map[time.Weekday][]string{
		h.clock.Now().Weekday(): {"00:00-23:59"},
	}
	h.providers.Seed(p)

	scheduledFor := h.clock.Now().Add(2 * time.Hour)
	bookingID, err := h.bookings.Create(ctx, bookingdomain.Booking{
		CustomerID:   "cust-1",
		ServiceKind:  "electrician",
		Kind:         bookingdomain.KindScheduled,
		Urgency:      bookingdomain.UrgencyNormal,
		Location:     bookingdomain.Location{Lat: centerLat, Lon: centerLon},
		ScheduledFor: &scheduledFor,
		Price:        decimal.NewFromInt(500),
		Status:       bookingdomain.StatusPending,
	})
	require.NoError(t, err)

	// too early: the booking stays pending
	h.dispatcher.Tick(ctx)
	assert.Equal(t, bookingdomain.StatusPending, h.booking(t, bookingID).Status)

	// inside the lead window the booking dispatches; the provider has sent
	// a fresh location fix in the meantime
	h.clock.Advance(91 * time.Minute)
	require.NoError(t, h.providers.UpdateLocation(ctx, "p-1", p.Lat, p.Lon, h.clock.Now()))
	h.dispatcher.Tick(ctx)
	b := h.booking(t, bookingID)
	assert.Equal(t, bookingdomain.StatusProviderSearch, b.Status)
	assert.Equal(t, 1, b.PendingOfferCount)
}

func TestResolver_AcceptTwiceIsDeterministic(t *testing.T) {
	h := newHarness(t, defaultDispatchConfig())
	ctx := context.Background()

	h.seedProvider("p-1", 1.2)
	bookingID := h.createInstantBooking(t)
	h.dispatcher.Tick(ctx)

	offers := h.activeOffers(t, bookingID)
	require.Len(t, offers, 1)

	outcome, _, err := h.resolver.Accept(ctx, "p-1", offers[0].ID)
	require.NoError(t, err)
	require.Equal(t, offerdomain.AcceptAccepted, outcome)

	assignedPushes := len(h.notifier.byType(push.EventBookingAssigned))

	// a retried accept from the winner replays as already-assigned and
	// emits nothing new
	outcome, gotBooking, err := h.resolver.Accept(ctx, "p-1", offers[0].ID)
	require.NoError(t, err)
	assert.Equal(t, offerdomain.AcceptAlreadyAssigned, outcome)
	assert.Equal(t, bookingID, gotBooking)
	assert.Equal(t, assignedPushes, len(h.notifier.byType(push.EventBookingAssigned)))
}

func TestResolver_AcceptValidation(t *testing.T) {
	h := newHarness(t, defaultDispatchConfig())
	ctx := context.Background()

	h.seedProvider("p-1", 1.2)
	bookingID := h.createInstantBooking(t)
	h.dispatcher.Tick(ctx)

	offers := h.activeOffers(t, bookingID)
	require.Len(t, offers, 1)

	t.Run("unknown offer", func(t *testing.T) {
		outcome, _, err := h.resolver.Accept(ctx, "p-1", "missing-offer")
		require.NoError(t, err)
		assert.Equal(t, offerdomain.AcceptUnknown, outcome)
	})

	t.Run("foreign provider", func(t *testing.T) {
		outcome, _, err := h.resolver.Accept(ctx, "p-intruder", offers[0].ID)
		require.NoError(t, err)
		assert.Equal(t, offerdomain.AcceptUnknown, outcome)
	})

	t.Run("expired by wall clock", func(t *testing.T) {
		h.clock.Advance(6 * time.Minute)
		outcome, _, err := h.resolver.Accept(ctx, "p-1", offers[0].ID)
		require.NoError(t, err)
		assert.Equal(t, offerdomain.AcceptExpired, outcome)
	})
}

func TestResolver_DeclineTriggersNextWave(t *testing.T) {
	h := newHarness(t, defaultDispatchConfig())
	ctx := context.Background()

	h.seedProvider("p-near", 2.0)
	h.seedProvider("p-far", 20.0)

	bookingID := h.createInstantBooking(t)
	h.dispatcher.Tick(ctx)

	offers := h.activeOffers(t, bookingID)
	require.Len(t, offers, 1)
	require.NoError(t, h.resolver.Decline(ctx, "p-near", offers[0].ID, "busy"))

	b := h.booking(t, bookingID)
	assert.Zero(t, b.PendingOfferCount)

	// the next tick widens the search instead of re-offering the decliner
	h.clock.Advance(5 * time.Second)
	h.dispatcher.Tick(ctx)

	b = h.booking(t, bookingID)
	assert.Equal(t, 2, b.SearchWave)
	offers = h.activeOffers(t, bookingID)
	require.Len(t, offers, 1)
	assert.Equal(t, "p-far", offers[0].ProviderID)
}

func TestResolver_SeenIsIdempotent(t *testing.T) {
	h := newHarness(t, defaultDispatchConfig())
	ctx := context.Background()

	h.seedProvider("p-1", 1.2)
	bookingID := h.createInstantBooking(t)
	h.dispatcher.Tick(ctx)

	offers := h.activeOffers(t, bookingID)
	require.Len(t, offers, 1)

	require.NoError(t, h.resolver.Seen(ctx, "p-1", offers[0].ID))
	require.NoError(t, h.resolver.Seen(ctx, "p-1", offers[0].ID))

	o, err := h.offers.Get(ctx, offers[0].ID)
	require.NoError(t, err)
	assert.Equal(t, offerdomain.StateSeen, o.State)
}
