package geo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onhand/dispatch-core/internal/provider/domain"
	"github.com/onhand/dispatch-core/internal/provider/repository/memory"
)

// bangalore city center, the spec's canonical coordinates
const (
	centerLat = 12.9716
	centerLon = 77.5946
)

func TestHaversineKm(t *testing.T) {
	// same point
	assert.InDelta(t, 0, HaversineKm(centerLat, centerLon, centerLat, centerLon), 0.001)

	// roughly one degree of latitude is ~111 km
	d := HaversineKm(12.0, 77.0, 13.0, 77.0)
	assert.InDelta(t, 111, d, 1.0)
}

func TestValidCoordinates(t *testing.T) {
	assert.True(t, ValidCoordinates(0, 0))
	assert.True(t, ValidCoordinates(-90, 180))
	assert.False(t, ValidCoordinates(91, 0))
	assert.False(t, ValidCoordinates(0, -181))
}

// providerAt builds an eligible provider offset north of the center by
// roughly km kilometers
func providerAt(id string, km float64, now time.Time) domain.Provider {
	return domain.Provider{
		ID:                id,
		ServiceKinds:      []string{"electrician"},
		Lat:               centerLat + km/111.0,
		Lon:               centerLon,
		LocationUpdatedAt: now,
		Active:            true,
		Verified:          true,
		Online:            true,
		ServiceRadiusKm:   100,
		Rating:            4.5,
	}
}

func newTestIndex(t *testing.T, now time.Time, providers ...domain.Provider) *Index {
	t.Helper()
	repo := memory.NewProviderRepository()
	for _, p := range providers {
		repo.Seed(p)
	}
	return NewIndex(repo, 10*time.Minute, func() time.Time { return now })
}

func TestIndex_Find_RanksByDistance(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	idx := newTestIndex(t, now,
		providerAt("p-far", 4.5, now),
		providerAt("p-near", 1.2, now),
		providerAt("p-mid", 3.0, now),
	)

	found := idx.Find(context.Background(), Query{
		ServiceKind: "electrician",
		Lat:         centerLat,
		Lon:         centerLon,
		RadiusKm:    15,
		MaxResults:  5,
	})

	require.Len(t, found, 3)
	assert.Equal(t, "p-near", found[0].Provider.ID)
	assert.Equal(t, "p-mid", found[1].Provider.ID)
	assert.Equal(t, "p-far", found[2].Provider.ID)
	assert.InDelta(t, 1.2, found[0].DistanceKm, 0.1)
}

func TestIndex_Find_TieBreaksOnRatingThenID(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	a := providerAt("p-a", 2.0, now)
	b := providerAt("p-b", 2.0, now)
	b.Rating = 4.9

	c := providerAt("p-c", 2.0, now)
	c.Rating = 4.9

	idx := newTestIndex(t, now, a, b, c)
	found := idx.Find(context.Background(), Query{
		ServiceKind: "electrician",
		Lat:         centerLat, Lon: centerLon,
		RadiusKm: 15, MaxResults: 5,
	})

	require.Len(t, found, 3)
	assert.Equal(t, "p-b", found[0].Provider.ID) // higher rating first
	assert.Equal(t, "p-c", found[1].Provider.ID) // then lexicographic id
	assert.Equal(t, "p-a", found[2].Provider.ID)
}

func TestIndex_Find_Eligibility(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	offline := providerAt("p-offline", 1.0, now)
	offline.Online = false

	stale := providerAt("p-stale", 1.0, now)
	stale.LocationUpdatedAt = now.Add(-11 * time.Minute)

	tooFar := providerAt("p-outside", 20.0, now)

	smallRadius := providerAt("p-small-radius", 5.0, now)
	smallRadius.ServiceRadiusKm = 2

	good := providerAt("p-good", 1.0, now)

	idx := newTestIndex(t, now, offline, stale, tooFar, smallRadius, good)
	found := idx.Find(context.Background(), Query{
		ServiceKind: "electrician",
		Lat:         centerLat, Lon: centerLon,
		RadiusKm: 15, MaxResults: 5,
	})

	require.Len(t, found, 1)
	assert.Equal(t, "p-good", found[0].Provider.ID)
}

func TestIndex_Find_ScheduledUsesAvailability(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	scheduledFor := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC) // Monday 10:00

	available := providerAt("p-available", 1.0, now)
	available.Online = false // offline is fine for scheduled work
	available.Availability = map[time.Weekday][]string{time.Monday: {"09:00-17:00"}}

	unavailable := providerAt("p-unavailable", 1.0, now)
	unavailable.Availability = map[time.Weekday][]string{time.Tuesday: {"09:00-17:00"}}

	idx := newTestIndex(t, now, available, unavailable)
	found := idx.Find(context.Background(), Query{
		ServiceKind:  "electrician",
		Lat:          centerLat, Lon: centerLon,
		RadiusKm:     15,
		Scheduled:    true,
		ScheduledFor: scheduledFor,
		MaxResults:   5,
	})

	require.Len(t, found, 1)
	assert.Equal(t, "p-available", found[0].Provider.ID)
}

func TestIndex_Find_ExcludesContactedProviders(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	idx := newTestIndex(t, now,
		providerAt("p-1", 1.0, now),
		providerAt("p-2", 2.0, now),
	)

	found := idx.Find(context.Background(), Query{
		ServiceKind: "electrician",
		Lat:         centerLat, Lon: centerLon,
		RadiusKm:    15,
		MaxResults:  5,
		Exclude:     map[string]struct{}{"p-1": {}},
	})

	require.Len(t, found, 1)
	assert.Equal(t, "p-2", found[0].Provider.ID)
}

func TestIndex_Find_CapsResults(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	idx := newTestIndex(t, now,
		providerAt("p-1", 1.0, now),
		providerAt("p-2", 2.0, now),
		providerAt("p-3", 3.0, now),
	)

	found := idx.Find(context.Background(), Query{
		ServiceKind: "electrician",
		Lat:         centerLat, Lon: centerLon,
		RadiusKm:    15,
		MaxResults:  2,
	})

	require.Len(t, found, 2)
	assert.Equal(t, "p-1", found[0].Provider.ID)
	assert.Equal(t, "p-2", found[1].Provider.ID)
}
