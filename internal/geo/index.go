// Package geo implements the eligibility index: given a service, a center
// and a radius it returns ranked candidate providers.
package geo

import (
	"context"
	"fmt"
	"sort"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/onhand/dispatch-core/internal/platform/log"
	provider "github.com/onhand/dispatch-core/internal/provider/domain"
)

// Candidate is one ranked eligible provider
type Candidate struct {
	Provider   provider.Provider
	DistanceKm float64
	TravelMin  int
}

// Query describes one eligibility search
type Query struct {
	ServiceKind  string
	Lat          float64
	Lon          float64
	RadiusKm     float64
	Scheduled    bool
	ScheduledFor time.Time
	MaxResults   int

	// Exclude removes providers already contacted in earlier waves
	Exclude map[string]struct{}
}

// Index ranks eligible providers for a dispatch wave. Lookups never fail:
// when nothing is eligible the result is simply empty.
type Index struct {
	providers provider.Repository
	freshness time.Duration
	cache     *gocache.Cache
	clock     func() time.Time
}

// NewIndex creates an eligibility index. The short-lived local cache absorbs
// repeated queries for the same booking across adjacent ticks.
func NewIndex(providers provider.Repository, freshness time.Duration, clock func() time.Time) *Index {
	if clock == nil {
		clock = time.Now
	}
	return &Index{
		providers: providers,
		freshness: freshness,
		cache:     gocache.New(2*time.Second, time.Minute),
		clock:     clock,
	}
}

// Find returns eligible providers ordered by the ranking key
// (distance asc, rating desc, completions desc, response rate desc),
// ties broken by provider id. At most q.MaxResults are returned.
func (i *Index) Find(ctx context.Context, q Query) []Candidate {
	now := i.clock()

	candidates, ok := i.cachedFind(ctx, q, now)
	if !ok {
		return nil
	}

	filtered := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if _, excluded := q.Exclude[c.Provider.ID]; excluded {
			continue
		}
		filtered = append(filtered, c)
	}

	if q.MaxResults > 0 && len(filtered) > q.MaxResults {
		filtered = filtered[:q.MaxResults]
	}
	return filtered
}

// cachedFind runs the repository query and eligibility filter, consulting the
// local cache first. The exclusion set is applied by the caller because it
// varies per wave while the underlying candidate set does not.
func (i *Index) cachedFind(ctx context.Context, q Query, now time.Time) ([]Candidate, bool) {
	key := cacheKey(q)
	if cached, found := i.cache.Get(key); found {
		return cached.([]Candidate), true
	}

	found, err := i.providers.FindEligible(ctx, provider.FindCriteria{
		ServiceKind:  q.ServiceKind,
		Lat:          q.Lat,
		Lon:          q.Lon,
		RadiusKm:     q.RadiusKm,
		Scheduled:    q.Scheduled,
		ScheduledFor: q.ScheduledFor,
		Freshness:    i.freshness,
		Now:          now,
	})
	if err != nil {
		// eligibility lookups never fail the dispatch action; an empty wave
		// is retried on the next tick
		log.FromContext(ctx).Warn("eligibility query failed",
			zap.String("service_kind", q.ServiceKind),
			zap.Float64("radius_km", q.RadiusKm),
			zap.Error(err),
		)
		return nil, false
	}

	candidates := make([]Candidate, 0, len(found))
	for _, p := range found {
		if !i.eligible(&p, q, now) {
			continue
		}
		distance := HaversineKm(q.Lat, q.Lon, p.Lat, p.Lon)
		if distance > q.RadiusKm {
			continue
		}
		if distance > p.ServiceRadiusKm {
			// the provider's own declared radius must cover the center
			continue
		}
		candidates = append(candidates, Candidate{
			Provider:   p,
			DistanceKm: distance,
			TravelMin:  EstimateTravelMinutes(distance),
		})
	}

	sort.Slice(candidates, func(a, b int) bool {
		ca, cb := candidates[a], candidates[b]
		if ca.DistanceKm != cb.DistanceKm {
			return ca.DistanceKm < cb.DistanceKm
		}
		if ca.Provider.Rating != cb.Provider.Rating {
			return ca.Provider.Rating > cb.Provider.Rating
		}
		if ca.Provider.CompletionCount != cb.Provider.CompletionCount {
			return ca.Provider.CompletionCount > cb.Provider.CompletionCount
		}
		if ca.Provider.ResponseRate != cb.Provider.ResponseRate {
			return ca.Provider.ResponseRate > cb.Provider.ResponseRate
		}
		return ca.Provider.ID < cb.Provider.ID
	})

	i.cache.Set(key, candidates, gocache.DefaultExpiration)
	return candidates, true
}

// eligible applies the non-spatial eligibility rules
func (i *Index) eligible(p *provider.Provider, q Query, now time.Time) bool {
	if !p.Active || !p.Verified {
		return false
	}
	if !p.OffersService(q.ServiceKind) {
		return false
	}
	if q.Scheduled {
		if !p.AvailableAt(q.ScheduledFor) {
			return false
		}
	} else if !p.Online {
		return false
	}
	if !p.LocationFresh(now, i.freshness) {
		return false
	}
	return true
}

func cacheKey(q Query) string {
	return fmt.Sprintf("%s:%.5f:%.5f:%.2f:%t:%d",
		q.ServiceKind, q.Lat, q.Lon, q.RadiusKm, q.Scheduled, q.ScheduledFor.Unix())
}
