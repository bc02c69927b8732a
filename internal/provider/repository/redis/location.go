package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/onhand/dispatch-core/internal/platform/log"
	"github.com/onhand/dispatch-core/internal/provider/domain"
)

// LocationCache decorates a provider repository with a Redis write-through
// cache for location fixes. Keys expire at the freshness horizon, so a cache
// hit is by construction a fix the geo index may trust; reads fall back to
// the underlying projection when Redis misses or fails.
type LocationCache struct {
	inner  domain.Repository
	client *redis.Client
	ttl    time.Duration
}

// Compile-time check that LocationCache implements domain.Repository
var _ domain.Repository = (*LocationCache)(nil)

// NewLocationCache wraps the repository
func NewLocationCache(inner domain.Repository, client *redis.Client, freshness time.Duration) *LocationCache {
	return &LocationCache{inner: inner, client: client, ttl: freshness}
}

type cachedFix struct {
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	UpdatedAt time.Time `json:"updated_at"`
}

func locationKey(providerID string) string {
	return "provider:location:" + providerID
}

// FindEligible reads through to the projection and overlays cached fixes
func (c *LocationCache) FindEligible(ctx context.Context, criteria domain.FindCriteria) ([]domain.Provider, error) {
	providers, err := c.inner.FindEligible(ctx, criteria)
	if err != nil {
		return nil, err
	}
	for i := range providers {
		c.overlay(ctx, &providers[i])
	}
	return providers, nil
}

// GetForDispatch reads through to the projection and overlays the cached fix
func (c *LocationCache) GetForDispatch(ctx context.Context, id string) (domain.Provider, error) {
	p, err := c.inner.GetForDispatch(ctx, id)
	if err != nil {
		return domain.Provider{}, err
	}
	c.overlay(ctx, &p)
	return p, nil
}

// UpdateLocation writes the fix to Redis first, then through to the
// projection. A projection write failure is surfaced; the cache entry still
// keeps dispatch working until the next fix.
func (c *LocationCache) UpdateLocation(ctx context.Context, id string, lat, lon float64, at time.Time) error {
	payload, err := json.Marshal(cachedFix{Lat: lat, Lon: lon, UpdatedAt: at})
	if err == nil {
		if err := c.client.Set(ctx, locationKey(id), payload, c.ttl).Err(); err != nil {
			log.FromContext(ctx).Warn("location cache write failed",
				zap.String("provider_id", id), zap.Error(err))
		}
	}
	return c.inner.UpdateLocation(ctx, id, lat, lon, at)
}

func (c *LocationCache) overlay(ctx context.Context, p *domain.Provider) {
	payload, err := c.client.Get(ctx, locationKey(p.ID)).Bytes()
	if err != nil {
		return
	}
	var fix cachedFix
	if err := json.Unmarshal(payload, &fix); err != nil {
		return
	}
	if fix.UpdatedAt.After(p.LocationUpdatedAt) {
		p.Lat = fix.Lat
		p.Lon = fix.Lon
		p.LocationUpdatedAt = fix.UpdatedAt
	}
}
