package memory

import (
	"context"
	"sync"
	"time"

	"github.com/onhand/dispatch-core/internal/platform/errors"
	"github.com/onhand/dispatch-core/internal/provider/domain"
)

// ProviderRepository keeps provider projections in an in-memory store. The
// dispatch core treats the projection as read-mostly: only location fixes
// are written through it.
type ProviderRepository struct {
	db map[string]domain.Provider
	sync.RWMutex
}

// Compile-time check that ProviderRepository implements domain.Repository
var _ domain.Repository = (*ProviderRepository)(nil)

// NewProviderRepository creates a new in-memory ProviderRepository
func NewProviderRepository() *ProviderRepository {
	return &ProviderRepository{db: make(map[string]domain.Provider)}
}

// Seed inserts or replaces a provider projection
func (r *ProviderRepository) Seed(p domain.Provider) {
	r.Lock()
	defer r.Unlock()
	r.db[p.ID] = p
}

// FindEligible returns providers matching the non-spatial criteria. Distance
// filtering and ranking happen in the geo index.
func (r *ProviderRepository) FindEligible(ctx context.Context, criteria domain.FindCriteria) ([]domain.Provider, error) {
	r.RLock()
	defer r.RUnlock()

	var found []domain.Provider
	for _, p := range r.db {
		if !p.Active || !p.Verified {
			continue
		}
		if !p.OffersService(criteria.ServiceKind) {
			continue
		}
		found = append(found, p)
	}
	return found, nil
}

// GetForDispatch returns the projection for per-offer enrichment
func (r *ProviderRepository) GetForDispatch(ctx context.Context, id string) (domain.Provider, error) {
	r.RLock()
	defer r.RUnlock()

	p, ok := r.db[id]
	if !ok {
		return domain.Provider{}, errors.ErrUnavailable.
			WithDetails("reason", "provider projection missing").
			WithDetails("id", id)
	}
	return p, nil
}

// UpdateLocation records a fresh location fix
func (r *ProviderRepository) UpdateLocation(ctx context.Context, id string, lat, lon float64, at time.Time) error {
	r.Lock()
	defer r.Unlock()

	p, ok := r.db[id]
	if !ok {
		return errors.ErrUnavailable.
			WithDetails("reason", "provider projection missing").
			WithDetails("id", id)
	}
	p.Lat = lat
	p.Lon = lon
	p.LocationUpdatedAt = at
	r.db[id] = p
	return nil
}
