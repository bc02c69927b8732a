package postgres

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/onhand/dispatch-core/internal/platform/errors"
	"github.com/onhand/dispatch-core/internal/provider/domain"
)

// Querier is the subset of pgx satisfied by both *pgxpool.Pool and pgx.Tx
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ProviderRepository reads the provider projection from Postgres. The
// projection rows are maintained by the profile service outside the core;
// only location fixes are written here.
type ProviderRepository struct {
	db Querier
}

// Compile-time check that ProviderRepository implements domain.Repository
var _ domain.Repository = (*ProviderRepository)(nil)

// NewProviderRepository creates a new ProviderRepository
func NewProviderRepository(db Querier) *ProviderRepository {
	return &ProviderRepository{db: db}
}

const providerColumns = `
	id, name, phone, service_kinds,
	lat, lon, location_updated_at,
	active, verified, online, service_radius_km,
	rating, completion_count, response_rate,
	availability, voice_preferences, language
`

// FindEligible returns providers matching the non-spatial criteria; the geo
// index applies the distance filter and ranking on the candidates
func (r *ProviderRepository) FindEligible(ctx context.Context, criteria domain.FindCriteria) ([]domain.Provider, error) {
	query := `
		SELECT ` + providerColumns + `
		FROM provider_projections
		WHERE active AND verified AND $1 = ANY(service_kinds)
	`

	rows, err := r.db.Query(ctx, query, criteria.ServiceKind)
	if err != nil {
		return nil, errors.ErrUnavailable.WithCause(err)
	}
	defer rows.Close()

	var providers []domain.Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, errors.ErrUnavailable.WithCause(err)
		}
		providers = append(providers, p)
	}
	return providers, rows.Err()
}

// GetForDispatch returns the projection for per-offer enrichment
func (r *ProviderRepository) GetForDispatch(ctx context.Context, id string) (domain.Provider, error) {
	query := `SELECT ` + providerColumns + ` FROM provider_projections WHERE id = $1`

	p, err := scanProvider(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return domain.Provider{}, errors.ErrUnavailable.
				WithDetails("reason", "provider projection missing").
				WithDetails("id", id)
		}
		return domain.Provider{}, errors.ErrUnavailable.WithCause(err)
	}
	return p, nil
}

// UpdateLocation records a fresh location fix
func (r *ProviderRepository) UpdateLocation(ctx context.Context, id string, lat, lon float64, at time.Time) error {
	query := `
		UPDATE provider_projections
		SET lat = $1, lon = $2, location_updated_at = $3
		WHERE id = $4
	`
	tag, err := r.db.Exec(ctx, query, lat, lon, at, id)
	if err != nil {
		return errors.ErrUnavailable.WithCause(err)
	}
	if tag.RowsAffected() == 0 {
		return errors.ErrUnavailable.
			WithDetails("reason", "provider projection missing").
			WithDetails("id", id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProvider(row rowScanner) (domain.Provider, error) {
	var (
		p                domain.Provider
		availabilityJSON []byte
		preferencesJSON  []byte
	)
	err := row.Scan(
		&p.ID, &p.Name, &p.Phone, &p.ServiceKinds,
		&p.Lat, &p.Lon, &p.LocationUpdatedAt,
		&p.Active, &p.Verified, &p.Online, &p.ServiceRadiusKm,
		&p.Rating, &p.CompletionCount, &p.ResponseRate,
		&availabilityJSON, &preferencesJSON, &p.Language,
	)
	if err != nil {
		return domain.Provider{}, err
	}
	if len(availabilityJSON) > 0 {
		if err := json.Unmarshal(availabilityJSON, &p.Availability); err != nil {
			return domain.Provider{}, err
		}
	}
	if len(preferencesJSON) > 0 {
		if err := json.Unmarshal(preferencesJSON, &p.VoicePreferences); err != nil {
			return domain.Provider{}, err
		}
	}
	return p, nil
}
