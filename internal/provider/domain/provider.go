package domain

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Provider is the dispatch-facing projection of a provider profile. The core
// only reads it; profile management lives outside the dispatch core.
type Provider struct {
	ID           string   `json:"id" db:"id"`
	Name         string   `json:"name" db:"name"`
	Phone        string   `json:"phone" db:"phone"`
	ServiceKinds []string `json:"service_kinds" db:"service_kinds"`

	Lat               float64   `json:"lat" db:"lat"`
	Lon               float64   `json:"lon" db:"lon"`
	LocationUpdatedAt time.Time `json:"location_updated_at" db:"location_updated_at"`

	Active          bool    `json:"active" db:"active"`
	Verified        bool    `json:"verified" db:"verified"`
	Online          bool    `json:"online" db:"online"`
	ServiceRadiusKm float64 `json:"service_radius_km" db:"service_radius_km"`

	Rating          float64 `json:"rating" db:"rating"`
	CompletionCount int     `json:"completion_count" db:"completion_count"`
	ResponseRate    float64 `json:"response_rate" db:"response_rate"`

	// Availability windows keyed by weekday, each "HH:MM-HH:MM"
	Availability map[time.Weekday][]string `json:"availability" db:"availability"`

	VoicePreferences VoicePreferences `json:"voice_preferences" db:"voice_preferences"`
	Language         string           `json:"language" db:"language"`
}

// OffersService reports whether the provider offers the given service kind
func (p *Provider) OffersService(kind string) bool {
	for _, k := range p.ServiceKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// LocationFresh reports whether the last location fix is recent enough to
// trust for dispatch. A fix exactly at the freshness boundary is stale.
func (p *Provider) LocationFresh(now time.Time, freshness time.Duration) bool {
	return now.Sub(p.LocationUpdatedAt) < freshness
}

// AvailableAt reports whether any availability window for t's weekday covers
// t's local clock time. Windows do not wrap midnight; a provider that works
// overnight declares one window per day.
func (p *Provider) AvailableAt(t time.Time) bool {
	windows := p.Availability[t.Weekday()]
	minutes := t.Hour()*60 + t.Minute()
	for _, w := range windows {
		start, end, err := parseWindow(w)
		if err != nil {
			continue
		}
		if minutes >= start && minutes < end {
			return true
		}
	}
	return false
}

// parseWindow parses "HH:MM-HH:MM" into minutes since midnight
func parseWindow(w string) (int, int, error) {
	parts := strings.SplitN(w, "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("malformed window %q", w)
	}
	start, err := parseClock(parts[0])
	if err != nil {
		return 0, 0, err
	}
	end, err := parseClock(parts[1])
	if err != nil {
		return 0, 0, err
	}
	return start, end, nil
}

func parseClock(s string) (int, error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("malformed clock %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, err
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, err
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("clock out of range %q", s)
	}
	return h*60 + m, nil
}

// VoicePreferences gate outbound voice notifications per provider
type VoicePreferences struct {
	CallsEnabled     bool   `json:"calls_enabled"`
	QuietHoursStart  string `json:"quiet_hours_start,omitempty"` // "HH:MM" local
	QuietHoursEnd    string `json:"quiet_hours_end,omitempty"`   // "HH:MM" local
	MaxCallsPerHour  int    `json:"max_calls_per_hour"`
	MinUrgency       string `json:"min_urgency"` // low|normal|high|urgent
}

// InQuietHours reports whether t's local clock time falls inside the quiet
// window. Windows that span midnight (22:00-07:00) include 23:30 and 03:00
// and exclude 12:00.
func (v VoicePreferences) InQuietHours(t time.Time) bool {
	if v.QuietHoursStart == "" || v.QuietHoursEnd == "" {
		return false
	}
	start, err := parseClock(v.QuietHoursStart)
	if err != nil {
		return false
	}
	end, err := parseClock(v.QuietHoursEnd)
	if err != nil {
		return false
	}
	minutes := t.Hour()*60 + t.Minute()
	if start <= end {
		return minutes >= start && minutes < end
	}
	// midnight wrap-around
	return minutes >= start || minutes < end
}

// FindCriteria is the eligibility query the geo index issues
type FindCriteria struct {
	ServiceKind string
	Lat         float64
	Lon         float64
	RadiusKm    float64
	Scheduled   bool
	ScheduledFor time.Time
	Freshness   time.Duration
	Now         time.Time
}

// Repository is the provider projection read contract
type Repository interface {
	// FindEligible returns providers matching the criteria before distance
	// filtering and ranking; the geo index applies both
	FindEligible(ctx context.Context, criteria FindCriteria) ([]Provider, error)

	// GetForDispatch returns the projection for per-offer enrichment
	GetForDispatch(ctx context.Context, id string) (Provider, error)

	// UpdateLocation records a fresh location fix for a provider
	UpdateLocation(ctx context.Context, id string, lat, lon float64, at time.Time) error
}
