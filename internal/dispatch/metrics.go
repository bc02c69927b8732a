package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects dispatch counters for Prometheus
type Metrics struct {
	OffersEmitted     prometheus.Counter
	OffersExpired     prometheus.Counter
	OffersDeclined    prometheus.Counter
	AcceptWins        prometheus.Counter
	AcceptConflicts   prometheus.Counter
	RadiusExpansions  prometheus.Counter
	BookingsAssigned  prometheus.Counter
	BookingsExhausted prometheus.Counter
	TickDuration      prometheus.Histogram
}

// NewMetrics registers the dispatch metrics on the given registerer
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		OffersEmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "offers_emitted_total",
			Help:      "Offers created across all waves",
		}),
		OffersExpired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "offers_expired_total",
			Help:      "Offers reaped after their TTL elapsed",
		}),
		OffersDeclined: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "offers_declined_total",
			Help:      "Offers declined by providers",
		}),
		AcceptWins: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "accept_wins_total",
			Help:      "Accept requests that won the assignment",
		}),
		AcceptConflicts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "accept_conflicts_total",
			Help:      "Accept requests that lost to a concurrent winner",
		}),
		RadiusExpansions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "radius_expansions_total",
			Help:      "Search waves beyond the first",
		}),
		BookingsAssigned: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bookings_assigned_total",
			Help:      "Bookings that found a provider",
		}),
		BookingsExhausted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bookings_no_providers_total",
			Help:      "Bookings that ended in no_providers_found",
		}),
		TickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Wall time of one dispatcher tick",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}
