package app

import (
	"net/http"
	"sync/atomic"

	chiprometheus "github.com/766b/chi-prometheus"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	bookinghandler "github.com/onhand/dispatch-core/internal/booking/handler"
	"github.com/onhand/dispatch-core/internal/container"
	"github.com/onhand/dispatch-core/internal/platform/httputil"
	"github.com/onhand/dispatch-core/internal/platform/middleware"

	_ "github.com/onhand/dispatch-core/docs" // swagger spec
)

// healthy flips to false when shutdown begins so load balancers drain early
var healthy atomic.Bool

func init() {
	healthy.Store(true)
}

// NewRouter builds the HTTP surface: health, metrics, swagger, the push bus
// upgrade endpoint, and the authenticated booking REST surface.
func NewRouter(c *container.Container) http.Handler {
	cfg := c.Config
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	if cfg.Server.EnableCORS {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.Server.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: true,
		}))
	}
	if cfg.Metrics.Enabled {
		r.Use(chiprometheus.NewMiddleware(cfg.App.Name))
	}
	r.Use(middleware.RequestLogger(c.Logger, cfg.Logging.SkipPaths))
	r.Use(middleware.Recovery(c.Logger))
	r.Use(chimiddleware.RequestSize(cfg.Server.MaxRequestSize))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		if !healthy.Load() {
			httputil.JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "shutting_down"})
			return
		}
		httputil.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	if cfg.Metrics.Enabled {
		r.Handle(cfg.Metrics.Path, promhttp.Handler())
	}

	r.Get("/swagger/*", httpSwagger.Handler())

	// bus handshake happens in-band after the upgrade
	r.Get("/ws", c.Hub.ServeWS)

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(c.AuthMiddleware.Authenticate)
		api.Route("/bookings", bookinghandler.NewHandler(c.BookingService).Routes)
	})

	return otelhttp.NewHandler(r, "dispatch-core")
}

// MarkUnhealthy flips the health endpoint for the pre-shutdown phase
func MarkUnhealthy() {
	healthy.Store(false)
}
