package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/onhand/dispatch-core/internal/booking/domain"
	"github.com/onhand/dispatch-core/internal/booking/service"
	"github.com/onhand/dispatch-core/internal/platform/errors"
	"github.com/onhand/dispatch-core/internal/platform/httputil"
	"github.com/onhand/dispatch-core/internal/platform/middleware"
)

// Handler exposes the booking REST surface: the entry point that gives the
// dispatcher something to dispatch. Booking wizards, document upload, and
// the rest of the customer UI live outside the core.
type Handler struct {
	service  *service.Service
	validate *validator.Validate
}

// NewHandler creates the booking handler
func NewHandler(svc *service.Service) *Handler {
	return &Handler{
		service:  svc,
		validate: validator.New(),
	}
}

// Routes mounts the booking endpoints
func (h *Handler) Routes(r chi.Router) {
	r.Post("/", h.create)
	r.Get("/{id}", h.get)
	r.Post("/{id}/cancel", h.cancel)
	r.Get("/{id}/offers", h.listOffers)
}

// createRequest is the submission payload
type createRequest struct {
	ServiceKind   string   `json:"service_kind" validate:"required"`
	Kind          string   `json:"kind" validate:"required,oneof=instant scheduled"`
	Urgency       string   `json:"urgency" validate:"required,oneof=low normal high urgent"`
	Lat           float64  `json:"lat" validate:"min=-90,max=90"`
	Lon           float64  `json:"lon" validate:"min=-180,max=180"`
	Address       string   `json:"address" validate:"required"`
	ScheduledFor  *int64   `json:"scheduled_for,omitempty"` // unix ms
	Price         string   `json:"price" validate:"required"`
	PaymentMethod string   `json:"payment_method" validate:"required"`
	Notes         string   `json:"notes"`
}

// @Summary Create booking
// @Tags bookings
// @Accept json
// @Produce json
// @Param request body createRequest true "booking"
// @Success 201 {object} domain.Booking
// @Router /api/v1/bookings [post]
func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		httputil.Error(w, errors.ErrUnauthenticated)
		return
	}

	var req createRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		httputil.Error(w, errors.ErrValidation.WithDetails("reason", "malformed body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httputil.Error(w, errors.ErrValidation.WithCause(err))
		return
	}

	price, err := decimal.NewFromString(req.Price)
	if err != nil {
		httputil.Error(w, errors.ErrValidation.WithDetails("field", "price"))
		return
	}

	var scheduledFor *time.Time
	if req.ScheduledFor != nil {
		t := time.UnixMilli(*req.ScheduledFor)
		scheduledFor = &t
	}

	b, err := h.service.Create(r.Context(), identity, service.CreateInput{
		ServiceKind:   req.ServiceKind,
		Kind:          domain.Kind(req.Kind),
		Urgency:       domain.Urgency(req.Urgency),
		Lat:           req.Lat,
		Lon:           req.Lon,
		Address:       req.Address,
		ScheduledFor:  scheduledFor,
		Price:         price,
		PaymentMethod: req.PaymentMethod,
		Notes:         req.Notes,
	})
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusCreated, b)
}

// @Summary Get booking
// @Tags bookings
// @Produce json
// @Param id path string true "booking id"
// @Success 200 {object} domain.Booking
// @Router /api/v1/bookings/{id} [get]
func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		httputil.Error(w, errors.ErrUnauthenticated)
		return
	}

	b, err := h.service.Get(r.Context(), identity, chi.URLParam(r, "id"))
	if err != nil {
		httputil.Error(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, b)
}

// @Summary Cancel booking
// @Tags bookings
// @Param id path string true "booking id"
// @Success 204
// @Router /api/v1/bookings/{id}/cancel [post]
func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		httputil.Error(w, errors.ErrUnauthenticated)
		return
	}

	if err := h.service.Cancel(r.Context(), identity, chi.URLParam(r, "id")); err != nil {
		httputil.Error(w, err)
		return
	}
	httputil.NoContent(w)
}

// @Summary List live offers for a booking
// @Tags bookings
// @Produce json
// @Param id path string true "booking id"
// @Success 200 {array} offer.Offer
// @Router /api/v1/bookings/{id}/offers [get]
func (h *Handler) listOffers(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		httputil.Error(w, errors.ErrUnauthenticated)
		return
	}

	offers, err := h.service.ListOffers(r.Context(), identity, chi.URLParam(r, "id"))
	if err != nil {
		httputil.Error(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, offers)
}
