package delivery

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/bissquit/campaign-relay/internal/pkg/httputil"
	"github.com/bissquit/campaign-relay/internal/warmup"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

var errorMappings = []httputil.ErrorMapping{
	{Error: ErrCampaignNotFound, Status: http.StatusNotFound, Message: "campaign not found"},
	{Error: ErrCampaignCompleted, Status: http.StatusConflict, Message: "campaign already completed"},
	{Error: ErrInvalidTransition, Status: http.StatusConflict},
}

// Handler handles HTTP requests for campaign delivery.
type Handler struct {
	service   *Service
	validator *validator.Validate
}

// NewHandler creates a new delivery handler.
func NewHandler(service *Service) *Handler {
	return &Handler{
		service:   service,
		validator: validator.New(),
	}
}

// RegisterRoutes registers delivery routes (require operator auth).
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/campaigns/{id}", func(r chi.Router) {
		r.Post("/send", h.RequestSend)
		r.Post("/pause", h.Pause)
		r.Post("/resume", h.Resume)
		r.Post("/retry-failed", h.RetryFailed)
		r.Get("/progress", h.GetProgress)
	})
	r.Post("/suppressions", h.AddSuppression)
	r.Get("/warmup/schedule", h.GetWarmupSchedule)
}

// CampaignActionResponse is returned by lifecycle actions.
type CampaignActionResponse struct {
	CampaignID string `json:"campaign_id"`
	Action     string `json:"action"`
	Reset      *int64 `json:"reset,omitempty"`
}

// AddSuppressionRequest represents the request body for POST /suppressions.
type AddSuppressionRequest struct {
	Email  string `json:"email" validate:"required,email"`
	Reason string `json:"reason" validate:"max=255"`
}

// WarmupScheduleQuery holds query parameters of GET /warmup/schedule.
type WarmupScheduleQuery struct {
	Days       int     `validate:"min=1,max=365"`
	Base       int     `validate:"min=0"`
	Multiplier float64 `validate:"gt=0"`
	Cap        int     `validate:"min=0"`
}

// WarmupScheduleResponse lists daily quotas starting at day 0.
type WarmupScheduleResponse struct {
	Days       int     `json:"days"`
	Base       int     `json:"base"`
	Multiplier float64 `json:"multiplier"`
	Cap        int     `json:"cap"`
	Quotas     []int   `json:"quotas"`
}

// RequestSend handles POST /campaigns/{id}/send.
func (h *Handler) RequestSend(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.service.RequestSend(r.Context(), id); err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Accepted(w, CampaignActionResponse{CampaignID: id, Action: "send"})
}

// Pause handles POST /campaigns/{id}/pause.
func (h *Handler) Pause(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.service.Pause(r.Context(), id); err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, CampaignActionResponse{CampaignID: id, Action: "pause"})
}

// Resume handles POST /campaigns/{id}/resume.
func (h *Handler) Resume(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.service.Resume(r.Context(), id); err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Accepted(w, CampaignActionResponse{CampaignID: id, Action: "resume"})
}

// RetryFailed handles POST /campaigns/{id}/retry-failed.
func (h *Handler) RetryFailed(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	reset, err := h.service.RetryFailed(r.Context(), id)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Accepted(w, CampaignActionResponse{CampaignID: id, Action: "retry-failed", Reset: &reset})
}

// GetProgress handles GET /campaigns/{id}/progress.
func (h *Handler) GetProgress(w http.ResponseWriter, r *http.Request) {
	progress, err := h.service.Progress(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, progress)
}

// AddSuppression handles POST /suppressions.
func (h *Handler) AddSuppression(w http.ResponseWriter, r *http.Request) {
	var req AddSuppressionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	if err := h.service.AddSuppression(r.Context(), req.Email, req.Reason); err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusCreated, map[string]string{"email": NormalizeEmail(req.Email)})
}

// GetWarmupSchedule handles GET /warmup/schedule.
func (h *Handler) GetWarmupSchedule(w http.ResponseWriter, r *http.Request) {
	query, err := parseWarmupQuery(r)
	if err != nil {
		httputil.ValidationError(w, err)
		return
	}

	if err := h.validator.Struct(query); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	quotas, err := warmup.GenerateSchedule(query.Days, query.Base, query.Multiplier, query.Cap)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, WarmupScheduleResponse{
		Days:       query.Days,
		Base:       query.Base,
		Multiplier: query.Multiplier,
		Cap:        query.Cap,
		Quotas:     quotas,
	})
}

func parseWarmupQuery(r *http.Request) (WarmupScheduleQuery, error) {
	q := WarmupScheduleQuery{
		Days:       14,
		Base:       warmup.DefaultBase,
		Multiplier: warmup.DefaultMultiplier,
		Cap:        warmup.DefaultCap,
	}
	values := r.URL.Query()

	var err error
	if v := values.Get("days"); v != "" {
		if q.Days, err = strconv.Atoi(v); err != nil {
			return q, fmt.Errorf("days: %w", err)
		}
	}
	if v := values.Get("base"); v != "" {
		if q.Base, err = strconv.Atoi(v); err != nil {
			return q, fmt.Errorf("base: %w", err)
		}
	}
	if v := values.Get("multiplier"); v != "" {
		if q.Multiplier, err = strconv.ParseFloat(v, 64); err != nil {
			return q, fmt.Errorf("multiplier: %w", err)
		}
	}
	if v := values.Get("cap"); v != "" {
		if q.Cap, err = strconv.Atoi(v); err != nil {
			return q, fmt.Errorf("cap: %w", err)
		}
	}
	return q, nil
}
