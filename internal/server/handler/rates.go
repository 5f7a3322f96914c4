package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/lvlparking/pricelab/internal/domain"
)

// RatesService defines what the rates handler needs: on-demand inference and
// access to stored plans.
type RatesService interface {
	Infer(ctx context.Context, zoneID string, daypart domain.Daypart, dow int) (domain.RatePlan, error)
}

// RatesHandler serves rate plan inference and lookup endpoints.
type RatesHandler struct {
	inferrer RatesService
	plans    domain.RatePlanStore
	logger   *slog.Logger
}

// NewRatesHandler creates a RatesHandler.
func NewRatesHandler(inferrer RatesService, plans domain.RatePlanStore, logger *slog.Logger) *RatesHandler {
	return &RatesHandler{
		inferrer: inferrer,
		plans:    plans,
		logger:   logger,
	}
}

type ratePlanView struct {
	ZoneID     string            `json:"zone_id"`
	LocationID *string           `json:"location_id,omitempty"`
	Daypart    string            `json:"daypart"`
	DOW        int               `json:"dow"`
	Tiers      []domain.RateTier `json:"tiers"`
	Source     string            `json:"source"`
	InferredAt time.Time         `json:"inferred_at"`
}

func viewOfPlan(p domain.RatePlan) ratePlanView {
	return ratePlanView{
		ZoneID:     p.ZoneID,
		LocationID: p.LocationID,
		Daypart:    string(p.Daypart),
		DOW:        p.DOW,
		Tiers:      p.Tiers,
		Source:     p.Source,
		InferredAt: p.CreatedAt,
	}
}

// InferRates runs tier inference for a segment and returns the stored plan.
// POST /api/rates/infer
func (h *RatesHandler) InferRates(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ZoneID  string `json:"zone_id"`
		Daypart string `json:"daypart"`
		DOW     int    `json:"dow"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.ZoneID == "" {
		writeError(w, http.StatusBadRequest, "zone_id is required")
		return
	}
	daypart := domain.Daypart(req.Daypart)
	if !daypart.Valid() {
		writeError(w, http.StatusBadRequest, "daypart must be morning or evening")
		return
	}
	if req.DOW < 0 || req.DOW > 6 {
		writeError(w, http.StatusBadRequest, "dow must be 0-6")
		return
	}

	plan, err := h.inferrer.Infer(r.Context(), req.ZoneID, daypart, req.DOW)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: rate inference failed",
			slog.String("zone_id", req.ZoneID),
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to infer rates")
		return
	}

	writeJSON(w, http.StatusOK, viewOfPlan(plan))
}

// ListRates returns all stored rate plans for a zone.
// GET /api/rates?zone_id=...
func (h *RatesHandler) ListRates(w http.ResponseWriter, r *http.Request) {
	zoneID := r.URL.Query().Get("zone_id")
	if zoneID == "" {
		writeError(w, http.StatusBadRequest, "zone_id query parameter required")
		return
	}

	plans, err := h.plans.ListByZone(r.Context(), zoneID)
	if err != nil {
		if errors.Is(err, domain.ErrNoRatePlan) {
			writeJSON(w, http.StatusOK, map[string]any{"plans": []ratePlanView{}})
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: list rates failed",
			slog.String("zone_id", zoneID),
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list rate plans")
		return
	}

	views := make([]ratePlanView, 0, len(plans))
	for _, p := range plans {
		views = append(views, viewOfPlan(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"plans": views})
}
