package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/lvlparking/pricelab/internal/domain"
)

// PolicyService supplies the active merged guardrail policy.
type PolicyService interface {
	Policy(ctx context.Context, zoneID string) (domain.Policy, error)
}

// PolicyHandler serves the guardrail policy endpoint.
type PolicyHandler struct {
	policies PolicyService
	logger   *slog.Logger
}

// NewPolicyHandler creates a PolicyHandler.
func NewPolicyHandler(policies PolicyService, logger *slog.Logger) *PolicyHandler {
	return &PolicyHandler{policies: policies, logger: logger}
}

// GetPolicy returns the active merged policy for a zone.
// GET /api/policy?zone_id=...
func (h *PolicyHandler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	zoneID := r.URL.Query().Get("zone_id")
	if zoneID == "" {
		writeError(w, http.StatusBadRequest, "zone_id query parameter required")
		return
	}

	pol, err := h.policies.Policy(r.Context(), zoneID)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: get policy failed",
			slog.String("zone_id", zoneID),
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to load policy")
		return
	}

	writeJSON(w, http.StatusOK, pol)
}
