package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/lvlparking/pricelab/internal/domain"
	"github.com/lvlparking/pricelab/internal/validator"
)

// ExperimentService defines what the experiment handler requires from the
// service layer.
type ExperimentService interface {
	Create(ctx context.Context, req validator.Request) (domain.Experiment, error)
	Get(ctx context.Context, id string) (domain.Experiment, []domain.Result, error)
	List(ctx context.Context, opts domain.ListOpts) ([]domain.Experiment, error)
	Evaluate(ctx context.Context, id string) ([]domain.Result, error)
	Abort(ctx context.Context, id, requestedBy string) error
	AuditTrail(ctx context.Context, limit, offset int) ([]domain.AuditEntry, error)
}

// ExperimentHandler serves experiment lifecycle HTTP endpoints.
type ExperimentHandler struct {
	experiments ExperimentService
	logger      *slog.Logger
}

// NewExperimentHandler creates an ExperimentHandler.
func NewExperimentHandler(experiments ExperimentService, logger *slog.Logger) *ExperimentHandler {
	return &ExperimentHandler{
		experiments: experiments,
		logger:      logger,
	}
}

// --- wire types ------------------------------------------------------------

type createExperimentRequest struct {
	ZoneID      string    `json:"zone_id"`
	LocationID  *string   `json:"location_id,omitempty"`
	Daypart     string    `json:"daypart"`
	DOW         int       `json:"dow"`
	Deltas      []float64 `json:"deltas,omitempty"`
	HorizonDays int       `json:"horizon_days,omitempty"`
	CreatedBy   string    `json:"created_by"`
}

type armView struct {
	ID        string               `json:"id"`
	Delta     float64              `json:"delta"`
	Control   bool                 `json:"control"`
	Status    string               `json:"status"`
	ChangeRef *string              `json:"change_ref,omitempty"`
	Attempts  int                  `json:"attempts"`
	AppliedAt *time.Time           `json:"applied_at,omitempty"`
	Proposal  domain.PriceProposal `json:"proposal"`
}

type experimentView struct {
	ID             string     `json:"id"`
	ZoneID         string     `json:"zone_id"`
	LocationID     *string    `json:"location_id,omitempty"`
	Daypart        string     `json:"daypart"`
	DOW            int        `json:"dow"`
	Deltas         []float64  `json:"deltas"`
	HorizonDays    int        `json:"horizon_days"`
	Status         string     `json:"status"`
	AbortRequested bool       `json:"abort_requested"`
	EvalFailures   int        `json:"eval_failures"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	EndsAt         *time.Time `json:"ends_at,omitempty"`
	CreatedBy      string     `json:"created_by"`
	CreatedAt      time.Time  `json:"created_at"`
	Arms           []armView  `json:"arms,omitempty"`
}

type resultView struct {
	ArmID         string    `json:"arm_id"`
	WindowStart   time.Time `json:"window_start"`
	WindowEnd     time.Time `json:"window_end"`
	RevPSH        *float64  `json:"rev_psh"`
	Occupancy     *float64  `json:"occupancy_ratio"`
	LiftRevPSH    *float64  `json:"lift_rev_psh"`
	LiftOccupancy *float64  `json:"lift_occupancy"`
	SampleCount   int64     `json:"sample_count"`
	Method        string    `json:"method"`
	ComputedAt    time.Time `json:"computed_at"`
}

func viewOfExperiment(e domain.Experiment) experimentView {
	v := experimentView{
		ID:             e.ID,
		ZoneID:         e.ZoneID,
		LocationID:     e.LocationID,
		Daypart:        string(e.Daypart),
		DOW:            e.DOW,
		Deltas:         e.Deltas,
		HorizonDays:    e.HorizonDays,
		Status:         string(e.Status),
		AbortRequested: e.AbortRequested,
		EvalFailures:   e.EvalFailures,
		StartedAt:      e.StartedAt,
		EndsAt:         e.EndsAt,
		CreatedBy:      e.CreatedBy,
		CreatedAt:      e.CreatedAt,
	}
	for _, a := range e.Arms {
		v.Arms = append(v.Arms, armView{
			ID:        a.ID,
			Delta:     a.Delta,
			Control:   a.Control,
			Status:    string(a.Status),
			ChangeRef: a.ChangeRef,
			Attempts:  a.Attempts,
			AppliedAt: a.AppliedAt,
			Proposal:  a.Proposal,
		})
	}
	return v
}

func viewOfResults(results []domain.Result) []resultView {
	views := make([]resultView, 0, len(results))
	for _, r := range results {
		views = append(views, resultView{
			ArmID:         r.ArmID,
			WindowStart:   r.WindowStart,
			WindowEnd:     r.WindowEnd,
			RevPSH:        r.RevPSH,
			Occupancy:     r.Occupancy,
			LiftRevPSH:    r.LiftRevPSH,
			LiftOccupancy: r.LiftOccupancy,
			SampleCount:   r.SampleCount,
			Method:        string(r.Method),
			ComputedAt:    r.ComputedAt,
		})
	}
	return views
}

// --- endpoints -------------------------------------------------------------

// CreateExperiment validates and schedules a new experiment.
// POST /api/experiments
func (h *ExperimentHandler) CreateExperiment(w http.ResponseWriter, r *http.Request) {
	var req createExperimentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	exp, err := h.experiments.Create(r.Context(), validator.Request{
		ZoneID:      req.ZoneID,
		LocationID:  req.LocationID,
		Daypart:     domain.Daypart(req.Daypart),
		DOW:         req.DOW,
		Deltas:      req.Deltas,
		HorizonDays: req.HorizonDays,
		CreatedBy:   req.CreatedBy,
	})
	if err != nil {
		if ve, ok := domain.AsValidationError(err); ok {
			writeValidationError(w, ve)
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: create experiment failed",
			slog.String("zone_id", req.ZoneID),
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to create experiment")
		return
	}

	writeJSON(w, http.StatusCreated, viewOfExperiment(exp))
}

// ListExperiments returns experiments filtered by zone and status.
// GET /api/experiments?zone_id=...&status=...&limit=50&offset=0
func (h *ExperimentHandler) ListExperiments(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	if opts.Status != "" {
		switch opts.Status {
		case domain.ExperimentStatusScheduled, domain.ExperimentStatusRunning,
			domain.ExperimentStatusComplete, domain.ExperimentStatusAborted:
		default:
			writeError(w, http.StatusBadRequest, "unknown status filter")
			return
		}
	}

	exps, err := h.experiments.List(r.Context(), opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list experiments failed",
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list experiments")
		return
	}

	views := make([]experimentView, 0, len(exps))
	for _, e := range exps {
		views = append(views, viewOfExperiment(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"experiments": views})
}

// GetExperiment returns one experiment with arms and results.
// GET /api/experiments/{id}
func (h *ExperimentHandler) GetExperiment(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing experiment id")
		return
	}

	exp, results, err := h.experiments.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "experiment not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get experiment failed",
			slog.String("experiment_id", id),
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to get experiment")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"experiment": viewOfExperiment(exp),
		"results":    viewOfResults(results),
	})
}

// EvaluateExperiment runs an on-demand evaluation and returns fresh results.
// POST /api/experiments/{id}/evaluate
func (h *ExperimentHandler) EvaluateExperiment(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing experiment id")
		return
	}

	results, err := h.experiments.Evaluate(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			writeError(w, http.StatusNotFound, "experiment not found")
		case errors.Is(err, domain.ErrNotEvaluatable):
			writeError(w, http.StatusConflict, "experiment is not running")
		default:
			var evalErr *domain.EvalError
			if errors.As(err, &evalErr) {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{
					"error":  "metrics are temporarily unavailable",
					"reason": string(evalErr.Reason),
				})
				return
			}
			h.logger.ErrorContext(r.Context(), "handler: evaluate experiment failed",
				slog.String("experiment_id", id),
				slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "failed to evaluate experiment")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"results": viewOfResults(results)})
}

// AbortExperiment flags the experiment for abort on the next scheduler pass.
// POST /api/experiments/{id}/abort
func (h *ExperimentHandler) AbortExperiment(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing experiment id")
		return
	}

	var body struct {
		RequestedBy string `json:"requested_by"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body) // body is optional

	if err := h.experiments.Abort(r.Context(), id, body.RequestedBy); err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			writeError(w, http.StatusNotFound, "experiment not found")
		case errors.Is(err, domain.ErrStaleStatus):
			writeError(w, http.StatusConflict, "experiment already finished")
		default:
			h.logger.ErrorContext(r.Context(), "handler: abort experiment failed",
				slog.String("experiment_id", id),
				slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "failed to abort experiment")
		}
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":        "abort_requested",
		"experiment_id": id,
	})
}

// ListAudit returns recent audit log entries.
// GET /api/audit?limit=50&offset=0
func (h *ExperimentHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)

	entries, err := h.experiments.AuditTrail(r.Context(), opts.Limit, opts.Offset)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list audit failed",
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list audit entries")
		return
	}

	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
