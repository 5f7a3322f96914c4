package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/lvlparking/pricelab/internal/domain"
)

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeValidationError maps a rejected request to a 422 carrying the
// machine-readable reason code.
func writeValidationError(w http.ResponseWriter, ve *domain.ValidationError) {
	status := http.StatusUnprocessableEntity
	switch ve.Reason {
	case domain.ReasonBadRequest:
		status = http.StatusBadRequest
	case domain.ReasonActiveConflict:
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{
		"error":  ve.Detail,
		"reason": string(ve.Reason),
	})
}

// parseListOpts extracts standard pagination and filter parameters from the
// query string. Defaults: limit=50 (max 500), offset=0.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}

	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	return domain.ListOpts{
		Limit:  limit,
		Offset: offset,
		ZoneID: q.Get("zone_id"),
		Status: domain.ExperimentStatus(q.Get("status")),
	}
}

// pathParam extracts a named path parameter using Go 1.22+ routing.
func pathParam(r *http.Request, name string) string {
	return r.PathValue(name)
}
