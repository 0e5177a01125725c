package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"iacnotify/internal/model"
)

// Error codes returned in the "code" field.
const (
	CodeValidation  = "validation_error"
	CodeNotFound    = "not_found"
	CodeStore       = "store_error"
	CodeRateLimited = "rate_limited"
	CodeBadRequest  = "bad_request"
	CodeInternal    = "internal"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string, fields map[string]string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: msg, Fields: fields}})
}

// writeServiceError maps service errors onto HTTP statuses.
func (a *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *model.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, CodeValidation, "event rejected", verr.Fields)
	case errors.Is(err, model.ErrValidation):
		writeError(w, http.StatusBadRequest, CodeValidation, err.Error(), nil)
	case errors.Is(err, model.ErrNotFound):
		writeError(w, http.StatusNotFound, CodeNotFound, err.Error(), nil)
	case errors.Is(err, model.ErrStore):
		a.log.Error("history store failure", requestFields(r, err)...)
		writeError(w, http.StatusInternalServerError, CodeStore, "history store unavailable", nil)
	default:
		a.log.Error("request failed", requestFields(r, err)...)
		writeError(w, http.StatusInternalServerError, CodeInternal, "internal error", nil)
	}
}
