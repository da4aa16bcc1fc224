package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/atmx/settlement-engine/internal/model"
)

// errorResponse is the JSON body of every failed request.
type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable"`
}

// statusFor maps the failure taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrParam):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrInvalidCaller):
		return http.StatusUnauthorized
	case errors.Is(err, model.ErrNotAllowed):
		return http.StatusForbidden
	case errors.Is(err, model.ErrInvalidPairID), errors.Is(err, model.ErrIntentNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrDuplicatePair),
		errors.Is(err, model.ErrIntentExhausted),
		errors.Is(err, model.ErrNothingToClaim),
		errors.Is(err, model.ErrRouteInvalid),
		errors.Is(err, model.ErrSlippageExceeded):
		return http.StatusConflict
	case errors.Is(err, model.ErrUnfundable), errors.Is(err, model.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrStalePrice):
		return http.StatusServiceUnavailable
	case errors.Is(err, model.ErrListing):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		msg = "internal error"
	}
	writeJSON(w, status, errorResponse{Error: msg, Code: model.Code(err), Retryable: model.Retryable(err)})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
