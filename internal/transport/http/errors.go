package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/con2/emticketen/internal/domain"
)

const (
	codeNotFound              = "not_found"
	codePoolNotFound          = "pool_not_found"
	codeReservationNotFound   = "reservation_not_found"
	codeInvalidRequestBody    = "invalid_request_body"
	codeInvalidRequest        = "invalid_request"
	codeForbidden             = "forbidden"
	codeAlreadyConfirmed      = "already_confirmed"
	codeExpired               = "expired"
	codeInsufficientInventory = "insufficient_inventory"
	codeIdempotencyConflict   = "idempotency_conflict"
	codeCapacityMismatch      = "capacity_mismatch"
	codeUnavailable           = "unavailable"
	codeInternalError         = "internal_error"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	payload, err := json.Marshal(errorResponse{
		Error: msg,
		Code:  code,
	})
	if err != nil {
		_, _ = w.Write([]byte(`{"error":"internal error","code":"internal_error"}`))
		return
	}
	_, _ = w.Write(payload)
}

// writeDomainError maps engine errors onto status codes. Anything it does not
// recognise is logged and reported as a bare 500.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, codeInvalidRequest, err.Error())
	case errors.Is(err, domain.ErrPoolNotFound):
		writeError(w, http.StatusNotFound, codePoolNotFound, err.Error())
	case errors.Is(err, domain.ErrReservationNotFound):
		writeError(w, http.StatusNotFound, codeReservationNotFound, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, codeNotFound, err.Error())
	case errors.Is(err, domain.ErrForbidden):
		writeError(w, http.StatusForbidden, codeForbidden, err.Error())
	case errors.Is(err, domain.ErrAlreadyConfirmed):
		writeError(w, http.StatusConflict, codeAlreadyConfirmed, err.Error())
	case errors.Is(err, domain.ErrExpired):
		writeError(w, http.StatusGone, codeExpired, err.Error())
	case errors.Is(err, domain.ErrInsufficientInventory):
		writeError(w, http.StatusConflict, codeInsufficientInventory, err.Error())
	case errors.Is(err, domain.ErrIdempotencyConflict):
		writeError(w, http.StatusConflict, codeIdempotencyConflict, err.Error())
	case errors.Is(err, domain.ErrCapacityMismatch):
		writeError(w, http.StatusConflict, codeCapacityMismatch, err.Error())
	case errors.Is(err, domain.ErrUnavailable):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, codeUnavailable, "temporarily unavailable, retry")
	default:
		slog.ErrorContext(r.Context(), "unhandled error", "method", r.Method, "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
	}
}

// decodeJSON reads a strict JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
