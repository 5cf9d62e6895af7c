package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/con2/emticketen/internal/domain"
)

func TestWriteDomainError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("%w: quantity must be at least 1", domain.ErrInvalidRequest), http.StatusBadRequest, codeInvalidRequest},
		{domain.ErrPoolNotFound, http.StatusNotFound, codePoolNotFound},
		{fmt.Errorf("get reservation: %w", domain.ErrReservationNotFound), http.StatusNotFound, codeReservationNotFound},
		{domain.ErrNotFound, http.StatusNotFound, codeNotFound},
		{domain.ErrForbidden, http.StatusForbidden, codeForbidden},
		{domain.ErrAlreadyConfirmed, http.StatusConflict, codeAlreadyConfirmed},
		{fmt.Errorf("reservation r: %w", domain.ErrExpired), http.StatusGone, codeExpired},
		{domain.ErrInsufficientInventory, http.StatusConflict, codeInsufficientInventory},
		{domain.ErrIdempotencyConflict, http.StatusConflict, codeIdempotencyConflict},
		{domain.ErrCapacityMismatch, http.StatusConflict, codeCapacityMismatch},
		{fmt.Errorf("claim: %w after 5 attempts: %w", domain.ErrUnavailable, domain.ErrSerializationConflict), http.StatusServiceUnavailable, codeUnavailable},
		{errors.New("boom"), http.StatusInternalServerError, codeInternalError},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			rec := httptest.NewRecorder()

			writeDomainError(rec, req, tc.err)

			if rec.Code != tc.status {
				t.Fatalf("expected status %d, got %d", tc.status, rec.Code)
			}
			var resp errorResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("decode response: %v", err)
			}
			if resp.Code != tc.code {
				t.Fatalf("expected code %s, got %s", tc.code, resp.Code)
			}
		})
	}
}

func TestWriteDomainError_HidesInternalDetail(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()

	writeDomainError(rec, req, errors.New("dial tcp 10.0.0.5:5432: connection refused"))

	var resp errorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error != "internal error" {
		t.Fatalf("expected generic message, got %q", resp.Error)
	}
}

func TestWriteDomainError_UnavailableSetsRetryAfter(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	rec := httptest.NewRecorder()

	writeDomainError(rec, req, domain.ErrUnavailable)

	if got := rec.Header().Get("Retry-After"); got != "1" {
		t.Fatalf("expected Retry-After 1, got %q", got)
	}
}
