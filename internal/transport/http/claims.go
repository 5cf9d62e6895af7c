package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/con2/emticketen/internal/app"
	"github.com/con2/emticketen/internal/domain"
)

const idempotencyHeader = "Idempotency-Key"

// Claimer is the minimal interface needed to claim units.
type Claimer interface {
	Claim(ctx context.Context, in app.ClaimInput) (domain.Reservation, error)
}

type claimRequest struct {
	HolderID       string `json:"holder_id"`
	Quantity       int    `json:"quantity"`
	HoldTTLSeconds int    `json:"hold_ttl_seconds"`
}

func (r claimRequest) validate() error {
	if r.HolderID == "" {
		return fmt.Errorf("%w: holder_id is required", domain.ErrInvalidRequest)
	}
	if r.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive", domain.ErrInvalidRequest)
	}
	if r.HoldTTLSeconds < 0 {
		return fmt.Errorf("%w: hold_ttl_seconds must not be negative", domain.ErrInvalidRequest)
	}
	return nil
}

type claimResponse struct {
	ReservationID string    `json:"reservation_id"`
	PoolID        string    `json:"pool_id"`
	HolderID      string    `json:"holder_id"`
	UnitIDs       []int64   `json:"unit_ids"`
	Requested     int       `json:"requested"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// HandleClaim reserves units of the pool named in the path. Repeating a claim
// with the same Idempotency-Key returns the original reservation.
func HandleClaim(svc Claimer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req claimRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if err := req.validate(); err != nil {
			writeDomainError(w, r, err)
			return
		}

		rsv, err := svc.Claim(r.Context(), app.ClaimInput{
			PoolID:         r.PathValue("id"),
			Quantity:       req.Quantity,
			HolderID:       req.HolderID,
			HoldTTL:        time.Duration(req.HoldTTLSeconds) * time.Second,
			IdempotencyKey: r.Header.Get(idempotencyHeader),
		})
		if err != nil {
			writeDomainError(w, r, err)
			return
		}

		writeJSON(w, http.StatusCreated, claimResponse{
			ReservationID: rsv.ID,
			PoolID:        rsv.PoolID,
			HolderID:      rsv.HolderID,
			UnitIDs:       rsv.UnitIDs,
			Requested:     rsv.Requested,
			ExpiresAt:     rsv.ExpiresAt,
		})
	}
}
