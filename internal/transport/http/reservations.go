package http

import (
	"context"
	"net/http"
	"time"

	"github.com/con2/emticketen/internal/app"
	"github.com/con2/emticketen/internal/domain"
)

type ReservationReader interface {
	Reservation(ctx context.Context, reservationID string) (domain.Reservation, error)
}

type Confirmer interface {
	Confirm(ctx context.Context, reservationID, holderID string) (app.ConfirmResult, error)
}

type Releaser interface {
	Release(ctx context.Context, reservationID, holderID string) error
}

type holderRequest struct {
	HolderID string `json:"holder_id"`
}

type reservationResponse struct {
	ID             string    `json:"id"`
	PoolID         string    `json:"pool_id"`
	HolderID       string    `json:"holder_id"`
	UnitIDs        []int64   `json:"unit_ids"`
	Requested      int       `json:"requested"`
	Status         string    `json:"status"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type confirmResponse struct {
	ReservationID string  `json:"reservation_id"`
	UnitIDs       []int64 `json:"unit_ids"`
	Status        string  `json:"status"`
}

func HandleGetReservation(svc ReservationReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rsv, err := svc.Reservation(r.Context(), r.PathValue("id"))
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, reservationResponse{
			ID:             rsv.ID,
			PoolID:         rsv.PoolID,
			HolderID:       rsv.HolderID,
			UnitIDs:        rsv.UnitIDs,
			Requested:      rsv.Requested,
			Status:         string(rsv.Status),
			IdempotencyKey: rsv.IdempotencyKey,
			CreatedAt:      rsv.CreatedAt,
			ExpiresAt:      rsv.ExpiresAt,
			UpdatedAt:      rsv.UpdatedAt,
		})
	}
}

// HandleConfirm sells the units of a reservation to its holder.
func HandleConfirm(svc Confirmer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req holderRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		res, err := svc.Confirm(r.Context(), r.PathValue("id"), req.HolderID)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, confirmResponse{
			ReservationID: res.Reservation.ID,
			UnitIDs:       res.UnitIDs,
			Status:        string(res.Reservation.Status),
		})
	}
}

// HandleRelease gives a reservation's units back before its hold lapses.
func HandleRelease(svc Releaser) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req holderRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if err := svc.Release(r.Context(), r.PathValue("id"), req.HolderID); err != nil {
			writeDomainError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
