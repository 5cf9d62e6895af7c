package http

import (
	"context"
	"net/http"
	"time"

	"github.com/con2/emticketen/internal/app"
	"github.com/con2/emticketen/internal/domain"
)

// PoolProvisioner creates pools.
type PoolProvisioner interface {
	Provision(ctx context.Context, in app.ProvisionInput) (domain.Pool, bool, error)
}

// PoolReader answers pool queries.
type PoolReader interface {
	Status(ctx context.Context, poolID string) (app.PoolStatus, error)
	List(ctx context.Context) ([]app.PoolStatus, error)
}

// PoolReclaimer returns lapsed holds of a pool.
type PoolReclaimer interface {
	Reclaim(ctx context.Context, poolID string) (int, error)
}

type provisionPoolRequest struct {
	Name     string `json:"name"`
	Capacity int    `json:"capacity"`
}

type poolCounts struct {
	Available int `json:"available"`
	Held      int `json:"held"`
	Sold      int `json:"sold"`
}

type poolResponse struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	Capacity  int         `json:"capacity"`
	CreatedAt time.Time   `json:"created_at"`
	Counts    *poolCounts `json:"counts,omitempty"`
	Available *bool       `json:"available,omitempty"`
}

func newPoolResponse(p domain.Pool) poolResponse {
	return poolResponse{
		ID:        p.ID,
		Name:      p.Name,
		Capacity:  p.Capacity,
		CreatedAt: p.CreatedAt,
	}
}

func newPoolStatusResponse(st app.PoolStatus) poolResponse {
	resp := newPoolResponse(st.Pool)
	resp.Counts = &poolCounts{
		Available: st.Counts.Available,
		Held:      st.Counts.Held,
		Sold:      st.Counts.Sold,
	}
	claimable := st.Claimable
	resp.Available = &claimable
	return resp
}

// HandleProvisionPool creates a pool, or returns the existing one with the
// same name and capacity.
func HandleProvisionPool(svc PoolProvisioner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req provisionPoolRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		pool, created, err := svc.Provision(r.Context(), app.ProvisionInput{
			Name:     req.Name,
			Capacity: req.Capacity,
		})
		if err != nil {
			writeDomainError(w, r, err)
			return
		}

		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		writeJSON(w, status, newPoolResponse(pool))
	}
}

func HandleListPools(svc PoolReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pools, err := svc.List(r.Context())
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		resp := make([]poolResponse, 0, len(pools))
		for _, st := range pools {
			resp = append(resp, newPoolStatusResponse(st))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func HandleGetPool(svc PoolReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := svc.Status(r.Context(), r.PathValue("id"))
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, newPoolStatusResponse(st))
	}
}

type reclaimResponse struct {
	Reclaimed int `json:"reclaimed"`
}

// HandleReclaimPool runs an on-demand sweep of one pool.
func HandleReclaimPool(svc PoolReclaimer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := svc.Reclaim(r.Context(), r.PathValue("id"))
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, reclaimResponse{Reclaimed: n})
	}
}
