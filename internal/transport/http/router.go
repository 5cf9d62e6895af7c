package http

import (
	"net/http"

	"github.com/con2/emticketen/internal/app"
)

// Services are the engine components exposed over HTTP.
type Services struct {
	Pools     *app.PoolService
	Claimer   *app.Claimer
	Finalizer *app.Finalizer
	Reclaimer *app.Reclaimer
	Health    HealthCheck
}

// NewRouter wires every route onto a ServeMux. Unknown paths get a JSON 404.
func NewRouter(s Services) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", HandleHealth(s.Health))

	mux.HandleFunc("POST /pools", HandleProvisionPool(s.Pools))
	mux.HandleFunc("GET /pools", HandleListPools(s.Pools))
	mux.HandleFunc("GET /pools/{id}", HandleGetPool(s.Pools))
	mux.HandleFunc("POST /pools/{id}/claims", HandleClaim(s.Claimer))
	mux.HandleFunc("POST /pools/{id}/reclaim", HandleReclaimPool(s.Reclaimer))

	mux.HandleFunc("GET /reservations/{id}", HandleGetReservation(s.Pools))
	mux.HandleFunc("POST /reservations/{id}/confirm", HandleConfirm(s.Finalizer))
	mux.HandleFunc("POST /reservations/{id}/release", HandleRelease(s.Reclaimer))

	mux.Handle("/", NotFoundHandler())
	return mux
}

// NotFoundHandler returns a JSON 404 response for unknown routes.
func NotFoundHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, codeNotFound, "not found")
	})
}
