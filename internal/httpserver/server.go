package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bcast/internal/observability"
)

// ReadyzCheck reports whether one dependency is reachable. All checks share a
// single deadline per /readyz request.
type ReadyzCheck func(ctx context.Context) error

const readyzTimeout = 2 * time.Second

type Server struct {
	Mux *mux.Router
}

// New builds the router with the operational endpoints and request
// middleware already attached; callers register their API on top.
func New(checks ...ReadyzCheck) *Server {
	m := mux.NewRouter()
	m.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	m.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	m.HandleFunc("/readyz", readyz(checks)).Methods(http.MethodGet)
	m.Use(Logging, Metrics(observability.APIRequests))
	return &Server{Mux: m}
}

func readyz(checks []ReadyzCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), readyzTimeout)
		defer cancel()
		for _, check := range checks {
			if err := check(ctx); err != nil {
				http.Error(w, "not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	}
}
