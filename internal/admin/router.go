// Package admin serves the relay's HTTP side channel: Prometheus metrics and
// a health document. It is meant for internal networks only.
package admin

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/andy6609/chat-relay/internal/chat"
)

// StatusProvider is satisfied by *chat.Server.
type StatusProvider interface {
	Status() chat.Status
}

func NewRouter(status StatusProvider) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		st := status.Status()
		code := http.StatusOK
		if !st.Listening {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, st)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
