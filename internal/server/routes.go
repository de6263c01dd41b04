package server

import (
	"net/http"

	"github.com/ralt/resolvd/internal/events"
)

// RegisterRoutes wires up the API endpoints on the given ServeMux.
func RegisterRoutes(mux *http.ServeMux, s *Server) {
	mux.HandleFunc("POST /v1/execute", s.handleExecute)
	mux.HandleFunc("GET /v1/engines", s.handleEngines)

	mux.HandleFunc("GET /v1/packages", s.handleListPackages)
	mux.HandleFunc("POST /v1/packages", s.handleAddPackage)
	mux.HandleFunc("GET /v1/packages/{key}", s.handleGetPackage)
	mux.HandleFunc("DELETE /v1/packages/{key}", s.handleRemovePackage)
	mux.HandleFunc("POST /v1/packages/{key}/load", s.handleLoadPackage)
	mux.HandleFunc("POST /v1/packages/{key}/unload", s.handleUnloadPackage)
	mux.HandleFunc("POST /v1/packages/{key}/update", s.handleUpdatePackage)
	mux.HandleFunc("GET /v1/updates", s.handleCheckUpdates)

	mux.Handle("GET /v1/events", events.StreamHandler(s.manager.Bus()))
	mux.HandleFunc("GET /v1/health", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
}
