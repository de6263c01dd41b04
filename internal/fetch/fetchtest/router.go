// Package fetchtest routes outbound requests to in-process handlers so
// network-facing components can be exercised without sockets.
package fetchtest

import (
	"net/http"
	"net/http/httptest"
	"sync"
)

// Router is an http.RoundTripper dispatching by request host
type Router struct {
	mu       sync.RWMutex
	hosts    map[string]http.Handler
	requests []string
}

// NewRouter creates an empty router; unknown hosts answer 404
func NewRouter() *Router {
	return &Router{hosts: make(map[string]http.Handler)}
}

// Handle registers a handler for a host (without scheme)
func (r *Router) Handle(host string, h http.Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hosts[host] = h
}

// HandleFunc registers a handler function for a host
func (r *Router) HandleFunc(host string, fn func(http.ResponseWriter, *http.Request)) {
	r.Handle(host, http.HandlerFunc(fn))
}

// Requests returns every URL requested so far
func (r *Router) Requests() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.requests...)
}

// RoundTrip implements http.RoundTripper
func (r *Router) RoundTrip(req *http.Request) (*http.Response, error) {
	r.mu.Lock()
	r.requests = append(r.requests, req.URL.String())
	h, ok := r.hosts[req.URL.Host]
	r.mu.Unlock()

	if !ok {
		h = http.NotFoundHandler()
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	resp := rec.Result()
	resp.Request = req
	return resp, nil
}
