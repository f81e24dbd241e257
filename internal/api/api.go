// Package api serves the Show Up HTTP API.
package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/StevenMolina22/events-api/internal/crawler"
	"github.com/StevenMolina22/events-api/internal/events"
	"github.com/StevenMolina22/events-api/internal/logging"
	"github.com/StevenMolina22/events-api/internal/ratelimiter"
)

const (
	Name        = "Show Up API"
	Description = "Event crawler and data API"
	Version     = "0.1.0"
	ServiceName = "show-up-api"
)

// Handler routes requests to the event store and the crawl jobs.
type Handler struct {
	events  events.Store
	jobs    *crawler.Manager
	limiter *ratelimiter.Limiter
	log     zerolog.Logger
	mux     *http.ServeMux
	chain   http.Handler
}

// New wires the routes. A nil limiter disables rate limiting.
func New(store events.Store, jobs *crawler.Manager, limiter *ratelimiter.Limiter) *Handler {
	h := &Handler{
		events:  store,
		jobs:    jobs,
		limiter: limiter,
		log:     logging.Component("api"),
		mux:     http.NewServeMux(),
	}
	h.mux.HandleFunc("GET /{$}", h.root)
	h.mux.HandleFunc("GET /health", h.health)
	h.mux.HandleFunc("GET /sources", h.sources)
	h.mux.HandleFunc("GET /events", h.listEvents)
	h.mux.HandleFunc("GET /events/{api_id}", h.getEvent)
	h.mux.HandleFunc("POST /crawl", h.startCrawl)
	h.mux.HandleFunc("GET /crawl", h.listCrawls)
	h.mux.HandleFunc("GET /crawl/{job_id}", h.getCrawl)
	h.mux.HandleFunc("DELETE /crawl/{job_id}", h.deleteCrawl)
	h.mux.HandleFunc("/", h.fallback)
	h.chain = h.observe(h.rateLimit(h.mux))
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.chain.ServeHTTP(w, r)
}

func (h *Handler) root(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"name":        Name,
		"description": Description,
		"version":     Version,
	})
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": ServiceName})
}

func (h *Handler) sources(w http.ResponseWriter, _ *http.Request) {
	src := h.jobs.Sources()
	writeJSON(w, http.StatusOK, map[string]any{"sources": src, "total": len(src)})
}

// routeMethods are the methods any route is registered for.
var routeMethods = []string{http.MethodGet, http.MethodPost, http.MethodDelete}

// fallback answers requests no route matched: 405 when the path exists
// under another method, 404 otherwise.
func (h *Handler) fallback(w http.ResponseWriter, r *http.Request) {
	var allowed []string
	for _, m := range routeMethods {
		alt := r.Clone(r.Context())
		alt.Method = m
		if _, pattern := h.mux.Handler(alt); pattern != "" && pattern != "/" {
			allowed = append(allowed, m)
		}
	}
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
		writeError(w, http.StatusMethodNotAllowed, "Method Not Allowed")
		return
	}
	writeError(w, http.StatusNotFound, "Not Found")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, detail string) {
	writeJSON(w, code, map[string]string{"detail": detail})
}
