package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Calbabreaker/mycap/internal/config"
)

// HTTPServer provides read-only monitoring endpoints: service health, the
// current tracker and device sets, and Prometheus metrics. Snapshots are
// taken through the main loop so handlers never touch core state directly.
type HTTPServer struct {
	server    *http.Server
	logger    *slog.Logger
	loop      *Loop
	startTime time.Time
}

// NewHTTPServer creates the monitoring API server.
func NewHTTPServer(cfg config.HTTPConfig, logger *slog.Logger, loop *Loop) *HTTPServer {
	h := &HTTPServer{
		logger:    logger,
		loop:      loop,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/trackers", h.handleTrackers)
	mux.HandleFunc("/devices", h.handleDevices)
	mux.Handle("/metrics", promhttp.Handler())

	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// Start begins serving in a background goroutine.
func (h *HTTPServer) Start() error {
	h.logger.Info("HTTP API server started", slog.String("address", h.server.Addr))

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully shuts the server down.
func (h *HTTPServer) Stop(ctx context.Context) error {
	return h.server.Shutdown(ctx)
}

func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, map[string]any{
		"status":         "healthy",
		"uptime_seconds": time.Since(h.startTime).Seconds(),
	})
}

func (h *HTTPServer) handleTrackers(w http.ResponseWriter, r *http.Request) {
	infos, err := h.loop.Trackers()
	if err != nil {
		http.Error(w, "server stopped", http.StatusServiceUnavailable)
		return
	}
	h.writeJSON(w, infos)
}

func (h *HTTPServer) handleDevices(w http.ResponseWriter, r *http.Request) {
	summaries, err := h.loop.Devices()
	if err != nil {
		http.Error(w, "server stopped", http.StatusServiceUnavailable)
		return
	}
	h.writeJSON(w, summaries)
}

func (h *HTTPServer) writeJSON(w http.ResponseWriter, value any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(value); err != nil {
		h.logger.Error("Failed to encode response", slog.String("error", err.Error()))
	}
}
