// Package httpapi exposes the operational HTTP surface: /health and
// /metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/listingfuse/internal/bus"
)

// Server serves health and metrics for one pipeline process.
type Server struct {
	srv    *http.Server
	bus    *bus.Bus
	nodeID string
	role   string
}

// New builds the HTTP server on addr.
func New(addr string, b *bus.Bus, gatherer prometheus.Gatherer, nodeID, role string) *Server {
	s := &Server{bus: b, nodeID: nodeID, role: role}
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Run serves until the context dies, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
	}()
	log.Info().Str("addr", s.srv.Addr).Msg("http listener started")
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("http listener failed")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := "ok"
	busStatus := "up"
	code := http.StatusOK
	if err := s.bus.Ping(ctx); err != nil {
		status = "degraded"
		busStatus = "down"
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":  status,
		"bus":     busStatus,
		"node_id": s.nodeID,
		"role":    s.role,
	})
}
