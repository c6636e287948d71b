// internal/ops/server.go
package ops

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/symmetricalboy/msinfo-bot/internal/metric"
	"github.com/symmetricalboy/msinfo-bot/internal/orchestrator"
)

// StatsSource provides the counters served on /api/stats.
type StatsSource interface {
	Snapshot() orchestrator.Stats
}

// Server is the operational HTTP surface: liveness, Prometheus
// metrics, and a JSON stats snapshot. It binds to loopback by default
// and carries no authentication.
type Server struct {
	stats   StatsSource
	metrics *metric.Set
	mux     *http.ServeMux
}

// NewServer creates an ops server.
func NewServer(stats StatsSource, metrics *metric.Set) *Server {
	s := &Server{
		stats:   stats,
		metrics: metrics,
		mux:     http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/stats", s.handleStats)
	if metrics != nil {
		s.mux.Handle("GET /metrics", metrics.Handler())
	}
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.stats == nil {
		json.NewEncoder(w).Encode(orchestrator.Stats{})
		return
	}
	if err := json.NewEncoder(w).Encode(s.stats.Snapshot()); err != nil {
		slog.Error("encoding stats failed", "error", err)
	}
}
