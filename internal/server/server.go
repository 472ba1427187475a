// Package server exposes the facilitator over HTTP: the x402 settle and
// verify endpoints, public stats, the discovery manifest, health, and
// Prometheus metrics.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dexterlabs/x402-facilitator/internal/config"
	"github.com/dexterlabs/x402-facilitator/internal/coordinator"
	"github.com/dexterlabs/x402-facilitator/internal/fees"
	"github.com/dexterlabs/x402-facilitator/internal/reputation"
	"github.com/dexterlabs/x402-facilitator/internal/storage"
)

// Version is reported in the discovery manifest.
const Version = "1.0.0"

// Server holds the handler dependencies. Reputation may be nil when no
// registry is configured.
type Server struct {
	coord      *coordinator.Coordinator
	ledger     storage.Ledger
	calc       *fees.Calculator
	reputation *reputation.Client
	cfg        *config.Config
	started    time.Time
}

// New wires the HTTP surface.
func New(cfg *config.Config, coord *coordinator.Coordinator, ledger storage.Ledger,
	calc *fees.Calculator, rep *reputation.Client) *Server {
	return &Server{
		coord:      coord,
		ledger:     ledger,
		calc:       calc,
		reputation: rep,
		cfg:        cfg,
		started:    time.Now(),
	}
}

// Handler returns the routed handler with logging and CORS applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /facilitate/settle", s.handleSettle)
	mux.HandleFunc("POST /facilitate/verify", s.handleVerify)
	mux.HandleFunc("GET /facilitate/stats", s.handleStats)
	mux.HandleFunc("GET /.well-known/x402-facilitator", s.handleManifest)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	return loggingMiddleware(corsMiddleware(mux))
}

// writeJSON encodes v as the response body. Encode failures after the header
// is written can only be logged.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
