package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dexterlabs/x402-facilitator/internal/coordinator"
	"github.com/dexterlabs/x402-facilitator/internal/models"
	"github.com/dexterlabs/x402-facilitator/internal/proof"
)

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req models.SettlementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	res, err := s.coord.Settle(r.Context(), req)
	if err != nil {
		if errors.Is(err, coordinator.ErrInvalidRequest) || errors.Is(err, coordinator.ErrUnsupportedChain) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		slog.Error("Settlement failed internally", "invoice_id", req.InvoiceID, "error", err)
		writeJSON(w, http.StatusInternalServerError, models.SettlementResponse{
			Success:   false,
			InvoiceID: req.InvoiceID,
			Error:     "internal_error",
		})
		return
	}

	settlementsTotal.WithLabelValues(string(res.Record.Chain), string(res.Record.Status)).Inc()
	settlementDuration.Observe(time.Since(start).Seconds())

	writeJSON(w, http.StatusOK, settlementResponse(res))
}

// settlementResponse flattens a coordinator result into the x402 wire shape.
// Chain failures are reported with success false, not an error status code, so
// callers can tell them apart from malformed requests.
func settlementResponse(res *coordinator.Result) models.SettlementResponse {
	rec := res.Record
	resp := models.SettlementResponse{
		InvoiceID:      rec.InvoiceID,
		Status:         rec.Status,
		FacilitatorFee: rec.FacilitatorFee,
	}
	ts := rec.CompletedAt
	if ts == 0 {
		ts = rec.CreatedAt
	}
	resp.Timestamp = time.Unix(ts, 0).UTC().Format(time.RFC3339)

	switch rec.Status {
	case models.StatusSucceeded:
		resp.Success = true
		tx := rec.TxHash
		resp.TxHash = &tx
		resp.PaymentProof = res.Proof
	case models.StatusFailed:
		resp.Error = rec.FailureReason
	case models.StatusPending:
		// Another node holds this invoice in flight.
		resp.Error = "settlement_in_progress"
	}
	return resp
}

type verifyResponse struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var p models.PaymentProof
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := proof.Verify(&p); err != nil {
		writeJSON(w, http.StatusOK, verifyResponse{Valid: false, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, verifyResponse{Valid: true})
}

type statsResponse struct {
	Facilitator string `json:"facilitator"`
	models.FacilitatorStats
	SupportedChains []models.Chain  `json:"supported_chains"`
	FeePercent      decimal.Decimal `json:"fee_percent"`
	Reputation      *float64        `json:"erc8004_reputation,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.ledger.Stats(r.Context())
	if err != nil {
		slog.Error("Stats query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "stats unavailable")
		return
	}

	resp := statsResponse{
		Facilitator:      s.cfg.Facilitator.WalletAddress,
		FacilitatorStats: *stats,
		SupportedChains:  s.coord.SupportedChains(),
		FeePercent:       s.calc.Rate().Mul(decimal.NewFromInt(100)),
	}
	if score, ok := s.reputationScore(r); ok {
		resp.Reputation = &score
	}
	writeJSON(w, http.StatusOK, resp)
}

// reputationScore queries the registry with a short deadline and falls back
// to the last cached score; stats must stay fast when the registry is slow.
func (s *Server) reputationScore(r *http.Request) (float64, bool) {
	if s.reputation == nil {
		return 0, false
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if score, err := s.reputation.QueryReputation(ctx); err == nil {
		return score, true
	}
	return s.reputation.CachedScore()
}

type chainEntry struct {
	Chain       models.Chain `json:"chain"`
	ChainID     string       `json:"chain_id"`
	USDCAddress string       `json:"usdc_address"`
}

type feeStructure struct {
	Type     string          `json:"type"`
	Value    decimal.Decimal `json:"value"`
	Currency string          `json:"currency"`
}

type manifestResponse struct {
	Name                string       `json:"name"`
	Version             string       `json:"version"`
	FacilitatorAddress  string       `json:"facilitator_address"`
	SupportedChains     []chainEntry `json:"supported_chains"`
	FeeStructure        feeStructure `json:"fee_structure"`
	SettlementEndpoint  string       `json:"settlement_endpoint"`
	StatsEndpoint       string       `json:"stats_endpoint"`
	ERC8004AgentID      string       `json:"erc8004_agent_id,omitempty"`
	UptimeSLA           float64      `json:"uptime_sla"`
	AvgSettlementTimeMS int          `json:"avg_settlement_time_ms"`
}

func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	chains := make([]chainEntry, 0, len(s.cfg.Chains))
	for _, chain := range s.coord.SupportedChains() {
		cc := s.cfg.Chains[string(chain)]
		chains = append(chains, chainEntry{
			Chain:       chain,
			ChainID:     cc.ChainID,
			USDCAddress: cc.USDCAddress,
		})
	}

	writeJSON(w, http.StatusOK, manifestResponse{
		Name:               s.cfg.Facilitator.Name,
		Version:            Version,
		FacilitatorAddress: s.cfg.Facilitator.WalletAddress,
		SupportedChains:    chains,
		FeeStructure: feeStructure{
			Type:     "percentage",
			Value:    s.calc.Rate(),
			Currency: "USDC",
		},
		SettlementEndpoint:  "/facilitate/settle",
		StatsEndpoint:       "/facilitate/stats",
		ERC8004AgentID:      s.cfg.Reputation.AgentID,
		UptimeSLA:           99.9,
		AvgSettlementTimeMS: 200,
	})
}

type healthResponse struct {
	Status        string            `json:"status"`
	Timestamp     string            `json:"timestamp"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Services      map[string]string `json:"services"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	services := map[string]string{
		"facilitator": "operational",
		"ledger":      "operational",
		"reputation":  "disabled",
	}
	status := "healthy"

	if _, err := s.ledger.Stats(r.Context()); err != nil {
		services["ledger"] = "degraded"
		status = "degraded"
	}
	if s.reputation != nil {
		services["reputation"] = "operational"
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, healthResponse{
		Status:        status,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Services:      services,
	})
}
