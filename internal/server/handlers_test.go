package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dexterlabs/x402-facilitator/internal/chains"
	"github.com/dexterlabs/x402-facilitator/internal/config"
	"github.com/dexterlabs/x402-facilitator/internal/coordinator"
	"github.com/dexterlabs/x402-facilitator/internal/fees"
	"github.com/dexterlabs/x402-facilitator/internal/models"
	"github.com/dexterlabs/x402-facilitator/internal/proof"
	"github.com/dexterlabs/x402-facilitator/internal/reputation"
	"github.com/dexterlabs/x402-facilitator/internal/storage/sqlite"
)

const (
	testWallet = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
	testKey    = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
)

func newTestServer(t *testing.T) (*httptest.Server, *chains.FakeAdapter) {
	t.Helper()

	ledger, err := sqlite.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open ledger: %v", err)
	}
	t.Cleanup(func() { ledger.Close() })

	calc, err := fees.NewCalculator(decimal.RequireFromString("0.001"), decimal.RequireFromString("0.001"))
	if err != nil {
		t.Fatalf("failed to build calculator: %v", err)
	}

	proofs, err := proof.NewBuilder(testWallet, testKey)
	if err != nil {
		t.Fatalf("failed to build proof builder: %v", err)
	}

	base := chains.NewFakeAdapter(models.ChainBase)
	adapters := map[models.Chain]chains.Adapter{
		models.ChainBase:   base,
		models.ChainSolana: chains.NewFakeAdapter(models.ChainSolana),
	}

	coord := coordinator.New(ledger, calc, adapters, proofs, reputation.NopSubmitter{}, 5*time.Second)

	cfg := &config.Config{
		Facilitator: config.FacilitatorConfig{
			Name:          "Truth Oracle Facilitator",
			WalletAddress: testWallet,
		},
		Chains: map[string]config.ChainConfig{
			"base": {
				Mode:        "fake",
				ChainID:     "eip155:8453",
				USDCAddress: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
			},
			"solana": {
				Mode:        "fake",
				ChainID:     "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp",
				USDCAddress: "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
			},
		},
		Reputation: config.ReputationConfig{AgentID: "agent-42"},
	}

	srv := httptest.NewServer(New(cfg, coord, ledger, calc, nil).Handler())
	t.Cleanup(srv.Close)
	return srv, base
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("failed to marshal body: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return v
}

func settleRequest(invoiceID, chain, amount string) models.SettlementRequest {
	return models.SettlementRequest{
		InvoiceID:       invoiceID,
		ServiceEndpoint: "/verify-crypto",
		AmountUSDC:      decimal.RequireFromString(amount),
		RecipientWallet: "0x1111111111111111111111111111111111111111",
		PayerWallet:     "0x2222222222222222222222222222222222222222",
		Chain:           chain,
	}
}

func TestHandleSettle(t *testing.T) {
	srv, base := newTestServer(t)

	resp := postJSON(t, srv.URL+"/facilitate/settle", settleRequest("inv-1", "base", "1.00"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	out := decode[models.SettlementResponse](t, resp)

	if !out.Success {
		t.Fatalf("expected success, got error %q", out.Error)
	}
	if out.TxHash == nil || *out.TxHash != "0xinv-1" {
		t.Errorf("unexpected tx hash %v", out.TxHash)
	}
	if out.FacilitatorFee.String() != "0.001" {
		t.Errorf("expected fee 0.001, got %s", out.FacilitatorFee)
	}
	if out.PaymentProof == nil {
		t.Fatal("expected a payment proof")
	}
	if out.PaymentProof.NetAmount.String() != "0.999" {
		t.Errorf("expected net 0.999, got %s", out.PaymentProof.NetAmount)
	}
	if err := proof.Verify(out.PaymentProof); err != nil {
		t.Errorf("proof did not verify: %v", err)
	}
	if base.Calls() != 1 {
		t.Errorf("expected 1 adapter call, got %d", base.Calls())
	}
}

func TestHandleSettle_IdempotentRetry(t *testing.T) {
	srv, base := newTestServer(t)

	first := decode[models.SettlementResponse](t, postJSON(t, srv.URL+"/facilitate/settle", settleRequest("inv-retry", "base", "5.00")))
	second := decode[models.SettlementResponse](t, postJSON(t, srv.URL+"/facilitate/settle", settleRequest("inv-retry", "base", "5.00")))

	if !first.Success || !second.Success {
		t.Fatalf("expected both calls to succeed: %+v / %+v", first, second)
	}
	if *first.TxHash != *second.TxHash {
		t.Errorf("tx hash changed across retries: %q vs %q", *first.TxHash, *second.TxHash)
	}
	if first.PaymentProof.Hash != second.PaymentProof.Hash {
		t.Errorf("proof hash changed across retries")
	}
	if base.Calls() != 1 {
		t.Errorf("expected 1 adapter call across retries, got %d", base.Calls())
	}
}

func TestHandleSettle_BadRequests(t *testing.T) {
	srv, _ := newTestServer(t)

	tests := []struct {
		name string
		body any
	}{
		{"missing invoice id", settleRequest("", "base", "1.00")},
		{"unsupported chain", settleRequest("inv-x", "ethereum", "1.00")},
		{"unconfigured chain", settleRequest("inv-x", "polygon", "1.00")},
		{"zero amount", settleRequest("inv-x", "base", "0")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, srv.URL+"/facilitate/settle", tt.body)
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", resp.StatusCode)
			}
		})
	}

	t.Run("malformed json", func(t *testing.T) {
		resp, err := http.Post(srv.URL+"/facilitate/settle", "application/json", bytes.NewReader([]byte("{not json")))
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", resp.StatusCode)
		}
	})
}

func TestHandleSettle_BelowMinimumIsNotA4xx(t *testing.T) {
	srv, base := newTestServer(t)

	resp := postJSON(t, srv.URL+"/facilitate/settle", settleRequest("inv-tiny", "base", "0.0005"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	out := decode[models.SettlementResponse](t, resp)

	if out.Success {
		t.Error("expected success false")
	}
	if out.Error != "below_minimum" {
		t.Errorf("expected below_minimum, got %q", out.Error)
	}
	if out.TxHash != nil {
		t.Errorf("expected null tx_hash, got %q", *out.TxHash)
	}
	if base.Calls() != 0 {
		t.Errorf("expected no adapter call, got %d", base.Calls())
	}
}

func TestHandleSettle_ChainFailure(t *testing.T) {
	srv, base := newTestServer(t)
	base.Err = chains.ErrChainUnavailable

	out := decode[models.SettlementResponse](t, postJSON(t, srv.URL+"/facilitate/settle", settleRequest("inv-down", "base", "1.00")))
	if out.Success {
		t.Error("expected success false")
	}
	if out.Error != "chain_unavailable" {
		t.Errorf("expected chain_unavailable, got %q", out.Error)
	}
	if out.PaymentProof != nil {
		t.Error("expected no payment proof on failure")
	}
}

func TestHandleVerify(t *testing.T) {
	srv, _ := newTestServer(t)

	out := decode[models.SettlementResponse](t, postJSON(t, srv.URL+"/facilitate/settle", settleRequest("inv-v", "base", "2.00")))
	if out.PaymentProof == nil {
		t.Fatal("expected a payment proof")
	}

	t.Run("valid proof", func(t *testing.T) {
		v := decode[verifyResponse](t, postJSON(t, srv.URL+"/facilitate/verify", out.PaymentProof))
		if !v.Valid {
			t.Errorf("expected valid, got error %q", v.Error)
		}
	})

	t.Run("tampered proof", func(t *testing.T) {
		tampered := *out.PaymentProof
		tampered.NetAmount = decimal.RequireFromString("999")
		v := decode[verifyResponse](t, postJSON(t, srv.URL+"/facilitate/verify", tampered))
		if v.Valid {
			t.Error("expected tampered proof to be rejected")
		}
	})
}

func TestHandleStats(t *testing.T) {
	srv, base := newTestServer(t)

	for i := 0; i < 3; i++ {
		postJSON(t, srv.URL+"/facilitate/settle", settleRequest(fmt.Sprintf("inv-%d", i), "base", "10.00")).Body.Close()
	}
	base.Err = chains.ErrChainUnavailable
	postJSON(t, srv.URL+"/facilitate/settle", settleRequest("inv-fail", "base", "10.00")).Body.Close()

	resp, err := http.Get(srv.URL + "/facilitate/stats")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	out := decode[statsResponse](t, resp)

	if out.Facilitator != testWallet {
		t.Errorf("unexpected facilitator %q", out.Facilitator)
	}
	if out.TotalSettlements != 4 {
		t.Errorf("expected 4 settlements, got %d", out.TotalSettlements)
	}
	// 3 successes at net 9.99 each.
	if out.TotalVolumeUSDC.String() != "29.97" {
		t.Errorf("expected volume 29.97, got %s", out.TotalVolumeUSDC)
	}
	if out.SuccessRate != 75 {
		t.Errorf("expected success rate 75, got %f", out.SuccessRate)
	}
	if out.FeePercent.String() != "0.1" {
		t.Errorf("expected fee percent 0.1, got %s", out.FeePercent)
	}
	if len(out.SupportedChains) != 2 {
		t.Errorf("expected 2 supported chains, got %v", out.SupportedChains)
	}
}

func TestHandleManifest(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/.well-known/x402-facilitator")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	out := decode[manifestResponse](t, resp)

	if out.Name != "Truth Oracle Facilitator" {
		t.Errorf("unexpected name %q", out.Name)
	}
	if out.FacilitatorAddress != testWallet {
		t.Errorf("unexpected address %q", out.FacilitatorAddress)
	}
	if out.FeeStructure.Type != "percentage" || out.FeeStructure.Value.String() != "0.001" {
		t.Errorf("unexpected fee structure %+v", out.FeeStructure)
	}
	if out.SettlementEndpoint != "/facilitate/settle" {
		t.Errorf("unexpected settlement endpoint %q", out.SettlementEndpoint)
	}
	if out.ERC8004AgentID != "agent-42" {
		t.Errorf("unexpected agent id %q", out.ERC8004AgentID)
	}

	var gotBase bool
	for _, c := range out.SupportedChains {
		if c.Chain == models.ChainBase {
			gotBase = true
			if c.ChainID != "eip155:8453" {
				t.Errorf("unexpected base chain id %q", c.ChainID)
			}
			if c.USDCAddress != "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913" {
				t.Errorf("unexpected base usdc address %q", c.USDCAddress)
			}
		}
	}
	if !gotBase {
		t.Error("manifest missing base chain")
	}
}

func TestHandleHealth(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	out := decode[healthResponse](t, resp)
	if out.Status != "healthy" {
		t.Errorf("expected healthy, got %q", out.Status)
	}
	if out.Services["ledger"] != "operational" {
		t.Errorf("unexpected ledger state %q", out.Services["ledger"])
	}
}

func TestHandleSettle_MethodNotAllowed(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/facilitate/settle")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", resp.StatusCode)
	}
}
