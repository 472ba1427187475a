package models

import (
	"github.com/shopspring/decimal"
)

// Chain identifies a supported settlement network.
type Chain string

const (
	ChainBase    Chain = "base"
	ChainSolana  Chain = "solana"
	ChainPolygon Chain = "polygon"
)

// ParseChain returns the Chain for a wire value, reporting whether it is one
// of the supported networks.
func ParseChain(s string) (Chain, bool) {
	switch Chain(s) {
	case ChainBase, ChainSolana, ChainPolygon:
		return Chain(s), true
	default:
		return Chain(s), false
	}
}

// Status is the lifecycle state of a settlement record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status is a final state.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// SettlementRequest is an x402 settlement request from any service.
// Field names follow the x402 wire format.
type SettlementRequest struct {
	// InvoiceID is the caller-assigned idempotency key, unique per intent.
	InvoiceID string `json:"invoice_id"`

	// ServiceEndpoint identifies the service being paid for (informational).
	ServiceEndpoint string `json:"service_endpoint"`

	// AmountUSDC is the gross settlement amount, must be > 0.
	AmountUSDC decimal.Decimal `json:"amount_usdc"`

	// RecipientWallet receives the net amount.
	RecipientWallet string `json:"recipient_wallet"`

	// PayerWallet is the paying party.
	PayerWallet string `json:"payer_wallet"`

	// Chain selects the settlement network (base, solana, polygon).
	Chain string `json:"chain"`
}

// SettlementRecord is the persistent result of one settlement attempt,
// keyed by invoice id.
type SettlementRecord struct {
	InvoiceID       string          `json:"invoice_id"`
	Chain           Chain           `json:"chain"`
	ServiceEndpoint string          `json:"service_endpoint"`
	RecipientWallet string          `json:"recipient_wallet"`
	PayerWallet     string          `json:"payer_wallet"`
	GrossAmount     decimal.Decimal `json:"gross_amount"`
	FacilitatorFee  decimal.Decimal `json:"facilitator_fee"`
	NetAmount       decimal.Decimal `json:"net_amount"`

	// TxHash is set only when the settlement succeeded on chain.
	TxHash string `json:"tx_hash,omitempty"`

	Status Status `json:"status"`

	// FailureReason is set only on failure (e.g. "below_minimum",
	// "chain_unavailable").
	FailureReason string `json:"failure_reason,omitempty"`

	// CreatedAt and CompletedAt are Unix timestamps; CompletedAt is zero
	// while the record is Pending.
	CreatedAt   int64 `json:"created_at"`
	CompletedAt int64 `json:"completed_at,omitempty"`
}

// PaymentProof is the immutable record asserting a settlement occurred,
// submitted to the ERC-8004 reputation registry. Its payload shape follows
// the x402 v2 proof format.
type PaymentProof struct {
	ProofID        string          `json:"proof_id"`
	Protocol       string          `json:"protocol"`
	Version        string          `json:"version"`
	Facilitator    string          `json:"facilitator"`
	InvoiceID      string          `json:"invoice_id"`
	Service        string          `json:"service"`
	AmountUSDC     decimal.Decimal `json:"amount_usdc"`
	FacilitatorFee decimal.Decimal `json:"facilitator_fee"`
	NetAmount      decimal.Decimal `json:"net_amount"`
	TxHash         string          `json:"tx_hash"`
	Chain          Chain           `json:"chain"`
	Timestamp      string          `json:"timestamp"`
	Payer          string          `json:"payer"`
	Recipient      string          `json:"recipient"`

	// Hash is the keccak256 of the canonically encoded payload fields above,
	// hex with 0x prefix. Signature is the facilitator's secp256k1 signature
	// over Hash; empty when the facilitator runs without a signing key.
	Hash      string `json:"hash"`
	Signature string `json:"signature,omitempty"`
}

// FacilitatorStats is the public aggregate view of facilitator activity,
// folded over terminal ledger records only.
type FacilitatorStats struct {
	TotalSettlements int64           `json:"total_settlements_processed"`
	Succeeded        int64           `json:"succeeded"`
	Failed           int64           `json:"failed"`
	TotalVolumeUSDC  decimal.Decimal `json:"total_volume_usdc"`
	SuccessRate      float64         `json:"success_rate"`
}

// SettlementResponse is the settle endpoint's structured result. The endpoint
// always returns one of these, never an unhandled fault: Success false with
// an Error kind lets the caller decide whether retrying with the same invoice
// id is safe.
type SettlementResponse struct {
	Success        bool            `json:"success"`
	InvoiceID      string          `json:"invoice_id"`
	Status         Status          `json:"status,omitempty"`
	TxHash         *string         `json:"tx_hash"`
	PaymentProof   *PaymentProof   `json:"payment_proof"`
	FacilitatorFee decimal.Decimal `json:"facilitator_fee"`
	Timestamp      string          `json:"timestamp"`
	Error          string          `json:"error,omitempty"`
}
