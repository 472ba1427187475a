// Package models defines the core domain types for the x402 facilitator.
//
// # Model Ownership
//
//   - SettlementRequest: immutable once accepted; the invoice_id is the
//     idempotency key for the whole settlement pipeline.
//   - SettlementRecord: owned exclusively by the storage.Ledger; exactly one
//     record exists per invoice id and the Pending -> Succeeded/Failed
//     transition is one-way and exactly-once.
//   - PaymentProof: immutable snapshot derived from a Succeeded record; safe
//     to re-submit to the reputation registry.
//   - FacilitatorStats: read-consistent aggregate derived from terminal
//     ledger records, never maintained as separate counters.
//
// All money values are fixed-point decimals (shopspring/decimal), never
// binary floats, so high-volume fee accounting does not accumulate rounding
// drift.
package models
