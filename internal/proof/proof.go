// Package proof builds and verifies signed payment proofs.
//
// A proof is a canonical snapshot of a Succeeded settlement record. Its hash
// is the keccak256 of the payload encoded with deterministic key ordering, so
// building the same record twice yields byte-identical proofs, and the
// optional signature is a recoverable secp256k1 signature by the facilitator
// wallet key (deterministic per RFC 6979).
package proof

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"crypto/ecdsa"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"

	"github.com/dexterlabs/x402-facilitator/internal/models"
)

var (
	// ErrNotSucceeded indicates a proof was requested for a record that did
	// not succeed. Only Succeeded settlements produce proofs.
	ErrNotSucceeded = errors.New("proof: settlement record is not succeeded")

	// ErrInvalidProof indicates a proof whose hash or signature does not
	// check out against its payload and claimed facilitator.
	ErrInvalidProof = errors.New("proof: invalid proof")
)

// proofNamespace seeds deterministic proof ids (UUIDv5 of the invoice id).
var proofNamespace = uuid.MustParse("b1e0bf0e-7d3a-4f05-9e0c-64c402f8a9d1")

const (
	protocolName    = "x402"
	protocolVersion = "2.0"
)

// Builder assembles payment proofs for one facilitator identity.
type Builder struct {
	facilitator string
	key         *ecdsa.PrivateKey
}

// NewBuilder returns a Builder for the facilitator wallet address. When
// privateKeyHex is non-empty, proofs are signed with it and the derived
// address must match the facilitator address.
func NewBuilder(facilitator, privateKeyHex string) (*Builder, error) {
	if facilitator == "" {
		return nil, fmt.Errorf("proof: facilitator address required")
	}
	b := &Builder{facilitator: facilitator}
	if privateKeyHex != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
		if err != nil {
			return nil, fmt.Errorf("proof: parse signing key: %w", err)
		}
		derived := crypto.PubkeyToAddress(key.PublicKey)
		if derived != common.HexToAddress(facilitator) {
			return nil, fmt.Errorf("proof: signing key address %s does not match facilitator %s", derived.Hex(), facilitator)
		}
		b.key = key
	}
	return b, nil
}

// Facilitator returns the facilitator wallet address proofs are issued under.
func (b *Builder) Facilitator() string { return b.facilitator }

// Build assembles the payment proof for a Succeeded settlement record.
// Deterministic: identical records produce identical proofs.
func (b *Builder) Build(rec *models.SettlementRecord) (*models.PaymentProof, error) {
	if rec.Status != models.StatusSucceeded {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotSucceeded, rec.InvoiceID, rec.Status)
	}

	p := &models.PaymentProof{
		ProofID:        uuid.NewSHA1(proofNamespace, []byte(rec.InvoiceID)).String(),
		Protocol:       protocolName,
		Version:        protocolVersion,
		Facilitator:    b.facilitator,
		InvoiceID:      rec.InvoiceID,
		Service:        rec.ServiceEndpoint,
		AmountUSDC:     rec.GrossAmount,
		FacilitatorFee: rec.FacilitatorFee,
		NetAmount:      rec.NetAmount,
		TxHash:         rec.TxHash,
		Chain:          rec.Chain,
		Timestamp:      time.Unix(rec.CompletedAt, 0).UTC().Format(time.RFC3339),
		Payer:          rec.PayerWallet,
		Recipient:      rec.RecipientWallet,
	}

	digest, err := payloadDigest(p)
	if err != nil {
		return nil, err
	}
	p.Hash = "0x" + hex.EncodeToString(digest)

	if b.key != nil {
		sig, err := crypto.Sign(digest, b.key)
		if err != nil {
			return nil, fmt.Errorf("proof: sign: %w", err)
		}
		p.Signature = "0x" + hex.EncodeToString(sig)
	}
	return p, nil
}

// Verify checks a proof's content hash and, when a signature is present,
// recovers the signer and compares it to the proof's facilitator address.
// Returns ErrInvalidProof on any mismatch.
func Verify(p *models.PaymentProof) error {
	digest, err := payloadDigest(p)
	if err != nil {
		return err
	}
	if p.Hash != "0x"+hex.EncodeToString(digest) {
		return fmt.Errorf("%w: content hash mismatch", ErrInvalidProof)
	}
	if p.Signature == "" {
		return fmt.Errorf("%w: missing signature", ErrInvalidProof)
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(p.Signature, "0x"))
	if err != nil || len(sig) != crypto.SignatureLength {
		return fmt.Errorf("%w: malformed signature", ErrInvalidProof)
	}
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return fmt.Errorf("%w: recover signer: %v", ErrInvalidProof, err)
	}
	if crypto.PubkeyToAddress(*pub) != common.HexToAddress(p.Facilitator) {
		return fmt.Errorf("%w: signer is not the facilitator", ErrInvalidProof)
	}
	return nil
}

// payloadDigest hashes the proof payload fields (everything except Hash and
// Signature) with deterministic key ordering.
func payloadDigest(p *models.PaymentProof) ([]byte, error) {
	// encoding/json sorts map keys, which gives a canonical encoding for a
	// flat payload. Decimals are rendered as strings to keep scale stable.
	payload := map[string]interface{}{
		"proof_id":        p.ProofID,
		"protocol":        p.Protocol,
		"version":         p.Version,
		"facilitator":     p.Facilitator,
		"invoice_id":      p.InvoiceID,
		"service":         p.Service,
		"amount_usdc":     p.AmountUSDC.String(),
		"facilitator_fee": p.FacilitatorFee.String(),
		"net_amount":      p.NetAmount.String(),
		"tx_hash":         p.TxHash,
		"chain":           string(p.Chain),
		"timestamp":       p.Timestamp,
		"payer":           p.Payer,
		"recipient":       p.Recipient,
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("proof: encode payload: %w", err)
	}
	h := sha3.NewLegacyKeccak256()
	h.Write(encoded)
	return h.Sum(nil), nil
}
