package proof

import (
	"errors"
	"reflect"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/dexterlabs/x402-facilitator/internal/models"
)

// Throwaway secp256k1 key (hardhat account #1) and its derived address.
const (
	testKey  = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
	testAddr = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
)

func succeededRecord() *models.SettlementRecord {
	return &models.SettlementRecord{
		InvoiceID:       "inv-1",
		Chain:           models.ChainBase,
		ServiceEndpoint: "https://api.example.com/verify",
		RecipientWallet: "0xAAA",
		PayerWallet:     "0xBBB",
		GrossAmount:     decimal.RequireFromString("1.00"),
		FacilitatorFee:  decimal.RequireFromString("0.00100"),
		NetAmount:       decimal.RequireFromString("0.99900"),
		TxHash:          "0xinv-1",
		Status:          models.StatusSucceeded,
		CreatedAt:       1700000000,
		CompletedAt:     1700000001,
	}
}

func TestBuild(t *testing.T) {
	b, err := NewBuilder(testAddr, testKey)
	if err != nil {
		t.Fatalf("NewBuilder failed: %v", err)
	}

	p, err := b.Build(succeededRecord())
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if p.InvoiceID != "inv-1" {
		t.Errorf("expected invoice id inv-1, got %s", p.InvoiceID)
	}
	if p.Chain != models.ChainBase {
		t.Errorf("expected chain base, got %s", p.Chain)
	}
	if p.Protocol != "x402" || p.Version != "2.0" {
		t.Errorf("unexpected protocol/version: %s/%s", p.Protocol, p.Version)
	}
	if p.Hash == "" || p.Signature == "" {
		t.Error("expected hash and signature to be set")
	}
	if p.Timestamp == "" {
		t.Error("expected timestamp to be set")
	}
}

func TestBuild_Deterministic(t *testing.T) {
	b, err := NewBuilder(testAddr, testKey)
	if err != nil {
		t.Fatalf("NewBuilder failed: %v", err)
	}

	p1, err := b.Build(succeededRecord())
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	p2, err := b.Build(succeededRecord())
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if !reflect.DeepEqual(p1, p2) {
		t.Errorf("proofs differ for identical records:\n%+v\n%+v", p1, p2)
	}
}

func TestBuild_NotSucceeded(t *testing.T) {
	b, err := NewBuilder(testAddr, testKey)
	if err != nil {
		t.Fatalf("NewBuilder failed: %v", err)
	}

	for _, status := range []models.Status{models.StatusPending, models.StatusFailed} {
		rec := succeededRecord()
		rec.Status = status
		if _, err := b.Build(rec); !errors.Is(err, ErrNotSucceeded) {
			t.Errorf("status %s: expected ErrNotSucceeded, got %v", status, err)
		}
	}
}

func TestVerify(t *testing.T) {
	b, err := NewBuilder(testAddr, testKey)
	if err != nil {
		t.Fatalf("NewBuilder failed: %v", err)
	}
	p, err := b.Build(succeededRecord())
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if err := Verify(p); err != nil {
		t.Errorf("Verify failed on a freshly built proof: %v", err)
	}

	t.Run("tampered amount", func(t *testing.T) {
		tampered := *p
		tampered.NetAmount = decimal.RequireFromString("99.999")
		if err := Verify(&tampered); !errors.Is(err, ErrInvalidProof) {
			t.Errorf("expected ErrInvalidProof, got %v", err)
		}
	})

	t.Run("wrong facilitator", func(t *testing.T) {
		tampered := *p
		tampered.Facilitator = "0x4D2Cd59aD844011592dd51007EB450652aAcc894"
		if err := Verify(&tampered); !errors.Is(err, ErrInvalidProof) {
			t.Errorf("expected ErrInvalidProof, got %v", err)
		}
	})

	t.Run("missing signature", func(t *testing.T) {
		tampered := *p
		tampered.Signature = ""
		if err := Verify(&tampered); !errors.Is(err, ErrInvalidProof) {
			t.Errorf("expected ErrInvalidProof, got %v", err)
		}
	})
}

func TestNewBuilder_KeyMismatch(t *testing.T) {
	_, err := NewBuilder("0x4D2Cd59aD844011592dd51007EB450652aAcc894", testKey)
	if err == nil {
		t.Error("expected error when key does not match facilitator address")
	}
}

func TestBuild_Unsigned(t *testing.T) {
	b, err := NewBuilder(testAddr, "")
	if err != nil {
		t.Fatalf("NewBuilder failed: %v", err)
	}
	p, err := b.Build(succeededRecord())
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if p.Signature != "" {
		t.Error("expected no signature without a key")
	}
	if p.Hash == "" {
		t.Error("expected hash even without a key")
	}
}
