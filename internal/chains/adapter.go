// Package chains provides the pluggable settlement backends, one per
// supported network. Business logic selects an Adapter by configuration and
// never branches on chain names itself.
package chains

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/dexterlabs/x402-facilitator/internal/models"
)

// Sentinel errors reported by adapters. An adapter must report failure
// accurately and never silently succeed; a timeout means the transfer did not
// confirm within budget, not that it did not happen.
var (
	// ErrChainUnavailable indicates the chain backend could not be reached or
	// did not confirm within the caller's deadline.
	ErrChainUnavailable = errors.New("chains: chain unavailable")

	// ErrInsufficientFunds indicates the facilitator hot wallet cannot cover
	// the transfer.
	ErrInsufficientFunds = errors.New("chains: insufficient funds")

	// ErrInvalidAddress indicates a malformed recipient or payer address for
	// the target chain.
	ErrInvalidAddress = errors.New("chains: invalid address")
)

// Transfer describes one settlement transfer to execute on chain.
type Transfer struct {
	// InvoiceID is carried along for chain-side correlation.
	InvoiceID string

	// Amount is the net USDC amount to deliver to the recipient.
	Amount decimal.Decimal

	Recipient string
	Payer     string
}

// TxResult reports a submitted settlement transaction.
type TxResult struct {
	// TxHash is the chain transaction identifier.
	TxHash string

	// GasCost is the estimated cost in the chain's native currency.
	GasCost decimal.Decimal
}

// Adapter executes settlement transfers on one specific network. Adapters
// are stateless besides network connections and safe for concurrent use.
// Calls may block on network I/O; callers bound them with a context deadline.
type Adapter interface {
	// Chain identifies the network this adapter settles on.
	Chain() models.Chain

	// Settle submits the transfer and returns its transaction identifier, or
	// one of the sentinel errors above.
	Settle(ctx context.Context, t Transfer) (*TxResult, error)
}

// unavailable wraps a transport or deadline error as ErrChainUnavailable,
// preserving the cause.
func unavailable(err error) error {
	if errors.Is(err, ErrChainUnavailable) || errors.Is(err, ErrInsufficientFunds) || errors.Is(err, ErrInvalidAddress) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrChainUnavailable, err)
}

// tokenUnits converts a USDC amount to integer token units at the given
// decimals, rejecting amounts with more precision than the token supports.
func tokenUnits(amount decimal.Decimal, decimals int32) (decimal.Decimal, error) {
	units := amount.Shift(decimals)
	if !units.IsInteger() {
		return decimal.Zero, fmt.Errorf("chains: amount %s exceeds token precision (%d decimals)", amount, decimals)
	}
	if !units.IsPositive() {
		return decimal.Zero, fmt.Errorf("chains: amount %s is not positive", amount)
	}
	return units, nil
}
