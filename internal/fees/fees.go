// Package fees computes the facilitator fee and net payout for a settlement.
//
// All arithmetic is fixed-point decimal. The fee is an exact product of the
// gross amount and the configured rate; no intermediate rounding is applied,
// so folding fees over any volume of settlements is drift-free.
package fees

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrBelowMinimum indicates the net payout would fall below the configured
// minimum settlement amount.
var ErrBelowMinimum = errors.New("fees: net amount below minimum settlement amount")

// Calculator computes facilitator fees. Pure; safe for concurrent use.
type Calculator struct {
	rate    decimal.Decimal
	minimum decimal.Decimal
}

// NewCalculator returns a Calculator with the given fee rate (e.g. 0.001 for
// 0.1%) and minimum net settlement amount.
func NewCalculator(rate, minimum decimal.Decimal) (*Calculator, error) {
	if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("fees: rate must be in [0, 1), got %s", rate)
	}
	if minimum.IsNegative() {
		return nil, fmt.Errorf("fees: minimum must be >= 0, got %s", minimum)
	}
	return &Calculator{rate: rate, minimum: minimum}, nil
}

// Rate returns the configured fee rate.
func (c *Calculator) Rate() decimal.Decimal { return c.rate }

// Minimum returns the configured minimum net settlement amount.
func (c *Calculator) Minimum() decimal.Decimal { return c.minimum }

// Compute returns (fee, net) for a gross settlement amount.
// fee = gross * rate, net = gross - fee.
// Returns ErrBelowMinimum when net < minimum.
func (c *Calculator) Compute(gross decimal.Decimal) (fee, net decimal.Decimal, err error) {
	fee = gross.Mul(c.rate)
	net = gross.Sub(fee)
	if net.LessThan(c.minimum) {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: net %s < minimum %s", ErrBelowMinimum, net, c.minimum)
	}
	return fee, net, nil
}
