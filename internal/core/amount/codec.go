// Package amount converts token quantities between decimal display units and
// integer base units. There is no floating-point path.
package amount

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/vietddude/settler/internal/core/domain"
)

// TokenDecimals is the fixed-point precision of the reward token.
const TokenDecimals = 18

// Codec converts between decimal amounts and base units with a fixed number of decimals.
type Codec struct {
	Decimals int32
}

var (
	// Token converts reward token amounts (18 decimals).
	Token = Codec{Decimals: TokenDecimals}

	// Gwei converts gwei-denominated fee settings to wei (9 decimals).
	Gwei = Codec{Decimals: 9}
)

// ToBaseUnits multiplies d by 10^Decimals. Values with more fractional digits
// than the codec carries are rejected instead of truncated.
func (c Codec) ToBaseUnits(d decimal.Decimal) (*big.Int, error) {
	if d.IsNegative() {
		return nil, fmt.Errorf("%w: negative amount %s", domain.ErrInvalidAmount, d.String())
	}
	scaled := d.Shift(c.Decimals)
	if !scaled.IsInteger() {
		return nil, fmt.Errorf(
			"%w: %s has more than %d fractional digits",
			domain.ErrInvalidAmount,
			d.String(),
			c.Decimals,
		)
	}
	return scaled.BigInt(), nil
}

// FromBaseUnits divides v by 10^Decimals.
func (c Codec) FromBaseUnits(v *big.Int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -c.Decimals)
}

// Parse reads a decimal string and validates that it is representable.
func (c Codec) Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q: %v", domain.ErrInvalidAmount, s, err)
	}
	if _, err := c.ToBaseUnits(d); err != nil {
		return decimal.Zero, err
	}
	return d, nil
}

// Validate checks that d is positive and representable.
func (c Codec) Validate(d decimal.Decimal) error {
	if !d.IsPositive() {
		return fmt.Errorf("%w: amount must be positive, got %s", domain.ErrInvalidAmount, d.String())
	}
	_, err := c.ToBaseUnits(d)
	return err
}
