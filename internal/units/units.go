// Package units converts raw integer token amounts into human-readable
// decimals for API responses and logs. Arithmetic never happens here.
package units

import (
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// ToDecimal scales a raw amount down by 10^decimals.
func ToDecimal(x *uint256.Int, decimals uint8) decimal.Decimal {
	if x == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(x.ToBig(), -int32(decimals))
}

// Format renders a raw amount as a decimal string without trailing zeros.
func Format(x *uint256.Int, decimals uint8) string {
	return ToDecimal(x, decimals).String()
}

// FromDecimal converts a human amount back into raw units, truncating any
// precision beyond decimals. Negative or oversized inputs return ok=false.
func FromDecimal(d decimal.Decimal, decimals uint8) (*uint256.Int, bool) {
	if d.IsNegative() {
		return nil, false
	}
	raw := d.Shift(int32(decimals)).Truncate(0)
	x, overflow := uint256.FromBig(raw.BigInt())
	if overflow {
		return nil, false
	}
	return x, true
}
