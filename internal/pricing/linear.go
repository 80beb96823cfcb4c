// Package pricing implements the linear price-decay curve of the
// declining-price allocation and the fixed-point arithmetic around it.
//
// The curve runs from Start at elapsed=0 down to End on the last active
// second of the window:
//
//	price(e) = (Start * (span - e) + End * e) / span,   span = Duration - 1
//
// which is evaluated as End + (Start-End)*(span-e)/span so that both
// extremes reduce exactly to the bounds. Pure linear decay needs no
// exponentiation and is trivially invertible.
//
// All values use holiman/uint256; never float64 for money. Products are
// formed with a 512-bit intermediate (MulDivOverflow) and the final cast
// back to 256 bits fails explicitly instead of wrapping.
package pricing

import (
	"errors"

	"github.com/holiman/uint256"
)

var (
	// ErrOverflow is returned when a result does not fit in 256 bits.
	ErrOverflow = errors.New("pricing: arithmetic overflow")

	// ErrInvalidCurve is returned for a zero duration, a zero end price or
	// a start price below the end price.
	ErrInvalidCurve = errors.New("pricing: invalid curve")

	// ErrDecimals is returned when 10^decimals does not fit in 256 bits.
	ErrDecimals = errors.New("pricing: unsupported decimals")

	// ErrInvalidRate is returned for a zero denominator or a premium larger
	// than the denominator.
	ErrInvalidRate = errors.New("pricing: invalid conversion rate")
)

// MaxDecimals is the largest token precision the engine scales by.
const MaxDecimals = 77

// Curve is a linear declining price over Duration seconds.
// It is stateless: the auction record is passed in, not stored.
type Curve struct {
	Start    *uint256.Int
	End      *uint256.Int
	Duration uint64 // seconds
}

// NewCurve validates the bounds and returns a curve.
func NewCurve(start, end *uint256.Int, duration uint64) (Curve, error) {
	if duration == 0 || end == nil || start == nil || end.IsZero() || start.Lt(end) {
		return Curve{}, ErrInvalidCurve
	}
	return Curve{Start: start, End: end, Duration: duration}, nil
}

// span is the number of price steps inside the window.
func (c Curve) span() uint64 {
	return c.Duration - 1
}

// PriceAt returns the unit price after elapsed seconds. Elapsed values past
// the last active second clamp to End.
func (c Curve) PriceAt(elapsed uint64) (*uint256.Int, error) {
	span := c.span()
	if span == 0 || elapsed == 0 {
		return c.Start.Clone(), nil
	}
	if elapsed >= span {
		return c.End.Clone(), nil
	}

	diff := new(uint256.Int).Sub(c.Start, c.End)
	remaining := uint256.NewInt(span - elapsed)
	step, overflow := new(uint256.Int).MulDivOverflow(diff, remaining, uint256.NewInt(span))
	if overflow {
		return nil, ErrOverflow
	}
	price, overflow := new(uint256.Int).AddOverflow(c.End, step)
	if overflow {
		return nil, ErrOverflow
	}
	return price, nil
}

// Scale returns 10^decimals.
func Scale(decimals uint8) (*uint256.Int, error) {
	if decimals > MaxDecimals {
		return nil, ErrDecimals
	}
	return new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(decimals))), nil
}

// AmountIn computes the payment owed for amountOut units at price:
//
//	amountIn = floor(amountOut * price / 10^decimals)
//
// A result that truncates to zero is raised to one unit so that no fill is
// ever free. Very small fills may therefore pay slightly more than the
// nominal price implies.
func AmountIn(amountOut, price *uint256.Int, decimals uint8) (*uint256.Int, error) {
	scale, err := Scale(decimals)
	if err != nil {
		return nil, err
	}
	in, overflow := new(uint256.Int).MulDivOverflow(amountOut, price, scale)
	if overflow {
		return nil, ErrOverflow
	}
	if in.IsZero() {
		in.SetOne()
	}
	return in, nil
}

// CheckNotional verifies that price * amount fits the accumulator width.
func CheckNotional(price, amount *uint256.Int) error {
	if _, overflow := new(uint256.Int).MulOverflow(price, amount); overflow {
		return ErrOverflow
	}
	return nil
}

// ApplyRate converts a payment into issued units at a fixed rate with a
// basis-point premium:
//
//	amount = payment * rate * (denominator - premium) / denominator
//
// Multiplications strictly precede the division.
func ApplyRate(payment, rate *uint256.Int, premiumBps, denominator uint64) (*uint256.Int, error) {
	if denominator == 0 || premiumBps > denominator {
		return nil, ErrInvalidRate
	}
	gross, overflow := new(uint256.Int).MulOverflow(payment, rate)
	if overflow {
		return nil, ErrOverflow
	}
	out, overflow := new(uint256.Int).MulDivOverflow(gross, uint256.NewInt(denominator-premiumBps), uint256.NewInt(denominator))
	if overflow {
		return nil, ErrOverflow
	}
	return out, nil
}
