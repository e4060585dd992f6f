package escrow

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// AmountScale is the number of fractional digits kept for money values. It
// matches the decimal(32,8) storage columns.
const AmountScale int32 = 8

var hundred = decimal.NewFromInt(100)

// SplitAmounts divides total across the supplied percentages. Every share but
// the last is truncated to AmountScale digits; the last share absorbs the
// remainder so the shares always add up to total exactly.
func SplitAmounts(total decimal.Decimal, percentages []decimal.Decimal) ([]decimal.Decimal, error) {
	if !total.IsPositive() {
		return nil, fmt.Errorf("%w: total amount must be positive", ErrValidation)
	}
	if len(percentages) == 0 {
		return nil, fmt.Errorf("%w: at least one percentage required", ErrValidation)
	}
	if !total.Equal(total.Truncate(AmountScale)) {
		return nil, fmt.Errorf("%w: total amount supports at most %d decimal places", ErrValidation, AmountScale)
	}
	amounts := make([]decimal.Decimal, len(percentages))
	allocated := decimal.Zero
	last := len(percentages) - 1
	for i, pct := range percentages {
		if i == last {
			amounts[i] = total.Sub(allocated)
			break
		}
		share := total.Mul(pct).Div(hundred).Truncate(AmountScale)
		amounts[i] = share
		allocated = allocated.Add(share)
	}
	if amounts[last].IsNegative() {
		return nil, fmt.Errorf("%w: percentages exceed 100", ErrValidation)
	}
	return amounts, nil
}
