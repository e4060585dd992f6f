package escrow

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestSplitAmountsSumsExactly(t *testing.T) {
	cases := []struct {
		total string
		pcts  []string
	}{
		{"10000", []string{"15", "15", "40", "30"}},
		{"100", []string{"33.33", "33.33", "33.34"}},
		{"0.00000001", []string{"50", "50"}},
		{"1", []string{"33.333", "33.333", "33.334"}},
		{"999999.99999999", []string{"12.5", "12.5", "25", "50"}},
	}
	for _, tc := range cases {
		total := dec(t, tc.total)
		pcts := make([]decimal.Decimal, len(tc.pcts))
		for i, p := range tc.pcts {
			pcts[i] = dec(t, p)
		}
		amounts, err := SplitAmounts(total, pcts)
		if err != nil {
			t.Fatalf("split %s: %v", tc.total, err)
		}
		sum := decimal.Zero
		for _, a := range amounts {
			if a.IsNegative() {
				t.Fatalf("negative share %s", a)
			}
			if !a.Equal(a.Truncate(AmountScale)) {
				t.Fatalf("share %s exceeds scale", a)
			}
			sum = sum.Add(a)
		}
		if !sum.Equal(total) {
			t.Fatalf("shares of %s sum to %s", tc.total, sum)
		}
	}
}

func TestSplitAmountsLastAbsorbsRemainder(t *testing.T) {
	amounts, err := SplitAmounts(dec(t, "100"), []decimal.Decimal{dec(t, "33.33"), dec(t, "33.33"), dec(t, "33.34")})
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if !amounts[0].Equal(dec(t, "33.33")) || !amounts[2].Equal(dec(t, "33.34")) {
		t.Fatalf("unexpected shares %v", amounts)
	}

	amounts, err = SplitAmounts(dec(t, "0.00000010"), []decimal.Decimal{dec(t, "33"), dec(t, "33"), dec(t, "34")})
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	// 0.0000001 * 0.33 truncates to 0.00000003.
	if !amounts[0].Equal(dec(t, "0.00000003")) || !amounts[2].Equal(dec(t, "0.00000004")) {
		t.Fatalf("unexpected shares %v", amounts)
	}
}

func TestSplitAmountsRejectsInvalidTotals(t *testing.T) {
	pcts := []decimal.Decimal{hundred}
	for _, raw := range []string{"0", "-1", "0.000000001"} {
		if _, err := SplitAmounts(dec(t, raw), pcts); !errors.Is(err, ErrValidation) {
			t.Fatalf("total %s: expected validation error, got %v", raw, err)
		}
	}
	if _, err := SplitAmounts(dec(t, "10"), nil); !errors.Is(err, ErrValidation) {
		t.Fatalf("empty percentages: expected validation error, got %v", err)
	}
	if _, err := SplitAmounts(dec(t, "10"), []decimal.Decimal{dec(t, "80"), dec(t, "80"), dec(t, "1")}); !errors.Is(err, ErrValidation) {
		t.Fatalf("oversubscribed: expected validation error, got %v", err)
	}
}
