// Package qty holds the quantity arithmetic used across the ledger and the
// engines. Quantities carry at most four decimal places; every rounding
// step goes through one of the named helpers below so the policy is visible
// where it is applied.
package qty

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Places is the number of fractional digits a stored quantity may carry.
const Places = 4

func init() {
	// The UI does arithmetic on these values; emit JSON numbers, not strings.
	decimal.MarshalJSONWithoutQuotes = true
}

// Zero is the additive identity.
var Zero = decimal.Zero

// New returns an integral quantity.
func New(n int64) decimal.Decimal { return decimal.NewFromInt(n) }

// MustParse parses s and panics on error. Intended for tests and constants.
func MustParse(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Parse parses s and rejects values with more than Places decimals.
func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, fmt.Errorf("parse quantity %q: %w", s, err)
	}
	if !HasValidScale(d) {
		return Zero, fmt.Errorf("quantity %s has more than %d decimal places", s, Places)
	}
	return d, nil
}

// HasValidScale reports whether d fits in Places decimals without rounding.
func HasValidScale(d decimal.Decimal) bool {
	return d.Equal(d.Truncate(Places))
}

// Ceil rounds toward positive infinity at Places. Used for material
// requirements so a build never plans less than it needs.
func Ceil(d decimal.Decimal) decimal.Decimal { return d.RoundCeil(Places) }

// Round rounds half away from zero at Places. Used for proportional shares.
func Round(d decimal.Decimal) decimal.Decimal { return d.Round(Places) }

// Requirement is the planned quantity of a component for units of output.
func Requirement(perUnit, units decimal.Decimal) decimal.Decimal {
	return Ceil(perUnit.Mul(units))
}

// Share is required * part / whole, rounded half-up at Places. whole must be
// positive.
func Share(required, part, whole decimal.Decimal) decimal.Decimal {
	return Round(required.Mul(part).Div(whole))
}

// Min returns the smaller of a and b.
func Min(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// Sum adds all values.
func Sum(ds ...decimal.Decimal) decimal.Decimal {
	total := Zero
	for _, d := range ds {
		total = total.Add(d)
	}
	return total
}

// Percent returns completed/ordered as a whole percentage, 0 when ordered is
// not positive.
func Percent(completed, ordered decimal.Decimal) int {
	if !ordered.IsPositive() {
		return 0
	}
	return int(completed.Mul(decimal.NewFromInt(100)).Div(ordered).Round(0).IntPart())
}
