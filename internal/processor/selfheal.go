/**
 * Line item self-healing
 *
 * Each line carries a quantity, a unit price and a line total linked
 * by qty × unit = total. When exactly one of the three is missing it
 * is recomputed from the other two. Values the OCR actually read are
 * never overwritten, and a line with two or more holes is left for
 * the validator and review queue rather than guessed at.
 */

package processor

import (
	"github.com/shopspring/decimal"
)

// HealItems fills derivable fields in place and flags lines whose
// stated arithmetic does not hold. Returns how many fields were filled.
func HealItems(items []LineItem, tolerance float64) int {
	healed := 0
	for i := range items {
		if healItem(&items[i], tolerance) {
			healed++
		}
	}
	return healed
}

func healItem(item *LineItem, tolerance float64) bool {
	hasQty := item.Quantity != nil
	hasUnit := item.UnitPrice != nil
	hasTotal := item.LineTotal != nil

	switch {
	case hasQty && hasUnit && hasTotal:
		q := decimal.NewFromFloat(*item.Quantity)
		u := decimal.NewFromFloat(*item.UnitPrice)
		want := q.Mul(u).Round(2)
		got := decimal.NewFromFloat(*item.LineTotal)
		if want.Sub(got).Abs().GreaterThan(decimal.NewFromFloat(tolerance)) {
			item.AddFlag(FlagArithmeticMismatch)
		}
		return false

	case hasQty && hasUnit:
		q := decimal.NewFromFloat(*item.Quantity)
		u := decimal.NewFromFloat(*item.UnitPrice)
		v, _ := q.Mul(u).Round(2).Float64()
		item.LineTotal = &v
		item.AddFlag(FlagHealedLineTotal)
		return true

	case hasQty && hasTotal:
		if *item.Quantity == 0 {
			// a zero quantity next to a nonzero total is almost always a
			// misread digit; surface it instead of dividing by it
			item.AddFlag(FlagZeroQuantity)
			return false
		}
		t := decimal.NewFromFloat(*item.LineTotal)
		q := decimal.NewFromFloat(*item.Quantity)
		v, _ := t.Div(q).Round(2).Float64()
		item.UnitPrice = &v
		item.AddFlag(FlagHealedUnitPrice)
		return true

	case hasUnit && hasTotal:
		if *item.UnitPrice == 0 {
			return false
		}
		t := decimal.NewFromFloat(*item.LineTotal)
		u := decimal.NewFromFloat(*item.UnitPrice)
		v, _ := t.Div(u).Round(2).Float64()
		item.Quantity = &v
		item.AddFlag(FlagHealedQuantity)
		return true
	}

	return false
}
