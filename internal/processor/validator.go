/**
 * Arithmetic validation and repair
 *
 * Cross-checks the extracted line items against the document's own
 * summary block: items should sum to the subtotal, subtotal plus VAT
 * should equal the grand total. Small discrepancies are repaired and
 * recorded as corrections with their provenance; a grand total that
 * disagrees with the items by more than the mismatch threshold marks
 * the document critical regardless of how clean the OCR looked.
 */

package processor

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// Correction provenance tags
const (
	SourceComputedFromItems  = "computed_from_items"
	SourceRawTextScan        = "raw_text_scan"
	SourceRoundingAdjustment = "rounding_adjustment"
	SourceInferredVATRate    = "inferred_vat_rate"
)

// Correction records one repaired header field
type Correction struct {
	Field    string  `json:"field"`
	Previous float64 `json:"previous"`
	Value    float64 `json:"value"`
	Source   string  `json:"source"`
}

// ValidationResult is the outcome of arithmetic validation
type ValidationResult struct {
	ItemsSubtotal float64      `json:"items_subtotal"`
	ExpectedVAT   float64      `json:"expected_vat"`
	ExpectedTotal float64      `json:"expected_total"`
	VATRate       float64      `json:"vat_rate"`
	Quality       float64      `json:"quality"`
	Critical      bool         `json:"critical"`
	Issues        []string     `json:"issues,omitempty"`
	Corrections   []Correction `json:"corrections,omitempty"`
	Header        HeaderFields `json:"header"`
}

// knownVATRates are the UK rates a noisy inferred rate snaps to
var knownVATRates = []float64{0, 0.05, 0.175, 0.20}

// Validator checks document arithmetic
type Validator struct {
	MoneyTolerance    float64
	MismatchThreshold float64
	DefaultVATRate    float64
}

// Validate cross-checks items against header fields and repairs what
// it safely can. The returned Header carries the corrected values, so
// validating its own output again produces no further corrections.
func (v *Validator) Validate(header HeaderFields, items []LineItem, rawText string) ValidationResult {
	res := ValidationResult{Quality: 1.0, Header: header}

	res.ItemsSubtotal = sumItems(items)
	v.checkSubtotal(&res, items)

	res.VATRate = v.inferVATRate(&res)

	base := res.ItemsSubtotal
	if res.Header.Subtotal != nil {
		base = *res.Header.Subtotal
	}

	res.ExpectedVAT = round2(base * res.VATRate)
	if res.Header.VATAmount != nil {
		res.ExpectedVAT = *res.Header.VATAmount
	}
	res.ExpectedTotal = round2(base + res.ExpectedVAT)

	v.repairGrandTotal(&res, rawText)
	v.checkGrandTotal(&res, items)

	if res.Quality < 0 {
		res.Quality = 0
	}
	return res
}

// inferVATRate derives the effective rate from the stated amounts when
// possible, snapping to a known rate to absorb OCR noise
func (v *Validator) inferVATRate(res *ValidationResult) float64 {
	h := &res.Header

	if h.VATRate != nil {
		return snapVATRate(*h.VATRate)
	}

	if h.VATAmount != nil && h.Subtotal != nil && *h.Subtotal > 0 {
		raw := *h.VATAmount / *h.Subtotal
		snapped := snapVATRate(raw)
		if math.Abs(snapped-raw) <= 0.01 {
			res.Corrections = append(res.Corrections, Correction{
				Field:  "vat_rate",
				Value:  snapped,
				Source: SourceInferredVATRate,
			})
			h.VATRate = &snapped
			return snapped
		}
		return raw
	}

	return v.DefaultVATRate
}

func snapVATRate(rate float64) float64 {
	for _, known := range knownVATRates {
		if math.Abs(rate-known) <= 0.01 {
			return known
		}
	}
	return rate
}

// checkSubtotal compares the item sum against the stated subtotal and
// degrades quality proportionally to the relative error
func (v *Validator) checkSubtotal(res *ValidationResult, items []LineItem) {
	h := &res.Header

	if h.Subtotal == nil {
		if len(items) > 0 {
			sub := res.ItemsSubtotal
			h.Subtotal = &sub
			res.Corrections = append(res.Corrections, Correction{
				Field:  "subtotal",
				Value:  sub,
				Source: SourceComputedFromItems,
			})
		}
		return
	}

	if len(items) == 0 {
		if *h.Subtotal > 0 {
			res.Issues = append(res.Issues, "document states a subtotal but no line items were extracted")
			if res.Quality > 0.5 {
				res.Quality = 0.5
			}
		}
		return
	}

	diff := math.Abs(*h.Subtotal - res.ItemsSubtotal)
	if diff <= v.MoneyTolerance {
		return
	}

	relErr := diff / math.Max(*h.Subtotal, 0.01)
	res.Issues = append(res.Issues, fmt.Sprintf(
		"line items sum to %.2f but stated subtotal is %.2f", res.ItemsSubtotal, *h.Subtotal))
	res.Quality -= penaltyFor(relErr)
}

// repairGrandTotal fills a missing grand total, preferring an amount
// actually printed on the page over a computed one
func (v *Validator) repairGrandTotal(res *ValidationResult, rawText string) {
	h := &res.Header
	if h.GrandTotal != nil {
		return
	}

	if rescued, ok := scanTextForTotal(rawText, res.ExpectedTotal); ok {
		h.GrandTotal = &rescued
		res.Corrections = append(res.Corrections, Correction{
			Field:  "grand_total",
			Value:  rescued,
			Source: SourceRawTextScan,
		})
		return
	}

	if res.ExpectedTotal > 0 {
		total := res.ExpectedTotal
		h.GrandTotal = &total
		res.Corrections = append(res.Corrections, Correction{
			Field:  "grand_total",
			Value:  total,
			Source: SourceComputedFromItems,
		})
	}
}

// checkGrandTotal is the critical gate: a stated total that is far from
// what the items support means the extraction cannot be trusted
func (v *Validator) checkGrandTotal(res *ValidationResult, items []LineItem) {
	h := &res.Header
	if h.GrandTotal == nil {
		return
	}

	if len(items) == 0 {
		if *h.GrandTotal > 0 {
			res.Issues = append(res.Issues, "document states a total but no line items were extracted")
			if res.Quality > 0.5 {
				res.Quality = 0.5
			}
		}
		return
	}

	diff := math.Abs(*h.GrandTotal - res.ExpectedTotal)
	if diff <= v.MoneyTolerance {
		if diff > 0.005 {
			res.Corrections = append(res.Corrections, Correction{
				Field:    "expected_total",
				Previous: res.ExpectedTotal,
				Value:    *h.GrandTotal,
				Source:   SourceRoundingAdjustment,
			})
			res.ExpectedTotal = *h.GrandTotal
		}
		return
	}

	relErr := diff / math.Max(*h.GrandTotal, 0.01)
	res.Issues = append(res.Issues, fmt.Sprintf(
		"stated total %.2f disagrees with computed total %.2f", *h.GrandTotal, res.ExpectedTotal))
	res.Quality -= penaltyFor(relErr)

	if relErr > v.MismatchThreshold {
		res.Critical = true
	}
}

// penaltyFor maps a relative error onto a quality deduction
func penaltyFor(relErr float64) float64 {
	switch {
	case relErr > 0.10:
		return 0.5
	case relErr > 0.05:
		return 0.3
	case relErr > 0.01:
		return 0.1
	default:
		return 0
	}
}

// sumItems totals the line items, deriving qty × unit when a line total
// is missing
func sumItems(items []LineItem) float64 {
	sum := decimal.Zero
	for _, item := range items {
		switch {
		case item.LineTotal != nil:
			sum = sum.Add(decimal.NewFromFloat(*item.LineTotal))
		case item.Quantity != nil && item.UnitPrice != nil:
			q := decimal.NewFromFloat(*item.Quantity)
			u := decimal.NewFromFloat(*item.UnitPrice)
			sum = sum.Add(q.Mul(u))
		}
	}
	f, _ := sum.Round(2).Float64()
	return f
}

// scanTextForTotal hunts the raw text for an amount near a total
// keyword that agrees with the expected total to within a pound. The
// page often prints a readable total even when the header extractor's
// stricter patterns missed it.
func scanTextForTotal(rawText string, expected float64) (float64, bool) {
	if rawText == "" || expected <= 0 {
		return 0, false
	}

	matches := grandTotalRe.FindAllStringSubmatch(rawText, -1)
	for i := len(matches) - 1; i >= 0; i-- {
		candidate := parsedMoneyGroup(matches[i][1])
		if candidate == nil {
			continue
		}
		if math.Abs(*candidate-expected) <= 1.0 {
			return *candidate, true
		}
	}
	return 0, false
}

func round2(v float64) float64 {
	f, _ := decimal.NewFromFloat(v).Round(2).Float64()
	return f
}
