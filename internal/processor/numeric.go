/**
 * Numeric token parsing shared by the extraction strategies
 */

package processor

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	moneyCleanRe = regexp.MustCompile(`[£$€,\s]`)
	moneyRe      = regexp.MustCompile(`^-?\d+(?:\.\d{1,2})?$`)
	quantityRe   = regexp.MustCompile(`^\d+(?:\.\d+)?$`)
	// common OCR confusions inside numeric cells
	digitFixer = strings.NewReplacer("O", "0", "o", "0", "l", "1", "I", "1", "S", "5", "B", "8")
)

// parseMoney parses a currency cell such as "£1,234.50" or "4.20".
// Returns the value and whether the cell is plausibly monetary.
func parseMoney(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}

	cleaned := moneyCleanRe.ReplaceAllString(s, "")
	if !moneyRe.MatchString(cleaned) {
		// retry after repairing common digit confusions, but only when
		// the cell already looks mostly numeric
		repaired := digitFixer.Replace(cleaned)
		if countDigits(cleaned) < len(cleaned)/2 || !moneyRe.MatchString(repaired) {
			return 0, false
		}
		cleaned = repaired
	}

	v, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// parseQuantity parses a count cell. Quantities are bare numbers with
// no currency marks; "12" and "1.5" qualify, "£12" does not.
func parseQuantity(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if !quantityRe.MatchString(s) {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func countDigits(s string) int {
	n := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			n++
		}
	}
	return n
}
