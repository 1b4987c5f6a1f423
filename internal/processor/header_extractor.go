/**
 * Document header and footer field extraction
 *
 * Pulls supplier name, invoice number, date and the money summary
 * (subtotal, VAT, grand total) out of raw document text. Totals are
 * searched bottom-up because summary blocks sit at the foot of the
 * document and item lines above them can contain the same keywords.
 */

package processor

import (
	"regexp"
	"strings"
)

var (
	invoiceNumberRe = regexp.MustCompile(`(?i)\b(?:invoice|inv|credit\s+note|delivery\s+note)\s*(?:no|no\.|number|#|:)?\s*[:#]?\s*([A-Z0-9][A-Z0-9/-]{2,})`)
	dateRe          = regexp.MustCompile(`\b(\d{1,2}[/.-]\d{1,2}[/.-]\d{2,4}|\d{4}-\d{2}-\d{2}|\d{1,2}\s+(?:Jan|Feb|Mar|Apr|May|Jun|Jul|Aug|Sep|Oct|Nov|Dec)[a-z]*\s+\d{2,4})\b`)

	grandTotalRe = regexp.MustCompile(`(?i)\b(?:grand\s+total|total\s+due|amount\s+due|balance\s+due|total\s+to\s+pay|invoice\s+total|total)\b[^\d£$€-]*[£$€]?\s*(\d+(?:,\d{3})*\.\d{2})`)
	subtotalRe   = regexp.MustCompile(`(?i)\b(?:sub\s*-?\s*total|net\s+(?:total|amount)|goods\s+total)\b[^\d£$€-]*[£$€]?\s*(\d+(?:,\d{3})*\.\d{2})`)
	vatAmountRe  = regexp.MustCompile(`(?i)\b(?:vat|tax)\b(?:\s*@?\s*(\d+(?:\.\d+)?)\s*%)?[^\d£$€-]*[£$€]?\s*(\d+(?:,\d{3})*\.\d{2})`)

	currencyRe = regexp.MustCompile(`[£$€]`)

	// lines that are clearly not a supplier name
	supplierNoiseRe = regexp.MustCompile(`(?i)\b(invoice|receipt|delivery|statement|date|page|tel|phone|fax|email|www\.|vat\s+reg|order)\b`)
)

// HeaderExtractor pulls document-level fields from raw text
type HeaderExtractor struct{}

// Extract scans the document text for header and summary fields.
// Missing fields stay nil; the validator decides what it can do
// without them.
func (he *HeaderExtractor) Extract(text string) HeaderFields {
	h := HeaderFields{}
	lines := strings.Split(text, "\n")

	h.SupplierName = findSupplier(lines)

	if g := invoiceNumberRe.FindStringSubmatch(text); g != nil {
		h.InvoiceNumber = g[1]
	}
	if g := dateRe.FindStringSubmatch(text); g != nil {
		h.InvoiceDate = g[1]
	}
	if g := currencyRe.FindString(text); g != "" {
		h.Currency = g
	}

	// bottom-up: the last match wins for each money field
	for i := len(lines) - 1; i >= 0; i-- {
		line := lines[i]

		if h.GrandTotal == nil {
			if g := grandTotalRe.FindStringSubmatch(line); g != nil {
				h.GrandTotal = parsedMoneyGroup(g[1])
			}
		}
		if h.Subtotal == nil {
			if g := subtotalRe.FindStringSubmatch(line); g != nil {
				h.Subtotal = parsedMoneyGroup(g[1])
			}
		}
		if h.VATAmount == nil {
			if g := vatAmountRe.FindStringSubmatch(line); g != nil {
				if g[1] != "" {
					if rate := parsedFloat(g[1]); rate != nil {
						r := *rate / 100.0
						h.VATRate = &r
					}
				}
				h.VATAmount = parsedMoneyGroup(g[2])
			}
		}
	}

	return h
}

// findSupplier takes the first early line that looks like a business
// name rather than document boilerplate
func findSupplier(lines []string) string {
	limit := len(lines)
	if limit > 8 {
		limit = 8
	}
	for _, line := range lines[:limit] {
		line = strings.TrimSpace(line)
		if len(line) < 3 || len(line) > 60 {
			continue
		}
		if supplierNoiseRe.MatchString(line) {
			continue
		}
		if countDigits(line) > len(line)/3 {
			continue
		}
		letters := 0
		for _, r := range line {
			if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
				letters++
			}
		}
		if letters < 3 {
			continue
		}
		return line
	}
	return ""
}
