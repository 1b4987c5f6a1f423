/**
 * Pattern-based line item extraction
 *
 * Fallback strategy for pages whose token geometry is too degraded to
 * cluster. Works on raw page text line by line with an ordered set of
 * patterns, most specific first, and merges receipt lines that wrap a
 * long description onto its own physical line above the price.
 */

package processor

import (
	"regexp"
	"strings"
)

type linePattern struct {
	name string
	re   *regexp.Regexp
	// build maps regex groups onto a LineItem
	build func(groups []string) LineItem
}

var money = `[£$€]?(\d+(?:,\d{3})*[.,]\d{2})`

var linePatterns = []linePattern{
	{
		name: "qty_desc_unit_total",
		re:   regexp.MustCompile(`^\s*(\d+(?:\.\d+)?)\s+(.+?)\s+` + money + `\s+` + money + `\s*$`),
		build: func(g []string) LineItem {
			return LineItem{
				Description: g[2],
				Quantity:    parsedFloat(g[1]),
				UnitPrice:   parsedMoneyGroup(g[3]),
				LineTotal:   parsedMoneyGroup(g[4]),
			}
		},
	},
	{
		name: "desc_qty_unit_total",
		re:   regexp.MustCompile(`^\s*(.+?)\s+(\d+(?:\.\d+)?)\s+` + money + `\s+` + money + `\s*$`),
		build: func(g []string) LineItem {
			return LineItem{
				Description: g[1],
				Quantity:    parsedFloat(g[2]),
				UnitPrice:   parsedMoneyGroup(g[3]),
				LineTotal:   parsedMoneyGroup(g[4]),
			}
		},
	},
	{
		name: "desc_qty_at_unit",
		re:   regexp.MustCompile(`^\s*(.+?)\s+(\d+(?:\.\d+)?)\s*[xX@]\s*` + money + `\s*$`),
		build: func(g []string) LineItem {
			return LineItem{
				Description: g[1],
				Quantity:    parsedFloat(g[2]),
				UnitPrice:   parsedMoneyGroup(g[3]),
			}
		},
	},
	{
		name: "desc_unit_total",
		re:   regexp.MustCompile(`^\s*(.+?)\s+` + money + `\s+` + money + `\s*$`),
		build: func(g []string) LineItem {
			return LineItem{
				Description: g[1],
				UnitPrice:   parsedMoneyGroup(g[2]),
				LineTotal:   parsedMoneyGroup(g[3]),
			}
		},
	},
	{
		name: "desc_total",
		re:   regexp.MustCompile(`^\s*(.+?)\s+` + money + `\s*$`),
		build: func(g []string) LineItem {
			return LineItem{
				Description: g[1],
				LineTotal:   parsedMoneyGroup(g[2]),
			}
		},
	},
}

// priceOnlyRe matches a physical line holding nothing but a price,
// the second half of a wrapped receipt line
var priceOnlyRe = regexp.MustCompile(`^\s*[£$€]?(\d+(?:,\d{3})*[.,]\d{2})\s*$`)

// descriptionOnlyRe matches a line that is plausibly the first half of
// a wrapped receipt line
var descriptionOnlyRe = regexp.MustCompile(`^\s*[A-Za-z][A-Za-z0-9 .,&'/-]{2,}\s*$`)

// PatternExtractor implements the text-pattern strategy
type PatternExtractor struct{}

// Extract parses line items from raw page text. In receipt mode the
// single-price pattern is trusted on its own; in invoice mode a lone
// "description price" line is too ambiguous (it matches addresses,
// references and terms), so it only counts when at least one richer
// pattern matched elsewhere on the page.
func (pe *PatternExtractor) Extract(text string, pageNumber int, mode LayoutMode) []LineItem {
	lines := strings.Split(text, "\n")

	var items []LineItem
	var pendingDesc string
	sawRichMatch := false

	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || summaryRowRe.MatchString(line) {
			pendingDesc = ""
			continue
		}

		// wrapped receipt line: description buffered from the previous
		// physical line, price alone on this one
		if pendingDesc != "" {
			if g := priceOnlyRe.FindStringSubmatch(line); g != nil {
				items = append(items, finishPatternItem(impliedSingle(LineItem{
					Description: pendingDesc,
					LineTotal:   parsedMoneyGroup(g[1]),
				}), pageNumber))
				pendingDesc = ""
				continue
			}
			pendingDesc = ""
		}

		matched := false
		for _, p := range linePatterns {
			g := p.re.FindStringSubmatch(line)
			if g == nil {
				continue
			}
			if p.name == "desc_total" && mode != LayoutReceipt && !sawRichMatch {
				continue
			}

			item := p.build(g)
			if strings.TrimSpace(item.Description) == "" {
				continue
			}
			if p.name == "desc_total" && mode == LayoutReceipt {
				item = impliedSingle(item)
			}
			items = append(items, finishPatternItem(item, pageNumber))
			if p.name != "desc_total" {
				sawRichMatch = true
			}
			matched = true
			break
		}

		if !matched && mode == LayoutReceipt && descriptionOnlyRe.MatchString(line) {
			pendingDesc = line
		}
	}

	return items
}

// impliedSingle fills in the quantity a till receipt leaves unprinted:
// a bare "description price" line means one of the thing, and with the
// quantity pinned the unit price becomes derivable from the total.
func impliedSingle(item LineItem) LineItem {
	if item.Quantity == nil {
		one := 1.0
		item.Quantity = &one
	}
	return item
}

func finishPatternItem(item LineItem, pageNumber int) LineItem {
	item.Description = strings.TrimSpace(item.Description)
	item.Page = pageNumber
	// pattern matches carry no geometry, so confidence leans on how
	// complete the numeric triple is
	fields := 0
	if item.Quantity != nil {
		fields++
	}
	if item.UnitPrice != nil {
		fields++
	}
	if item.LineTotal != nil {
		fields++
	}
	item.Confidence = 0.45 + 0.1*float64(fields)
	return item
}

func parsedFloat(s string) *float64 {
	v, ok := parseQuantity(s)
	if !ok {
		return nil
	}
	return &v
}

func parsedMoneyGroup(s string) *float64 {
	// European decimal commas arrive as "1,20"
	if strings.Count(s, ",") == 1 && !strings.Contains(s, ".") {
		s = strings.Replace(s, ",", ".", 1)
	}
	v, ok := parseMoney(s)
	if !ok {
		return nil
	}
	return &v
}
