/**
 * Geometric line item extraction
 *
 * Primary strategy: cluster word tokens into rows by vertical center,
 * split rows into cells on horizontal gaps, then assign column roles
 * right to left. Works on any document where the OCR engine produced
 * usable bounding boxes.
 */

package processor

import (
	"regexp"
	"sort"
	"strings"
)

// rows whose text matches one of these are summary lines, not items
var summaryRowRe = regexp.MustCompile(`(?i)\b(sub\s*-?\s*total|total|vat|tax|balance|amount\s+due|change|cash|card|delivery|carriage|discount|invoice|account|payment)\b`)

// ColumnExtractor implements the geometric strategy
type ColumnExtractor struct{}

// Extract builds line items from one page's token geometry. Rows with
// no numeric cell are discarded; rows with numbers but no readable
// description are kept and flagged for review rather than dropped,
// because an unreadable name on a real charge still costs money.
func (ce *ColumnExtractor) Extract(page *OCRPage, layout PageLayout) []LineItem {
	rows := clusterRows(page.Tokens, layout.RowTolerance)

	var items []LineItem
	for _, row := range rows {
		rowText := joinTokens(row)
		if summaryRowRe.MatchString(rowText) {
			continue
		}

		cells := splitCells(row, layout.ColumnGap)
		item, ok := buildItem(cells, row, page.PageNumber)
		if !ok {
			continue
		}
		items = append(items, item)
	}
	return items
}

// clusterRows groups tokens into physical lines. Tokens are sorted by
// vertical center and a new row starts when a token's center drifts
// more than tol from the current row's running mean.
func clusterRows(tokens []Token, tol int) [][]Token {
	if len(tokens) == 0 {
		return nil
	}
	if tol < 1 {
		tol = 1
	}

	sorted := make([]Token, len(tokens))
	copy(sorted, tokens)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Box.CenterY() < sorted[j].Box.CenterY()
	})

	var rows [][]Token
	var current []Token
	var centerSum int

	for _, tok := range sorted {
		if len(current) > 0 {
			mean := centerSum / len(current)
			if abs(tok.Box.CenterY()-mean) > tol {
				rows = append(rows, sortRowByX(current))
				current = nil
				centerSum = 0
			}
		}
		current = append(current, tok)
		centerSum += tok.Box.CenterY()
	}
	if len(current) > 0 {
		rows = append(rows, sortRowByX(current))
	}
	return rows
}

func sortRowByX(row []Token) []Token {
	sort.SliceStable(row, func(i, j int) bool {
		return row[i].Box.X < row[j].Box.X
	})
	return row
}

// splitCells splits a left-to-right sorted row into cells wherever the
// horizontal gap between adjacent tokens exceeds gap
func splitCells(row []Token, gap int) [][]Token {
	var cells [][]Token
	var current []Token

	for _, tok := range row {
		if len(current) > 0 {
			prev := current[len(current)-1]
			if tok.Box.X-prev.Box.Right() > gap {
				cells = append(cells, current)
				current = nil
			}
		}
		current = append(current, tok)
	}
	if len(current) > 0 {
		cells = append(cells, current)
	}
	return cells
}

// buildItem assigns column roles to a row's cells. Numeric cells are
// consumed right to left as line total, unit price, quantity; whatever
// remains on the left becomes the description.
func buildItem(cells [][]Token, row []Token, pageNumber int) (LineItem, bool) {
	type cell struct {
		text    string
		numeric bool
		value   float64
	}

	parsed := make([]cell, len(cells))
	numericCount := 0
	for i, c := range cells {
		text := joinTokens(c)
		v, ok := parseMoney(text)
		if !ok {
			if qv, qok := parseQuantity(text); qok {
				v, ok = qv, true
			}
		}
		parsed[i] = cell{text: text, numeric: ok, value: v}
		if ok {
			numericCount++
		}
	}

	if numericCount == 0 {
		return LineItem{}, false
	}

	item := LineItem{Page: pageNumber}

	// consume numeric cells right to left
	roles := []**float64{&item.LineTotal, &item.UnitPrice, &item.Quantity}
	roleIdx := 0
	descEnd := len(parsed)
	for i := len(parsed) - 1; i >= 0 && roleIdx < len(roles); i-- {
		if !parsed[i].numeric {
			break
		}
		v := parsed[i].value
		*roles[roleIdx] = &v
		roleIdx++
		descEnd = i
	}

	// quantity-first rows: "12  WIDGET  3.56  42.72" leaves a numeric
	// leading cell after right-to-left consumption stopped at text
	if item.Quantity == nil && descEnd > 0 && parsed[0].numeric {
		v := parsed[0].value
		item.Quantity = &v
		parsed[0].numeric = false
		parsed[0].text = ""
	}

	var descParts []string
	for i := 0; i < descEnd; i++ {
		if parsed[i].text != "" && !parsed[i].numeric {
			descParts = append(descParts, parsed[i].text)
		}
	}
	item.Description = strings.TrimSpace(strings.Join(descParts, " "))
	if item.Description == "" {
		item.AddFlag(FlagMissingDescription)
	}

	// a lone numeric cell with nothing else is noise, not an item
	if item.Description == "" && numericCount < 2 {
		return LineItem{}, false
	}

	var box BoundingBox
	var confSum float64
	for _, tok := range row {
		box = box.Union(tok.Box)
		confSum += tok.Confidence
	}
	item.Box = box
	if len(row) > 0 {
		item.Confidence = confSum / float64(len(row))
	}

	return item, true
}

func joinTokens(tokens []Token) string {
	parts := make([]string, len(tokens))
	for i, t := range tokens {
		parts[i] = t.Text
	}
	return strings.Join(parts, " ")
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
