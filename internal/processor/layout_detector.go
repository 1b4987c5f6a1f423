/**
 * Page layout classification
 *
 * Decides whether a page is a standard invoice or a narrow till
 * receipt. Receipts get tighter column-gap tolerances because their
 * columns sit much closer together, and their item lines frequently
 * wrap onto a second physical line.
 */

package processor

// LayoutMode classifies the physical shape of a page
type LayoutMode string

const (
	LayoutInvoice LayoutMode = "invoice"
	LayoutReceipt LayoutMode = "receipt"
)

// PageLayout is the result of layout classification for one page
type PageLayout struct {
	Mode           LayoutMode `json:"mode"`
	AvgTokenHeight int        `json:"avg_token_height"`
	ColumnGap      int        `json:"column_gap"`
	RowTolerance   int        `json:"row_tolerance"`
}

// DetectLayout classifies a page and derives the geometry tolerances
// the column extractor will use on it. Tolerances scale with the
// average token height so a 300dpi scan and a phone photo cluster the
// same way.
func DetectLayout(page *OCRPage, ratio, rowFactor, gapFactor, receiptGapScale float64) PageLayout {
	layout := PageLayout{Mode: LayoutInvoice}

	if page.Width > 0 && float64(page.Height) > ratio*float64(page.Width) {
		layout.Mode = LayoutReceipt
	}

	avgH := averageTokenHeight(page.Tokens)
	if avgH == 0 {
		// no geometry on the page; pick tolerances that still work
		// for synthetic token streams
		avgH = 20
	}
	layout.AvgTokenHeight = avgH

	gap := gapFactor * float64(avgH)
	if layout.Mode == LayoutReceipt {
		gap *= receiptGapScale
	}
	layout.ColumnGap = int(gap)
	if layout.ColumnGap < 1 {
		layout.ColumnGap = 1
	}

	layout.RowTolerance = int(rowFactor * float64(avgH))
	if layout.RowTolerance < 1 {
		layout.RowTolerance = 1
	}

	return layout
}

// averageTokenHeight returns the mean height of tokens that carry
// geometry, ignoring boxes with zero height
func averageTokenHeight(tokens []Token) int {
	var sum, n int
	for _, t := range tokens {
		if t.Box.Height > 0 {
			sum += t.Box.Height
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / n
}
