package processor

import (
	"math"
	"testing"
)

// tok builds a 20px-high token, the geometry the default tolerances
// are scaled from
func tok(text string, x, y, w int) Token {
	return Token{Text: text, Confidence: 0.9, Box: BoundingBox{X: x, Y: y, Width: w, Height: 20}}
}

func invoiceLayout() PageLayout {
	return PageLayout{Mode: LayoutInvoice, AvgTokenHeight: 20, ColumnGap: 30, RowTolerance: 14}
}

func invoicePage(tokens []Token) *OCRPage {
	return &OCRPage{PageNumber: 1, Width: 1000, Height: 1200, Tokens: tokens}
}

func TestColumnExtractorBasicRow(t *testing.T) {
	ce := &ColumnExtractor{}
	page := invoicePage([]Token{
		tok("12", 40, 100, 30),
		tok("WIDGET", 150, 100, 80),
		tok("3.56", 500, 100, 50),
		tok("42.72", 650, 100, 60),
	})

	items := ce.Extract(page, invoiceLayout())

	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}
	item := items[0]
	if item.Description != "WIDGET" {
		t.Errorf("description %q, want WIDGET", item.Description)
	}
	if item.Quantity == nil || *item.Quantity != 12 {
		t.Errorf("quantity %v, want 12", item.Quantity)
	}
	if item.UnitPrice == nil || *item.UnitPrice != 3.56 {
		t.Errorf("unit price %v, want 3.56", item.UnitPrice)
	}
	if item.LineTotal == nil || *item.LineTotal != 42.72 {
		t.Errorf("line total %v, want 42.72", item.LineTotal)
	}
}

func TestColumnExtractorUnionBoundingBox(t *testing.T) {
	ce := &ColumnExtractor{}
	tokens := []Token{
		tok("12", 40, 100, 30),
		tok("WIDGET", 150, 98, 80),
		tok("3.56", 500, 102, 50),
		tok("42.72", 650, 100, 60),
	}

	items := ce.Extract(invoicePage(tokens), invoiceLayout())

	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}
	box := items[0].Box
	for _, tk := range tokens {
		if !box.Contains(tk.Box) {
			t.Errorf("item box %+v does not contain token %q at %+v", box, tk.Text, tk.Box)
		}
	}
	if box.X != 40 || box.Right() != 710 {
		t.Errorf("box spans x=%d..%d, want 40..710", box.X, box.Right())
	}
}

func TestColumnExtractorSkipsSummaryRows(t *testing.T) {
	ce := &ColumnExtractor{}
	page := invoicePage([]Token{
		tok("WIDGET", 150, 100, 80),
		tok("42.72", 650, 100, 60),
		tok("SUBTOTAL", 150, 200, 100),
		tok("283.80", 650, 200, 60),
		tok("VAT", 150, 240, 40),
		tok("56.76", 650, 240, 60),
	})

	items := ce.Extract(page, invoiceLayout())

	if len(items) != 1 {
		t.Fatalf("expected summary rows skipped, got %d items", len(items))
	}
	if items[0].Description != "WIDGET" {
		t.Errorf("kept item %q, want WIDGET", items[0].Description)
	}
}

func TestColumnExtractorDiscardsRowsWithoutNumbers(t *testing.T) {
	ce := &ColumnExtractor{}
	page := invoicePage([]Token{
		tok("Thank", 150, 100, 60),
		tok("you", 220, 100, 40),
	})

	if items := ce.Extract(page, invoiceLayout()); len(items) != 0 {
		t.Errorf("text-only row produced %d items", len(items))
	}
}

func TestColumnExtractorKeepsFlaggedUnreadableDescription(t *testing.T) {
	ce := &ColumnExtractor{}
	// a priced row whose description cell was OCR noise; the charge is
	// real so the row must survive, flagged
	page := invoicePage([]Token{
		tok("7", 40, 100, 20),
		tok("3.56", 500, 100, 50),
		tok("24.92", 650, 100, 60),
	})

	items := ce.Extract(page, invoiceLayout())

	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}
	if !items[0].HasFlag(FlagMissingDescription) {
		t.Errorf("row without description not flagged: %+v", items[0])
	}
}

func TestClusterRowsGroupsByVerticalCenter(t *testing.T) {
	tokens := []Token{
		tok("a", 0, 100, 10),
		tok("b", 20, 103, 10),
		tok("c", 0, 140, 10),
	}

	rows := clusterRows(tokens, 14)

	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if len(rows[0]) != 2 || rows[0][0].Text != "a" || rows[0][1].Text != "b" {
		t.Errorf("first row wrong: %v", rows[0])
	}
}

func TestClusterRowsOrdersTokensLeftToRight(t *testing.T) {
	tokens := []Token{
		tok("right", 500, 100, 50),
		tok("left", 10, 101, 40),
	}

	rows := clusterRows(tokens, 14)

	if len(rows) != 1 || rows[0][0].Text != "left" {
		t.Errorf("row not sorted by x: %v", rows[0])
	}
}

func TestColumnExtractorMultipleRowsSumToFixture(t *testing.T) {
	ce := &ColumnExtractor{}
	page := invoicePage([]Token{
		tok("12", 40, 100, 30),
		tok("IPA", 150, 100, 40),
		tok("KEG", 200, 100, 40),
		tok("3.56", 500, 100, 50),
		tok("42.72", 650, 100, 60),
		tok("98", 40, 140, 30),
		tok("LAGER", 150, 140, 60),
		tok("2.46", 500, 140, 50),
		tok("241.08", 650, 140, 60),
	})

	items := ce.Extract(page, invoiceLayout())

	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if items[0].Description != "IPA KEG" {
		t.Errorf("multi-token description %q, want IPA KEG", items[0].Description)
	}
	if sum := sumItems(items); math.Abs(sum-283.80) > 1e-6 {
		t.Errorf("items sum %v, want 283.80", sum)
	}
}
