/**
 * Line item and document-level extraction types
 */

package processor

// Flags attached to line items during extraction and repair
const (
	FlagMissingDescription = "missing_description"
	FlagHealedQuantity     = "healed_quantity"
	FlagHealedUnitPrice    = "healed_unit_price"
	FlagHealedLineTotal    = "healed_line_total"
	FlagArithmeticMismatch = "arithmetic_mismatch"
	FlagZeroQuantity       = "zero_quantity"
	FlagLLMReconstructed   = "llm_reconstructed"
)

// LineItem is a single extracted invoice or receipt line.
// Quantity, UnitPrice and LineTotal are pointers so a missing field
// is distinguishable from a zero value; the self-healing pass relies
// on that distinction.
type LineItem struct {
	Description string   `json:"description"`
	Quantity    *float64 `json:"quantity"`
	UnitPrice   *float64 `json:"unit_price"`
	LineTotal   *float64 `json:"line_total"`

	// Box is the union of every token box the line was built from,
	// in the coordinate space of the page it came from.
	Box  BoundingBox `json:"bbox"`
	Page int         `json:"page"`

	Confidence float64  `json:"confidence"`
	Flags      []string `json:"flags,omitempty"`
}

// HasFlag reports whether the item carries the given flag
func (li *LineItem) HasFlag(flag string) bool {
	for _, f := range li.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// AddFlag appends a flag once
func (li *LineItem) AddFlag(flag string) {
	if !li.HasFlag(flag) {
		li.Flags = append(li.Flags, flag)
	}
}

// HeaderFields are the document-level values read off the page header
// and footer, used by the validator to cross-check the line items.
type HeaderFields struct {
	SupplierName  string   `json:"supplier_name"`
	InvoiceNumber string   `json:"invoice_number"`
	InvoiceDate   string   `json:"invoice_date"`
	Subtotal      *float64 `json:"subtotal"`
	VATAmount     *float64 `json:"vat_amount"`
	VATRate       *float64 `json:"vat_rate"`
	GrandTotal    *float64 `json:"grand_total"`
	Currency      string   `json:"currency"`
}

// ExtractionResult is everything the pipeline produced for a document
// before scoring and persistence.
type ExtractionResult struct {
	DocumentID string       `json:"document_id"`
	Header     HeaderFields `json:"header"`
	Items      []LineItem   `json:"line_items"`
	Strategy   string       `json:"strategy"`
	PageCount  int          `json:"page_count"`
	RawText    string       `json:"-"`

	// OCRConfidence is the mean token confidence across all pages
	OCRConfidence float64 `json:"ocr_confidence"`
}
