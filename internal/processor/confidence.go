/**
 * Document confidence scoring
 *
 * Blends OCR quality, extraction quality and validation quality into a
 * single score, then maps the score onto a review band. The guard at
 * the top exists because an empty extraction can look "clean" to every
 * component metric: no items means no arithmetic to fail and no noisy
 * tokens to drag the OCR average down. A document with nothing in it
 * is scored critical, not perfect.
 */

package processor

// Review bands
const (
	BandHigh     = "high"
	BandMedium   = "medium"
	BandLow      = "low"
	BandCritical = "critical"
)

// Review actions attached to each band
const (
	ReviewNone     = "none"
	ReviewQuick    = "quick_review"
	ReviewDetailed = "detailed_review"
	ReviewManual   = "manual_entry"
)

// ConfidenceReport is the scored outcome for a document
type ConfidenceReport struct {
	Score        float64 `json:"score"`
	Band         string  `json:"band"`
	ReviewAction string  `json:"review_action"`
	OCRQuality   float64 `json:"ocr_quality"`
	Extraction   float64 `json:"extraction_quality"`
	Validation   float64 `json:"validation_quality"`
	Reason       string  `json:"reason,omitempty"`
}

// Scorer computes document confidence
type Scorer struct {
	OCRWeight        float64
	ExtractionWeight float64
	ValidationWeight float64
	HighCutoff       float64
	MediumCutoff     float64
	LowCutoff        float64
}

// Score combines the three quality components. A validation-critical
// document and an empty extraction are both forced into the critical
// band no matter what the weighted sum says.
func (s *Scorer) Score(result *ExtractionResult, validation ValidationResult) ConfidenceReport {
	report := ConfidenceReport{
		OCRQuality: result.OCRConfidence,
		Validation: validation.Quality,
	}

	if isEmptyExtraction(result) {
		report.Score = 0
		report.Band = BandCritical
		report.ReviewAction = ReviewManual
		report.Reason = "No data extracted"
		return report
	}

	report.Extraction = extractionQuality(result.Items)

	report.Score = s.OCRWeight*report.OCRQuality +
		s.ExtractionWeight*report.Extraction +
		s.ValidationWeight*report.Validation

	if validation.Critical {
		report.Band = BandCritical
		report.ReviewAction = ReviewManual
		report.Reason = "stated total disagrees with extracted items"
		if report.Score > s.LowCutoff {
			report.Score = s.LowCutoff
		}
		return report
	}

	switch {
	case report.Score >= s.HighCutoff:
		report.Band = BandHigh
		report.ReviewAction = ReviewNone
	case report.Score >= s.MediumCutoff:
		report.Band = BandMedium
		report.ReviewAction = ReviewQuick
	case report.Score >= s.LowCutoff:
		report.Band = BandLow
		report.ReviewAction = ReviewDetailed
	default:
		report.Band = BandCritical
		report.ReviewAction = ReviewManual
	}

	return report
}

// isEmptyExtraction is the anti-false-confidence guard: unknown
// supplier, no total and no items means nothing was actually read
func isEmptyExtraction(result *ExtractionResult) bool {
	hasTotal := result.Header.GrandTotal != nil && *result.Header.GrandTotal > 0
	return result.Header.SupplierName == "" && !hasTotal && len(result.Items) == 0
}

// extractionQuality blends per-item confidence with field completeness
func extractionQuality(items []LineItem) float64 {
	if len(items) == 0 {
		return 0
	}

	var confSum, completeSum float64
	for _, item := range items {
		confSum += item.Confidence

		fields := 0.0
		if item.Description != "" {
			fields++
		}
		if item.Quantity != nil {
			fields++
		}
		if item.UnitPrice != nil {
			fields++
		}
		if item.LineTotal != nil {
			fields++
		}
		completeSum += fields / 4.0
	}

	n := float64(len(items))
	return 0.6*(confSum/n) + 0.4*(completeSum/n)
}
