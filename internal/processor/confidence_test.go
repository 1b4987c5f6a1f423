package processor

import "testing"

func newTestScorer() *Scorer {
	return &Scorer{
		OCRWeight:        0.40,
		ExtractionWeight: 0.35,
		ValidationWeight: 0.25,
		HighCutoff:       0.80,
		MediumCutoff:     0.60,
		LowCutoff:        0.40,
	}
}

func resultWithItems(ocrConf float64, items []LineItem) *ExtractionResult {
	return &ExtractionResult{
		DocumentID:    "doc-1",
		Header:        HeaderFields{SupplierName: "ACME", GrandTotal: fp(340.56)},
		Items:         items,
		OCRConfidence: ocrConf,
	}
}

func completeItem(conf float64) LineItem {
	return LineItem{
		Description: "IPA KEG",
		Quantity:    fp(12),
		UnitPrice:   fp(3.56),
		LineTotal:   fp(42.72),
		Confidence:  conf,
	}
}

func TestScoreEmptyExtractionIsCritical(t *testing.T) {
	s := newTestScorer()
	// no supplier, no total, no items: every component metric looks
	// clean, but nothing was read
	result := &ExtractionResult{DocumentID: "doc-1", OCRConfidence: 0.95}

	report := s.Score(result, ValidationResult{Quality: 1.0})

	if report.Band != BandCritical {
		t.Errorf("empty extraction scored band %s, want critical", report.Band)
	}
	if report.ReviewAction != ReviewManual {
		t.Errorf("empty extraction review action %s, want manual_entry", report.ReviewAction)
	}
	if report.Score != 0 {
		t.Errorf("empty extraction score %v, want 0", report.Score)
	}
}

func TestScoreHighBandSkipsReview(t *testing.T) {
	s := newTestScorer()
	result := resultWithItems(0.95, []LineItem{completeItem(0.95), completeItem(0.93)})

	report := s.Score(result, ValidationResult{Quality: 1.0})

	if report.Band != BandHigh {
		t.Errorf("band %s, want high (score %v)", report.Band, report.Score)
	}
	if report.ReviewAction != ReviewNone {
		t.Errorf("review action %s, want none", report.ReviewAction)
	}
}

func TestScoreValidationCriticalOverridesBand(t *testing.T) {
	s := newTestScorer()
	result := resultWithItems(0.95, []LineItem{completeItem(0.95)})

	report := s.Score(result, ValidationResult{Quality: 0.5, Critical: true})

	if report.Band != BandCritical {
		t.Errorf("band %s, want critical when validation is critical", report.Band)
	}
	if report.Score > s.LowCutoff {
		t.Errorf("score %v exceeds the critical ceiling %v", report.Score, s.LowCutoff)
	}
}

func TestScoreBandsAreMonotonic(t *testing.T) {
	s := newTestScorer()
	rank := map[string]int{BandCritical: 0, BandLow: 1, BandMedium: 2, BandHigh: 3}

	prevRank := -1
	var prevScore float64
	for _, conf := range []float64{0.1, 0.3, 0.5, 0.7, 0.9, 0.99} {
		result := resultWithItems(conf, []LineItem{completeItem(conf)})
		report := s.Score(result, ValidationResult{Quality: conf})

		if report.Score < prevScore {
			t.Errorf("score decreased as inputs improved: %v after %v", report.Score, prevScore)
		}
		if rank[report.Band] < prevRank {
			t.Errorf("band worsened as inputs improved: %s", report.Band)
		}
		prevScore = report.Score
		prevRank = rank[report.Band]
	}
}

func TestScoreIncompleteItemsLowerExtractionQuality(t *testing.T) {
	s := newTestScorer()

	complete := resultWithItems(0.9, []LineItem{completeItem(0.9)})
	sparse := resultWithItems(0.9, []LineItem{{Description: "IPA KEG", LineTotal: fp(42.72), Confidence: 0.9}})

	full := s.Score(complete, ValidationResult{Quality: 1.0})
	holey := s.Score(sparse, ValidationResult{Quality: 1.0})

	if holey.Extraction >= full.Extraction {
		t.Errorf("sparse item extraction quality %v not below complete %v",
			holey.Extraction, full.Extraction)
	}
}

func TestNormalizeConfidence(t *testing.T) {
	cases := []struct {
		in   interface{}
		want float64
	}{
		{0.75, 0.75},
		{92.0, 0.92},
		{"0.6", 0.6},
		{"88", 0.88},
		{"garbage", 0},
		{-0.5, 0},
		{nil, 0},
	}
	for _, c := range cases {
		if got := NormalizeConfidence(c.in); got != c.want {
			t.Errorf("NormalizeConfidence(%v) = %v, want %v", c.in, got, c.want)
		}
	}
}
