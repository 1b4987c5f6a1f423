package processor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"testing"
	"time"

	"github.com/owlin/extraction-worker/internal/config"
	ierrors "github.com/owlin/extraction-worker/internal/errors"
)

// fakeEngine returns a scripted page regardless of the image content
type fakeEngine struct {
	page *OCRPage
	err  error
}

func (e *fakeEngine) RecognizePage(ctx context.Context, pageNumber int, img image.Image) (*OCRPage, error) {
	if e.err != nil {
		return nil, e.err
	}
	p := *e.page
	p.PageNumber = pageNumber
	return &p, nil
}

// blockingEngine never answers; it only honours cancellation
type blockingEngine struct{}

func (e *blockingEngine) RecognizePage(ctx context.Context, pageNumber int, img image.Image) (*OCRPage, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type fakeReconstructor struct {
	items []LineItem
	conf  float64
	err   error
	calls int
}

func (r *fakeReconstructor) Reconstruct(ctx context.Context, documentID, rawText string, header HeaderFields) ([]LineItem, float64, error) {
	r.calls++
	if r.err != nil {
		return nil, 0, r.err
	}
	return r.items, r.conf, nil
}

func whitePagePNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 120, 120))
	for i := range img.Pix {
		img.Pix[i] = 0xff
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode test page: %v", err)
	}
	return buf.Bytes()
}

func newTestProcessor(t *testing.T, engine Engine, rec Reconstructor) *DocumentProcessor {
	t.Helper()
	p, err := NewDocumentProcessor(&ProcessorConfig{
		Engine:         engine,
		Reconstructor:  rec,
		Thresholds:     config.DefaultThresholds(),
		OCRPageTimeout: 5 * time.Second,
		LLMTimeout:     5 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewDocumentProcessor: %v", err)
	}
	return p
}

const cleanInvoiceText = `ACME BREWING SUPPLIES
Invoice No: INV-2024-0917
Date: 14/03/2024
12 WIDGET 3.56 42.72
98 GADGET 2.46 241.08
SUBTOTAL 283.80
VAT @ 20% 56.76
TOTAL DUE £340.56`

func cleanInvoicePage() *OCRPage {
	page := invoicePage([]Token{
		tok("12", 40, 100, 30),
		tok("WIDGET", 150, 100, 120),
		tok("3.56", 500, 100, 60),
		tok("42.72", 650, 100, 70),
		tok("98", 40, 140, 30),
		tok("GADGET", 150, 140, 120),
		tok("2.46", 500, 140, 60),
		tok("241.08", 650, 140, 70),
	})
	page.Text = cleanInvoiceText
	page.Confidence = 0.93
	return page
}

func TestProcessDocumentGeometricPath(t *testing.T) {
	engine := &fakeEngine{page: cleanInvoicePage()}
	rec := &fakeReconstructor{}
	p := newTestProcessor(t, engine, rec)

	res, err := p.ProcessDocument(context.Background(), &ProcessRequest{
		DocumentID: "doc-1",
		Filename:   "invoice.png",
		PageImages: [][]byte{whitePagePNG(t)},
	})
	if err != nil {
		t.Fatalf("ProcessDocument: %v", err)
	}

	if res.Status != StatusReady {
		t.Errorf("status %q, want %q", res.Status, StatusReady)
	}
	if res.Extraction.Strategy != StrategyGeometric {
		t.Errorf("strategy %q, want %q", res.Extraction.Strategy, StrategyGeometric)
	}
	if res.Confidence.Band != BandHigh {
		t.Errorf("band %q (score %.3f), want %q", res.Confidence.Band, res.Confidence.Score, BandHigh)
	}
	if len(res.Extraction.Items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(res.Extraction.Items))
	}
	first := res.Extraction.Items[0]
	if first.Description != "WIDGET" || first.Quantity == nil || *first.Quantity != 12 ||
		first.LineTotal == nil || *first.LineTotal != 42.72 {
		t.Errorf("unexpected first item: %+v", first)
	}
	if res.Extraction.Header.SupplierName != "ACME BREWING SUPPLIES" {
		t.Errorf("supplier %q", res.Extraction.Header.SupplierName)
	}
	if res.Validation.Quality != 1.0 {
		t.Errorf("validation quality %.2f, want 1.0", res.Validation.Quality)
	}
	if len(res.Validation.Corrections) != 0 {
		t.Errorf("unexpected corrections on a clean document: %+v", res.Validation.Corrections)
	}

	// the cheap strategy won, so the escalation ladder stopped there
	if len(res.Attempts) != 1 {
		t.Fatalf("expected 1 attempt, got %d", len(res.Attempts))
	}
	if !res.Attempts[0].Accepted || res.Attempts[0].Strategy != StrategyGeometric {
		t.Errorf("unexpected attempt: %+v", res.Attempts[0])
	}
	if rec.calls != 0 {
		t.Errorf("LLM fallback ran %d times on a clean document", rec.calls)
	}

	if len(res.Pages) != 1 || res.Pages[0].PageNumber != 1 || len(res.Pages[0].PNG) == 0 {
		t.Errorf("missing page artifact: %+v", res.Pages)
	}
}

func TestProcessDocumentEscalatesToLLM(t *testing.T) {
	// no tokens and no parseable item lines, only a readable summary
	// block: both cheap strategies come up empty
	page := &OCRPage{
		Width:  1000,
		Height: 800,
		Text: "ACME BREWING SUPPLIES\nillegible scrawl\nSUBTOTAL 283.80\n" +
			"VAT @ 20% 56.76\nTOTAL DUE £340.56",
		Confidence: 0.55,
	}
	rec := &fakeReconstructor{
		items: []LineItem{
			{Description: "WIDGET", Quantity: fp(12), UnitPrice: fp(3.56), LineTotal: fp(42.72), Confidence: 0.9},
			{Description: "GADGET", Quantity: fp(98), UnitPrice: fp(2.46), LineTotal: fp(241.08), Confidence: 0.9},
		},
		conf: 0.9,
	}
	p := newTestProcessor(t, &fakeEngine{page: page}, rec)

	res, err := p.ProcessDocument(context.Background(), &ProcessRequest{
		DocumentID: "doc-2",
		PageImages: [][]byte{whitePagePNG(t)},
	})
	if err != nil {
		t.Fatalf("ProcessDocument: %v", err)
	}

	if rec.calls != 1 {
		t.Fatalf("LLM fallback called %d times, want 1", rec.calls)
	}
	if res.Extraction.Strategy != StrategyLLM {
		t.Errorf("strategy %q, want %q", res.Extraction.Strategy, StrategyLLM)
	}
	if len(res.Extraction.Items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(res.Extraction.Items))
	}
	if res.Validation.Quality != 1.0 {
		t.Errorf("validation quality %.2f, want 1.0", res.Validation.Quality)
	}
	if res.Status != StatusNeedsReview {
		t.Errorf("status %q, want %q", res.Status, StatusNeedsReview)
	}

	if len(res.Attempts) != 3 {
		t.Fatalf("expected a full 3-step audit trail, got %d", len(res.Attempts))
	}
	if res.Attempts[0].Accepted || res.Attempts[1].Accepted || !res.Attempts[2].Accepted {
		t.Errorf("unexpected acceptance pattern: %+v", res.Attempts)
	}
}

func TestProcessDocumentLLMFailureKeepsCheapResult(t *testing.T) {
	page := &OCRPage{
		Width:      1000,
		Height:     800,
		Text:       "ACME BREWING SUPPLIES\nillegible scrawl\nTOTAL DUE £340.56",
		Confidence: 0.55,
	}
	rec := &fakeReconstructor{err: errors.New("model unavailable")}
	p := newTestProcessor(t, &fakeEngine{page: page}, rec)

	res, err := p.ProcessDocument(context.Background(), &ProcessRequest{
		DocumentID: "doc-3",
		PageImages: [][]byte{whitePagePNG(t)},
	})
	if err != nil {
		t.Fatalf("a failing fallback must not sink the document: %v", err)
	}

	if res.Extraction.Strategy != StrategyNone {
		t.Errorf("strategy %q, want %q", res.Extraction.Strategy, StrategyNone)
	}
	if res.Status != StatusNeedsReview {
		t.Errorf("status %q, want %q", res.Status, StatusNeedsReview)
	}
	if len(res.Attempts) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(res.Attempts))
	}
	for _, a := range res.Attempts {
		if a.Accepted {
			t.Errorf("no strategy should have been accepted: %+v", a)
		}
	}
}

func TestProcessDocumentRejectedCandidateLeavesHeaderClean(t *testing.T) {
	// the token geometry carries only a stray artifact row, so the
	// geometric candidate synthesizes totals from garbage. The real
	// items are in the text, with no printed summary block. The pattern
	// candidate must be validated against the header as extracted, not
	// against the rejected candidate's synthesized totals.
	page := invoicePage([]Token{
		tok("NOISE", 150, 100, 120),
		tok("10.00", 650, 100, 70),
	})
	page.Text = "ACME BREWING SUPPLIES\n12 WIDGET 3.56 42.72\n98 GADGET 2.46 241.08"
	page.Confidence = 0.8
	p := newTestProcessor(t, &fakeEngine{page: page}, nil)

	res, err := p.ProcessDocument(context.Background(), &ProcessRequest{
		DocumentID: "doc-9",
		PageImages: [][]byte{whitePagePNG(t)},
	})
	if err != nil {
		t.Fatalf("ProcessDocument: %v", err)
	}

	if res.Extraction.Strategy != StrategyPattern {
		t.Errorf("strategy %q, want %q", res.Extraction.Strategy, StrategyPattern)
	}
	if len(res.Extraction.Items) != 2 {
		t.Fatalf("expected 2 items, got %d: %+v", len(res.Extraction.Items), res.Extraction.Items)
	}

	h := res.Extraction.Header
	if h.Subtotal == nil || *h.Subtotal != 283.80 {
		t.Errorf("subtotal %v, want 283.80 computed from the winning items", h.Subtotal)
	}
	if h.GrandTotal == nil || *h.GrandTotal != 340.56 {
		t.Errorf("grand total %v, want 340.56", h.GrandTotal)
	}

	// an unprinted subtotal is a repair with provenance, never a mismatch
	if len(res.Validation.Issues) != 0 {
		t.Errorf("unexpected issues: %v", res.Validation.Issues)
	}
	wantSources := map[string]string{}
	for _, c := range res.Validation.Corrections {
		wantSources[c.Field] = c.Source
	}
	if wantSources["subtotal"] != SourceComputedFromItems {
		t.Errorf("subtotal correction %+v, want %s provenance", res.Validation.Corrections, SourceComputedFromItems)
	}
	if wantSources["grand_total"] != SourceComputedFromItems {
		t.Errorf("grand total correction %+v, want %s provenance", res.Validation.Corrections, SourceComputedFromItems)
	}

	if res.Status != StatusReady {
		t.Errorf("status %q (band %s, score %.3f), want %q",
			res.Status, res.Confidence.Band, res.Confidence.Score, StatusReady)
	}
	if len(res.Attempts) != 2 || res.Attempts[0].Accepted || !res.Attempts[1].Accepted {
		t.Errorf("unexpected attempt trail: %+v", res.Attempts)
	}
}

func TestProcessDocumentKeepsPatternWinnerAfterWeakLLMAnswer(t *testing.T) {
	// geometric sees two of the three printed lines, pattern reads all
	// three. With the escalation cutoff raised every strategy runs; the
	// model's weak answer must not displace the pattern winner, and the
	// ladder must not fall back past it to the geometric candidate.
	page := invoicePage([]Token{
		tok("1", 40, 100, 20),
		tok("TEA", 150, 100, 80),
		tok("1.20", 500, 100, 60),
		tok("1.20", 650, 100, 60),
		tok("2", 40, 140, 20),
		tok("COFFEE", 150, 140, 100),
		tok("1.80", 500, 140, 60),
		tok("3.60", 650, 140, 60),
	})
	page.Text = "ACME BREWING SUPPLIES\n1 TEA 1.20 1.20\n2 COFFEE 1.80 3.60\n" +
		"1 CAKE 25.20 25.20\nSUBTOTAL 30.00\nVAT @ 20% 6.00\nTOTAL 36.00"
	page.Confidence = 0.8

	rec := &fakeReconstructor{
		items: []LineItem{{Description: "MYSTERY", LineTotal: fp(2.00), Confidence: 0.6}},
		conf:  0.6,
	}

	th := config.DefaultThresholds()
	th.LLMEscalateBelow = 0.99
	p, err := NewDocumentProcessor(&ProcessorConfig{
		Engine:         &fakeEngine{page: page},
		Reconstructor:  rec,
		Thresholds:     th,
		OCRPageTimeout: 5 * time.Second,
		LLMTimeout:     5 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewDocumentProcessor: %v", err)
	}

	res, err := p.ProcessDocument(context.Background(), &ProcessRequest{
		DocumentID: "doc-10",
		PageImages: [][]byte{whitePagePNG(t)},
	})
	if err != nil {
		t.Fatalf("ProcessDocument: %v", err)
	}

	if rec.calls != 1 {
		t.Fatalf("LLM fallback called %d times, want 1", rec.calls)
	}
	if res.Extraction.Strategy != StrategyPattern {
		t.Errorf("strategy %q, want %q", res.Extraction.Strategy, StrategyPattern)
	}
	if len(res.Extraction.Items) != 3 {
		t.Fatalf("expected the 3 pattern items, got %d: %+v",
			len(res.Extraction.Items), res.Extraction.Items)
	}
	if res.Extraction.Items[0].Description != "TEA" {
		t.Errorf("first item %q, want TEA", res.Extraction.Items[0].Description)
	}
	if res.Validation.Quality != 1.0 {
		t.Errorf("validation quality %.2f, want 1.0 for the pattern candidate", res.Validation.Quality)
	}

	if len(res.Attempts) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(res.Attempts))
	}
	if !res.Attempts[1].Accepted || res.Attempts[2].Accepted {
		t.Errorf("unexpected acceptance pattern: %+v", res.Attempts)
	}
}

func TestProcessDocumentSourceTypeGatesDewarp(t *testing.T) {
	p := newTestProcessor(t, &fakeEngine{page: cleanInvoicePage()}, nil)

	scan, err := p.ProcessDocument(context.Background(), &ProcessRequest{
		DocumentID: "doc-11",
		PageImages: [][]byte{whitePagePNG(t)},
	})
	if err != nil {
		t.Fatalf("ProcessDocument: %v", err)
	}
	if scan.Pages[0].Report.Dewarped {
		t.Error("dewarp ran on a scanned page")
	}
	if scan.Pages[0].Report.DewarpSkipped != "scanned source" {
		t.Errorf("skip reason %q, want %q", scan.Pages[0].Report.DewarpSkipped, "scanned source")
	}

	photo, err := p.ProcessDocument(context.Background(), &ProcessRequest{
		DocumentID: "doc-12",
		SourceType: SourcePhoto,
		PageImages: [][]byte{whitePagePNG(t)},
	})
	if err != nil {
		t.Fatalf("ProcessDocument: %v", err)
	}
	if photo.Pages[0].Report.DewarpSkipped == "scanned source" {
		t.Error("dewarp was gated off for a photographed page")
	}
}

func TestProcessDocumentTimeout(t *testing.T) {
	p := newTestProcessor(t, &blockingEngine{}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := p.ProcessDocument(ctx, &ProcessRequest{
		DocumentID: "doc-4",
		PageImages: [][]byte{whitePagePNG(t)},
	})

	var perr *ierrors.ProcessingError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProcessingError, got %v", err)
	}
	if perr.Code != ierrors.ErrorProcessingTimeout {
		t.Errorf("code %s, want %s", perr.Code, ierrors.ErrorProcessingTimeout)
	}
}

func TestProcessDocumentEmptyRequest(t *testing.T) {
	p := newTestProcessor(t, &fakeEngine{page: cleanInvoicePage()}, nil)

	_, err := p.ProcessDocument(context.Background(), &ProcessRequest{DocumentID: "doc-5"})

	var perr *ierrors.ProcessingError
	if !errors.As(err, &perr) || perr.Code != ierrors.ErrorUnsupportedFormat {
		t.Fatalf("expected UNSUPPORTED_FORMAT, got %v", err)
	}
}

func TestProcessDocumentRecognitionFailureContinues(t *testing.T) {
	p := newTestProcessor(t, &fakeEngine{err: errors.New("segfault in recognition")}, nil)

	res, err := p.ProcessDocument(context.Background(), &ProcessRequest{
		DocumentID: "doc-7",
		PageImages: [][]byte{whitePagePNG(t)},
	})
	if err != nil {
		t.Fatalf("one unreadable page must not sink the document: %v", err)
	}

	if len(res.Extraction.Items) != 0 {
		t.Errorf("items invented from an empty page: %+v", res.Extraction.Items)
	}
	if res.Confidence.Band != BandCritical {
		t.Errorf("band %q, want %q for an empty extraction", res.Confidence.Band, BandCritical)
	}
	if res.Status != StatusNeedsReview {
		t.Errorf("status %q, want %q", res.Status, StatusNeedsReview)
	}
}

func TestProcessDocumentEngineUnavailable(t *testing.T) {
	engineErr := fmt.Errorf("%w: tessdata missing", ErrEngineUnavailable)
	p := newTestProcessor(t, &fakeEngine{err: engineErr}, nil)

	_, err := p.ProcessDocument(context.Background(), &ProcessRequest{
		DocumentID: "doc-8",
		PageImages: [][]byte{whitePagePNG(t)},
	})

	var perr *ierrors.ProcessingError
	if !errors.As(err, &perr) || perr.Code != ierrors.ErrorEngineUnavailable {
		t.Fatalf("expected ENGINE_UNAVAILABLE, got %v", err)
	}
}

func TestProcessDocumentUndecodablePage(t *testing.T) {
	p := newTestProcessor(t, &fakeEngine{page: cleanInvoicePage()}, nil)

	_, err := p.ProcessDocument(context.Background(), &ProcessRequest{
		DocumentID: "doc-6",
		PageImages: [][]byte{[]byte("not an image")},
	})

	var perr *ierrors.ProcessingError
	if !errors.As(err, &perr) || perr.Code != ierrors.ErrorOCRFailed {
		t.Fatalf("expected OCR_FAILED, got %v", err)
	}
}
