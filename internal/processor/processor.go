/**
 * Document Processor for the Invoice Extraction Worker
 *
 * Orchestrates the extraction pipeline:
 * - per-page preprocessing (dewarp, deskew, binarize) and OCR
 * - layout classification (invoice vs till receipt)
 * - escalating line item strategies (geometric → pattern → LLM)
 * - line item self-healing and arithmetic validation
 * - confidence scoring with review-band assignment
 */

package processor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"log"
	"strings"
	"sync"
	"time"

	_ "image/jpeg"
	"image/png"

	"github.com/owlin/extraction-worker/internal/config"
	ierrors "github.com/owlin/extraction-worker/internal/errors"
)

// Document terminal statuses. Every document ends in exactly one of
// these; "processing" is only ever transient.
const (
	StatusProcessing  = "processing"
	StatusReady       = "ready"
	StatusNeedsReview = "needs_review"
	StatusError       = "error"
)

// Reconstructor is the LLM fallback. Implemented by clients.LLMReconstructor;
// tests substitute scripted ones.
type Reconstructor interface {
	Reconstruct(ctx context.Context, documentID, rawText string, header HeaderFields) ([]LineItem, float64, error)
}

// Source type hints. A photographed page gets the full perspective
// dewarp; a flatbed scan skips it. Unknown values are treated as scans.
const (
	SourceScan  = "scan"
	SourcePhoto = "photo"
)

// ProcessRequest represents a document extraction request
type ProcessRequest struct {
	DocumentID string
	Filename   string
	// SourceType is the capture hint, SourceScan or SourcePhoto
	SourceType string
	// PageImages holds one encoded image (PNG or JPEG) per page
	PageImages [][]byte
}

// PageArtifact is a processed page kept for the review UI
type PageArtifact struct {
	PageNumber int
	PNG        []byte
	Report     PreprocessReport
}

// ProcessResult represents the full pipeline outcome for a document
type ProcessResult struct {
	Extraction *ExtractionResult
	Validation ValidationResult
	Confidence ConfidenceReport
	Attempts   []StrategyAttempt
	Status     string
	Pages      []PageArtifact
	Duration   time.Duration
}

// ProcessorConfig holds processor configuration
type ProcessorConfig struct {
	Engine         Engine
	Reconstructor  Reconstructor
	Thresholds     config.Thresholds
	OCRPageTimeout time.Duration
	LLMTimeout     time.Duration
}

// DocumentProcessor runs the extraction pipeline
type DocumentProcessor struct {
	engine        Engine
	reconstructor Reconstructor
	thresholds    config.Thresholds
	pageTimeout   time.Duration
	llmTimeout    time.Duration

	preprocessor *Preprocessor
	columns      *ColumnExtractor
	patterns     *PatternExtractor
	headers      *HeaderExtractor
	validator    *Validator
	scorer       *Scorer
}

// NewDocumentProcessor creates a new document processor
func NewDocumentProcessor(cfg *ProcessorConfig) (*DocumentProcessor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("OCR engine is required")
	}
	if err := cfg.Thresholds.Validate(); err != nil {
		return nil, fmt.Errorf("invalid thresholds: %w", err)
	}

	t := cfg.Thresholds
	return &DocumentProcessor{
		engine:        cfg.Engine,
		reconstructor: cfg.Reconstructor,
		thresholds:    t,
		pageTimeout:   cfg.OCRPageTimeout,
		llmTimeout:    cfg.LLMTimeout,
		preprocessor:  NewPreprocessor(),
		columns:       &ColumnExtractor{},
		patterns:      &PatternExtractor{},
		headers:       &HeaderExtractor{},
		validator: &Validator{
			MoneyTolerance:    t.MoneyTolerance,
			MismatchThreshold: t.TotalMismatchThreshold,
			DefaultVATRate:    t.DefaultVATRate,
		},
		scorer: &Scorer{
			OCRWeight:        t.OCRWeight,
			ExtractionWeight: t.ExtractionWeight,
			ValidationWeight: t.ValidationWeight,
			HighCutoff:       t.HighBandCutoff,
			MediumCutoff:     t.MediumBandCutoff,
			LowCutoff:        t.LowBandCutoff,
		},
	}, nil
}

// ProcessDocument runs a document through the complete pipeline
func (p *DocumentProcessor) ProcessDocument(ctx context.Context, req *ProcessRequest) (*ProcessResult, error) {
	start := time.Now()
	log.Printf("[Doc %s] Starting extraction pipeline (%d pages)", req.DocumentID, len(req.PageImages))

	if len(req.PageImages) == 0 {
		return nil, ierrors.NewUnsupportedFormatError(req.DocumentID, "empty document")
	}

	// Step 1: preprocess and OCR every page, in parallel, reassembled
	// in page order
	log.Printf("[Doc %s] Step 1: Preprocessing and OCR", req.DocumentID)
	pages, artifacts, layouts, err := p.runOCR(ctx, req)
	if err != nil {
		return nil, err
	}

	ocr := assembleOCR(pages)
	log.Printf("[Doc %s] Step 1 complete: %d tokens, ocr_confidence=%.2f",
		req.DocumentID, tokenCount(pages), ocr.Confidence)

	// Step 2: header and summary fields from the raw text
	log.Printf("[Doc %s] Step 2: Header extraction", req.DocumentID)
	header := p.headers.Extract(ocr.Text)

	// Step 3: line item strategies
	log.Printf("[Doc %s] Step 3: Line item extraction", req.DocumentID)
	machine := NewStrategyMachine()
	result := &ExtractionResult{
		DocumentID:    req.DocumentID,
		Header:        header,
		PageCount:     len(pages),
		RawText:       ocr.Text,
		OCRConfidence: ocr.Confidence,
	}

	validation, confidence, err := p.runStrategies(ctx, req.DocumentID, result, pages, layouts, machine)
	if err != nil {
		return nil, err
	}
	if err := machine.Finalize(); err != nil {
		return nil, ierrors.NewExtractionFailedError(req.DocumentID, machine.Winner(), err)
	}
	result.Strategy = machine.Winner()

	status := StatusReady
	if confidence.ReviewAction != ReviewNone {
		status = StatusNeedsReview
	}

	log.Printf("[Doc %s] Pipeline complete: strategy=%s items=%d band=%s status=%s (%.1fs)",
		req.DocumentID, result.Strategy, len(result.Items), confidence.Band,
		status, time.Since(start).Seconds())

	return &ProcessResult{
		Extraction: result,
		Validation: validation,
		Confidence: confidence,
		Attempts:   machine.Attempts(),
		Status:     status,
		Pages:      artifacts,
		Duration:   time.Since(start),
	}, nil
}

// runOCR preprocesses and recognizes all pages concurrently. Results
// come back indexed so page order survives the fan-out.
func (p *DocumentProcessor) runOCR(ctx context.Context, req *ProcessRequest) ([]OCRPage, []PageArtifact, []PageLayout, error) {
	n := len(req.PageImages)
	pages := make([]OCRPage, n)
	artifacts := make([]PageArtifact, n)
	layouts := make([]PageLayout, n)
	errs := make([]error, n)

	var wg sync.WaitGroup
	for i := range req.PageImages {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			pages[idx], artifacts[idx], errs[idx] = p.processPage(ctx, req.DocumentID, idx+1, req.PageImages[idx], req.SourceType == SourcePhoto)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, nil, ierrors.NewProcessingTimeoutError(req.DocumentID, p.pageTimeout, ctx.Err())
			}
			if errors.Is(err, ErrEngineUnavailable) {
				return nil, nil, nil, ierrors.NewEngineUnavailableError(req.DocumentID, err)
			}
			return nil, nil, nil, ierrors.NewOCRFailedError(req.DocumentID, i+1, err)
		}
	}

	t := p.thresholds
	for i := range pages {
		layouts[i] = DetectLayout(&pages[i], t.ReceiptAspectRatio,
			t.RowToleranceFactor, t.ColumnGapFactor, t.ReceiptGapScale)
	}
	return pages, artifacts, layouts, nil
}

func (p *DocumentProcessor) processPage(ctx context.Context, documentID string, pageNumber int, raw []byte, photo bool) (OCRPage, PageArtifact, error) {
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return OCRPage{}, PageArtifact{}, fmt.Errorf("page %d: decode failed: %w", pageNumber, err)
	}

	processed, report := p.preprocessor.Run(img, photo)
	if report.DewarpSkipped != "" {
		log.Printf("[Doc %s] Page %d: dewarp skipped (%s)", documentID, pageNumber, report.DewarpSkipped)
	}

	pageCtx, cancel := context.WithTimeout(ctx, p.pageTimeout)
	defer cancel()

	page, err := p.engine.RecognizePage(pageCtx, pageNumber, processed)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, ErrEngineUnavailable) {
			return OCRPage{}, PageArtifact{}, err
		}
		// a single unreadable page degrades confidence, it does not
		// sink the document
		log.Printf("[Doc %s] Page %d: recognition failed, continuing with empty page: %v",
			documentID, pageNumber, err)
		bounds := processed.Bounds()
		page = &OCRPage{PageNumber: pageNumber, Width: bounds.Dx(), Height: bounds.Dy()}
	}

	png, encErr := encodePNG(processed)
	if encErr != nil {
		log.Printf("[Doc %s] Page %d: artifact encode failed: %v", documentID, pageNumber, encErr)
	}

	return *page, PageArtifact{PageNumber: pageNumber, PNG: png, Report: report}, nil
}

// candidate is one evaluated item set: healed items, the validation of
// those items against the document's extracted header, and the score.
// The corrected header stays inside the candidate until one of them is
// finally installed on the result.
type candidate struct {
	items      []LineItem
	validation ValidationResult
	confidence ConfidenceReport
}

// runStrategies walks the escalation ladder until a candidate scores
// well enough or the ladder runs out. Every candidate is validated
// against the header as extracted from the page; a rejected candidate
// leaves no trace on the header the next one sees.
func (p *DocumentProcessor) runStrategies(ctx context.Context, documentID string, result *ExtractionResult, pages []OCRPage, layouts []PageLayout, machine *StrategyMachine) (ValidationResult, ConfidenceReport, error) {
	t := p.thresholds

	// geometric strategy
	var geoItems []LineItem
	for i := range pages {
		geoItems = append(geoItems, p.columns.Extract(&pages[i], layouts[i])...)
	}
	geoOK := len(geoItems) >= t.MinGeometricRows && result.OCRConfidence >= t.LowOCRConfidence
	note := ""
	if !geoOK {
		note = fmt.Sprintf("rows=%d ocr=%.2f below acceptance floor", len(geoItems), result.OCRConfidence)
	}
	if err := machine.RecordGeometric(len(geoItems), geoOK, note); err != nil {
		return ValidationResult{}, ConfidenceReport{}, err
	}

	best := p.evaluate(result, geoItems)
	if geoOK && best.confidence.Score >= t.LLMEscalateBelow {
		return p.install(result, best)
	}

	// pattern strategy
	var patItems []LineItem
	for i := range pages {
		patItems = append(patItems, p.patterns.Extract(pages[i].Text, pages[i].PageNumber, layouts[i].Mode)...)
	}
	patUseful := len(patItems) > 0 && (!geoOK || len(patItems) > len(geoItems))
	patAccepted := false
	if patUseful {
		pat := p.evaluate(result, patItems)
		if !geoOK || pat.confidence.Score > best.confidence.Score {
			best = pat
			patAccepted = true
		}
	}
	if err := machine.RecordPattern(len(patItems), patAccepted, ""); err != nil {
		return ValidationResult{}, ConfidenceReport{}, err
	}
	if best.confidence.Score >= t.LLMEscalateBelow {
		return p.install(result, best)
	}

	// LLM fallback
	if p.reconstructor == nil {
		log.Printf("[Doc %s] Step 3: LLM fallback disabled, keeping best cheap candidate", documentID)
		return p.install(result, best)
	}

	llmCtx, cancel := context.WithTimeout(ctx, p.llmTimeout)
	defer cancel()
	llmItems, modelConf, err := p.reconstructor.Reconstruct(llmCtx, documentID, result.RawText, result.Header)
	if err != nil {
		// the fallback failing never sinks the document; keep what we had
		log.Printf("[Doc %s] Step 3: LLM fallback failed: %v", documentID, err)
		_ = machine.RecordLLM(0, false, err.Error())
		return p.install(result, best)
	}

	llmAccepted := false
	if len(llmItems) > 0 && modelConf >= t.LLMMinConfidence {
		llm := p.evaluate(result, llmItems)
		if llm.confidence.Score > best.confidence.Score {
			best = llm
			llmAccepted = true
		}
	}
	if err := machine.RecordLLM(len(llmItems), llmAccepted, fmt.Sprintf("model_confidence=%.2f", modelConf)); err != nil {
		return ValidationResult{}, ConfidenceReport{}, err
	}

	return p.install(result, best)
}

// evaluate heals, validates and scores a candidate item set without
// touching the result. Validation always runs against the header as
// extracted from the page.
func (p *DocumentProcessor) evaluate(result *ExtractionResult, items []LineItem) candidate {
	healed := make([]LineItem, len(items))
	copy(healed, items)
	HealItems(healed, p.thresholds.MoneyTolerance)

	validation := p.validator.Validate(result.Header, healed, result.RawText)

	scored := *result
	scored.Items = healed
	scored.Header = validation.Header
	confidence := p.scorer.Score(&scored, validation)

	return candidate{items: healed, validation: validation, confidence: confidence}
}

// install commits the winning candidate: its items and its corrected
// header become the document's extraction
func (p *DocumentProcessor) install(result *ExtractionResult, c candidate) (ValidationResult, ConfidenceReport, error) {
	result.Items = c.items
	result.Header = c.validation.Header
	return c.validation, c.confidence, nil
}

func assembleOCR(pages []OCRPage) *OCRResult {
	var texts []string
	var confSum float64
	for _, page := range pages {
		texts = append(texts, page.Text)
		confSum += page.Confidence
	}

	conf := 0.0
	if len(pages) > 0 {
		conf = confSum / float64(len(pages))
	}
	return &OCRResult{
		Text:       strings.Join(texts, "\n"),
		Confidence: conf,
		Pages:      pages,
	}
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func tokenCount(pages []OCRPage) int {
	n := 0
	for _, p := range pages {
		n += len(p.Tokens)
	}
	return n
}
