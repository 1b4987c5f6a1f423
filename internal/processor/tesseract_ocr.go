/**
 * Tesseract OCR engine
 *
 * Wraps gosseract to produce word-level tokens with bounding boxes.
 * The Engine interface exists so tests can run the pipeline against a
 * scripted engine without a Tesseract installation.
 */

package processor

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"strings"

	"github.com/otiai10/gosseract/v2"
)

// ErrEngineUnavailable is returned when Tesseract cannot be initialized
// on this host. Callers map it to a permanent failure rather than retrying.
var ErrEngineUnavailable = fmt.Errorf("ocr engine unavailable")

// Engine performs OCR on a single page image
type Engine interface {
	RecognizePage(ctx context.Context, pageNumber int, img image.Image) (*OCRPage, error)
}

// TesseractEngine is the production Engine backed by gosseract
type TesseractEngine struct {
	language string
}

// NewTesseractEngine creates a new Tesseract-backed engine
func NewTesseractEngine(language string) *TesseractEngine {
	if language == "" {
		language = "eng"
	}
	return &TesseractEngine{language: language}
}

// RecognizePage runs Tesseract on one page and returns word tokens.
// gosseract has no cancellation hook, so recognition runs in a goroutine
// and the context deadline abandons the result.
func (t *TesseractEngine) RecognizePage(ctx context.Context, pageNumber int, img image.Image) (*OCRPage, error) {
	type outcome struct {
		page *OCRPage
		err  error
	}

	done := make(chan outcome, 1)
	go func() {
		page, err := t.recognize(pageNumber, img)
		done <- outcome{page: page, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case out := <-done:
		return out.page, out.err
	}
}

func (t *TesseractEngine) recognize(pageNumber int, img image.Image) (*OCRPage, error) {
	client := gosseract.NewClient()
	defer client.Close()

	if err := client.SetLanguage(t.language); err != nil {
		return nil, fmt.Errorf("%w: language %s: %v", ErrEngineUnavailable, t.language, err)
	}

	// Keep inter-word spacing so column gaps survive into the raw text
	if err := client.SetVariable("preserve_interword_spaces", "1"); err != nil {
		return nil, fmt.Errorf("failed to configure tesseract: %w", err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode page image: %w", err)
	}
	if err := client.SetImageFromBytes(buf.Bytes()); err != nil {
		return nil, fmt.Errorf("failed to set image: %w", err)
	}

	boxes, err := client.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		return nil, fmt.Errorf("tesseract OCR failed: %w", err)
	}

	tokens := make([]Token, 0, len(boxes))
	var textParts []string
	var confSum float64

	for _, b := range boxes {
		word := strings.TrimSpace(b.Word)
		if word == "" {
			continue
		}

		conf := NormalizeConfidence(b.Confidence)
		tokens = append(tokens, Token{
			Text:       word,
			Confidence: conf,
			Box: BoundingBox{
				X:      b.Box.Min.X,
				Y:      b.Box.Min.Y,
				Width:  b.Box.Dx(),
				Height: b.Box.Dy(),
			},
		})
		textParts = append(textParts, word)
		confSum += conf
	}

	pageConf := 0.0
	if len(tokens) > 0 {
		pageConf = confSum / float64(len(tokens))
	}

	bounds := img.Bounds()
	text := reflowText(tokens)
	if text == "" {
		text = strings.Join(textParts, " ")
	}

	return &OCRPage{
		PageNumber: pageNumber,
		Width:      bounds.Dx(),
		Height:     bounds.Dy(),
		Text:       text,
		Confidence: pageConf,
		Tokens:     tokens,
	}, nil
}

// reflowText rebuilds page text from tokens, inserting newlines between
// rows so downstream regex extraction sees one line per physical line.
func reflowText(tokens []Token) string {
	if len(tokens) == 0 {
		return ""
	}

	avgH := averageTokenHeight(tokens)
	rows := clusterRows(tokens, int(float64(avgH)*0.7))

	var sb strings.Builder
	for i, row := range rows {
		if i > 0 {
			sb.WriteByte('\n')
		}
		for j, tok := range row {
			if j > 0 {
				sb.WriteByte(' ')
			}
			sb.WriteString(tok.Text)
		}
	}
	return sb.String()
}
