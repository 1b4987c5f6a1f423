/**
 * OCR Types - Shared data structures for OCR and extraction
 *
 * Common types passed between the OCR engine, the layout detector and
 * the line item extractors.
 */

package processor

import (
	"strconv"
	"time"
)

// BoundingBox represents coordinates of a region in page pixel space
type BoundingBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Right returns the x coordinate of the right edge
func (b BoundingBox) Right() int {
	return b.X + b.Width
}

// Bottom returns the y coordinate of the bottom edge
func (b BoundingBox) Bottom() int {
	return b.Y + b.Height
}

// CenterY returns the vertical midpoint, used for row clustering
func (b BoundingBox) CenterY() int {
	return b.Y + b.Height/2
}

// IsZero reports whether the box carries no geometry
func (b BoundingBox) IsZero() bool {
	return b.Width == 0 && b.Height == 0
}

// Union returns the smallest box covering both b and other.
// A zero box acts as the identity element.
func (b BoundingBox) Union(other BoundingBox) BoundingBox {
	if b.IsZero() {
		return other
	}
	if other.IsZero() {
		return b
	}

	x := min(b.X, other.X)
	y := min(b.Y, other.Y)
	right := max(b.Right(), other.Right())
	bottom := max(b.Bottom(), other.Bottom())

	return BoundingBox{X: x, Y: y, Width: right - x, Height: bottom - y}
}

// Contains reports whether other lies entirely inside b
func (b BoundingBox) Contains(other BoundingBox) bool {
	return other.X >= b.X && other.Y >= b.Y &&
		other.Right() <= b.Right() && other.Bottom() <= b.Bottom()
}

// Token is a single recognized word with its position
type Token struct {
	Text       string      `json:"text"`
	Confidence float64     `json:"confidence"`
	Box        BoundingBox `json:"bbox"`
}

// OCRPage represents a single page of OCR results
type OCRPage struct {
	PageNumber int     `json:"page_number"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Tokens     []Token `json:"tokens"`
}

// OCRResult represents the result of OCR processing across a document
type OCRResult struct {
	Text       string
	Confidence float64
	Pages      []OCRPage
	Duration   time.Duration
}

// NormalizeConfidence coerces a confidence value arriving from an
// external boundary into the canonical [0,1] range. Engines and
// upstream services variously report 0-1 floats, 0-100 percentages
// and stringified numbers; everything past this function is a float
// in [0,1].
func NormalizeConfidence(raw interface{}) float64 {
	var v float64

	switch c := raw.(type) {
	case float64:
		v = c
	case float32:
		v = float64(c)
	case int:
		v = float64(c)
	case string:
		parsed, err := strconv.ParseFloat(c, 64)
		if err != nil {
			return 0
		}
		v = parsed
	default:
		return 0
	}

	if v > 1.0 {
		v = v / 100.0
	}
	if v < 0 {
		return 0
	}
	if v > 1.0 {
		return 1.0
	}
	return v
}
