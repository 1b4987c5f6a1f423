/**
 * Page image preprocessing
 *
 * Normalizes photographed and scanned pages before OCR: grayscale,
 * contrast stretch, sharpening, perspective dewarp, deskew and
 * adaptive binarization. Every applied operation is recorded in the
 * PreprocessReport so the pipeline log shows what happened to a page.
 */

package processor

import (
	"image"
	"math"

	"github.com/disintegration/imaging"
)

// PreprocessReport records which normalization steps ran on a page
type PreprocessReport struct {
	Grayscale     bool    `json:"grayscale"`
	Dewarped      bool    `json:"dewarped"`
	DewarpSkipped string  `json:"dewarp_skipped,omitempty"`
	DeskewAngle   float64 `json:"deskew_angle"`
	Binarized     bool    `json:"binarized"`
}

// Preprocessor normalizes page images for OCR
type Preprocessor struct {
	maxDeskewDegrees float64
}

// NewPreprocessor creates a preprocessor with the default deskew range
func NewPreprocessor() *Preprocessor {
	return &Preprocessor{maxDeskewDegrees: 15.0}
}

// Run applies the full normalization chain to one page image. Dewarp
// only makes sense for photographed pages; a flatbed scan has no
// perspective distortion, so the step is skipped for it.
func (p *Preprocessor) Run(img image.Image, photo bool) (image.Image, PreprocessReport) {
	report := PreprocessReport{}

	gray := imaging.Grayscale(img)
	gray = imaging.AdjustContrast(gray, 15)
	gray = imaging.Sharpen(gray, 0.8)
	report.Grayscale = true

	if photo {
		dewarped, applied, reason := dewarpPage(gray)
		report.Dewarped = applied
		report.DewarpSkipped = reason
		if applied {
			gray = imaging.Clone(dewarped)
		}
	} else {
		report.DewarpSkipped = "scanned source"
	}

	angle := detectSkewAngle(gray, p.maxDeskewDegrees)
	if math.Abs(angle) > 0.1 {
		gray = imaging.Rotate(gray, -angle, image.White)
		report.DeskewAngle = angle
	}

	bin := adaptiveThreshold(gray, 31, 10)
	report.Binarized = true

	return bin, report
}

// detectSkewAngle estimates page rotation by maximizing the variance of
// horizontal projection profiles over candidate angles. Text lines make
// the profile spiky when the page is level, so the spikiest angle wins.
// Angles beyond the search range are left alone; a page rotated that far
// is a layout problem, not a skew problem.
func detectSkewAngle(img *image.NRGBA, maxDegrees float64) float64 {
	small := imaging.Resize(img, 400, 0, imaging.NearestNeighbor)
	b := small.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return 0
	}

	// Dark-pixel mask at the reduced size
	dark := make([]bool, w*h)
	darkCount := 0
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := small.PixOffset(x, y)
			if small.Pix[i] < 128 {
				dark[y*w+x] = true
				darkCount++
			}
		}
	}

	// too little ink to measure skew against
	if darkCount < w {
		return 0
	}

	// ties favor the level page
	bestAngle := 0.0
	bestScore := projectionVariance(dark, w, h, 0)
	for deg := -maxDegrees; deg <= maxDegrees; deg += 0.5 {
		score := projectionVariance(dark, w, h, deg)
		if score > bestScore {
			bestScore = score
			bestAngle = deg
		}
	}
	return bestAngle
}

func projectionVariance(dark []bool, w, h int, deg float64) float64 {
	rad := deg * math.Pi / 180
	sin, cos := math.Sin(rad), math.Cos(rad)

	profile := make([]int, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if !dark[y*w+x] {
				continue
			}
			// project onto the rotated vertical axis
			ry := int(float64(y)*cos - float64(x)*sin)
			if ry >= 0 && ry < h {
				profile[ry]++
			}
		}
	}

	var sum, sumSq float64
	for _, v := range profile {
		f := float64(v)
		sum += f
		sumSq += f * f
	}
	n := float64(len(profile))
	mean := sum / n
	return sumSq/n - mean*mean
}

// adaptiveThreshold binarizes using a local mean over a square window,
// computed with an integral image so the pass stays linear in pixels.
func adaptiveThreshold(img *image.NRGBA, window, bias int) *image.NRGBA {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return img
	}

	// integral[y][x] = sum of gray values above and left of (x,y)
	integral := make([][]int64, h+1)
	for y := range integral {
		integral[y] = make([]int64, w+1)
	}
	for y := 0; y < h; y++ {
		var rowSum int64
		for x := 0; x < w; x++ {
			rowSum += int64(img.Pix[img.PixOffset(x, y)])
			integral[y+1][x+1] = integral[y][x+1] + rowSum
		}
	}

	out := imaging.Clone(img)
	half := window / 2
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			x0, y0 := max(0, x-half), max(0, y-half)
			x1, y1 := min(w, x+half+1), min(h, y+half+1)
			area := int64((x1 - x0) * (y1 - y0))
			sum := integral[y1][x1] - integral[y0][x1] - integral[y1][x0] + integral[y0][x0]
			mean := sum / area

			i := out.PixOffset(x, y)
			v := uint8(255)
			if int64(img.Pix[i]) < mean-int64(bias) {
				v = 0
			}
			out.Pix[i] = v
			out.Pix[i+1] = v
			out.Pix[i+2] = v
			out.Pix[i+3] = 255
		}
	}
	return out
}
