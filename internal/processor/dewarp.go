/**
 * Perspective dewarp for photographed pages
 *
 * Finds the page boundary as the largest bright region, fits a
 * quadrilateral to it and maps the quad back to a rectangle. Applies
 * only when the quad covers enough of the frame that it is plausibly
 * the page and not a highlight or a sticker; otherwise the page is
 * passed through untouched with the skip reason recorded.
 */

package processor

import (
	"fmt"
	"image"
	"math"

	xdraw "golang.org/x/image/draw"
)

// minQuadAreaFraction is the share of the frame the detected page quad
// must cover before a perspective correction is trusted.
const minQuadAreaFraction = 0.30

type point struct{ x, y float64 }

// dewarpPage attempts perspective correction. It returns the corrected
// image, whether correction was applied, and a skip reason when it was not.
func dewarpPage(img *image.NRGBA) (*image.NRGBA, bool, string) {
	b := img.Bounds()
	if b.Dx() < 100 || b.Dy() < 100 {
		return img, false, "page too small"
	}

	// Work at a reduced size; corners are scaled back up afterwards.
	const detectW = 320
	scale := float64(b.Dx()) / detectW
	detectH := int(float64(b.Dy()) / scale)
	small := image.NewNRGBA(image.Rect(0, 0, detectW, detectH))
	xdraw.ApproxBiLinear.Scale(small, small.Bounds(), img, b, xdraw.Over, nil)

	mask := brightMask(small)
	comp := largestComponent(mask, detectW, detectH)
	if len(comp) == 0 {
		return img, false, "no page region found"
	}

	quad := cornerQuad(comp)
	area := quadArea(quad)
	frameArea := float64(detectW * detectH)
	if area/frameArea < minQuadAreaFraction {
		return img, false, fmt.Sprintf("page quad covers %.0f%% of frame", 100*area/frameArea)
	}

	// Nearly axis-aligned quads gain nothing from warping
	if quadIsAxisAligned(quad, 0.02*float64(detectW)) {
		return img, false, "page already rectangular"
	}

	for i := range quad {
		quad[i].x *= scale
		quad[i].y *= scale
	}

	out, err := warpToRect(img, quad)
	if err != nil {
		return img, false, err.Error()
	}
	return out, true, ""
}

// brightMask marks pixels bright enough to be paper
func brightMask(img *image.NRGBA) []bool {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	// Otsu-ish split: mean of the image as the paper threshold floor
	var sum int64
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			sum += int64(img.Pix[img.PixOffset(x, y)])
		}
	}
	mean := uint8(sum / int64(w*h))
	threshold := mean
	if threshold < 120 {
		threshold = 120
	}

	mask := make([]bool, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if img.Pix[img.PixOffset(x, y)] >= threshold {
				mask[y*w+x] = true
			}
		}
	}
	return mask
}

// largestComponent returns the pixel coordinates of the largest
// 4-connected bright region
func largestComponent(mask []bool, w, h int) []point {
	visited := make([]bool, len(mask))
	var best []point

	for start := range mask {
		if !mask[start] || visited[start] {
			continue
		}

		var comp []point
		stack := []int{start}
		visited[start] = true
		for len(stack) > 0 {
			i := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			x, y := i%w, i/w
			comp = append(comp, point{float64(x), float64(y)})

			for _, n := range [4]int{i - 1, i + 1, i - w, i + w} {
				if n < 0 || n >= len(mask) || visited[n] || !mask[n] {
					continue
				}
				// reject row wraparound on horizontal neighbors
				if (n == i-1 && x == 0) || (n == i+1 && x == w-1) {
					continue
				}
				visited[n] = true
				stack = append(stack, n)
			}
		}

		if len(comp) > len(best) {
			best = comp
		}
	}
	return best
}

// cornerQuad picks the four extreme points of the component, ordered
// top-left, top-right, bottom-right, bottom-left. Extremes of x+y and
// x-y give the diagonal corners of a roughly convex page region.
func cornerQuad(comp []point) [4]point {
	tl, br := comp[0], comp[0]
	tr, bl := comp[0], comp[0]
	for _, p := range comp {
		if p.x+p.y < tl.x+tl.y {
			tl = p
		}
		if p.x+p.y > br.x+br.y {
			br = p
		}
		if p.x-p.y > tr.x-tr.y {
			tr = p
		}
		if p.x-p.y < bl.x-bl.y {
			bl = p
		}
	}
	return [4]point{tl, tr, br, bl}
}

// quadArea computes area via the shoelace formula
func quadArea(q [4]point) float64 {
	var s float64
	for i := 0; i < 4; i++ {
		j := (i + 1) % 4
		s += q[i].x*q[j].y - q[j].x*q[i].y
	}
	return math.Abs(s) / 2
}

func quadIsAxisAligned(q [4]point, tol float64) bool {
	return math.Abs(q[0].x-q[3].x) < tol && math.Abs(q[1].x-q[2].x) < tol &&
		math.Abs(q[0].y-q[1].y) < tol && math.Abs(q[3].y-q[2].y) < tol
}

// warpToRect maps the source quad onto an upright rectangle sized by
// the quad's edge lengths, sampling bilinearly through the inverse
// homography.
func warpToRect(img *image.NRGBA, quad [4]point) (*image.NRGBA, error) {
	tl, tr, br, bl := quad[0], quad[1], quad[2], quad[3]

	outW := int(math.Max(dist(tl, tr), dist(bl, br)))
	outH := int(math.Max(dist(tl, bl), dist(tr, br)))
	if outW < 50 || outH < 50 {
		return nil, fmt.Errorf("degenerate page quad")
	}

	dst := [4]point{
		{0, 0},
		{float64(outW - 1), 0},
		{float64(outW - 1), float64(outH - 1)},
		{0, float64(outH - 1)},
	}

	// Homography from destination to source, so each output pixel pulls
	// from the photo.
	hm, err := solveHomography(dst, quad)
	if err != nil {
		return nil, err
	}

	out := image.NewNRGBA(image.Rect(0, 0, outW, outH))
	srcB := img.Bounds()
	for y := 0; y < outH; y++ {
		for x := 0; x < outW; x++ {
			sx, sy := applyHomography(hm, float64(x), float64(y))
			v := bilinearGray(img, srcB, sx, sy)
			i := out.PixOffset(x, y)
			out.Pix[i] = v
			out.Pix[i+1] = v
			out.Pix[i+2] = v
			out.Pix[i+3] = 255
		}
	}
	return out, nil
}

func dist(a, b point) float64 {
	return math.Hypot(a.x-b.x, a.y-b.y)
}

// solveHomography computes the 3x3 projective transform taking src[i]
// to dst[i], via Gaussian elimination on the standard 8x8 system.
func solveHomography(src, dst [4]point) ([9]float64, error) {
	var a [8][9]float64
	for i := 0; i < 4; i++ {
		sx, sy := src[i].x, src[i].y
		dx, dy := dst[i].x, dst[i].y
		a[2*i] = [9]float64{sx, sy, 1, 0, 0, 0, -dx * sx, -dx * sy, dx}
		a[2*i+1] = [9]float64{0, 0, 0, sx, sy, 1, -dy * sx, -dy * sy, dy}
	}

	for col := 0; col < 8; col++ {
		pivot := col
		for r := col + 1; r < 8; r++ {
			if math.Abs(a[r][col]) > math.Abs(a[pivot][col]) {
				pivot = r
			}
		}
		if math.Abs(a[pivot][col]) < 1e-10 {
			return [9]float64{}, fmt.Errorf("singular homography system")
		}
		a[col], a[pivot] = a[pivot], a[col]

		for r := 0; r < 8; r++ {
			if r == col {
				continue
			}
			f := a[r][col] / a[col][col]
			for c := col; c < 9; c++ {
				a[r][c] -= f * a[col][c]
			}
		}
	}

	var hm [9]float64
	for i := 0; i < 8; i++ {
		hm[i] = a[i][8] / a[i][i]
	}
	hm[8] = 1
	return hm, nil
}

func applyHomography(hm [9]float64, x, y float64) (float64, float64) {
	wv := hm[6]*x + hm[7]*y + hm[8]
	if wv == 0 {
		return -1, -1
	}
	return (hm[0]*x + hm[1]*y + hm[2]) / wv, (hm[3]*x + hm[4]*y + hm[5]) / wv
}

func bilinearGray(img *image.NRGBA, b image.Rectangle, x, y float64) uint8 {
	if x < 0 || y < 0 || x >= float64(b.Dx()-1) || y >= float64(b.Dy()-1) {
		return 255
	}
	x0, y0 := int(x), int(y)
	fx, fy := x-float64(x0), y-float64(y0)

	g := func(px, py int) float64 {
		return float64(img.Pix[img.PixOffset(px, py)])
	}
	top := g(x0, y0)*(1-fx) + g(x0+1, y0)*fx
	bot := g(x0, y0+1)*(1-fx) + g(x0+1, y0+1)*fx
	return uint8(top*(1-fy) + bot*fy)
}
