// Package diffimage draws predicted and ground truth boxes over an image, so that a human
// can see where a detector went wrong.
package diffimage

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"io"
	"sort"

	"github.com/cyclopcam/deteval/pkg/eval"
	"github.com/cyclopcam/deteval/pkg/nn"
	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"
	"github.com/lucasb-eyer/go-colorful"
)

type Options struct {
	ConfidenceThreshold float64
	IoUThreshold        float64
	LineWidth           float64 // Defaults to 2
}

var (
	groundTruthColor   = color.RGBA{255, 255, 255, 255}
	falsePositiveColor = color.RGBA{230, 30, 30, 255}
	labelBackground    = color.RGBA{0, 0, 0, 160}
)

// Palette assigns a distinct, stable color to each class.
// Hues are spread evenly around the color wheel, in order of the sorted class names.
func Palette(classes []string) map[string]color.Color {
	sorted := append([]string{}, classes...)
	sort.Strings(sorted)
	p := map[string]color.Color{}
	for i, c := range sorted {
		hue := 360 * float64(i) / float64(len(sorted))
		// Stay away from pure red, which is used for false positives
		hue = 40 + hue*280/360
		p[c] = colorful.Hsv(hue, 0.85, 0.95).Clamped()
	}
	return p
}

// Render decodes the image and draws:
//   - ground truth boxes as dashed white rectangles
//   - true positives as solid rectangles in their class color
//   - false positives as solid red rectangles
//
// Predictions below the confidence threshold are not drawn.
func Render(img nn.Image, predictions nn.PredictionSet, groundTruth nn.GroundTruthSet, opt Options) (image.Image, error) {
	// Detectors see the stored pixel orientation, and ignore any EXIF rotation, so we do too
	decoded, err := imaging.Decode(bytes.NewReader(img.Data))
	if err != nil {
		return nil, fmt.Errorf("Failed to decode image '%v': %w", img.Name, err)
	}
	lineWidth := opt.LineWidth
	if lineWidth <= 0 {
		lineWidth = 2
	}

	preds := eval.FilterConfidence(predictions, opt.ConfidenceThreshold)
	assignment := eval.GreedyMatcher{}.Match(preds, groundTruth, opt.IoUThreshold)

	classes := map[string]bool{}
	for _, b := range preds {
		classes[b.Class] = true
	}
	for _, b := range groundTruth {
		classes[b.Class] = true
	}
	classList := []string{}
	for c := range classes {
		classList = append(classList, c)
	}
	palette := Palette(classList)

	dc := gg.NewContextForImage(decoded)
	dc.SetLineWidth(lineWidth)

	dc.SetDash(6, 4)
	dc.SetColor(groundTruthColor)
	for _, b := range groundTruth {
		r := b.Rect()
		dc.DrawRectangle(r.X1, r.Y1, r.Width(), r.Height())
		dc.Stroke()
	}
	dc.SetDash()

	for i, b := range preds {
		c := falsePositiveColor
		if assignment.Matches[i].Matched() {
			c = toRGBA(palette[b.Class])
		}
		r := b.Rect()
		dc.SetColor(c)
		dc.DrawRectangle(r.X1, r.Y1, r.Width(), r.Height())
		dc.Stroke()
		drawLabel(dc, fmt.Sprintf("%v %.2f", b.Class, b.Confidence), r.X1, r.Y1, c)
	}

	return dc.Image(), nil
}

func drawLabel(dc *gg.Context, text string, x, y float64, c color.Color) {
	w, h := dc.MeasureString(text)
	pad := 2.0
	top := y - h - 2*pad
	if top < 0 {
		top = y
	}
	dc.SetColor(labelBackground)
	dc.DrawRectangle(x, top, w+2*pad, h+2*pad)
	dc.Fill()
	dc.SetColor(c)
	dc.DrawStringAnchored(text, x+pad, top+pad, 0, 1)
}

func toRGBA(c color.Color) color.RGBA {
	r, g, b, a := c.RGBA()
	return color.RGBA{uint8(r >> 8), uint8(g >> 8), uint8(b >> 8), uint8(a >> 8)}
}

// EncodeJPEG writes img as a JPEG
func EncodeJPEG(w io.Writer, img image.Image, quality int) error {
	if quality <= 0 {
		quality = 85
	}
	return imaging.Encode(w, img, imaging.JPEG, imaging.JPEGQuality(quality))
}
