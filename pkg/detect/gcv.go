package detect

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"strings"

	vision "cloud.google.com/go/vision/apiv1"
	"cloud.google.com/go/vision/v2/apiv1/visionpb"
	"github.com/cyclopcam/deteval/pkg/nn"
	"github.com/cyclopcam/logs"
)

// VisionDetector uses the object localization feature of Google Cloud Vision.
// Credentials come from the environment (GOOGLE_APPLICATION_CREDENTIALS).
type VisionDetector struct {
	Log         logs.Log
	PostProcess PostProcess

	client   *vision.ImageAnnotatorClient
	localize func(ctx context.Context, img *visionpb.Image) ([]*visionpb.LocalizedObjectAnnotation, error)
}

func NewVisionDetector(ctx context.Context, log logs.Log, post PostProcess) (*VisionDetector, error) {
	client, err := vision.NewImageAnnotatorClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("Failed to create Google Cloud Vision client: %w", err)
	}
	d := &VisionDetector{
		Log:         log,
		PostProcess: post,
		client:      client,
	}
	d.localize = func(ctx context.Context, img *visionpb.Image) ([]*visionpb.LocalizedObjectAnnotation, error) {
		return client.LocalizeObjects(ctx, img, nil)
	}
	return d, nil
}

func (d *VisionDetector) Close() {
	if d.client != nil {
		d.client.Close()
	}
}

func (d *VisionDetector) Detect(ctx context.Context, img nn.Image) (nn.PredictionSet, error) {
	width, height := img.Width, img.Height
	if width == 0 || height == 0 {
		cfg, _, err := image.DecodeConfig(bytes.NewReader(img.Data))
		if err != nil {
			return nil, fmt.Errorf("Failed to decode image '%v': %w", img.Name, err)
		}
		width, height = cfg.Width, cfg.Height
	}

	vimg, err := vision.NewImageFromReader(bytes.NewReader(img.Data))
	if err != nil {
		return nil, err
	}
	objects, err := d.localize(ctx, vimg)
	if err != nil {
		return nil, fmt.Errorf("Cloud Vision object localization failed: %w", err)
	}

	boxes := make(nn.PredictionSet, 0, len(objects))
	for _, obj := range objects {
		b, ok := visionObjectToBox(obj, width, height)
		if ok {
			boxes = append(boxes, b)
		}
	}
	return d.PostProcess.Apply(boxes), nil
}

// Cloud Vision gives us a polygon with vertices normalized to [0,1].
// We take the bounding rectangle of that polygon, and scale it to pixels.
func visionObjectToBox(obj *visionpb.LocalizedObjectAnnotation, width, height int) (nn.Box, bool) {
	vertices := obj.GetBoundingPoly().GetNormalizedVertices()
	if len(vertices) == 0 {
		return nn.Box{}, false
	}
	x1, y1 := float64(vertices[0].GetX()), float64(vertices[0].GetY())
	x2, y2 := x1, y1
	for _, v := range vertices[1:] {
		x1 = min(x1, float64(v.GetX()))
		y1 = min(y1, float64(v.GetY()))
		x2 = max(x2, float64(v.GetX()))
		y2 = max(y2, float64(v.GetY()))
	}
	w := float64(width)
	h := float64(height)
	return nn.Box{
		X:          (x1 + x2) / 2 * w,
		Y:          (y1 + y2) / 2 * h,
		Width:      (x2 - x1) * w,
		Height:     (y2 - y1) * h,
		Class:      strings.ToLower(obj.GetName()),
		Confidence: float64(obj.GetScore()),
	}, true
}
