// Package nn holds the data model shared by the evaluation engine, the batch
// orchestrator, and the detector implementations.
package nn

import (
	"context"
)

const DefaultConfidenceThreshold = 0.5
const DefaultIoUThreshold = 0.5

// PredictionSet is the list of boxes that a detector returned for one image.
// Every box has its Confidence populated.
type PredictionSet []Box

// GroundTruthSet is the list of true boxes for one image.
type GroundTruthSet []Box

// Image is a single encoded image (eg JPEG or PNG) that gets sent to a detector
type Image struct {
	Name        string `json:"name"`        // Usually the filename
	Data        []byte `json:"-"`           // Encoded image bytes
	ContentType string `json:"contentType"` // eg "image/jpeg"
	Width       int    `json:"width"`       // Zero if unknown
	Height      int    `json:"height"`      // Zero if unknown
}

// Detector is given an image, and returns zero or more detected objects.
// Implementations must be safe to call concurrently, and safe to retry.
type Detector interface {
	Detect(ctx context.Context, img Image) (PredictionSet, error)
}

// DetectorFunc adapts an ordinary function to the Detector interface
type DetectorFunc func(ctx context.Context, img Image) (PredictionSet, error)

func (f DetectorFunc) Detect(ctx context.Context, img Image) (PredictionSet, error) {
	return f(ctx, img)
}

// Evaluation thresholds
type Thresholds struct {
	Confidence float64 `json:"confidenceThreshold"` // Minimum detector confidence for a prediction to be considered
	IoU        float64 `json:"iouThreshold"`        // Minimum IoU for a prediction to match a ground truth box
}

// Create the default Thresholds
func NewThresholds() Thresholds {
	return Thresholds{
		Confidence: DefaultConfidenceThreshold,
		IoU:        DefaultIoUThreshold,
	}
}

// Flatten concatenates per-image box lists into a single list
func Flatten[T ~[]Box](sets []T) []Box {
	n := 0
	for _, s := range sets {
		n += len(s)
	}
	all := make([]Box, 0, n)
	for _, s := range sets {
		all = append(all, s...)
	}
	return all
}
