package eval

import "github.com/cyclopcam/deteval/pkg/nn"

// DefaultThresholds are the confidence values used by Sweep when none are given
var DefaultThresholds = []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9}

// A single point on a precision/recall curve
type CurvePoint struct {
	Threshold float64 `json:"threshold"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
}

// Sweep evaluates the images at each confidence threshold.
// If thresholds is nil, DefaultThresholds is used.
func Sweep(images []ImagePair, thresholds []float64, iouThreshold float64) []CurvePoint {
	return defaultEvaluator.Sweep(images, thresholds, iouThreshold)
}

func (e *Evaluator) Sweep(images []ImagePair, thresholds []float64, iouThreshold float64) []CurvePoint {
	if thresholds == nil {
		thresholds = DefaultThresholds
	}
	curve := make([]CurvePoint, 0, len(thresholds))
	for _, th := range thresholds {
		m := e.RecomputeImages(images, th, iouThreshold)
		curve = append(curve, CurvePoint{
			Threshold: th,
			Precision: m.Precision,
			Recall:    m.Recall,
			F1:        m.F1,
		})
	}
	return curve
}

// FindOptimalThreshold returns the threshold of the point with the highest F1.
// The first point wins if several share the maximum.
// If the curve is empty, or no point has an F1 above zero, the result is nn.DefaultConfidenceThreshold.
func FindOptimalThreshold(curve []CurvePoint) float64 {
	best := nn.DefaultConfidenceThreshold
	bestF1 := 0.0
	for _, p := range curve {
		if p.F1 > bestF1 {
			best = p.Threshold
			bestF1 = p.F1
		}
	}
	return best
}
