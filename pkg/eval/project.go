package eval

import "github.com/cyclopcam/deteval/pkg/nn"

// FilterConfidence returns the predictions whose confidence is at least minConfidence.
// The input is not modified.
func FilterConfidence(predictions []nn.Box, minConfidence float64) []nn.Box {
	out := make([]nn.Box, 0, len(predictions))
	for _, p := range predictions {
		if p.Confidence >= minConfidence {
			out = append(out, p)
		}
	}
	return out
}

// Recompute produces metrics for new thresholds from predictions that have already been fetched.
// It never calls a detector, and identical inputs always produce identical outputs.
func Recompute(predictions, groundTruth []nn.Box, confidenceThreshold, iouThreshold float64) OverallMetrics {
	return RecomputeImages([]ImagePair{{Predictions: predictions, GroundTruth: groundTruth}}, confidenceThreshold, iouThreshold)
}

// RecomputeImages is Recompute for a multi-image result
func RecomputeImages(images []ImagePair, confidenceThreshold, iouThreshold float64) OverallMetrics {
	return defaultEvaluator.RecomputeImages(images, confidenceThreshold, iouThreshold)
}

func (e *Evaluator) RecomputeImages(images []ImagePair, confidenceThreshold, iouThreshold float64) OverallMetrics {
	filtered := make([]ImagePair, len(images))
	for i, img := range images {
		filtered[i] = ImagePair{
			Predictions: FilterConfidence(img.Predictions, confidenceThreshold),
			GroundTruth: img.GroundTruth,
		}
	}
	m := e.AggregateImages(filtered, iouThreshold)
	m.ConfidenceThreshold = confidenceThreshold
	return m
}
