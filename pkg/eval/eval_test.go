package eval

import (
	"math/rand"
	"testing"

	"github.com/cyclopcam/deteval/pkg/nn"
	"github.com/stretchr/testify/require"
)

func box(x, y, w, h float64, class string, conf float64) nn.Box {
	return nn.Box{X: x, Y: y, Width: w, Height: h, Class: class, Confidence: conf}
}

func TestSingleBoxExactMatch(t *testing.T) {
	gt := []nn.Box{box(100, 100, 50, 50, "A", 0)}
	pred := []nn.Box{box(100, 100, 50, 50, "A", 0.9)}
	m := Aggregate(pred, gt, 0.5)
	require.Equal(t, []string{"A"}, m.ClassNames)
	c := m.Class("A")
	require.NotNil(t, c)
	require.Equal(t, 1, c.TruePositives)
	require.Equal(t, 0, c.FalsePositives)
	require.Equal(t, 0, c.FalseNegatives)
	require.Equal(t, 1.0, c.MeanIoU)
	require.Equal(t, 1.0, m.Precision)
	require.Equal(t, 1.0, m.Recall)
	require.Equal(t, 1.0, m.F1)
	require.Equal(t, 1.0, m.MeanPrecision)
	require.Equal(t, [][]int{{1}}, m.ConfusionMatrix)
	require.Equal(t, 1, m.TotalPredictions)
	require.Equal(t, 1, m.TotalGroundTruth)
}

func TestSingleBoxClassMismatch(t *testing.T) {
	gt := []nn.Box{box(100, 100, 50, 50, "A", 0)}
	pred := []nn.Box{box(100, 100, 50, 50, "B", 0.9)}
	m := Aggregate(pred, gt, 0.5)
	require.Equal(t, []string{"A", "B"}, m.ClassNames)
	require.Equal(t, 0, m.TruePositives())
	require.Equal(t, 1, m.Class("B").FalsePositives)
	require.Equal(t, 1, m.Class("A").FalseNegatives)
	require.Equal(t, 0.0, m.Precision)
	require.Equal(t, 0.0, m.Recall)
	require.Equal(t, 0.0, m.F1)
	require.Equal(t, [][]int{{0, 0}, {0, 0}}, m.ConfusionMatrix)
}

func TestNoClassOverlap(t *testing.T) {
	gt := []nn.Box{box(10, 10, 5, 5, "cat", 0), box(50, 50, 5, 5, "dog", 0)}
	pred := []nn.Box{box(10, 10, 5, 5, "car", 0.8), box(50, 50, 5, 5, "truck", 0.7), box(90, 90, 5, 5, "truck", 0.6)}
	m := Aggregate(pred, gt, 0.5)
	require.Len(t, m.Classes, 4)
	for _, c := range m.Classes {
		require.Equal(t, 0.0, c.Precision)
		require.Equal(t, 0.0, c.Recall)
		require.Equal(t, 0.0, c.F1)
	}
	require.Equal(t, 0.0, m.MeanPrecision)
}

func TestEmptyInputs(t *testing.T) {
	m := Aggregate(nil, nil, 0.5)
	require.Len(t, m.Classes, 0)
	require.Equal(t, 0.0, m.F1)
	require.Equal(t, 0.0, m.MeanPrecision)
	require.NotNil(t, m.ConfusionMatrix)

	m = Aggregate(nil, []nn.Box{box(1, 1, 1, 1, "a", 0)}, 0.5)
	require.Equal(t, 1, m.Class("a").FalseNegatives)
	require.Equal(t, 0.0, m.Recall)

	m = Aggregate([]nn.Box{box(1, 1, 1, 1, "a", 0.5)}, nil, 0.5)
	require.Equal(t, 1, m.Class("a").FalsePositives)
	require.Equal(t, 0.0, m.Precision)

	m = AggregateImages(nil, 0.5)
	require.Equal(t, 0, m.TotalPredictions)
}

func TestGreedyMatcherOneToOne(t *testing.T) {
	gt := []nn.Box{box(100, 100, 50, 50, "A", 0)}
	// Two predictions on the same box. The more confident one wins, even though it is listed second.
	pred := []nn.Box{
		box(100, 100, 50, 50, "A", 0.6),
		box(102, 100, 50, 50, "A", 0.9),
	}
	a := GreedyMatcher{}.Match(pred, gt, 0.5)
	require.Equal(t, -1, a.Matches[0].GroundTruth)
	require.Equal(t, 0, a.Matches[1].GroundTruth)
	require.True(t, a.GroundTruthUsed[0])
	require.Len(t, a.Missed(), 0)
	require.Equal(t, 1, a.NumMatched())

	m := Aggregate(pred, gt, 0.5)
	require.Equal(t, 1, m.Class("A").TruePositives)
	require.Equal(t, 1, m.Class("A").FalsePositives)
	require.Equal(t, 0.5, m.Precision)
	require.Equal(t, 1.0, m.Recall)
}

func TestGreedyMatcherTieBreak(t *testing.T) {
	// Two identical ground truth boxes. The earliest index is chosen first.
	gt := []nn.Box{box(10, 10, 4, 4, "A", 0), box(10, 10, 4, 4, "A", 0)}
	pred := []nn.Box{box(10, 10, 4, 4, "A", 0.5), box(10, 10, 4, 4, "A", 0.5)}
	a := GreedyMatcher{}.Match(pred, gt, 0.5)
	require.Equal(t, 0, a.Matches[0].GroundTruth)
	require.Equal(t, 1, a.Matches[1].GroundTruth)
}

func TestGreedyMatcherBestIoUForFalsePositive(t *testing.T) {
	gt := []nn.Box{box(100, 100, 50, 50, "A", 0)}
	pred := []nn.Box{box(125, 100, 50, 50, "A", 0.9)}
	a := GreedyMatcher{}.Match(pred, gt, 0.5)
	require.False(t, a.Matches[0].Matched())
	require.InDelta(t, 1.0/3.0, a.Matches[0].IoU, 1e-12)

	// With a zero threshold, even a distant box matches
	far := []nn.Box{box(1000, 1000, 10, 10, "A", 0.9)}
	a = GreedyMatcher{}.Match(far, gt, 0)
	require.True(t, a.Matches[0].Matched())
	require.Equal(t, 0.0, a.Matches[0].IoU)
}

func TestImagesAreMatchedIndependently(t *testing.T) {
	images := []ImagePair{
		{
			Predictions: nn.PredictionSet{box(10, 10, 10, 10, "A", 0.9)},
			GroundTruth: nn.GroundTruthSet{},
		},
		{
			Predictions: nn.PredictionSet{},
			GroundTruth: nn.GroundTruthSet{box(10, 10, 10, 10, "A", 0)},
		},
	}
	m := AggregateImages(images, 0.5)
	require.Equal(t, 0, m.TruePositives())
	require.Equal(t, 1, m.Class("A").FalsePositives)
	require.Equal(t, 1, m.Class("A").FalseNegatives)

	// Whereas the flattened lists do match each other
	flat := Aggregate(nn.Flatten([]nn.PredictionSet{images[0].Predictions, images[1].Predictions}),
		nn.Flatten([]nn.GroundTruthSet{images[0].GroundTruth, images[1].GroundTruth}), 0.5)
	require.Equal(t, 1, flat.TruePositives())
}

func TestMacroVersusMicro(t *testing.T) {
	gt := []nn.Box{
		box(10, 10, 10, 10, "A", 0),
		box(50, 50, 10, 10, "B", 0),
	}
	pred := []nn.Box{
		box(10, 10, 10, 10, "A", 0.9),  // TP A
		box(50, 50, 10, 10, "B", 0.9),  // TP B
		box(90, 90, 10, 10, "B", 0.8),  // FP B
		box(130, 90, 10, 10, "B", 0.7), // FP B
	}
	m := Aggregate(pred, gt, 0.5)
	require.Equal(t, 1.0, m.Class("A").Precision)
	require.InDelta(t, 1.0/3.0, m.Class("B").Precision, 1e-12)
	// micro: 2 TP, 2 FP
	require.Equal(t, 0.5, m.Precision)
	// macro: (1 + 1/3) / 2
	require.InDelta(t, 2.0/3.0, m.MeanPrecision, 1e-12)
	require.Equal(t, 1, m.Class("B").Samples)
	require.Equal(t, [][]int{{1, 0}, {0, 1}}, m.ConfusionMatrix)
}

// Build a random scene with jittered predictions
func randomScene(rng *rand.Rand, nGT int) ([]nn.Box, []nn.Box) {
	classes := []string{"car", "person", "dog"}
	gt := []nn.Box{}
	pred := []nn.Box{}
	for i := 0; i < nGT; i++ {
		g := box(rng.Float64()*500, rng.Float64()*500, 10+rng.Float64()*60, 10+rng.Float64()*60, classes[rng.Intn(len(classes))], 0)
		gt = append(gt, g)
		if rng.Float64() < 0.8 {
			p := g
			p.X += (rng.Float64() - 0.5) * p.Width * 0.6
			p.Y += (rng.Float64() - 0.5) * p.Height * 0.6
			p.Width *= 0.7 + rng.Float64()*0.6
			p.Confidence = rng.Float64()
			if rng.Float64() < 0.1 {
				p.Class = classes[rng.Intn(len(classes))]
			}
			pred = append(pred, p)
		}
	}
	for i := 0; i < nGT/4; i++ {
		pred = append(pred, box(rng.Float64()*500, rng.Float64()*500, 10+rng.Float64()*60, 10+rng.Float64()*60, classes[rng.Intn(len(classes))], rng.Float64()))
	}
	return pred, gt
}

func TestIoUThresholdMonotonic(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for trial := 0; trial < 20; trial++ {
		pred, gt := randomScene(rng, 40)
		prevTP := -1
		for _, iou := range []float64{0.05, 0.1, 0.3, 0.5, 0.7, 0.9, 0.99} {
			tp := Aggregate(pred, gt, iou).TruePositives()
			if prevTP != -1 {
				require.LessOrEqual(t, tp, prevTP, "iou %v", iou)
			}
			prevTP = tp
		}
	}
}

func TestSweepRecallMonotonic(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	for trial := 0; trial < 20; trial++ {
		pred, gt := randomScene(rng, 30)
		curve := Sweep([]ImagePair{{Predictions: pred, GroundTruth: gt}}, nil, 0.5)
		require.Len(t, curve, len(DefaultThresholds))
		for i := 1; i < len(curve); i++ {
			require.LessOrEqual(t, curve[i].Recall, curve[i-1].Recall)
		}
	}
}

func TestRecomputeDeterministic(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	pred, gt := randomScene(rng, 50)
	predCopy := append([]nn.Box{}, pred...)
	a := Recompute(pred, gt, 0.4, 0.5)
	b := Recompute(pred, gt, 0.4, 0.5)
	require.Equal(t, a, b)
	require.Equal(t, 0.4, a.ConfidenceThreshold)
	// Inputs are not modified
	require.Equal(t, predCopy, pred)

	// Recompute at threshold zero is the same as a plain aggregate
	c := Recompute(pred, gt, 0, 0.5)
	d := Aggregate(pred, gt, 0.5)
	require.Equal(t, d, c)
}

func TestSweepMatchesRecompute(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	pred, gt := randomScene(rng, 25)
	images := []ImagePair{{Predictions: pred, GroundTruth: gt}}
	curve := Sweep(images, []float64{0.25, 0.75}, 0.5)
	for _, p := range curve {
		m := RecomputeImages(images, p.Threshold, 0.5)
		require.Equal(t, m.F1, p.F1)
		require.Equal(t, m.Precision, p.Precision)
		require.Equal(t, m.Recall, p.Recall)
	}
}

func TestFindOptimalThreshold(t *testing.T) {
	curve := []CurvePoint{
		{Threshold: 0.1, F1: 0.3},
		{Threshold: 0.5, F1: 0.7},
		{Threshold: 0.9, F1: 0.2},
	}
	require.Equal(t, 0.5, FindOptimalThreshold(curve))

	// First maximum wins
	curve = []CurvePoint{
		{Threshold: 0.2, F1: 0.6},
		{Threshold: 0.3, F1: 0.6},
	}
	require.Equal(t, 0.2, FindOptimalThreshold(curve))

	require.Equal(t, 0.5, FindOptimalThreshold(nil))
	require.Equal(t, 0.5, FindOptimalThreshold([]CurvePoint{{Threshold: 0.1}, {Threshold: 0.9}}))
}

type alwaysMiss struct{}

func (alwaysMiss) Match(predictions, groundTruth []nn.Box, iouThreshold float64) Assignment {
	return GreedyMatcher{}.Match(predictions, groundTruth, 2)
}

func TestCustomMatcher(t *testing.T) {
	e := &Evaluator{Matcher: alwaysMiss{}}
	gt := []nn.Box{box(100, 100, 50, 50, "A", 0)}
	pred := []nn.Box{box(100, 100, 50, 50, "A", 0.9)}
	m := e.Aggregate(pred, gt, 0.5)
	require.Equal(t, 0, m.TruePositives())
}
