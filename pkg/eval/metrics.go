package eval

import (
	"sort"

	"github.com/cyclopcam/deteval/pkg/nn"
	"github.com/cyclopcam/deteval/pkg/stats"
)

// ClassMetrics are the counts and ratios for one class
type ClassMetrics struct {
	Class          string  `json:"class"`
	TruePositives  int     `json:"truePositives"`
	FalsePositives int     `json:"falsePositives"`
	FalseNegatives int     `json:"falseNegatives"`
	Precision      float64 `json:"precision"`
	Recall         float64 `json:"recall"`
	F1             float64 `json:"f1"`
	MeanIoU        float64 `json:"meanIoU"` // Mean IoU of the true positives
	Samples        int     `json:"samples"` // Number of ground truth boxes of this class
}

// OverallMetrics summarizes an evaluation.
//
// Precision, Recall and F1 are micro-averaged, i.e. computed from the TP/FP/FN counts summed over all classes.
//
// MeanPrecision is the macro-average of the per-class precision at a single confidence threshold.
// It is NOT ranking-based average precision (the area under the precision/recall curve),
// and it changes when the confidence threshold changes.
type OverallMetrics struct {
	Classes             []ClassMetrics `json:"classes"`    // Sorted by class name
	ClassNames          []string       `json:"classNames"` // Row and column order of ConfusionMatrix
	Precision           float64        `json:"precision"`
	Recall              float64        `json:"recall"`
	F1                  float64        `json:"f1"`
	MeanPrecision       float64        `json:"meanPrecision"`
	ConfusionMatrix     [][]int        `json:"confusionMatrix"` // [actual][predicted]
	TotalPredictions    int            `json:"totalPredictions"`
	TotalGroundTruth    int            `json:"totalGroundTruth"`
	IoUThreshold        float64        `json:"iouThreshold"`
	ConfidenceThreshold float64        `json:"confidenceThreshold"` // Zero if predictions were not filtered by confidence
}

// TruePositives returns the total across all classes
func (m OverallMetrics) TruePositives() int {
	n := 0
	for _, c := range m.Classes {
		n += c.TruePositives
	}
	return n
}

// Class returns the metrics of the named class, or nil
func (m *OverallMetrics) Class(name string) *ClassMetrics {
	for i := range m.Classes {
		if m.Classes[i].Class == name {
			return &m.Classes[i]
		}
	}
	return nil
}

// ImagePair holds the predictions and ground truth of a single image.
// Boxes are only ever matched against boxes of the same image.
type ImagePair struct {
	Predictions nn.PredictionSet
	GroundTruth nn.GroundTruthSet
}

// MakeImagePairs zips predictions and ground truth together.
// The shorter of the two lists determines the length of the result.
func MakeImagePairs(predictions []nn.PredictionSet, groundTruth []nn.GroundTruthSet) []ImagePair {
	n := min(len(predictions), len(groundTruth))
	pairs := make([]ImagePair, n)
	for i := 0; i < n; i++ {
		pairs[i] = ImagePair{Predictions: predictions[i], GroundTruth: groundTruth[i]}
	}
	return pairs
}

// Evaluator computes metrics with a particular Matcher
type Evaluator struct {
	Matcher Matcher
}

// NewEvaluator returns an Evaluator that uses GreedyMatcher
func NewEvaluator() *Evaluator {
	return &Evaluator{Matcher: GreedyMatcher{}}
}

var defaultEvaluator = NewEvaluator()

// Aggregate matches a single list of predictions against a single list of ground truth
// boxes, and computes metrics from the result.
func Aggregate(predictions, groundTruth []nn.Box, iouThreshold float64) OverallMetrics {
	return defaultEvaluator.Aggregate(predictions, groundTruth, iouThreshold)
}

// AggregateImages matches every image independently, and sums the counts over all images.
func AggregateImages(images []ImagePair, iouThreshold float64) OverallMetrics {
	return defaultEvaluator.AggregateImages(images, iouThreshold)
}

func (e *Evaluator) Aggregate(predictions, groundTruth []nn.Box, iouThreshold float64) OverallMetrics {
	return e.AggregateImages([]ImagePair{{Predictions: predictions, GroundTruth: groundTruth}}, iouThreshold)
}

type classTally struct {
	tp, fp, fn int
	samples    int
	ious       []float64
}

func (e *Evaluator) AggregateImages(images []ImagePair, iouThreshold float64) OverallMetrics {
	m := OverallMetrics{
		Classes:         []ClassMetrics{},
		ClassNames:      []string{},
		ConfusionMatrix: [][]int{},
		IoUThreshold:    iouThreshold,
	}

	tally := map[string]*classTally{}
	get := func(class string) *classTally {
		t := tally[class]
		if t == nil {
			t = &classTally{}
			tally[class] = t
		}
		return t
	}
	for _, img := range images {
		for _, b := range img.Predictions {
			get(b.Class)
		}
		for _, b := range img.GroundTruth {
			get(b.Class).samples++
		}
		m.TotalPredictions += len(img.Predictions)
		m.TotalGroundTruth += len(img.GroundTruth)
	}

	for class := range tally {
		m.ClassNames = append(m.ClassNames, class)
	}
	sort.Strings(m.ClassNames)
	classIndex := map[string]int{}
	for i, c := range m.ClassNames {
		classIndex[c] = i
	}
	m.ConfusionMatrix = make([][]int, len(m.ClassNames))
	for i := range m.ConfusionMatrix {
		m.ConfusionMatrix[i] = make([]int, len(m.ClassNames))
	}

	for _, img := range images {
		a := e.Matcher.Match(img.Predictions, img.GroundTruth, iouThreshold)
		for i, match := range a.Matches {
			p := img.Predictions[i]
			t := tally[p.Class]
			if match.Matched() {
				actual := img.GroundTruth[match.GroundTruth].Class
				t.tp++
				t.ious = append(t.ious, match.IoU)
				m.ConfusionMatrix[classIndex[actual]][classIndex[p.Class]]++
			} else {
				t.fp++
			}
		}
		for _, j := range a.Missed() {
			tally[img.GroundTruth[j].Class].fn++
		}
	}

	tp, fp, fn := 0, 0, 0
	precisions := make([]float64, 0, len(m.ClassNames))
	for _, class := range m.ClassNames {
		t := tally[class]
		c := ClassMetrics{
			Class:          class,
			TruePositives:  t.tp,
			FalsePositives: t.fp,
			FalseNegatives: t.fn,
			Precision:      stats.Ratio(t.tp, t.tp+t.fp),
			Recall:         stats.Ratio(t.tp, t.tp+t.fn),
			MeanIoU:        stats.Mean(t.ious),
			Samples:        t.samples,
		}
		c.F1 = stats.HarmonicMean2(c.Precision, c.Recall)
		m.Classes = append(m.Classes, c)
		precisions = append(precisions, c.Precision)
		tp += t.tp
		fp += t.fp
		fn += t.fn
	}

	m.Precision = stats.Ratio(tp, tp+fp)
	m.Recall = stats.Ratio(tp, tp+fn)
	m.F1 = stats.HarmonicMean2(m.Precision, m.Recall)
	m.MeanPrecision = stats.Mean(precisions)
	return m
}
