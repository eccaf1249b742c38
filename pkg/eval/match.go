package eval

import (
	"sort"

	flatbush "github.com/bmharper/flatbush-go"
	"github.com/cyclopcam/deteval/pkg/nn"
)

// Match is the outcome for a single prediction
type Match struct {
	GroundTruth int     `json:"groundTruth"` // Index into the ground truth list, or -1 if this prediction is a false positive
	IoU         float64 `json:"iou"`         // IoU with the matched box. For a false positive, this is the best IoU that was seen.
}

func (m Match) Matched() bool {
	return m.GroundTruth >= 0
}

// Assignment is the result of matching one list of predictions against one list of ground truth boxes.
// A ground truth box is bound to at most one prediction.
type Assignment struct {
	Matches         []Match `json:"matches"`         // Parallel to the predictions given to the matcher
	GroundTruthUsed []bool  `json:"groundTruthUsed"` // Parallel to the ground truth given to the matcher
}

// Missed returns the indices of the ground truth boxes that no prediction matched (the false negatives)
func (a *Assignment) Missed() []int {
	missed := []int{}
	for i, used := range a.GroundTruthUsed {
		if !used {
			missed = append(missed, i)
		}
	}
	return missed
}

// Number of predictions that were matched
func (a *Assignment) NumMatched() int {
	n := 0
	for _, m := range a.Matches {
		if m.Matched() {
			n++
		}
	}
	return n
}

// Matcher pairs predictions with ground truth boxes
type Matcher interface {
	Match(predictions, groundTruth []nn.Box, iouThreshold float64) Assignment
}

// GreedyMatcher visits predictions from most to least confident, and binds each one
// to the unused ground truth box of the same class that has the highest IoU, provided
// that IoU reaches the threshold. Ties are broken in favour of the lowest ground truth index.
// This is not an optimal assignment. A less confident prediction can lose a box that
// it overlaps better, because a more confident prediction claimed it first.
type GreedyMatcher struct{}

func (GreedyMatcher) Match(predictions, groundTruth []nn.Box, iouThreshold float64) Assignment {
	a := Assignment{
		Matches:         make([]Match, len(predictions)),
		GroundTruthUsed: make([]bool, len(groundTruth)),
	}
	for i := range a.Matches {
		a.Matches[i] = Match{GroundTruth: -1}
	}
	if len(predictions) == 0 || len(groundTruth) == 0 {
		return a
	}

	order := make([]int, len(predictions))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return predictions[order[i]].Confidence > predictions[order[j]].Confidence
	})

	// Only boxes whose rectangles touch can have a non-zero IoU, so we use a spatial
	// index to avoid O(N*M) comparisons. When the threshold is zero or less, a box with
	// zero overlap is still eligible, so then every ground truth box is a candidate.
	useIndex := iouThreshold > 0
	fb := flatbush.NewFlatbush[float64]()
	if useIndex {
		fb.Reserve(len(groundTruth))
		for _, g := range groundTruth {
			r := g.Rect()
			fb.Add(r.X1, r.Y1, r.X2, r.Y2)
		}
		fb.Finish()
	}

	candidates := make([]int, 0, len(groundTruth))
	for _, pi := range order {
		p := predictions[pi]
		pr := p.Rect()
		candidates = candidates[:0]
		if useIndex {
			candidates = append(candidates, fb.Search(pr.X1, pr.Y1, pr.X2, pr.Y2)...)
		} else {
			for j := range groundTruth {
				candidates = append(candidates, j)
			}
		}

		best := -1
		bestIoU := 0.0
		for _, j := range candidates {
			if a.GroundTruthUsed[j] || groundTruth[j].Class != p.Class {
				continue
			}
			iou := pr.IOU(groundTruth[j].Rect())
			if best == -1 || iou > bestIoU || (iou == bestIoU && j < best) {
				best = j
				bestIoU = iou
			}
		}

		a.Matches[pi].IoU = bestIoU
		if best != -1 && bestIoU >= iouThreshold {
			a.Matches[pi].GroundTruth = best
			a.GroundTruthUsed[best] = true
		}
	}
	return a
}
