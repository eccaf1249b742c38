package detect

import "github.com/cyclopcam/deteval/pkg/nn"

// PostProcess is applied to a detector's raw output, before it is handed to the evaluator
type PostProcess struct {
	MinConfidence float64           `json:"minConfidence"` // Drop boxes below this confidence
	NMSIoU        float64           `json:"nmsIoU"`        // If non-zero, suppress same-class boxes that overlap by at least this IoU
	ClassMerge    map[string]string `json:"classMerge"`    // eg {"truck": "car"} drops a truck that overlaps a car
	MergeIoU      float64           `json:"mergeIoU"`      // IoU used with ClassMerge. Defaults to 0.8
	ClassMap      map[string]string `json:"classMap"`      // Rename classes (eg "Person" -> "person")
}

func (p *PostProcess) Apply(boxes nn.PredictionSet) nn.PredictionSet {
	out := make([]nn.Box, 0, len(boxes))
	for _, b := range boxes {
		if b.Confidence < p.MinConfidence {
			continue
		}
		if rename, ok := p.ClassMap[b.Class]; ok {
			b.Class = rename
		}
		out = append(out, b)
	}
	if p.NMSIoU > 0 {
		out = nn.SelectBoxes(out, nn.SuppressDuplicates(out, p.NMSIoU))
	}
	if len(p.ClassMerge) != 0 {
		mergeIoU := p.MergeIoU
		if mergeIoU == 0 {
			mergeIoU = 0.8
		}
		out = nn.SelectBoxes(out, nn.MergeSimilarObjects(out, p.ClassMerge, mergeIoU))
	}
	return out
}
