package resultdb

import (
	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/deteval/pkg/batch"
	"github.com/cyclopcam/deteval/pkg/eval"
	"github.com/cyclopcam/deteval/pkg/nn"
)

// BaseModel is our base class for a GORM model.
// The default GORM Model uses int, but we prefer int64
type BaseModel struct {
	ID int64 `gorm:"primaryKey" json:"id"`
}

// SYNC-RESULTDB-RUN
type Run struct {
	BaseModel
	Name                string                    `json:"name"`
	CreatedAt           dbh.IntTime               `json:"createdAt"`
	FinishedAt          dbh.IntTime               `json:"finishedAt"`
	State               string                    `json:"state"` // One of the batch.State strings
	Error               string                    `json:"error"`
	Detector            string                    `json:"detector"`
	NumImages           int                       `json:"numImages"`
	BatchSize           int                       `json:"batchSize"`
	IoUThreshold        float64                   `gorm:"column:iou_threshold" json:"iouThreshold"`
	ConfidenceThreshold float64                   `json:"confidenceThreshold"`
	Precision           float64                   `gorm:"column:overall_precision" json:"precision"`
	Recall              float64                   `gorm:"column:overall_recall" json:"recall"`
	F1                  float64                   `gorm:"column:overall_f1" json:"f1"`
	MeanPrecision       float64                   `json:"meanPrecision"`
	OptimalThreshold    float64                   `json:"optimalThreshold"`
	DurationMS          int64                     `gorm:"column:duration_ms" json:"durationMS"`
	Detail              *dbh.JSONField[RunDetail] `json:"detail,omitempty"` // Omitted from summaries
}

// Everything we need to recompute metrics or draw diffs later, without calling the detector again
type RunDetail struct {
	Images               []ImageInfo         `json:"images"`
	Predictions          []nn.PredictionSet  `json:"predictions"`
	GroundTruth          []nn.GroundTruthSet `json:"groundTruth"`
	Metrics              eval.OverallMetrics `json:"metrics"`
	Curve                []eval.CurvePoint   `json:"curve"`
	TruncatedGroundTruth int                 `json:"truncatedGroundTruth"`
	DroppedPredictions   int                 `json:"droppedPredictions"`
	MeanCallLatencyMS    float64             `json:"meanCallLatencyMS"`
}

type ImageInfo struct {
	Name   string `json:"name"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// Pairs returns the per-image predictions and ground truth
func (d *RunDetail) Pairs() []eval.ImagePair {
	return eval.MakeImagePairs(d.Predictions, d.GroundTruth)
}

// SetResult copies the outcome of a successful evaluation into the run
func (r *Run) SetResult(res *batch.Result) {
	r.Precision = res.Metrics.Precision
	r.Recall = res.Metrics.Recall
	r.F1 = res.Metrics.F1
	r.MeanPrecision = res.Metrics.MeanPrecision
	r.OptimalThreshold = res.OptimalThreshold
	r.DurationMS = res.Duration.Milliseconds()
	detail := RunDetail{}
	if r.Detail != nil {
		detail = r.Detail.Data
	}
	detail.Predictions = res.Predictions
	detail.GroundTruth = res.GroundTruth
	detail.Metrics = res.Metrics
	detail.Curve = res.Curve
	detail.TruncatedGroundTruth = res.TruncatedGroundTruth
	detail.DroppedPredictions = res.DroppedPredictions
	detail.MeanCallLatencyMS = float64(res.MeanCallLatency.Microseconds()) / 1000
	r.Detail = dbh.MakeJSONField(detail)
}
