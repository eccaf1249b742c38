package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyclopcam/deteval/pkg/eval"
	"github.com/cyclopcam/deteval/pkg/nn"
	"github.com/cyclopcam/deteval/pkg/perfstats"
	"github.com/cyclopcam/logs"
)

// Result of a run that completed successfully
type Result struct {
	Predictions          []nn.PredictionSet  `json:"predictions"` // One per image
	GroundTruth          []nn.GroundTruthSet `json:"groundTruth"` // After truncation, so always the same length as Predictions
	Metrics              eval.OverallMetrics `json:"metrics"`
	Curve                []eval.CurvePoint   `json:"curve"`
	OptimalThreshold     float64             `json:"optimalThreshold"`
	Duration             time.Duration       `json:"duration"`
	MeanCallLatency      time.Duration       `json:"meanCallLatency"`
	MaxCallLatency       time.Duration       `json:"maxCallLatency"`
	TruncatedGroundTruth int                 `json:"truncatedGroundTruth"` // Number of trailing ground truth sets that had no image
	DroppedPredictions   int                 `json:"droppedPredictions"`   // Predicted boxes with invalid geometry
	Retries              int                 `json:"retries"`
}

// Images pairs up the predictions and ground truth of every image
func (r *Result) Images() []eval.ImagePair {
	return eval.MakeImagePairs(r.Predictions, r.GroundTruth)
}

// Run is a single evaluation pass over a list of images.
// Images are sent to the detector in groups of Config.BatchSize. All calls within a group
// run concurrently, and the next group only starts once every call of the previous group
// has finished.
// A Run can only be executed once.
type Run struct {
	Log logs.Log

	cfg         Config
	images      []nn.Image
	groundTruth []nn.GroundTruthSet
	truncated   int
	cancel      atomic.Bool

	lock     sync.Mutex
	state    State
	progress Progress
	result   *Result
	err      error
}

// NewRun validates the inputs and creates a Run in the Idle state.
// If there are more ground truth sets than images, the excess ground truth is dropped.
// More images than ground truth is an error.
func NewRun(log logs.Log, images []nn.Image, groundTruth []nn.GroundTruthSet, cfg Config) (*Run, error) {
	cfg.normalize()
	if len(images) == 0 {
		return nil, &ValidationError{Msg: "No images to evaluate"}
	}
	if len(images) > len(groundTruth) {
		return nil, &ValidationError{Msg: fmt.Sprintf("There are %v images, but only %v ground truth sets", len(images), len(groundTruth))}
	}
	truncated := len(groundTruth) - len(images)
	if truncated != 0 {
		log.Warnf("Ground truth has %v more entries than there are images. Ignoring the last %v ground truth sets", truncated, truncated)
		groundTruth = groundTruth[:len(images)]
	}
	if err := nn.ValidateGroundTruth(groundTruth); err != nil {
		return nil, &ValidationError{Msg: "Invalid ground truth", Err: err}
	}
	return &Run{
		Log:         log,
		cfg:         cfg,
		images:      images,
		groundTruth: groundTruth,
		truncated:   truncated,
		state:       StateIdle,
		progress:    makeProgress(0, len(images), 0, numGroups(len(images), cfg.BatchSize), 0),
	}, nil
}

// Evaluate creates a Run and executes it
func Evaluate(ctx context.Context, log logs.Log, images []nn.Image, groundTruth []nn.GroundTruthSet, cfg Config, detector nn.Detector, onProgress func(Progress)) (*Result, error) {
	run, err := NewRun(log, images, groundTruth, cfg)
	if err != nil {
		return nil, err
	}
	return run.Execute(ctx, detector, onProgress)
}

func numGroups(n, batchSize int) int {
	return (n + batchSize - 1) / batchSize
}

// Cancel asks the run to stop before its next group.
// Calls that are already in flight are allowed to finish.
func (r *Run) Cancel() {
	r.cancel.Store(true)
}

func (r *Run) State() State {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.state
}

func (r *Run) Progress() Progress {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.progress
}

// Outcome returns the result or error of a run that has finished.
// Both are nil if the run is not yet finished.
func (r *Run) Outcome() (*Result, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.result, r.err
}

// Config returns the configuration that the run actually uses, after defaults and clamping
func (r *Run) Config() Config {
	return r.cfg
}

func (r *Run) NumImages() int {
	return len(r.images)
}

func (r *Run) TruncatedGroundTruth() int {
	return r.truncated
}

// Outcome of a single image's detection
type callResult struct {
	predictions nn.PredictionSet
	attempts    int
	latency     time.Duration // Duration of the successful attempt
	err         error
}

// Execute sends every image to the detector, and computes metrics once all images are done.
// onProgress may be nil. It is called from the goroutine that called Execute.
// The returned error is a *DetectionError, a *CancelledError, or an error for a Run that was already executed.
func (r *Run) Execute(ctx context.Context, detector nn.Detector, onProgress func(Progress)) (*Result, error) {
	r.lock.Lock()
	if r.state != StateIdle {
		r.lock.Unlock()
		return nil, errors.New("Run has already been executed")
	}
	r.state = StateRunning
	r.lock.Unlock()

	start := time.Now()
	n := len(r.images)
	batchSize := r.cfg.BatchSize
	totalGroups := numGroups(n, batchSize)
	predictions := make([]nn.PredictionSet, 0, n)
	latency := perfstats.TimeAccumulator{}
	dropped := 0
	retries := 0

	r.Log.Infof("Evaluating %v images in %v groups of up to %v", n, totalGroups, batchSize)

	for group := 0; group < totalGroups; group++ {
		if group != 0 && r.cfg.GroupDelay > 0 {
			select {
			case <-time.After(r.cfg.GroupDelay):
			case <-ctx.Done():
			}
		}
		if r.cancel.Load() || ctx.Err() != nil {
			return r.cancelled(predictions)
		}

		first := group * batchSize
		last := min(first+batchSize, n)
		r.Log.Debugf("Group %v/%v: images %v..%v", group+1, totalGroups, first, last-1)

		results := make([]callResult, last-first)
		var wg sync.WaitGroup
		for i := first; i < last; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i-first] = r.detectWithRetry(ctx, detector, i)
			}(i)
		}
		wg.Wait()

		// Report the failure with the lowest image index
		for i, res := range results {
			if res.err == nil {
				continue
			}
			if ctx.Err() != nil {
				return r.cancelled(predictions)
			}
			err := &DetectionError{
				ImageIndex: first + i,
				ImageName:  r.images[first+i].Name,
				Attempts:   res.attempts,
				Err:        res.err,
			}
			r.Log.Errorf("%v", err)
			r.finish(StateFailed, nil, err)
			return nil, err
		}

		for _, res := range results {
			valid, nDropped := nn.FilterValid(res.predictions)
			predictions = append(predictions, nn.PredictionSet(valid))
			dropped += nDropped
			retries += res.attempts - 1
			latency.AddSample(res.latency)
		}

		p := makeProgress(len(predictions), n, group+1, totalGroups, time.Since(start))
		r.lock.Lock()
		r.progress = p
		r.lock.Unlock()
		if onProgress != nil {
			onProgress(p)
		}
	}

	if dropped != 0 {
		r.Log.Warnf("Dropped %v predicted boxes with invalid geometry", dropped)
	}

	result := &Result{
		Predictions:          predictions,
		GroundTruth:          r.groundTruth,
		Duration:             time.Since(start),
		MeanCallLatency:      latency.Average(),
		MaxCallLatency:       latency.Max,
		TruncatedGroundTruth: r.truncated,
		DroppedPredictions:   dropped,
		Retries:              retries,
	}
	pairs := result.Images()
	result.Metrics = eval.RecomputeImages(pairs, r.cfg.ConfidenceThreshold, r.cfg.IoUThreshold)
	result.Curve = eval.Sweep(pairs, nil, r.cfg.IoUThreshold)
	result.OptimalThreshold = eval.FindOptimalThreshold(result.Curve)

	r.Log.Infof("Evaluation of %v images finished in %.1f seconds (detection latency mean %v, max %v). Precision %.3f, Recall %.3f, F1 %.3f",
		n, result.Duration.Seconds(), result.MeanCallLatency.Round(time.Millisecond), result.MaxCallLatency.Round(time.Millisecond),
		result.Metrics.Precision, result.Metrics.Recall, result.Metrics.F1)

	r.finish(StateCompleted, result, nil)
	return result, nil
}

func (r *Run) cancelled(predictions []nn.PredictionSet) (*Result, error) {
	err := &CancelledError{
		Processed: len(predictions),
		Total:     len(r.images),
		Partial:   predictions,
	}
	r.Log.Infof("%v", err)
	r.finish(StateCancelled, nil, err)
	return nil, err
}

func (r *Run) finish(state State, result *Result, err error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.state = state
	r.result = result
	r.err = err
}

// Detect a single image, retrying on failure
func (r *Run) detectWithRetry(ctx context.Context, detector nn.Detector, idx int) callResult {
	img := r.images[idx]
	res := callResult{}
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		res.attempts = attempt
		callCtx := ctx
		cancel := func() {}
		if r.cfg.CallTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, r.cfg.CallTimeout)
		}
		t0 := time.Now()
		predictions, err := detector.Detect(callCtx, img)
		cancel()
		if err == nil {
			res.predictions = predictions
			res.latency = time.Since(t0)
			res.err = nil
			return res
		}
		res.err = err
		if attempt == r.cfg.MaxAttempts || ctx.Err() != nil {
			break
		}
		r.Log.Warnf("Detection of image %v failed (attempt %v of %v): %v", idx, attempt, r.cfg.MaxAttempts, err)
		select {
		case <-time.After(r.cfg.RetryBackoff):
		case <-ctx.Done():
			return res
		}
	}
	return res
}
