package batch

import (
	"errors"
	"fmt"

	"github.com/cyclopcam/deteval/pkg/nn"
)

// ErrCancelled matches any *CancelledError with errors.Is
var ErrCancelled = errors.New("evaluation cancelled")

// ValidationError is returned before any detection calls are made, when the inputs
// cannot be evaluated (eg more images than ground truth sets, or a malformed ground truth box).
type ValidationError struct {
	Msg string
	Err error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// DetectionError means that a detection call failed on every attempt.
// The whole run fails, because skipping the image would break the alignment of predictions and ground truth.
type DetectionError struct {
	ImageIndex int    // Index into the run's image list
	ImageName  string // Name of the image, if it had one
	Attempts   int    // Number of attempts that were made
	Err        error  // The error from the final attempt
}

func (e *DetectionError) Error() string {
	name := ""
	if e.ImageName != "" {
		name = fmt.Sprintf(" (%v)", e.ImageName)
	}
	return fmt.Sprintf("Detection failed on image %v%v after %v attempts: %v", e.ImageIndex, name, e.Attempts, e.Err)
}

func (e *DetectionError) Unwrap() error {
	return e.Err
}

// CancelledError is returned when a run stops because it was cancelled.
// Partial holds the predictions of the groups that completed before the cancellation.
// No metrics are computed for a cancelled run.
type CancelledError struct {
	Processed int
	Total     int
	Partial   []nn.PredictionSet
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("Evaluation cancelled after %v of %v images", e.Processed, e.Total)
}

func (e *CancelledError) Is(target error) bool {
	return target == ErrCancelled
}
