package batch

import (
	"math"
	"time"

	"github.com/cyclopcam/deteval/pkg/nn"
)

const (
	DefaultBatchSize    = 4
	DefaultMaxAttempts  = 2
	DefaultRetryBackoff = time.Second
	DefaultGroupDelay   = 250 * time.Millisecond
	DefaultCallTimeout  = 60 * time.Second
)

// Config controls how a Run talks to the detector
type Config struct {
	BatchSize           int           // Number of images whose detection calls run concurrently
	MaxAttempts         int           // Total attempts per image, including the first
	RetryBackoff        time.Duration // Fixed wait between attempts
	GroupDelay          time.Duration // Pause between groups
	CallTimeout         time.Duration // Limit on a single detection attempt. Zero means no limit.
	IoUThreshold        float64       // Used for the final metrics and the threshold sweep
	ConfidenceThreshold float64       // Predictions below this confidence are ignored by the final metrics
}

func DefaultConfig() Config {
	return Config{
		BatchSize:           DefaultBatchSize,
		MaxAttempts:         DefaultMaxAttempts,
		RetryBackoff:        DefaultRetryBackoff,
		GroupDelay:          DefaultGroupDelay,
		CallTimeout:         DefaultCallTimeout,
		IoUThreshold:        nn.DefaultIoUThreshold,
		ConfidenceThreshold: nn.DefaultConfidenceThreshold,
	}
}

// Replace nonsensical values with defaults
func (c *Config) normalize() {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.RetryBackoff < 0 {
		c.RetryBackoff = 0
	}
	if c.GroupDelay < 0 {
		c.GroupDelay = 0
	}
	if c.CallTimeout < 0 {
		c.CallTimeout = 0
	}
	// Zero is a legitimate threshold for both, so we only clamp
	if math.IsNaN(c.IoUThreshold) {
		c.IoUThreshold = nn.DefaultIoUThreshold
	}
	c.IoUThreshold = min(max(c.IoUThreshold, 0), 1)
	if math.IsNaN(c.ConfidenceThreshold) {
		c.ConfidenceThreshold = nn.DefaultConfidenceThreshold
	}
	c.ConfidenceThreshold = min(max(c.ConfidenceThreshold, 0), 1)
}
