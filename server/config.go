package server

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/deteval/pkg/batch"
	"github.com/cyclopcam/deteval/pkg/detect"
)

type Config struct {
	DB            dbh.DBConfig  `json:"db"`
	Storage       StorageConfig `json:"storage"`
	ImageCache    string        `json:"imageCache"`    // Path to the local cache of uploaded images
	ImageCacheMB  int           `json:"imageCacheMB"`  // Default 256
	Detector      detect.Config `json:"detector"`      // Detector used for all runs
	Batch         BatchConfig   `json:"batch"`         // Defaults for new runs
	MaxUploadMB   int           `json:"maxUploadMB"`   // Maximum size of a POST /api/runs body. Default 256
	RunsPerMinute int           `json:"runsPerMinute"` // Per-IP limit on new runs. Default 10
}

// One of the storage options must be configured (i.e. either 'filesystem' or 'gcs')
type StorageConfig struct {
	Filesystem *StorageConfigFS  `json:"filesystem"`
	GCS        *StorageConfigGCS `json:"gcs"`
}

type StorageConfigFS struct {
	Root string `json:"root"`
}

type StorageConfigGCS struct {
	Bucket string `json:"bucket"`
}

// BatchConfig is batch.Config, with durations in seconds
type BatchConfig struct {
	BatchSize           int     `json:"batchSize"`
	MaxAttempts         int     `json:"maxAttempts"`
	RetryBackoff        float64 `json:"retryBackoff"`
	GroupDelay          float64 `json:"groupDelay"`
	CallTimeout         float64 `json:"callTimeout"`
	IoUThreshold        float64 `json:"iouThreshold"`
	ConfidenceThreshold float64 `json:"confidenceThreshold"`
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// RunConfig returns the orchestrator config. Zero fields take the orchestrator's defaults.
func (b *BatchConfig) RunConfig() batch.Config {
	cfg := batch.DefaultConfig()
	if b.BatchSize > 0 {
		cfg.BatchSize = b.BatchSize
	}
	if b.MaxAttempts > 0 {
		cfg.MaxAttempts = b.MaxAttempts
	}
	if b.RetryBackoff > 0 {
		cfg.RetryBackoff = seconds(b.RetryBackoff)
	}
	if b.GroupDelay > 0 {
		cfg.GroupDelay = seconds(b.GroupDelay)
	}
	if b.CallTimeout > 0 {
		cfg.CallTimeout = seconds(b.CallTimeout)
	}
	if b.IoUThreshold > 0 {
		cfg.IoUThreshold = b.IoUThreshold
	}
	if b.ConfidenceThreshold > 0 {
		cfg.ConfidenceThreshold = b.ConfidenceThreshold
	}
	return cfg
}

// LoadConfig reads a JSON config file.
// If the detector's API key is empty, it is taken from the DETEVAL_API_KEY environment variable.
func LoadConfig(filename string) (*Config, error) {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("Error parsing config file %v: %w", filename, err)
	}
	if cfg.Detector.HTTP.APIKey == "" {
		cfg.Detector.HTTP.APIKey = os.Getenv("DETEVAL_API_KEY")
	}
	cfg.setDefaults()
	return cfg, nil
}

func (c *Config) setDefaults() {
	if c.ImageCacheMB <= 0 {
		c.ImageCacheMB = 256
	}
	if c.MaxUploadMB <= 0 {
		c.MaxUploadMB = 256
	}
	if c.RunsPerMinute <= 0 {
		c.RunsPerMinute = 10
	}
}
