package detect

import (
	"context"
	"fmt"
	"net/http"

	"github.com/cyclopcam/deteval/pkg/nn"
	"github.com/cyclopcam/deteval/pkg/tokencache"
	"github.com/cyclopcam/logs"
)

const (
	TypeHTTP   = "http"
	TypeVision = "vision"
)

// Config selects and configures a detector
type Config struct {
	Type        string             `json:"type"`        // "http" or "vision"
	HTTP        HTTPDetectorConfig `json:"http"`        // Used when Type is "http"
	TokenURL    string             `json:"tokenURL"`    // If not empty, exchange HTTP.APIKey here for a bearer token
	PostProcess PostProcess        `json:"postProcess"` // Used when Type is "vision". The HTTP detector has its own.
}

// New creates the detector described by cfg.
// The returned close function must be called when the detector is no longer needed.
func New(ctx context.Context, log logs.Log, cfg Config) (nn.Detector, func(), error) {
	switch cfg.Type {
	case TypeHTTP, "":
		if cfg.HTTP.URL == "" {
			return nil, nil, fmt.Errorf("HTTP detector needs a URL")
		}
		var tokens *tokencache.Cache
		if cfg.TokenURL != "" {
			tokens = tokencache.New(NewTokenFetcher(http.DefaultClient, cfg.TokenURL, cfg.HTTP.APIKey))
		}
		log.Infof("Using HTTP detector at %v", cfg.HTTP.URL)
		return NewHTTPDetector(log, cfg.HTTP, tokens), func() {}, nil
	case TypeVision:
		d, err := NewVisionDetector(ctx, log, cfg.PostProcess)
		if err != nil {
			return nil, nil, err
		}
		log.Infof("Using Google Cloud Vision detector")
		return d, d.Close, nil
	}
	return nil, nil, fmt.Errorf("Unknown detector type '%v'. Valid types are '%v' and '%v'", cfg.Type, TypeHTTP, TypeVision)
}
