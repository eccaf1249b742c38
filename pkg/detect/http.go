package detect

import (
	"bytes"
	"context"
	"encoding/base64"
	"net/http"
	"net/url"

	"github.com/cyclopcam/deteval/pkg/nn"
	"github.com/cyclopcam/deteval/pkg/requests"
	"github.com/cyclopcam/deteval/pkg/tokencache"
	"github.com/cyclopcam/logs"
)

type HTTPDetectorConfig struct {
	URL          string      `json:"url"`          // Inference endpoint
	APIKey       string      `json:"apiKey"`       // If not empty, sent as the api_key query parameter
	MaxImageSize int         `json:"maxImageSize"` // Downscale images so that neither dimension exceeds this (0 = send as-is)
	PostProcess  PostProcess `json:"postProcess"`
}

// HTTPDetector sends images to a hosted inference endpoint.
// The image is sent as a base64 encoded request body, and the response looks like
//
//	{"predictions": [{"x": 10, "y": 20, "width": 30, "height": 40, "class": "car", "confidence": 0.9}]}
//
// where x,y is the center of the box.
type HTTPDetector struct {
	Log    logs.Log
	Client *http.Client
	Tokens *tokencache.Cache // Optional source of a bearer token

	config HTTPDetectorConfig
}

type httpPrediction struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"`
}

type httpResponse struct {
	Predictions []httpPrediction `json:"predictions"`
}

func NewHTTPDetector(log logs.Log, config HTTPDetectorConfig, tokens *tokencache.Cache) *HTTPDetector {
	return &HTTPDetector{
		Log:    log,
		Client: http.DefaultClient,
		Tokens: tokens,
		config: config,
	}
}

func (d *HTTPDetector) Detect(ctx context.Context, img nn.Image) (nn.PredictionSet, error) {
	send, scale, err := Downscale(img, d.config.MaxImageSize)
	if err != nil {
		return nil, err
	}
	body := base64.StdEncoding.EncodeToString(send.Data)

	resp, err := d.post(ctx, body)
	if requests.IsStatus(err, http.StatusUnauthorized) && d.Tokens != nil {
		// Our token was probably revoked or expired early. Get a new one and try once more.
		d.Log.Infof("Detection endpoint rejected our token. Refreshing")
		d.Tokens.Invalidate()
		resp, err = d.post(ctx, body)
	}
	if err != nil {
		return nil, err
	}

	boxes := make(nn.PredictionSet, 0, len(resp.Predictions))
	for _, p := range resp.Predictions {
		boxes = append(boxes, nn.Box{
			X:          p.X,
			Y:          p.Y,
			Width:      p.Width,
			Height:     p.Height,
			Class:      p.Class,
			Confidence: p.Confidence,
		})
	}
	boxes = ScaleBoxes(boxes, scale)
	return d.config.PostProcess.Apply(boxes), nil
}

func (d *HTTPDetector) post(ctx context.Context, body string) (*httpResponse, error) {
	u, err := url.Parse(d.config.URL)
	if err != nil {
		return nil, err
	}
	if d.config.APIKey != "" {
		q := u.Query()
		q.Set("api_key", d.config.APIKey)
		u.RawQuery = q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, "POST", u.String(), bytes.NewReader([]byte(body)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if d.Tokens != nil {
		token, err := d.Tokens.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return requests.DoJSON[httpResponse](d.Client, req)
}
