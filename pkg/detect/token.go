package detect

import (
	"context"
	"net/http"
	"time"

	"github.com/cyclopcam/deteval/pkg/requests"
	"github.com/cyclopcam/deteval/pkg/tokencache"
)

type tokenRequest struct {
	APIKey string `json:"apiKey"`
}

type tokenResponse struct {
	Token     string  `json:"token"`
	ExpiresIn float64 `json:"expiresIn"` // seconds
}

// NewTokenFetcher returns a fetcher that exchanges an API key for a short-lived bearer token,
// by POSTing {"apiKey": key} to url, and expecting {"token": "...", "expiresIn": seconds}.
func NewTokenFetcher(client *http.Client, url, apiKey string) tokencache.Fetcher {
	return func(ctx context.Context) (tokencache.Token, error) {
		resp, err := requests.RequestJSON[tokenResponse](ctx, client, "POST", url, &tokenRequest{APIKey: apiKey}, nil)
		if err != nil {
			return tokencache.Token{}, err
		}
		tok := tokencache.Token{Value: resp.Token}
		if resp.ExpiresIn > 0 {
			tok.Expires = time.Now().Add(time.Duration(resp.ExpiresIn * float64(time.Second)))
		}
		return tok, nil
	}
}
