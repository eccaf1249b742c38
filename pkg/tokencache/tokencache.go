// Package tokencache holds a single auth token, and refreshes it when it expires.
package tokencache

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultRefreshMargin is how long before expiry a token is considered stale
const DefaultRefreshMargin = 30 * time.Second

// Token is an opaque credential with an expiry time. A zero Expires means the token never expires.
type Token struct {
	Value   string
	Expires time.Time
}

// Fetcher obtains a fresh token
type Fetcher func(ctx context.Context) (Token, error)

// Cache holds the current token. All callers that need a refresh at the same time
// share the result of a single call to the Fetcher.
type Cache struct {
	RefreshMargin time.Duration

	fetch Fetcher
	group singleflight.Group
	lock  sync.Mutex
	token Token
	valid bool
	now   func() time.Time
}

func New(fetch Fetcher) *Cache {
	return &Cache{
		RefreshMargin: DefaultRefreshMargin,
		fetch:         fetch,
		now:           time.Now,
	}
}

// Static returns a Cache that always produces the same token
func Static(value string) *Cache {
	return New(func(ctx context.Context) (Token, error) {
		return Token{Value: value}, nil
	})
}

// Acquire returns the cached token, or fetches a new one if there is no token, or it is about to expire.
func (c *Cache) Acquire(ctx context.Context) (string, error) {
	c.lock.Lock()
	if c.valid && !c.staleLocked() {
		v := c.token.Value
		c.lock.Unlock()
		return v, nil
	}
	c.lock.Unlock()

	ch := c.group.DoChan("token", func() (any, error) {
		// The refresh must not die with the first caller's context, because other callers are sharing it
		tok, err := c.fetch(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		if tok.Value == "" {
			return nil, errors.New("Token fetcher returned an empty token")
		}
		c.lock.Lock()
		c.token = tok
		c.valid = true
		c.lock.Unlock()
		return tok.Value, nil
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// Invalidate discards the current token, so that the next Acquire fetches a new one.
// Call this when the server rejects the token.
func (c *Cache) Invalidate() {
	c.lock.Lock()
	c.valid = false
	c.token = Token{}
	c.lock.Unlock()
}

func (c *Cache) staleLocked() bool {
	if c.token.Expires.IsZero() {
		return false
	}
	return !c.now().Add(c.RefreshMargin).Before(c.token.Expires)
}
