package mpesa

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/estatepay/internal/metrics"
	"golang.org/x/sync/singleflight"
)

// DefaultSafetyMargin is subtracted from the advertised token lifetime so a
// token is never presented right at its expiry.
const DefaultSafetyMargin = 60 * time.Second

const tokenPath = "/oauth/v1/generate?grant_type=client_credentials"

// TokenSource supplies bearer tokens for gateway calls.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// TokenCache holds the current access token and exchanges the consumer
// credentials for a new one when it has expired. Concurrent callers that
// find the cache stale share one exchange.
type TokenCache struct {
	baseURL string
	key     string
	secret  string
	margin  time.Duration
	http    *http.Client
	now     func() time.Time

	mu     sync.RWMutex
	token  string
	expiry time.Time

	group singleflight.Group
}

// TokenOption configures a TokenCache.
type TokenOption func(*TokenCache)

// WithSafetyMargin overrides DefaultSafetyMargin.
func WithSafetyMargin(d time.Duration) TokenOption {
	return func(c *TokenCache) { c.margin = d }
}

// WithTokenHTTPClient sets the HTTP client used for exchanges.
func WithTokenHTTPClient(h *http.Client) TokenOption {
	return func(c *TokenCache) { c.http = h }
}

// WithTokenClock replaces the time source. Intended for tests.
func WithTokenClock(now func() time.Time) TokenOption {
	return func(c *TokenCache) { c.now = now }
}

// NewTokenCache creates a cache for the given consumer credentials.
func NewTokenCache(baseURL, consumerKey, consumerSecret string, opts ...TokenOption) *TokenCache {
	c := &TokenCache{
		baseURL: strings.TrimRight(baseURL, "/"),
		key:     consumerKey,
		secret:  consumerSecret,
		margin:  DefaultSafetyMargin,
		http:    &http.Client{Timeout: 30 * time.Second},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Token returns a valid access token, exchanging credentials if needed.
// Failures are returned to every waiting caller and are not cached.
func (c *TokenCache) Token(ctx context.Context) (string, error) {
	if tok, ok := c.cached(); ok {
		return tok, nil
	}

	ch := c.group.DoChan("token", func() (any, error) {
		if tok, ok := c.cached(); ok {
			return tok, nil
		}
		// The exchange outlives any single caller; one caller giving up
		// must not fail the others sharing it.
		exCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		return c.exchange(exCtx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Invalidate drops the cached token so the next call exchanges again.
// Used when the gateway rejects a token with 401 before its expiry.
func (c *TokenCache) Invalidate() {
	c.mu.Lock()
	c.token = ""
	c.expiry = time.Time{}
	c.mu.Unlock()
}

func (c *TokenCache) cached() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.token != "" && c.now().Before(c.expiry) {
		return c.token, true
	}
	return "", false
}

type tokenResponse struct {
	AccessToken string  `json:"access_token"`
	ExpiresIn   FlexInt `json:"expires_in"`
}

func (c *TokenCache) exchange(ctx context.Context) (string, error) {
	start := time.Now()
	defer metrics.ObserveGateway("oauth", start)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+tokenPath, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTokenExchange, err)
	}
	req.SetBasicAuth(c.key, c.secret)

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.TokenExchangesTotal.WithLabelValues("error").Inc()
		return "", fmt.Errorf("%w: %v", ErrTokenExchange, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode != http.StatusOK {
		metrics.TokenExchangesTotal.WithLabelValues("rejected").Inc()
		return "", fmt.Errorf("%w: http %d: %s", ErrTokenExchange, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil || tr.AccessToken == "" {
		metrics.TokenExchangesTotal.WithLabelValues("error").Inc()
		return "", fmt.Errorf("%w: malformed response", ErrTokenExchange)
	}

	lifetime := time.Duration(tr.ExpiresIn) * time.Second
	margin := c.margin
	if margin > lifetime/2 {
		margin = lifetime / 2
	}

	c.mu.Lock()
	c.token = tr.AccessToken
	c.expiry = c.now().Add(lifetime - margin)
	c.mu.Unlock()

	metrics.TokenExchangesTotal.WithLabelValues("ok").Inc()
	return tr.AccessToken, nil
}
