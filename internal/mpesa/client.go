package mpesa

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mbd888/estatepay/internal/circuitbreaker"
	"github.com/mbd888/estatepay/internal/metrics"
)

const (
	stkPushPath  = "/mpesa/stkpush/v1/processrequest"
	stkQueryPath = "/mpesa/stkpushquery/v1/query"

	breakerKey = "daraja"

	// Daraja answers a status query for an unfinished request with this code.
	codeStillProcessing = "500.001.1001"
)

// ClientConfig holds the shortcode credentials and callback target.
type ClientConfig struct {
	BaseURL     string
	ShortCode   string
	PassKey     string
	CallbackURL string
}

// Client issues STK push and status query requests.
type Client struct {
	cfg     ClientConfig
	tokens  TokenSource
	http    *http.Client
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client for API calls.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithBreaker sets the circuit breaker guarding API calls.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(c *Client) { c.breaker = b }
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithClock replaces the time source used for request timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// NewClient creates a gateway client.
func NewClient(cfg ClientConfig, tokens TokenSource, opts ...Option) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	c := &Client{
		cfg:     cfg,
		tokens:  tokens,
		http:    &http.Client{Timeout: 30 * time.Second},
		breaker: circuitbreaker.New(5, 30*time.Second),
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ShortCode returns the paybill shortcode pushes are credited to.
func (c *Client) ShortCode() string { return c.cfg.ShortCode }

// STKPush asks the gateway to prompt req.Phone for payment. A nil error means
// the gateway accepted the request (ResponseCode "0"); the final result
// arrives later on the callback URL.
func (c *Client) STKPush(ctx context.Context, req PushRequest) (*PushResponse, error) {
	ts := Timestamp(c.now())
	body := stkPushRequest{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          Password(c.cfg.ShortCode, c.cfg.PassKey, ts),
		Timestamp:         ts,
		TransactionType:   TransactionTypePayBill,
		Amount:            WholeShillings(req.Amount),
		PartyA:            req.Phone,
		PartyB:            c.cfg.ShortCode,
		PhoneNumber:       req.Phone,
		CallBackURL:       c.cfg.CallbackURL,
		AccountReference:  truncate(req.AccountReference, maxAccountReference),
		TransactionDesc:   truncate(req.Description, maxTransactionDesc),
	}

	var resp PushResponse
	if err := c.call(ctx, "stk_push", stkPushPath, body, &resp); err != nil {
		metrics.STKPushesTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	if resp.ResponseCode != "0" {
		metrics.STKPushesTotal.WithLabelValues("rejected").Inc()
		return nil, &APIError{Code: resp.ResponseCode, Message: resp.ResponseDescription}
	}
	if resp.CheckoutRequestID == "" {
		metrics.STKPushesTotal.WithLabelValues("error").Inc()
		return nil, &APIError{Code: resp.ResponseCode, Message: "accepted without CheckoutRequestID"}
	}

	metrics.STKPushesTotal.WithLabelValues("accepted").Inc()
	c.logger.Info("stk push accepted",
		"checkoutRequestId", resp.CheckoutRequestID,
		"merchantRequestId", resp.MerchantRequestID,
		"amount", body.Amount,
	)
	return &resp, nil
}

// STKQuery asks the gateway for the final result of a push request. It
// returns ErrStillProcessing while the customer has not yet answered.
func (c *Client) STKQuery(ctx context.Context, checkoutRequestID string) (*QueryResult, error) {
	ts := Timestamp(c.now())
	body := stkQueryRequest{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          Password(c.cfg.ShortCode, c.cfg.PassKey, ts),
		Timestamp:         ts,
		CheckoutRequestID: checkoutRequestID,
	}

	var res QueryResult
	if err := c.call(ctx, "stk_query", stkQueryPath, body, &res); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Code == codeStillProcessing {
			return nil, ErrStillProcessing
		}
		return nil, err
	}
	return &res, nil
}

// call POSTs body to path through the breaker. A 401 invalidates the cached
// token and the request is retried once with a fresh one.
func (c *Client) call(ctx context.Context, op, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("mpesa: encode %s: %w", op, err)
	}

	err = c.breaker.Execute(breakerKey, countsAgainstBreaker, func() error {
		status, err := c.post(ctx, op, path, payload, out)
		if err == nil || status != http.StatusUnauthorized {
			return err
		}
		c.logger.Warn("gateway rejected access token, refreshing", "operation", op)
		c.tokens.Invalidate()
		_, err = c.post(ctx, op, path, payload, out)
		return err
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return ErrCircuitOpen
	}
	return err
}

func (c *Client) post(ctx context.Context, op, path string, payload []byte, out any) (int, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("mpesa: build %s request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	metrics.ObserveGateway(op, start)
	if err != nil {
		return 0, fmt.Errorf("mpesa: %s: %w", op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if json.Unmarshal(raw, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		return resp.StatusCode, apiErr
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return resp.StatusCode, fmt.Errorf("mpesa: decode %s response: %w", op, err)
	}
	return resp.StatusCode, nil
}

// countsAgainstBreaker treats transport errors and gateway-side failures as
// breaker failures; request errors (bad phone, bad amount) do not trip it.
func countsAgainstBreaker(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable() && apiErr.Code != codeStillProcessing
	}
	return !errors.Is(err, context.Canceled)
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		return s[:n]
	}
	return s
}
