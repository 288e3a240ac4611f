package mpesa

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/estatepay/internal/circuitbreaker"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// staticTokens is a TokenSource that hands out numbered tokens and records
// invalidations.
type staticTokens struct {
	mu          sync.Mutex
	gen         int
	invalidated int
}

func (s *staticTokens) Token(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return "token-" + string(rune('0'+s.gen)), nil
}

func (s *staticTokens) Invalidate() {
	s.mu.Lock()
	s.gen++
	s.invalidated++
	s.mu.Unlock()
}

type fakeDaraja struct {
	*httptest.Server
	mu       sync.Mutex
	pushes   []map[string]any
	handlers map[string]http.HandlerFunc
}

func newFakeDaraja(t *testing.T) *fakeDaraja {
	t.Helper()
	f := &fakeDaraja{handlers: map[string]http.HandlerFunc{}}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		h := f.handlers[r.URL.Path]
		f.mu.Unlock()
		if h == nil {
			http.NotFound(w, r)
			return
		}
		h(w, r)
	}))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeDaraja) handle(path string, h http.HandlerFunc) {
	f.mu.Lock()
	f.handlers[path] = h
	f.mu.Unlock()
}

func (f *fakeDaraja) recordPush(r *http.Request) map[string]any {
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	f.mu.Lock()
	f.pushes = append(f.pushes, body)
	f.mu.Unlock()
	return body
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func acceptedPush(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]string{
		"MerchantRequestID":   "29115-34620561-1",
		"CheckoutRequestID":   "ws_CO_191220191020363925",
		"ResponseCode":        "0",
		"ResponseDescription": "Success. Request accepted for processing",
		"CustomerMessage":     "Success. Request accepted for processing",
	})
}

func newTestClient(t *testing.T, f *fakeDaraja, tokens TokenSource, opts ...Option) *Client {
	t.Helper()
	// 2026-03-01 06:30:00 UTC is 09:30:00 in Nairobi.
	fixed := func() time.Time { return time.Date(2026, 3, 1, 6, 30, 0, 0, time.UTC) }
	base := []Option{WithClock(fixed), WithBreaker(circuitbreaker.New(2, time.Minute))}
	return NewClient(ClientConfig{
		BaseURL:     f.URL,
		ShortCode:   "174379",
		PassKey:     "passkey",
		CallbackURL: "https://pay.example.com/v1/mpesa/callback",
	}, tokens, append(base, opts...)...)
}

func TestTimestampAndPassword(t *testing.T) {
	ts := Timestamp(time.Date(2026, 3, 1, 22, 15, 7, 0, time.UTC))
	assert.Equal(t, "20260302011507", ts, "Nairobi is UTC+3")

	pw := Password("174379", "passkey", ts)
	raw, err := base64.StdEncoding.DecodeString(pw)
	require.NoError(t, err)
	assert.Equal(t, "174379passkey20260302011507", string(raw))
}

func TestWholeShillings(t *testing.T) {
	assert.EqualValues(t, 40000, WholeShillings(decimal.RequireFromString("40000")))
	assert.EqualValues(t, 101, WholeShillings(decimal.RequireFromString("100.01")))
}

func TestClient_STKPush_BuildsRequest(t *testing.T) {
	f := newFakeDaraja(t)
	var auth string
	f.handle(stkPushPath, func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		f.recordPush(r)
		acceptedPush(w)
	})

	c := newTestClient(t, f, &staticTokens{})
	resp, err := c.STKPush(context.Background(), PushRequest{
		Phone:            "254712345678",
		Amount:           decimal.RequireFromString("40000.40"),
		AccountReference: "INV7F3A9C21XYZ",
		Description:      "Unit A-12 down payment",
	})
	require.NoError(t, err)
	assert.Equal(t, "ws_CO_191220191020363925", resp.CheckoutRequestID)
	assert.Equal(t, "29115-34620561-1", resp.MerchantRequestID)
	assert.Equal(t, "Bearer token-0", auth)

	require.Len(t, f.pushes, 1)
	body := f.pushes[0]
	assert.Equal(t, "174379", body["BusinessShortCode"])
	assert.Equal(t, "20260301093000", body["Timestamp"])
	assert.Equal(t, Password("174379", "passkey", "20260301093000"), body["Password"])
	assert.Equal(t, TransactionTypePayBill, body["TransactionType"])
	assert.EqualValues(t, 40001, body["Amount"])
	assert.Equal(t, "254712345678", body["PartyA"])
	assert.Equal(t, "174379", body["PartyB"])
	assert.Equal(t, "254712345678", body["PhoneNumber"])
	assert.Equal(t, "https://pay.example.com/v1/mpesa/callback", body["CallBackURL"])
	assert.Equal(t, "INV7F3A9C21X", body["AccountReference"], "truncated to 12 chars")
	assert.Equal(t, "Unit A-12 dow", body["TransactionDesc"], "truncated to 13 chars")
}

func TestClient_STKPush_RejectedResponseCode(t *testing.T) {
	f := newFakeDaraja(t)
	f.handle(stkPushPath, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"ResponseCode": "1", "ResponseDescription": "Rejected"})
	})

	_, err := newTestClient(t, f, &staticTokens{}).STKPush(context.Background(), PushRequest{Phone: "254712345678", Amount: decimal.NewFromInt(10)})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "1", apiErr.Code)
}

func TestClient_STKPush_BadRequestDoesNotTripBreaker(t *testing.T) {
	f := newFakeDaraja(t)
	f.handle(stkPushPath, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"requestId":    "1234-5678",
			"errorCode":    "400.002.02",
			"errorMessage": "Bad Request - Invalid PhoneNumber",
		})
	})
	c := newTestClient(t, f, &staticTokens{})

	for i := 0; i < 3; i++ {
		_, err := c.STKPush(context.Background(), PushRequest{Phone: "254700000000", Amount: decimal.NewFromInt(10)})
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
		assert.Equal(t, "400.002.02", apiErr.Code)
	}
	assert.Equal(t, circuitbreaker.StateClosed, c.breaker.State(breakerKey))
}

func TestClient_STKPush_ServerErrorsOpenBreaker(t *testing.T) {
	f := newFakeDaraja(t)
	var hits int
	f.handle(stkPushPath, func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	c := newTestClient(t, f, &staticTokens{})
	req := PushRequest{Phone: "254712345678", Amount: decimal.NewFromInt(10)}

	_, _ = c.STKPush(context.Background(), req)
	_, _ = c.STKPush(context.Background(), req)
	_, err := c.STKPush(context.Background(), req)

	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 2, hits, "open circuit makes no network call")
}

func TestClient_UnauthorizedRefreshesTokenOnce(t *testing.T) {
	f := newFakeDaraja(t)
	var seen []string
	f.handle(stkPushPath, func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Header.Get("Authorization"))
		if r.Header.Get("Authorization") == "Bearer token-0" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"errorCode": "404.001.04", "errorMessage": "Invalid Access Token"})
			return
		}
		acceptedPush(w)
	})
	tokens := &staticTokens{}

	resp, err := newTestClient(t, f, tokens).STKPush(context.Background(), PushRequest{Phone: "254712345678", Amount: decimal.NewFromInt(10)})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.CheckoutRequestID)
	assert.Equal(t, []string{"Bearer token-0", "Bearer token-1"}, seen)
	assert.Equal(t, 1, tokens.invalidated)
}

func TestClient_TokenFailureSurfaces(t *testing.T) {
	f := newFakeDaraja(t)
	f.handle(stkPushPath, func(w http.ResponseWriter, r *http.Request) { acceptedPush(w) })

	broken := NewTokenCache(f.URL, "key", "secret") // fake has no oauth route: 404
	_, err := newTestClient(t, f, broken).STKPush(context.Background(), PushRequest{Phone: "254712345678", Amount: decimal.NewFromInt(10)})
	assert.ErrorIs(t, err, ErrTokenExchange)
}

func TestClient_STKQuery(t *testing.T) {
	f := newFakeDaraja(t)
	f.handle(stkQueryPath, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		switch body["CheckoutRequestID"] {
		case "ws_CO_pending":
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"errorCode":    codeStillProcessing,
				"errorMessage": "The transaction is being processed",
			})
		default:
			writeJSON(w, http.StatusOK, map[string]string{
				"ResponseCode":      "0",
				"CheckoutRequestID": body["CheckoutRequestID"],
				"ResultCode":        "1032",
				"ResultDesc":        "Request cancelled by user",
			})
		}
	})
	c := newTestClient(t, f, &staticTokens{})

	res, err := c.STKQuery(context.Background(), "ws_CO_done")
	require.NoError(t, err)
	assert.EqualValues(t, ResultCancelledByUser, res.ResultCode)

	for i := 0; i < 3; i++ {
		_, err = c.STKQuery(context.Background(), "ws_CO_pending")
		assert.ErrorIs(t, err, ErrStillProcessing)
	}
	assert.Equal(t, circuitbreaker.StateClosed, c.breaker.State(breakerKey), "still-processing answers are not failures")
}

func TestParseCallback(t *testing.T) {
	raw := []byte(`{"Body":{"stkCallback":{
		"MerchantRequestID":"29115-34620561-1",
		"CheckoutRequestID":"ws_CO_191220191020363925",
		"ResultCode":0,
		"ResultDesc":"The service request is processed successfully.",
		"CallbackMetadata":{"Item":[
			{"Name":"Amount","Value":40000.00},
			{"Name":"MpesaReceiptNumber","Value":"NLJ7RT61SV"},
			{"Name":"Balance"},
			{"Name":"TransactionDate","Value":20191219102115},
			{"Name":"PhoneNumber","Value":254708374149}
		]}}}}`)

	cb, err := ParseCallback(raw)
	require.NoError(t, err)
	assert.Equal(t, "ws_CO_191220191020363925", cb.CheckoutRequestID)
	assert.EqualValues(t, 0, cb.ResultCode)
	assert.Equal(t, "NLJ7RT61SV", cb.Receipt())

	amt, ok := cb.Amount()
	require.True(t, ok)
	assert.True(t, amt.Equal(decimal.NewFromInt(40000)))

	items := cb.Items()
	assert.NotContains(t, items, "Balance")
	assert.Contains(t, items, "PhoneNumber")
}

func TestParseCallback_FailureHasNoMetadata(t *testing.T) {
	cb, err := ParseCallback([]byte(`{"Body":{"stkCallback":{"MerchantRequestID":"m","CheckoutRequestID":"c","ResultCode":"1032","ResultDesc":"Request cancelled by user"}}}`))
	require.NoError(t, err)
	assert.EqualValues(t, ResultCancelledByUser, cb.ResultCode)
	assert.Empty(t, cb.Receipt())
	_, ok := cb.Amount()
	assert.False(t, ok)
}

func TestParseCallback_Invalid(t *testing.T) {
	for _, raw := range []string{`not json`, `{"Body":{}}`, `{"Body":{"stkCallback":{"ResultCode":0}}}`} {
		_, err := ParseCallback([]byte(raw))
		assert.True(t, errors.Is(err, ErrInvalidCallback), "payload %s", raw)
	}
}

func TestParseCallback_MissingResultCode(t *testing.T) {
	for _, raw := range []string{
		`{"Body":{"stkCallback":{"CheckoutRequestID":"ws_CO_1"}}}`,
		`{"Body":{"stkCallback":{"CheckoutRequestID":"ws_CO_1","ResultCode":null}}}`,
		`{"Body":{"stkCallback":{"CheckoutRequestID":"ws_CO_1","ResultCode":""}}}`,
	} {
		cb, err := ParseCallback([]byte(raw))
		assert.Nil(t, cb)
		assert.ErrorIs(t, err, ErrInvalidCallback, "payload %s", raw)
	}
}

func TestClient_STKQuery_MissingResultCode(t *testing.T) {
	f := newFakeDaraja(t)
	f.handle(stkQueryPath, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"ResponseCode":      "0",
			"CheckoutRequestID": "ws_CO_blank",
		})
	})
	c := newTestClient(t, f, &staticTokens{})

	res, err := c.STKQuery(context.Background(), "ws_CO_blank")
	assert.Nil(t, res)
	assert.ErrorIs(t, err, errMissingResultCode)
}
