// Package mpesa talks to the Safaricom Daraja API: OAuth token exchange,
// Lipa na M-Pesa Online (STK push) requests, STK status queries, and the
// asynchronous callback envelope the gateway posts back.
package mpesa

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TransactionTypePayBill is the STK transaction type for paybill shortcodes.
const TransactionTypePayBill = "CustomerPayBillOnline"

// Result codes the gateway reports in callbacks and status queries.
const (
	ResultSuccess         = 0
	ResultInsufficient    = 1
	ResultCancelledByUser = 1032
	ResultUnreachable     = 1037
	ResultWrongPIN        = 2001
)

// Field limits enforced by the gateway.
const (
	maxAccountReference = 12
	maxTransactionDesc  = 13
)

var (
	ErrCircuitOpen     = errors.New("mpesa: gateway circuit open")
	ErrTokenExchange   = errors.New("mpesa: token exchange failed")
	ErrStillProcessing = errors.New("mpesa: transaction is still being processed")
	ErrInvalidCallback = errors.New("mpesa: invalid callback payload")

	errMissingResultCode = errors.New("mpesa: missing ResultCode")
)

// APIError is a non-success answer from the gateway, either an HTTP error
// body ({requestId, errorCode, errorMessage}) or a push request rejected with
// a non-zero ResponseCode.
type APIError struct {
	StatusCode int    `json:"-"`
	RequestID  string `json:"requestId"`
	Code       string `json:"errorCode"`
	Message    string `json:"errorMessage"`
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("mpesa: http %d: %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("mpesa: rejected: %s: %s", e.Code, e.Message)
}

// Retryable reports whether the failure is on the gateway side (5xx or 429)
// rather than a problem with the request.
func (e *APIError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}

// nairobi is East Africa Time. Kenya observes no DST, so a fixed zone is exact
// and avoids depending on the host's tz database.
var nairobi = time.FixedZone("EAT", 3*60*60)

// Timestamp formats t as yyyyMMddHHmmss in Nairobi time.
func Timestamp(t time.Time) string {
	return t.In(nairobi).Format("20060102150405")
}

// Password derives the STK password: base64(shortcode + passkey + timestamp).
func Password(shortCode, passKey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortCode + passKey + timestamp))
}

// WholeShillings rounds an amount up to whole shillings; the gateway rejects
// fractional amounts.
func WholeShillings(amount decimal.Decimal) int64 {
	return amount.Ceil().IntPart()
}

// PushRequest is what callers ask the client to push to a phone.
type PushRequest struct {
	Phone            string // 2547XXXXXXXX
	Amount           decimal.Decimal
	AccountReference string
	Description      string
}

// stkPushRequest is the wire body of POST /mpesa/stkpush/v1/processrequest.
type stkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

// PushResponse is the synchronous acknowledgement of an STK push.
type PushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

type stkQueryRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

// QueryResult is the answer to an STK status query for a finished request.
type QueryResult struct {
	MerchantRequestID string  `json:"MerchantRequestID"`
	CheckoutRequestID string  `json:"CheckoutRequestID"`
	ResponseCode      string  `json:"ResponseCode"`
	ResultCode        FlexInt `json:"ResultCode"`
	ResultDesc        string  `json:"ResultDesc"`
}

// UnmarshalJSON rejects answers without a ResultCode, which would
// otherwise decode as success.
func (q *QueryResult) UnmarshalJSON(b []byte) error {
	type plain QueryResult
	aux := struct {
		*plain
		ResultCode *FlexInt `json:"ResultCode"`
	}{plain: (*plain)(q)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	if aux.ResultCode == nil {
		return errMissingResultCode
	}
	q.ResultCode = *aux.ResultCode
	return nil
}

// FlexInt decodes an integer the gateway sometimes sends quoted. A JSON
// null leaves the value untouched.
type FlexInt int

func (f *FlexInt) UnmarshalJSON(b []byte) error {
	raw := string(bytes.TrimSpace(b))
	if raw == "null" {
		return nil
	}
	s := strings.Trim(raw, `"`)
	if s == "" {
		return errors.New("mpesa: empty integer")
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("mpesa: not an integer: %q", s)
	}
	*f = FlexInt(n)
	return nil
}

// CallbackEnvelope is the body the gateway POSTs to the callback URL.
type CallbackEnvelope struct {
	Body struct {
		STKCallback STKCallback `json:"stkCallback"`
	} `json:"Body"`
}

// STKCallback carries the final result of one push request.
type STKCallback struct {
	MerchantRequestID string            `json:"MerchantRequestID"`
	CheckoutRequestID string            `json:"CheckoutRequestID"`
	ResultCode        FlexInt           `json:"ResultCode"`
	ResultDesc        string            `json:"ResultDesc"`
	CallbackMetadata  *CallbackMetadata `json:"CallbackMetadata,omitempty"`
}

// UnmarshalJSON requires ResultCode to be present and non-null: 0 means
// success, so a missing code must not be read as one.
func (cb *STKCallback) UnmarshalJSON(b []byte) error {
	type plain STKCallback
	aux := struct {
		*plain
		ResultCode *FlexInt `json:"ResultCode"`
	}{plain: (*plain)(cb)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	if aux.ResultCode == nil {
		return errMissingResultCode
	}
	cb.ResultCode = *aux.ResultCode
	return nil
}

// CallbackMetadata lists Name/Value items; present only on success.
type CallbackMetadata struct {
	Item []CallbackItem `json:"Item"`
}

// CallbackItem is one metadata entry, e.g. {"Name":"MpesaReceiptNumber","Value":"QK1..."}.
type CallbackItem struct {
	Name  string `json:"Name"`
	Value any    `json:"Value,omitempty"`
}

// ParseCallback decodes a raw callback body.
func ParseCallback(raw []byte) (*STKCallback, error) {
	var env CallbackEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCallback, err)
	}
	cb := env.Body.STKCallback
	if strings.TrimSpace(cb.CheckoutRequestID) == "" {
		return nil, fmt.Errorf("%w: missing CheckoutRequestID", ErrInvalidCallback)
	}
	return &cb, nil
}

// Items flattens the metadata list into a map.
func (cb *STKCallback) Items() map[string]any {
	out := map[string]any{}
	if cb.CallbackMetadata == nil {
		return out
	}
	for _, it := range cb.CallbackMetadata.Item {
		if it.Name != "" && it.Value != nil {
			out[it.Name] = it.Value
		}
	}
	return out
}

// Receipt returns the M-Pesa receipt number, if present.
func (cb *STKCallback) Receipt() string {
	if v, ok := cb.Items()["MpesaReceiptNumber"]; ok {
		return fmt.Sprint(v)
	}
	return ""
}

// Amount returns the amount reported in the metadata, if present.
func (cb *STKCallback) Amount() (decimal.Decimal, bool) {
	v, ok := cb.Items()["Amount"]
	if !ok {
		return decimal.Zero, false
	}
	switch n := v.(type) {
	case float64:
		return decimal.NewFromFloat(n), true
	case string:
		d, err := decimal.NewFromString(n)
		return d, err == nil
	default:
		return decimal.Zero, false
	}
}
