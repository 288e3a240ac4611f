package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/estatepay/internal/events"
	"github.com/mbd888/estatepay/internal/logging"
)

func testHub() *Hub {
	return NewHub(logging.Discard())
}

func startHub(t *testing.T) *Hub {
	t.Helper()
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)
	return h
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_InvoiceFilter(t *testing.T) {
	client := &Client{sub: Subscription{InvoiceIDs: []string{"inv_a"}}}

	if !shouldSend(client, events.New(events.PaymentCompleted, "inv_a", nil)) {
		t.Error("should receive events for a subscribed invoice")
	}
	if shouldSend(client, events.New(events.PaymentCompleted, "inv_b", nil)) {
		t.Error("should NOT receive events for other invoices")
	}
	if shouldSend(client, events.New(events.PaymentCompleted, "", nil)) {
		t.Error("should NOT receive events without an invoice")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	client := &Client{sub: Subscription{
		InvoiceIDs: []string{"inv_a"},
		EventTypes: []events.Type{events.InvoicePaid},
	}}

	if !shouldSend(client, events.New(events.InvoicePaid, "inv_a", nil)) {
		t.Error("should receive invoice.paid")
	}
	if shouldSend(client, events.New(events.PaymentFailed, "inv_a", nil)) {
		t.Error("should NOT receive payment.failed")
	}
}

func TestShouldSend_EmptySubscription(t *testing.T) {
	client := &Client{}
	if shouldSend(client, events.New(events.PaymentCompleted, "inv_a", nil)) {
		t.Error("a client without invoices receives nothing")
	}
}

func TestParseInvoiceIDs(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?invoiceId=inv_a,%20inv_b,&invoiceId=inv_c", nil)
	assert.Equal(t, []string{"inv_a", "inv_b", "inv_c"}, parseInvoiceIDs(r))

	many := strings.Repeat("inv_x,", 50)
	r = httptest.NewRequest("GET", "/ws?invoiceId="+many, nil)
	assert.Len(t, parseInvoiceIDs(r), maxInvoicesPerClient)
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	assert.Equal(t, 0, stats["connectedClients"])
	assert.Equal(t, int64(0), stats["totalEvents"])
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := startHub(t)

	client := &Client{hub: h, send: make(chan []byte, 8), sub: Subscription{InvoiceIDs: []string{"inv_a"}}}
	h.register <- client
	require.Eventually(t, func() bool { return h.Stats()["connectedClients"] == 1 }, time.Second, 10*time.Millisecond)

	h.unregister <- client
	require.Eventually(t, func() bool { return h.Stats()["connectedClients"] == 0 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), h.Stats()["peakClients"])
}

func TestHub_PublishToSubscriber(t *testing.T) {
	h := startHub(t)

	mine := &Client{hub: h, send: make(chan []byte, 8), sub: Subscription{InvoiceIDs: []string{"inv_a"}}}
	other := &Client{hub: h, send: make(chan []byte, 8), sub: Subscription{InvoiceIDs: []string{"inv_b"}}}
	h.register <- mine
	h.register <- other

	require.NoError(t, h.Publish(t.Context(), events.New(events.InvoicePaid, "inv_a", map[string]any{"status": "PAID"})))

	select {
	case msg := <-mine.send:
		var got events.Event
		require.NoError(t, json.Unmarshal(msg, &got))
		assert.Equal(t, events.InvoicePaid, got.Type)
		assert.Equal(t, "inv_a", got.InvoiceID)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	require.Eventually(t, func() bool { return h.Stats()["totalEvents"] == int64(1) }, time.Second, 10*time.Millisecond)
	select {
	case <-other.send:
		t.Error("other invoice's client should NOT receive the event")
	default:
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("hub did not stop after context cancellation")
	}
}

func TestHandleWebSocket(t *testing.T) {
	h := startHub(t)
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "invoiceId is required")

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?invoiceId=inv_ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return h.Stats()["connectedClients"] == 1 }, time.Second, 10*time.Millisecond)
	require.NoError(t, h.Publish(t.Context(), events.New(events.PaymentCompleted, "inv_ws", nil)))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got events.Event
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, events.PaymentCompleted, got.Type)
}
