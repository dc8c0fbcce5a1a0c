package alerting

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestWebhook(t *testing.T) (*Webhook, *int64) {
	t.Helper()

	var delivered int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var a Alert
		if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
			t.Errorf("bad alert body: %v", err)
		}
		atomic.AddInt64(&delivered, 1)
	}))
	t.Cleanup(srv.Close)

	return NewWebhook(srv.URL, slog.Default()), &delivered
}

func TestWebhook_ImmediateDelivery(t *testing.T) {
	w, delivered := newTestWebhook(t)

	w.Raise(context.Background(), Alert{Title: "store outage", Message: "apple 503"})

	if got := atomic.LoadInt64(delivered); got != 1 {
		t.Errorf("delivered = %d, want 1", got)
	}
}

func TestWebhook_ThresholdSuppressesUntilCount(t *testing.T) {
	w, delivered := newTestWebhook(t)

	alert := Alert{Title: "poll failure", CountRequired: 3, Timeframe: 5 * time.Minute}
	w.Raise(context.Background(), alert)
	w.Raise(context.Background(), alert)

	if got := atomic.LoadInt64(delivered); got != 0 {
		t.Fatalf("delivered = %d before threshold, want 0", got)
	}

	w.Raise(context.Background(), alert)
	if got := atomic.LoadInt64(delivered); got != 1 {
		t.Errorf("delivered = %d at threshold, want 1", got)
	}

	// Counter resets after delivery.
	w.Raise(context.Background(), alert)
	if got := atomic.LoadInt64(delivered); got != 1 {
		t.Errorf("delivered = %d after reset, want 1", got)
	}
}

func TestWebhook_WindowExpiryResetsCount(t *testing.T) {
	w, delivered := newTestWebhook(t)

	current := time.Now()
	w.now = func() time.Time { return current }

	alert := Alert{Title: "poll failure", CountRequired: 2, Timeframe: time.Minute}
	w.Raise(context.Background(), alert)

	// Second occurrence lands outside the window; count starts over.
	current = current.Add(2 * time.Minute)
	w.Raise(context.Background(), alert)

	if got := atomic.LoadInt64(delivered); got != 0 {
		t.Errorf("delivered = %d, want 0 after window expiry", got)
	}

	w.Raise(context.Background(), alert)
	if got := atomic.LoadInt64(delivered); got != 1 {
		t.Errorf("delivered = %d, want 1 once threshold met inside window", got)
	}
}

func TestWebhook_DeadEndpointDoesNotError(t *testing.T) {
	w := NewWebhook("http://127.0.0.1:1", slog.Default())
	w.client.Timeout = 100 * time.Millisecond

	// Must not panic or block beyond the client timeout.
	w.Raise(context.Background(), Alert{Title: "store outage"})
}

func TestChatWebhook_PostsText(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		got = body["text"]
	}))
	defer srv.Close()

	n := NewChatWebhook(srv.URL)
	if err := n.Notify(context.Background(), "player banned"); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if got != "player banned" {
		t.Errorf("text = %q, want %q", got, "player banned")
	}
}
