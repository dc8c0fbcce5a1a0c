// Package alerting delivers operational alerts and chat notifications.
//
// Alerts carry an occurrence threshold: an alert with CountRequired 10 and
// Timeframe 5m only reaches the webhook once the same title has fired ten
// times inside five minutes. This keeps a flapping store API from paging on
// every failed call while still surfacing sustained outages.
package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ridgeline-games/commerce/internal/metrics"
)

// Alert is a single operational event.
type Alert struct {
	Title         string         `json:"title"`
	Message       string         `json:"message"`
	CountRequired int            `json:"-"` // Occurrences needed before delivery; <=1 delivers immediately
	Timeframe     time.Duration  `json:"-"` // Window in which occurrences are counted
	Data          map[string]any `json:"data,omitempty"`
}

// Alerter receives operational alerts.
type Alerter interface {
	Raise(ctx context.Context, alert Alert)
}

// Notifier posts human-readable messages to a chat channel.
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// Nop discards all alerts. Used when no webhook is configured.
type Nop struct{}

func (Nop) Raise(context.Context, Alert) {}

type occurrence struct {
	count int
	since time.Time
}

// Webhook delivers alerts to an HTTP endpoint with per-title thresholding.
type Webhook struct {
	url    string
	client *http.Client
	logger *slog.Logger

	mu   sync.Mutex
	seen map[string]*occurrence
	now  func() time.Time
}

// NewWebhook creates a webhook alerter.
func NewWebhook(url string, logger *slog.Logger) *Webhook {
	return &Webhook{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
		logger: logger,
		seen:   make(map[string]*occurrence),
		now:    time.Now,
	}
}

// Raise records an occurrence of the alert and delivers it once the
// threshold is met. Delivery is best-effort; failures are logged, not returned.
func (w *Webhook) Raise(ctx context.Context, alert Alert) {
	if !w.shouldDeliver(alert) {
		return
	}

	body, err := json.Marshal(alert)
	if err != nil {
		w.logger.Error("alert marshal failed", "title", alert.Title, "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		w.logger.Error("alert request build failed", "title", alert.Title, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		w.logger.Warn("alert delivery failed", "title", alert.Title, "error", err)
		return
	}
	_ = resp.Body.Close()
	metrics.AlertsSentTotal.Inc()
}

// shouldDeliver counts the occurrence and reports whether the threshold is
// met. The counter resets after delivery and when the window lapses.
func (w *Webhook) shouldDeliver(alert Alert) bool {
	if alert.CountRequired <= 1 {
		return true
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	occ := w.seen[alert.Title]
	if occ == nil || (alert.Timeframe > 0 && now.Sub(occ.since) > alert.Timeframe) {
		w.seen[alert.Title] = &occurrence{count: 1, since: now}
		return false
	}

	occ.count++
	if occ.count >= alert.CountRequired {
		delete(w.seen, alert.Title)
		return true
	}
	return false
}

// ChatWebhook posts plain messages to a chat-style incoming webhook.
type ChatWebhook struct {
	url    string
	client *http.Client
}

// NewChatWebhook creates a chat notifier.
func NewChatWebhook(url string) *ChatWebhook {
	return &ChatWebhook{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

// Notify posts the message as {"text": ...}.
func (n *ChatWebhook) Notify(ctx context.Context, message string) error {
	body, err := json.Marshal(map[string]string{"text": message})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	return nil
}
