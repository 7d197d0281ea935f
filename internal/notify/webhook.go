package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/mbd888/settlevault/internal/circuitbreaker"
	"github.com/mbd888/settlevault/internal/metrics"
	"github.com/mbd888/settlevault/internal/retry"
)

// Header names set on every webhook delivery.
const (
	HeaderEvent     = "X-Settlevault-Event"
	HeaderTimestamp = "X-Settlevault-Timestamp"
	HeaderSignature = "X-Settlevault-Signature"
)

// WebhookNotifier POSTs each notification as JSON to a single endpoint,
// signed with HMAC-SHA256 over the body. Deliveries run in the background
// and are retried on network errors and 5xx responses.
type WebhookNotifier struct {
	url     string
	secret  string
	client  *http.Client
	logger  *slog.Logger
	policy  retry.Policy
	breaker *circuitbreaker.Breaker
	wg      sync.WaitGroup
}

// NewWebhookNotifier creates a webhook notifier.
func NewWebhookNotifier(url, secret string, logger *slog.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		url:     url,
		secret:  secret,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
		policy:  retry.Policy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond},
		breaker: circuitbreaker.New(5, time.Minute),
	}
}

// WithBreaker replaces the per-endpoint circuit breaker.
func (w *WebhookNotifier) WithBreaker(b *circuitbreaker.Breaker) *WebhookNotifier {
	w.breaker = b
	return w
}

// WithRetryPolicy overrides the delivery retry policy.
func (w *WebhookNotifier) WithRetryPolicy(p retry.Policy) *WebhookNotifier {
	w.policy = p
	return w
}

func (w *WebhookNotifier) Notify(ctx context.Context, n *Notification) {
	payload, err := json.Marshal(n)
	if err != nil {
		w.logger.Error("failed to encode notification", "id", n.ID, "error", err)
		return
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		// Detached from the request so delivery outlives the handler.
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()

		err := w.breaker.Do(w.endpoint(), func() error {
			return w.policy.Do(dctx, func() error { return w.send(dctx, n, payload) })
		})
		if errors.Is(err, circuitbreaker.ErrOpen) {
			metrics.NotificationsTotal.WithLabelValues("webhook", "skipped").Inc()
			w.logger.Warn("webhook endpoint circuit open, notification dropped", "id", n.ID, "type", n.Type)
			return
		}
		if err != nil {
			metrics.NotificationsTotal.WithLabelValues("webhook", "error").Inc()
			w.logger.Warn("webhook notification failed", "id", n.ID, "type", n.Type, "user_id", n.UserID, "error", err)
			return
		}
		metrics.NotificationsTotal.WithLabelValues("webhook", "ok").Inc()
	}()
}

// Wait blocks until in-flight deliveries finish.
func (w *WebhookNotifier) Wait() {
	w.wg.Wait()
}

func (w *WebhookNotifier) endpoint() string {
	if u, err := url.Parse(w.url); err == nil && u.Host != "" {
		return u.Host
	}
	return w.url
}

func (w *WebhookNotifier) send(ctx context.Context, n *Notification, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(n.Type))
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(n.CreatedAt.Unix(), 10))
	req.Header.Set(HeaderSignature, Sign(payload, w.secret))

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("status %d", resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify reports whether signature matches payload under secret.
func Verify(payload []byte, secret, signature string) bool {
	return hmac.Equal([]byte(Sign(payload, secret)), []byte(signature))
}
