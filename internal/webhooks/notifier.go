// Package webhooks delivers signed audit alerts to an operator endpoint.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/InspectionAudit/internal/audit"
	"go.uber.org/zap"
)

// EventChainBroken is sent when a tenant chain fails verification.
const EventChainBroken = "audit.chain_broken"

// SignatureHeader carries the HMAC-SHA256 of the request body.
const SignatureHeader = "X-Audit-Signature"

// Event is the JSON body of an alert delivery.
type Event struct {
	ID        uuid.UUID        `json:"id"`
	Type      string           `json:"type"`
	Timestamp time.Time        `json:"timestamp"`
	TenantID  string           `json:"tenant_id"`
	Entries   int              `json:"entries"`
	Violation *audit.Violation `json:"violation,omitempty"`
}

// MetricsRecorder is an optional callback for recording delivery outcomes.
type MetricsRecorder func(success bool)

// Notifier posts alert events to a single configured URL.
type Notifier struct {
	url        string
	secret     string
	httpClient *http.Client
	delays     []time.Duration // wait before each attempt
	onMetrics  MetricsRecorder
	logger     *zap.Logger
}

// NewNotifier creates a Notifier. secret may be empty, in which case
// deliveries are sent unsigned.
func NewNotifier(url, secret string, logger *zap.Logger) *Notifier {
	return &Notifier{
		url:        url,
		secret:     secret,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		// Retry with backoff: 1s, 5s.
		delays: []time.Duration{0, 1 * time.Second, 5 * time.Second},
		logger: logger,
	}
}

// SetMetricsRecorder configures the metrics callback.
func (n *Notifier) SetMetricsRecorder(fn MetricsRecorder) {
	n.onMetrics = fn
}

// ChainBroken delivers an EventChainBroken alert for report. It blocks until
// the delivery succeeds or every attempt has failed.
func (n *Notifier) ChainBroken(ctx context.Context, report *audit.Report) error {
	return n.deliver(ctx, Event{
		ID:        uuid.New(),
		Type:      EventChainBroken,
		Timestamp: time.Now().UTC(),
		TenantID:  report.TenantID,
		Entries:   report.Entries,
		Violation: report.Violation,
	})
}

func (n *Notifier) deliver(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	signature := ""
	if n.secret != "" {
		signature = Sign(body, n.secret)
	}

	var lastErr error
	for attempt, delay := range n.delays {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = n.doDelivery(ctx, body, signature)
		if n.onMetrics != nil {
			n.onMetrics(lastErr == nil)
		}
		if lastErr == nil {
			return nil
		}

		n.logger.Warn("webhook: delivery failed",
			zap.String("url", n.url),
			zap.String("event", event.Type),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr),
		)
	}
	return fmt.Errorf("deliver %s: %w", event.Type, lastErr)
}

// doDelivery performs a single HTTP POST delivery.
func (n *Notifier) doDelivery(ctx context.Context, body []byte, signature string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024)) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return nil
}

// Sign computes the "sha256=<hex>" HMAC signature of body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
