// Package notifier implements the outbound notification boundary. The
// engine never renders human-readable messages; it posts structured step
// context to a webhook receiver that owns channel rendering and routing.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/arbiter/internal/config"
	"github.com/pitabwire/arbiter/model"
)

// webhookPayload is the wire format posted per recipient.
type webhookPayload struct {
	Recipient string            `json:"recipient"`
	Step      model.StepContext `json:"step"`
	SentAt    time.Time         `json:"sent_at"`
}

// WebhookNotifier delivers step prompts to a single HTTP receiver,
// guarded by a circuit breaker. Delivery is at-least-once.
type WebhookNotifier struct {
	url     string
	token   string
	client  *http.Client
	breaker *Breaker
	logger  *zap.Logger
}

// NewWebhook creates a webhook notifier from configuration.
func NewWebhook(cfg config.NotifierConfig, logger *zap.Logger) *WebhookNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxConnsPerHost:     50,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	return &WebhookNotifier{
		url:   cfg.WebhookURL,
		token: cfg.AuthToken,
		client: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		breaker: NewBreaker(cfg.CircuitBreaker),
		logger:  logger,
	}
}

// BreakerState exposes the breaker state for health reporting.
func (n *WebhookNotifier) BreakerState() string {
	return n.breaker.State()
}

// Dispatch posts the step context for one recipient. Failures are returned
// in the DeliveryResult rather than as an error; the task handler decides
// whether a partial failure matters.
func (n *WebhookNotifier) Dispatch(ctx context.Context, recipient string, stepCtx model.StepContext) model.DeliveryResult {
	result := model.DeliveryResult{Recipient: recipient}

	if !n.breaker.Allow() {
		result.Error = "notification channel circuit breaker is open"
		return result
	}

	body, err := json.Marshal(webhookPayload{
		Recipient: recipient,
		Step:      stepCtx,
		SentAt:    time.Now().UTC(),
	})
	if err != nil {
		result.Error = fmt.Sprintf("marshal payload: %v", err)
		return result
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		result.Error = fmt.Sprintf("build request: %v", err)
		return result
	}
	req.Header.Set("Content-Type", "application/json")
	if n.token != "" {
		req.Header.Set("Authorization", "Bearer "+n.token)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		n.breaker.Observe(false)
		result.Timeout = isTimeout(err)
		result.Error = err.Error()
		return result
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode >= 500 {
		n.breaker.Observe(false)
		result.Error = fmt.Sprintf("receiver returned %d", resp.StatusCode)
		return result
	}
	if resp.StatusCode >= 400 {
		// 4xx is a payload problem, not channel failure.
		n.breaker.Observe(true)
		result.Error = fmt.Sprintf("receiver rejected delivery with %d", resp.StatusCode)
		return result
	}

	n.breaker.Observe(true)
	result.Delivered = true
	return result
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
