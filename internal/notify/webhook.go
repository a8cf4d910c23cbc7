package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rezendedigital02/dash/internal/metrics"
)

const SecretHeader = "X-Webhook-Secret"

// WebhookSink posts events to {URL}/{eventType}.
type WebhookSink struct {
	url    string
	secret string
	client *http.Client
	log    *zap.Logger
}

func NewWebhookSink(cfg Config, log *zap.Logger) *WebhookSink {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookSink{
		url:    strings.TrimRight(cfg.URL, "/"),
		secret: cfg.Secret,
		client: &http.Client{Timeout: timeout},
		log:    log,
	}
}

// Notify delivers in the background; failures are logged.
func (s *WebhookSink) Notify(ctx context.Context, ev Event) {
	ctx = context.WithoutCancel(ctx)
	go func() {
		if err := s.Deliver(ctx, ev); err != nil {
			s.log.Warn("notification delivery failed",
				zap.String("event_type", ev.Type),
				zap.String("record_id", ev.RecordID),
				zap.Error(err),
			)
		}
	}()
}

// Deliver posts ev and reports any transport error or non-2xx response.
func (s *WebhookSink) Deliver(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev.Body())
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url+"/"+ev.Type, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SecretHeader, s.secret)

	resp, err := s.client.Do(req)
	if err != nil {
		metrics.ObserveNotification(ev.Type, "error")
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.ObserveNotification(ev.Type, "rejected")
		return fmt.Errorf("webhook responded %d", resp.StatusCode)
	}

	metrics.ObserveNotification(ev.Type, "delivered")
	return nil
}
