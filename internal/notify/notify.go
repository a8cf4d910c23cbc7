// Package notify delivers domain events to the automation webhook.
// Delivery never fails the operation that produced the event.
package notify

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Event is one domain occurrence. Fields are merged into the delivered body.
type Event struct {
	Type     string         `json:"eventType"`
	RecordID string         `json:"recordId"`
	OwnerID  string         `json:"ownerId"`
	Fields   map[string]any `json:"fields,omitempty"`
}

// Body is the JSON object posted to the webhook.
func (e Event) Body() map[string]any {
	body := make(map[string]any, len(e.Fields)+3)
	for k, v := range e.Fields {
		body[k] = v
	}
	body["eventType"] = e.Type
	body["recordId"] = e.RecordID
	body["ownerId"] = e.OwnerID
	return body
}

type Sink interface {
	Notify(ctx context.Context, ev Event)
}

// Nop drops every event. Used when no webhook URL is configured.
type Nop struct{}

func (Nop) Notify(context.Context, Event) {}

type Config struct {
	URL     string
	Secret  string
	Timeout time.Duration
}

// New picks the sink for cfg: Nop without a URL, a queued sink when an
// enqueuer is given, otherwise direct webhook delivery.
func New(cfg Config, queue Enqueuer, log *zap.Logger) Sink {
	if cfg.URL == "" {
		log.Info("notification webhook not configured, events are dropped")
		return Nop{}
	}
	if queue != nil {
		return NewQueueSink(queue, log)
	}
	return NewWebhookSink(cfg, log)
}
