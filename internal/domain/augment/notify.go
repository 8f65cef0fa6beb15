package augment

import (
	"context"

	"github.com/ehr/intake-bridge/internal/domain/queue"
	"github.com/ehr/intake-bridge/internal/platform/webhook"
)

// WebhookNotifier reports completed items through a webhook.Notifier.
type WebhookNotifier struct {
	n *webhook.Notifier
}

func NewWebhookNotifier(n *webhook.Notifier) *WebhookNotifier {
	return &WebhookNotifier{n: n}
}

func (w *WebhookNotifier) NotifyCompleted(ctx context.Context, item *queue.WorkItem) {
	event := webhook.Event{
		Type:          webhook.EventCompleted,
		QueueID:       item.ID.String(),
		CorrelationID: item.CorrelationID,
		Status:        string(item.Status),
		Attempts:      item.Attempts,
		ProcessedAt:   item.Payload.Result.ProcessedAt,
		Augmented:     item.Payload.Result.Augmented,
	}
	if item.EMRID != nil {
		event.EMRID = *item.EMRID
	}
	w.n.Deliver(ctx, event)
}
