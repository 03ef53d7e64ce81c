// Package notifier fans lifecycle events out to registered webhook
// endpoints. Delivery failures are logged and never propagate to the
// originating job.
package notifier

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ergohq/ergo/internal/domain/inputs"
	"github.com/ergohq/ergo/internal/executor"
	"github.com/ergohq/ergo/internal/storage"
	"github.com/ergohq/ergo/pkg/logger"
)

// Notifier delivers lifecycle notifications through the http executor
// plumbing.
type Notifier struct {
	store   storage.NotifyStore
	webhook executor.Executor
	log     *logger.Logger
}

// New creates a notifier. A nil webhook executor falls back to the standard
// http executor.
func New(store storage.NotifyStore, webhook executor.Executor, log *logger.Logger) *Notifier {
	if log == nil {
		log = logger.NewDefault("notifier")
	}
	if webhook == nil {
		webhook = executor.NewHTTPExecutor()
	}
	return &Notifier{store: store, webhook: webhook, log: log}
}

// Notify looks up listeners matching the event and posts one webhook per
// listener. Always returns; errors never reach the caller.
func (n *Notifier) Notify(ctx context.Context, note inputs.Notification) {
	if n.store == nil {
		return
	}
	if note.OccurredAt.IsZero() {
		note.OccurredAt = time.Now().UTC()
	}
	objectID := note.ObjectID
	if objectID == "" {
		objectID = note.TaskID
	}

	listeners, err := n.store.MatchNotifyListeners(ctx, note.OrgID, objectID, note.Event)
	if err != nil {
		n.log.WithError(err).WithField("event", string(note.Event)).Warn("listener lookup failed")
		return
	}

	for _, listener := range listeners {
		endpoint, err := n.store.GetNotifyEndpoint(ctx, listener.EndpointID)
		if err != nil {
			n.log.WithError(err).WithField("endpoint_id", listener.EndpointID).Warn("notify endpoint missing")
			continue
		}
		if !endpoint.Enabled {
			continue
		}
		n.deliver(ctx, endpoint, note)
	}
}

func (n *Notifier) deliver(ctx context.Context, endpoint inputs.NotifyEndpoint, note inputs.Notification) {
	body, err := json.Marshal(note)
	if err != nil {
		n.log.WithError(err).Warn("encode notification failed")
		return
	}
	var payload any
	if err := json.Unmarshal(body, &payload); err != nil {
		n.log.WithError(err).Warn("decode notification failed")
		return
	}

	_, err = n.webhook.Execute(ctx, map[string]any{
		"url":    endpoint.URL,
		"method": "POST",
		"body":   payload,
	})
	if err != nil {
		n.log.WithError(err).
			WithField("endpoint_id", endpoint.ID).
			WithField("event", string(note.Event)).
			Warn("notification delivery failed")
		return
	}
	n.log.WithField("endpoint_id", endpoint.ID).
		WithField("event", string(note.Event)).
		Debug("notification delivered")
}
