// Package notify dispatches deploy-outcome messages to configured chat
// webhooks (spec §4.5). Each notifier is independent and best-effort: a
// failure is logged but never cancels the others or fails the cycle.
package notify

import (
	"context"
	"log/slog"
	"time"
)

// Alert is the data passed to all notifiers after a successful deploy.
type Alert struct {
	StackName string
	Message   string
	OldDigest string
	NewDigest string
	Timestamp time.Time
}

// Notifier sends an alert through a specific channel.
type Notifier interface {
	Name() string
	Send(ctx context.Context, alert Alert) error
}

// Dispatcher fans out alerts to all registered notifiers.
type Dispatcher struct {
	logger    *slog.Logger
	notifiers []Notifier
}

// NewDispatcher creates a dispatcher with the given notifiers.
func NewDispatcher(logger *slog.Logger, notifiers ...Notifier) *Dispatcher {
	return &Dispatcher{logger: logger.With("component", "notify"), notifiers: notifiers}
}

// Send dispatches an alert to all notifiers, logging but never failing on
// an individual notifier error (spec §4.5: "one failure does not cancel
// others and does not fail the cycle. Notifications are best-effort and
// not retried.").
func (d *Dispatcher) Send(ctx context.Context, alert Alert) {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now().UTC()
	}
	for _, n := range d.notifiers {
		if err := n.Send(ctx, alert); err != nil {
			d.logger.Warn("notification failed", "notifier", n.Name(), "error", err)
		}
	}
}
