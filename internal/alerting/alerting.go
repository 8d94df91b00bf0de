// Package alerting implements operational notifications for the gateway's
// own health — circuit breaker transitions and growing fallback queue
// depth (SPEC_FULL.md §4 supplemented feature, since spec.md is silent on
// how operators learn a destination has gone down). Adapted from
// pkg/slack/notifier.go's Notifier, stripped of the incident/alert-blocks
// machinery that went with pkg/alert (deleted — see DESIGN.md) down to the
// plain-text posting path, which is all an operational ping needs.
package alerting

import (
	"context"
	"fmt"
	"log/slog"

	goslack "github.com/slack-go/slack"

	"github.com/apathy-ca/sark/internal/breaker"
)

// Notifier posts operational alerts to a single Slack channel. A notifier
// with no bot token configured is a no-op, matching the teacher's
// IsEnabled discipline so callers never need to branch on configuration.
type Notifier struct {
	client  *goslack.Client
	channel string
	logger  *slog.Logger
}

func NewNotifier(botToken, channel string, logger *slog.Logger) *Notifier {
	var client *goslack.Client
	if botToken != "" {
		client = goslack.New(botToken)
	}
	return &Notifier{client: client, channel: channel, logger: logger}
}

func (n *Notifier) IsEnabled() bool {
	return n.client != nil && n.channel != ""
}

// NotifyBreakerTransition posts a message when a destination's circuit
// breaker changes state, wired via breaker.Breaker.OnTransition.
func (n *Notifier) NotifyBreakerTransition(name string, from, to breaker.State) {
	if !n.IsEnabled() {
		n.logger.Info("breaker transition (alerting disabled)", "breaker", name, "from", from, "to", to)
		return
	}

	emoji := ":large_yellow_circle:"
	switch to {
	case breaker.Open:
		emoji = ":red_circle:"
	case breaker.Closed:
		emoji = ":large_green_circle:"
	}
	text := fmt.Sprintf("%s circuit breaker *%s* transitioned %s -> %s", emoji, name, from, to)

	if _, _, err := n.client.PostMessageContext(context.Background(), n.channel, goslack.MsgOptionText(text, false)); err != nil {
		n.logger.Error("posting breaker transition alert", "error", err, "breaker", name)
	}
}

// NotifyFallbackDepth posts a warning once the fallback queue's file
// count (fallback.Queue.Depth) crosses threshold, used by the worker loop
// that also sets internal/telemetry's FallbackQueueDepth gauge.
func (n *Notifier) NotifyFallbackDepth(destination string, depth, threshold int64) {
	if depth < threshold {
		return
	}
	if !n.IsEnabled() {
		n.logger.Warn("fallback queue depth above threshold (alerting disabled)",
			"destination", destination, "depth", depth, "threshold", threshold)
		return
	}

	text := fmt.Sprintf(":warning: fallback queue for *%s* holds %d files (threshold %d)", destination, depth, threshold)
	if _, _, err := n.client.PostMessageContext(context.Background(), n.channel, goslack.MsgOptionText(text, false)); err != nil {
		n.logger.Error("posting fallback depth alert", "error", err, "destination", destination)
	}
}
