package alerting

import (
	"testing"

	"github.com/apathy-ca/sark/internal/breaker"
	"github.com/apathy-ca/sark/internal/telemetry"
)

func TestDisabledNotifierDoesNotPanic(t *testing.T) {
	n := NewNotifier("", "", telemetry.NewLogger("text", "error"))
	if n.IsEnabled() {
		t.Fatal("expected notifier with no token to be disabled")
	}
	n.NotifyBreakerTransition("rule-engine", breaker.Closed, breaker.Open)
	n.NotifyFallbackDepth("splunk", 10, 5)
}

func TestNotifyFallbackDepthBelowThresholdIsNoop(t *testing.T) {
	n := NewNotifier("", "", telemetry.NewLogger("text", "error"))
	n.NotifyFallbackDepth("splunk", 1, 5)
}
