// Package notify pushes best-effort text messages to a sender id through
// the external messaging transport. Delivery failures are logged and
// swallowed; notification is never allowed to fail a core operation.
package notify

import (
	"context"

	"github.com/chatgate/gatekeeper/internal/logging"
)

// Notifier is the single outbound capability the core depends on.
type Notifier interface {
	// Notify pushes text to the given sender id. Implementations must
	// not propagate delivery failures.
	Notify(ctx context.Context, userID int64, text string)
}

// NopNotifier logs and drops every notification. Used when no transport
// queue is configured and in tests.
type NopNotifier struct {
	log *logging.Logger
}

// NewNopNotifier creates a drop-everything notifier.
func NewNopNotifier(log *logging.Logger) *NopNotifier {
	return &NopNotifier{log: log}
}

// Notify logs the would-be notification.
func (n *NopNotifier) Notify(_ context.Context, userID int64, text string) {
	if n.log != nil {
		n.log.WithUserID(userID).Debugf("Notification dropped (no transport): %s", text)
	}
}
