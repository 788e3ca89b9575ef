// Package notify is the best-effort notification collaborator. Failures are
// logged and swallowed at every call site; no owning operation ever fails
// because a notice could not be delivered.
package notify

import (
	"context"
	"strings"

	"go.uber.org/zap"
)

// Notifier delivers a message to a set of external worker identifiers.
type Notifier interface {
	NotifyWorkers(ctx context.Context, workerIDs []string, subject, body string) error
}

// ExternalPrefix marks externally-sourced workers; only those are targeted by
// the qualification sweep.
const ExternalPrefix = "mturk."

// IsExternal reports whether the worker id follows the external naming
// convention.
func IsExternal(workerID string) bool {
	return strings.HasPrefix(workerID, ExternalPrefix) && len(workerID) > len(ExternalPrefix)
}

// ExternalID extracts the provider-side identifier from an external worker
// id: "mturk.a1b2" -> "A1B2".
func ExternalID(workerID string) string {
	return strings.ToUpper(strings.TrimPrefix(workerID, ExternalPrefix))
}

// LogNotifier records deliveries in the process log; the default when no
// webhook target is configured.
type LogNotifier struct {
	Log *zap.Logger
}

func (n LogNotifier) NotifyWorkers(ctx context.Context, workerIDs []string, subject, body string) error {
	n.Log.Info("worker notification",
		zap.Strings("workers", workerIDs),
		zap.String("subject", subject))
	return nil
}
