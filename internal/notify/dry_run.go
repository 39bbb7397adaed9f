package notify

import (
	"context"

	"github.com/mkarlsen/stackhost/internal/transition"
	"github.com/rs/zerolog"
)

// DryRunNotifier logs transitions without sending notifications.
type DryRunNotifier struct {
	logger zerolog.Logger
	inner  Notifier
}

// NewDryRunNotifier returns a notifier that suppresses delivery and logs instead.
func NewDryRunNotifier(logger zerolog.Logger, inner Notifier) *DryRunNotifier {
	return &DryRunNotifier{logger: logger, inner: inner}
}

// Notify implements Notifier.
func (n *DryRunNotifier) Notify(_ context.Context, app string, transitions []transition.ResourceTransition) error {
	for _, change := range transitions {
		n.logger.Info().
			Str("app", app).
			Str("resource", change.Name).
			Str("previous_status", transition.StatusLabel(change.PreviousStatus)).
			Str("current_status", transition.StatusLabel(change.CurrentStatus)).
			Strs("reasons", change.Reasons).
			Msg("[DRY-RUN] Would notify")
	}
	return nil
}
