package notify

import (
	"context"

	"github.com/mkarlsen/stackhost/internal/transition"
)

// Notifier delivers resource health transition alerts to external systems.
type Notifier interface {
	Notify(ctx context.Context, app string, transitions []transition.ResourceTransition) error
}
