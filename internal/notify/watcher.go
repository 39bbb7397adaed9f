package notify

import (
	"context"
	"time"

	"github.com/mkarlsen/stackhost/internal/notification"
	"github.com/mkarlsen/stackhost/internal/resource"
	"github.com/mkarlsen/stackhost/internal/state"
	"github.com/mkarlsen/stackhost/internal/transition"
	"github.com/rs/zerolog"
)

// Watcher consumes the notification service's event feed, detects health
// transitions and forwards them to a notifier. Detected statuses are
// persisted so a restart does not re-alert on conditions already reported.
type Watcher struct {
	logger      zerolog.Logger
	svc         *notification.Service
	notifier    Notifier
	app         string
	fingerprint string
	store       state.Store
	now         func() time.Time
}

// WatcherOption customizes Watcher behavior.
type WatcherOption func(*Watcher)

// WithStateStore enables snapshot persistence across restarts.
func WithStateStore(store state.Store, manifestFingerprint string) WatcherOption {
	return func(w *Watcher) {
		w.store = store
		w.fingerprint = manifestFingerprint
	}
}

// NewWatcher creates a transition watcher for one application.
func NewWatcher(logger zerolog.Logger, svc *notification.Service, notifier Notifier, app string, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		logger:   logger,
		svc:      svc,
		notifier: notifier,
		app:      app,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run consumes events until ctx is cancelled or the feed closes.
func (w *Watcher) Run(ctx context.Context) error {
	prev := w.loadPrevious(ctx)

	sub := w.svc.Watch()
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-sub.Events():
			if !ok {
				return nil
			}
			prev = w.handleEvent(ctx, prev, event)
		}
	}
}

func (w *Watcher) handleEvent(ctx context.Context, prev map[string]resource.Snapshot, event notification.Event) map[string]resource.Snapshot {
	// Snapshots without an aggregate status are still pending evaluation.
	if event.Snapshot.HealthStatus == nil {
		return prev
	}

	current := make(map[string]resource.Snapshot, len(prev)+1)
	for name, snapshot := range prev {
		current[name] = snapshot
	}
	current[event.Resource] = event.Snapshot

	transitions := transition.DetectTransitions(prev, current)
	if len(transitions) == 0 {
		return current
	}

	if err := w.notifier.Notify(ctx, w.app, transitions); err != nil {
		w.logger.Error().Err(err).
			Str("app", w.app).
			Int("transitions", len(transitions)).
			Msg("notification delivery failed")
	}
	w.persist(ctx, current)
	return current
}

func (w *Watcher) loadPrevious(ctx context.Context) map[string]resource.Snapshot {
	if w.store == nil {
		return nil
	}
	loaded, err := w.store.Load(ctx)
	if err != nil {
		w.logger.Warn().Err(err).Msg("failed to load prior state; starting fresh")
		return nil
	}
	app, ok := loaded.Apps[w.app]
	if !ok {
		return nil
	}
	if w.fingerprint != "" && app.ManifestFingerprint != w.fingerprint {
		w.logger.Info().Str("app", w.app).Msg("manifest changed since last run; discarding prior state")
		return nil
	}
	return app.Resources
}

func (w *Watcher) persist(ctx context.Context, snapshots map[string]resource.Snapshot) {
	if w.store == nil {
		return
	}
	saved := state.State{
		Apps: map[string]state.AppSnapshot{
			w.app: {
				ManifestFingerprint: w.fingerprint,
				Resources:           snapshots,
				EvaluatedAt:         w.now().UTC(),
			},
		},
	}
	if err := w.store.Save(ctx, saved); err != nil {
		w.logger.Warn().Err(err).Str("app", w.app).Msg("failed to persist state")
	}
}
