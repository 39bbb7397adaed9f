package host

import (
	"context"
	"errors"
	"time"

	"github.com/mkarlsen/stackhost/internal/cascade"
	"github.com/mkarlsen/stackhost/internal/engine"
	"github.com/mkarlsen/stackhost/internal/healthcheck"
	"github.com/mkarlsen/stackhost/internal/metrics"
	"github.com/mkarlsen/stackhost/internal/notification"
	"github.com/mkarlsen/stackhost/internal/notify"
	"github.com/mkarlsen/stackhost/internal/probe"
	"github.com/mkarlsen/stackhost/internal/resource"
	"github.com/mkarlsen/stackhost/internal/state"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Host wires the notification service, health engine, cascade propagator and
// transition watcher for one application and drives its resource lifecycle.
type Host struct {
	logger     zerolog.Logger
	app        string
	graph      *resource.Graph
	registry   *probe.Registry
	svc        *notification.Service
	engine     *engine.Engine
	propagator *cascade.Propagator
	watcher    *notify.Watcher

	intervals   engine.Intervals
	clock       engine.Clock
	metrics     *metrics.Metrics
	tracker     *healthcheck.Tracker
	notifier    notify.Notifier
	store       state.Store
	fingerprint string
}

// Option customizes host behavior.
type Option func(*Host)

// WithIntervals overrides the engine's polling intervals.
func WithIntervals(intervals engine.Intervals) Option {
	return func(h *Host) {
		h.intervals = intervals
	}
}

// WithClock overrides the engine's clock.
func WithClock(clock engine.Clock) Option {
	return func(h *Host) {
		h.clock = clock
	}
}

// WithMetrics enables metric collection.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Host) {
		h.metrics = m
	}
}

// WithTracker feeds monitoring activity into the daemon health tracker.
func WithTracker(t *healthcheck.Tracker) Option {
	return func(h *Host) {
		h.tracker = t
	}
}

// WithNotifier enables outbound notifications for health transitions.
func WithNotifier(n notify.Notifier) Option {
	return func(h *Host) {
		h.notifier = n
	}
}

// WithStateStore persists reported statuses across restarts. The fingerprint
// invalidates persisted state when the manifest changes.
func WithStateStore(store state.Store, manifestFingerprint string) Option {
	return func(h *Host) {
		h.store = store
		h.fingerprint = manifestFingerprint
	}
}

// New constructs a Host for the given application graph and probe registry.
func New(logger zerolog.Logger, app string, graph *resource.Graph, registry *probe.Registry, opts ...Option) *Host {
	h := &Host{
		logger:    logger,
		app:       app,
		graph:     graph,
		registry:  registry,
		intervals: engine.DefaultIntervals(),
	}
	for _, opt := range opts {
		opt(h)
	}

	h.svc = notification.New(logger)

	engineOpts := []engine.Option{
		engine.WithIntervals(h.intervals),
		engine.WithMetrics(h.metrics),
		engine.WithTracker(h.tracker),
	}
	if h.clock != nil {
		engineOpts = append(engineOpts, engine.WithClock(h.clock))
	}
	h.engine = engine.New(logger, h.svc, graph, registry, engineOpts...)
	h.propagator = cascade.New(logger, h.svc, graph)

	if h.notifier != nil {
		watcherOpts := []notify.WatcherOption{}
		if h.store != nil {
			watcherOpts = append(watcherOpts, notify.WithStateStore(h.store, h.fingerprint))
		}
		h.watcher = notify.NewWatcher(logger, h.svc, h.notifier, app, watcherOpts...)
	}

	return h
}

// Service exposes the notification service for status APIs and waiters.
func (h *Host) Service() *notification.Service {
	return h.svc
}

// OnReady registers a callback fired once per resource activation when the
// resource first becomes healthy. Register before Run.
func (h *Host) OnReady(fn func(resourceName string)) {
	h.engine.OnReady(fn)
}

// Run registers all resources, starts the subsystems, kicks off root
// resources and blocks until ctx is cancelled.
func (h *Host) Run(ctx context.Context) error {
	if err := h.registerResources(); err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return h.engine.Run(groupCtx)
	})
	group.Go(func() error {
		return h.propagator.Run(groupCtx)
	})
	if h.watcher != nil {
		group.Go(func() error {
			return h.watcher.Run(groupCtx)
		})
	}

	if err := h.startRoots(); err != nil {
		return err
	}

	h.logger.Info().
		Str("app", h.app).
		Int("resources", h.graph.Len()).
		Msg("host started")

	err := group.Wait()
	h.svc.Close()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	h.logger.Info().Str("app", h.app).Msg("host stopped")
	return nil
}

// registerResources registers every resource with the notification service.
// Roots start NotStarted; dependents wait for the cascade propagator.
func (h *Host) registerResources() error {
	for _, name := range h.graph.Names() {
		res, _ := h.graph.Get(name)
		initialState := resource.StateNotStarted
		if res.HasUpstream() {
			initialState = resource.StateWaiting
		}
		if err := h.svc.Register(name, resource.Snapshot{State: initialState}); err != nil {
			return err
		}
	}
	return nil
}

// startRoots moves resources with no upstream dependencies through Starting
// into Running.
func (h *Host) startRoots() error {
	for _, name := range h.graph.Roots() {
		err := h.svc.PublishUpdate(name, func(s resource.Snapshot) resource.Snapshot {
			s.State = resource.StateStarting
			return s
		})
		if err != nil {
			return err
		}
		err = h.svc.PublishUpdate(name, func(s resource.Snapshot) resource.Snapshot {
			s.State = resource.StateRunning
			s.StartTimestamp = time.Now().UTC()
			return s
		})
		if err != nil {
			return err
		}
		h.logger.Info().Str("resource", name).Msg("root resource running")
	}
	return nil
}
