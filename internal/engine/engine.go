package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mkarlsen/stackhost/internal/healthcheck"
	"github.com/mkarlsen/stackhost/internal/metrics"
	"github.com/mkarlsen/stackhost/internal/notification"
	"github.com/mkarlsen/stackhost/internal/probe"
	"github.com/mkarlsen/stackhost/internal/resource"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var healthStatusLabels = []string{
	string(resource.HealthStatusHealthy),
	string(resource.HealthStatusDegraded),
	string(resource.HealthStatusUnhealthy),
}

// Engine runs one monitoring loop per running resource with declared health
// checks. It observes lifecycle transitions through the notification service,
// keeps each resource's health reports and aggregate status current, adapts
// the polling interval to observed stability, and fires a one-shot ready
// event the first time a running resource becomes healthy.
type Engine struct {
	logger        zerolog.Logger
	notifications *notification.Service
	graph         *resource.Graph
	registry      *probe.Registry
	intervals     Intervals
	clock         Clock
	metrics       *metrics.Metrics
	tracker       *healthcheck.Tracker

	mu       sync.Mutex
	monitors map[string]*monitor
	readyFns []func(resourceName string)
	wg       sync.WaitGroup

	// readyMu guards per-resource ready latches. A latch is closed when the
	// resource's ready event fires and stays closed, so children subscribing
	// after the fact pass through immediately.
	readyMu   sync.Mutex
	readyDone map[string]chan struct{}
}

// monitor is the per-activation state for one resource. A fresh monitor is
// allocated every time the resource enters Running; a cancelled monitor is
// never reused.
type monitor struct {
	res    resource.Resource
	ctx    context.Context
	cancel context.CancelFunc

	// polling is true for monitors that run a probe loop. Zero-check
	// monitors publish once and stay idle, so they must not count toward
	// the tracker's staleness check.
	polling bool

	// readyArmed is touched only from the monitor's own goroutine.
	readyArmed bool
	// readyOnce guards the actual firing against the parent-gate goroutine.
	readyOnce sync.Once
}

// Option customizes engine behavior.
type Option func(*Engine)

// WithIntervals overrides the polling interval configuration.
func WithIntervals(intervals Intervals) Option {
	return func(e *Engine) {
		e.intervals = intervals.withDefaults()
	}
}

// WithClock overrides the clock used for polling delays.
func WithClock(clock Clock) Option {
	return func(e *Engine) {
		e.clock = clock
	}
}

// WithMetrics enables metric collection.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithTracker feeds probe cycle activity into the daemon health tracker.
func WithTracker(t *healthcheck.Tracker) Option {
	return func(e *Engine) {
		e.tracker = t
	}
}

// New constructs an Engine over the given graph, probe registry, and
// notification service.
func New(logger zerolog.Logger, notifications *notification.Service, graph *resource.Graph, registry *probe.Registry, opts ...Option) *Engine {
	e := &Engine{
		logger:        logger,
		notifications: notifications,
		graph:         graph,
		registry:      registry,
		intervals:     DefaultIntervals(),
		clock:         realClock{},
		monitors:      make(map[string]*monitor),
		readyDone:     make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// OnReady registers a callback invoked exactly once per Running activation
// when a resource first becomes healthy. Register callbacks before Run.
func (e *Engine) OnReady(fn func(resourceName string)) {
	e.mu.Lock()
	e.readyFns = append(e.readyFns, fn)
	e.mu.Unlock()
}

// Run watches for lifecycle transitions and manages monitors until the
// context is cancelled. It blocks until all monitors have been stopped.
func (e *Engine) Run(ctx context.Context) error {
	sub := e.notifications.Watch()
	defer sub.Close()

	e.logger.Info().Int("resources", e.graph.Len()).Msg("health engine started")

	for {
		select {
		case <-ctx.Done():
			e.stopAll()
			e.wg.Wait()
			e.logger.Info().Msg("health engine stopped")
			return nil
		case event, ok := <-sub.Events():
			if !ok {
				e.stopAll()
				e.wg.Wait()
				return nil
			}
			e.handleEvent(ctx, event)
		}
	}
}

func (e *Engine) handleEvent(runCtx context.Context, event notification.Event) {
	e.mu.Lock()
	mon, monitored := e.monitors[event.Resource]
	e.mu.Unlock()

	if event.Snapshot.State.IsRunning() {
		if monitored {
			return
		}
		e.startMonitor(runCtx, event.Resource)
		return
	}

	if monitored {
		e.stopMonitor(mon)
	}
}

func (e *Engine) startMonitor(runCtx context.Context, name string) {
	res, ok := e.graph.Get(name)
	if !ok {
		e.logger.Warn().Str("resource", name).Msg("running resource not in graph, skipping monitor")
		return
	}

	ctx, cancel := context.WithCancel(runCtx)
	mon := &monitor{res: res, ctx: ctx, cancel: cancel, polling: len(res.HealthChecks) > 0}

	e.mu.Lock()
	e.monitors[name] = mon
	e.mu.Unlock()

	e.metrics.MonitorStarted()
	if mon.polling {
		e.tracker.MonitorStarted()
	}
	e.logger.Info().
		Str("resource", name).
		Int("health_checks", len(res.HealthChecks)).
		Msg("monitor started")

	e.wg.Add(1)
	go e.runMonitor(mon)
}

// stopMonitor cancels and unregisters the given monitor. The identity check
// keeps a draining loop from tearing down a newer activation of the same
// resource after a quick stop/start.
func (e *Engine) stopMonitor(mon *monitor) {
	e.mu.Lock()
	current, ok := e.monitors[mon.res.Name]
	removed := ok && current == mon
	if removed {
		delete(e.monitors, mon.res.Name)
	}
	e.mu.Unlock()

	mon.cancel()
	if removed {
		e.metrics.MonitorStopped()
		if mon.polling {
			e.tracker.MonitorStopped()
		}
		e.logger.Info().Str("resource", mon.res.Name).Msg("monitor stopped")
	}
}

func (e *Engine) stopAll() {
	e.mu.Lock()
	monitors := make([]*monitor, 0, len(e.monitors))
	for _, mon := range e.monitors {
		monitors = append(monitors, mon)
	}
	e.mu.Unlock()

	for _, mon := range monitors {
		e.stopMonitor(mon)
	}
}

func (e *Engine) runMonitor(mon *monitor) {
	defer e.wg.Done()

	name := mon.res.Name

	// Resources without declared checks are healthy by definition once
	// running; they never enter the polling loop.
	if len(mon.res.HealthChecks) == 0 {
		err := e.notifications.PublishUpdate(name, func(s resource.Snapshot) resource.Snapshot {
			s.HealthStatus = resource.StatusPtr(resource.HealthStatusHealthy)
			return s
		})
		if err != nil {
			e.logger.Warn().Err(err).Str("resource", name).Msg("publish failed, abandoning monitor")
			e.stopMonitor(mon)
			return
		}
		e.metrics.SetResourceHealth(name, string(resource.HealthStatusHealthy), healthStatusLabels)
		e.tracker.RecordPublish()
		e.armReady(mon)
		return
	}

	defer e.stopMonitor(mon)
	e.runLoop(mon)
}

func (e *Engine) runLoop(mon *monitor) {
	name := mon.res.Name
	checks := mon.res.HealthChecks

	// Seed one pending report per declared check before the first cycle.
	err := e.notifications.PublishUpdate(name, func(s resource.Snapshot) resource.Snapshot {
		s.HealthReports = seedReports(checks)
		s.HealthStatus = nil
		return s
	})
	if err != nil {
		e.logger.Warn().Err(err).Str("resource", name).Msg("seed publish failed, abandoning monitor")
		return
	}

	consecutiveHealthy := 0
	nonHealthySteps := 0

	for {
		if mon.ctx.Err() != nil {
			return
		}

		started := e.clock.Now()
		reports := e.probeAll(mon.ctx, mon.res)
		aggregate := resource.AggregateStatus(reports)

		// A cancellation observed during probing means the resource left
		// Running; do not publish stale results for the next activation.
		if mon.ctx.Err() != nil {
			return
		}

		err := e.notifications.PublishUpdate(name, func(s resource.Snapshot) resource.Snapshot {
			s.HealthReports = reports
			s.HealthStatus = resource.StatusPtr(aggregate)
			return s
		})
		if err != nil {
			e.logger.Warn().Err(err).Str("resource", name).Msg("publish failed, abandoning monitor")
			return
		}

		cycleDuration := e.clock.Now().Sub(started)
		e.metrics.ObserveProbeCycleDuration(cycleDuration)
		e.metrics.SetResourceHealth(name, string(aggregate), healthStatusLabels)
		e.tracker.RecordCycle(cycleDuration)
		e.logger.Debug().
			Str("resource", name).
			Str("status", string(aggregate)).
			Msg("probe cycle completed")

		if aggregate == resource.HealthStatusHealthy {
			e.armReady(mon)
		}

		var delay time.Duration
		if aggregate == resource.HealthStatusHealthy {
			consecutiveHealthy++
			nonHealthySteps = 0
			if consecutiveHealthy >= e.intervals.SteadyThreshold {
				delay = e.intervals.Healthy
			} else {
				delay = e.intervals.Base
			}
		} else {
			consecutiveHealthy = 0
			delay = e.intervals.Base + time.Duration(nonHealthySteps)*e.intervals.NonHealthyStep
			if delay > e.intervals.NonHealthyCeiling {
				delay = e.intervals.NonHealthyCeiling
			}
			nonHealthySteps++
		}

		timer := e.clock.NewTimer(delay)
		select {
		case <-mon.ctx.Done():
			timer.Stop()
			return
		case <-timer.C():
		}
	}
}

// probeAll invokes every declared probe concurrently and collects one report
// per check. Probe failures are encoded in the reports, never returned.
func (e *Engine) probeAll(ctx context.Context, res resource.Resource) []resource.HealthReport {
	reports := make([]resource.HealthReport, len(res.HealthChecks))
	group, groupCtx := errgroup.WithContext(ctx)
	for i, check := range res.HealthChecks {
		i, check := i, check
		group.Go(func() error {
			reports[i] = e.invokeProbe(groupCtx, res.Name, check)
			return nil
		})
	}
	_ = group.Wait()
	return reports
}

// invokeProbe runs a single probe, converting errors and panics into an
// Unhealthy report so a misbehaving check cannot take down the loop.
func (e *Engine) invokeProbe(ctx context.Context, resourceName, check string) (report resource.HealthReport) {
	report = resource.HealthReport{Name: check}

	defer func() {
		if r := recover(); r != nil {
			report.Status = resource.StatusPtr(resource.HealthStatusUnhealthy)
			report.ExceptionText = fmt.Sprintf("probe panic: %v", r)
			e.metrics.IncProbeFailures(resourceName, check)
			e.metrics.IncProbeInvocations(resourceName, check, string(resource.HealthStatusUnhealthy))
		}
	}()

	p, err := e.registry.Lookup(check)
	if err != nil {
		report.Status = resource.StatusPtr(resource.HealthStatusUnhealthy)
		report.ExceptionText = err.Error()
		e.metrics.IncProbeFailures(resourceName, check)
		e.metrics.IncProbeInvocations(resourceName, check, string(resource.HealthStatusUnhealthy))
		return report
	}

	result, err := p.Check(ctx)
	if err != nil {
		report.Status = resource.StatusPtr(resource.HealthStatusUnhealthy)
		report.ExceptionText = err.Error()
		e.metrics.IncProbeFailures(resourceName, check)
		e.metrics.IncProbeInvocations(resourceName, check, string(resource.HealthStatusUnhealthy))
		return report
	}

	status := result.Status
	if status == "" {
		status = resource.HealthStatusUnhealthy
	}
	report.Status = resource.StatusPtr(status)
	report.Description = result.Description
	e.metrics.IncProbeInvocations(resourceName, check, string(status))
	return report
}

// armReady fires the monitor's ready event, waiting for the parent resource
// to become healthy first when one is declared. Arming is idempotent per
// activation.
func (e *Engine) armReady(mon *monitor) {
	if mon.readyArmed {
		return
	}
	mon.readyArmed = true

	if mon.res.Parent == "" {
		e.fireReady(mon)
		return
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		select {
		case <-mon.ctx.Done():
			// Monitor cancelled; ready stays unfired for this activation.
		case <-e.readyLatch(mon.res.Parent):
			e.fireReady(mon)
		}
	}()
}

func (e *Engine) fireReady(mon *monitor) {
	mon.readyOnce.Do(func() {
		name := mon.res.Name
		e.metrics.IncReadyEvents(name)
		e.tracker.ResourceReady()
		e.logger.Info().Str("resource", name).Msg("resource ready")

		e.mu.Lock()
		fns := make([]func(string), len(e.readyFns))
		copy(fns, e.readyFns)
		e.mu.Unlock()
		for _, fn := range fns {
			fn(name)
		}

		// Release children gated on this resource only after the callbacks
		// have run, so a child's ready is never observed before its parent's.
		e.markReady(name)
	})
}

func (e *Engine) readyLatch(name string) chan struct{} {
	e.readyMu.Lock()
	defer e.readyMu.Unlock()
	ch, ok := e.readyDone[name]
	if !ok {
		ch = make(chan struct{})
		e.readyDone[name] = ch
	}
	return ch
}

func (e *Engine) markReady(name string) {
	e.readyMu.Lock()
	defer e.readyMu.Unlock()
	ch, ok := e.readyDone[name]
	if !ok {
		ch = make(chan struct{})
		e.readyDone[name] = ch
	}
	select {
	case <-ch:
	default:
		close(ch)
	}
}

func seedReports(checks []string) []resource.HealthReport {
	reports := make([]resource.HealthReport, len(checks))
	for i, check := range checks {
		reports[i] = resource.HealthReport{Name: check}
	}
	return reports
}
