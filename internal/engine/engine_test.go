package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mkarlsen/stackhost/internal/healthcheck"
	"github.com/mkarlsen/stackhost/internal/notification"
	"github.com/mkarlsen/stackhost/internal/probe"
	"github.com/mkarlsen/stackhost/internal/resource"
	"github.com/rs/zerolog"
)

// fakeClock records every requested delay and fires timers immediately so
// loops run as fast as the scheduler allows while the delay sequence stays
// observable.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	delays []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(0, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) NewTimer(d time.Duration) Timer {
	c.mu.Lock()
	c.delays = append(c.delays, d)
	c.now = c.now.Add(d)
	c.mu.Unlock()

	ch := make(chan time.Time, 1)
	ch <- time.Time{}
	return firedTimer{ch: ch}
}

func (c *fakeClock) Delays() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.delays...)
}

type firedTimer struct {
	ch chan time.Time
}

func (t firedTimer) C() <-chan time.Time {
	return t.ch
}

func (t firedTimer) Stop() {}

type readyRecorder struct {
	mu     sync.Mutex
	counts map[string]int
	order  []string
}

func newReadyRecorder() *readyRecorder {
	return &readyRecorder{counts: make(map[string]int)}
}

func (r *readyRecorder) record(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[name]++
	r.order = append(r.order, name)
}

func (r *readyRecorder) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[name]
}

func (r *readyRecorder) firingOrder() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

type harness struct {
	svc     *notification.Service
	engine  *Engine
	clock   *fakeClock
	ready   *readyRecorder
	tracker *healthcheck.Tracker
	cancel  context.CancelFunc
	done    chan struct{}
}

func newHarness(t *testing.T, resources []resource.Resource, probes map[string]probe.Probe, intervals Intervals) *harness {
	t.Helper()

	graph, err := resource.NewGraph(resources)
	if err != nil {
		t.Fatalf("graph: %v", err)
	}

	svc := notification.New(zerolog.Nop())
	for _, res := range resources {
		if err := svc.Register(res.Name, resource.Snapshot{State: resource.StateNotStarted}); err != nil {
			t.Fatalf("register %s: %v", res.Name, err)
		}
	}

	clock := newFakeClock()
	ready := newReadyRecorder()
	tracker := healthcheck.NewTracker()

	engine := New(zerolog.Nop(), svc, graph, probe.NewRegistry(probes),
		WithClock(clock),
		WithIntervals(intervals),
		WithTracker(tracker),
	)
	engine.OnReady(ready.record)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = engine.Run(ctx)
		close(done)
	}()

	h := &harness{svc: svc, engine: engine, clock: clock, ready: ready, tracker: tracker, cancel: cancel, done: done}
	t.Cleanup(func() {
		h.stop(t)
	})
	return h
}

func (h *harness) stop(t *testing.T) {
	t.Helper()
	h.cancel()
	select {
	case <-h.done:
	case <-time.After(5 * time.Second):
		t.Fatalf("engine did not stop")
	}
}

func (h *harness) setState(t *testing.T, name string, state resource.State) {
	t.Helper()
	err := h.svc.PublishUpdate(name, func(s resource.Snapshot) resource.Snapshot {
		s.State = state
		return s
	})
	if err != nil {
		t.Fatalf("publish state %s for %s: %v", state, name, err)
	}
}

func (h *harness) snapshot(t *testing.T, name string) resource.Snapshot {
	t.Helper()
	snapshot, err := h.svc.Get(name)
	if err != nil {
		t.Fatalf("get %s: %v", name, err)
	}
	return snapshot
}

func waitUntil(t *testing.T, timeout time.Duration, message string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s: %s", timeout, message)
}

func fastIntervals() Intervals {
	return Intervals{
		Base:              10 * time.Millisecond,
		NonHealthyStep:    20 * time.Millisecond,
		NonHealthyCeiling: 100 * time.Millisecond,
		Healthy:           500 * time.Millisecond,
		SteadyThreshold:   3,
	}
}

func healthyProbe(hits *atomic.Int64) probe.Probe {
	return probe.Func(func(context.Context) (probe.Result, error) {
		if hits != nil {
			hits.Add(1)
		}
		return probe.Result{Status: resource.HealthStatusHealthy}, nil
	})
}

func TestZeroCheckResource_HealthyAndReadyWithoutProbing(t *testing.T) {
	var hits atomic.Int64
	h := newHarness(t,
		[]resource.Resource{{Name: "worker"}, {Name: "other", HealthChecks: []string{"hc"}}},
		map[string]probe.Probe{"hc": healthyProbe(&hits)},
		fastIntervals(),
	)

	h.setState(t, "worker", resource.StateRunning)

	waitUntil(t, 2*time.Second, "worker healthy", func() bool {
		return h.snapshot(t, "worker").IsHealthy()
	})
	waitUntil(t, 2*time.Second, "worker ready", func() bool {
		return h.ready.count("worker") == 1
	})

	snapshot := h.snapshot(t, "worker")
	if len(snapshot.HealthReports) != 0 {
		t.Fatalf("expected no reports for zero-check resource, got %d", len(snapshot.HealthReports))
	}
}

func TestZeroCheckResources_TrackerStaysHealthy(t *testing.T) {
	h := newHarness(t,
		[]resource.Resource{{Name: "worker"}},
		nil,
		fastIntervals(),
	)

	h.setState(t, "worker", resource.StateRunning)
	waitUntil(t, 2*time.Second, "worker healthy", func() bool {
		return h.snapshot(t, "worker").IsHealthy()
	})

	if got := h.tracker.Snapshot().MonitorsActive; got != 0 {
		t.Fatalf("expected no polling monitors for a zero-check app, got %d", got)
	}
	if !h.tracker.Ready() {
		t.Fatalf("expected tracker ready after the one-shot healthy publish")
	}
	// A monitor that never polls cannot go stale.
	future := time.Now().Add(time.Hour)
	if !h.tracker.Healthy(future, fastIntervals().Healthy) {
		t.Fatalf("expected tracker to stay healthy long after the one-shot publish")
	}
}

func TestSteadyHealthy_PublishesEveryCycle(t *testing.T) {
	var hits atomic.Int64
	h := newHarness(t,
		[]resource.Resource{{Name: "api", HealthChecks: []string{"hc"}}},
		map[string]probe.Probe{"hc": healthyProbe(&hits)},
		fastIntervals(),
	)

	sub := h.svc.Watch()
	defer sub.Close()

	var healthyPublishes atomic.Int64
	go func() {
		for event := range sub.Events() {
			if event.Resource == "api" && event.Snapshot.IsHealthy() {
				healthyPublishes.Add(1)
			}
		}
	}()

	h.setState(t, "api", resource.StateRunning)

	// Every probe cycle must publish even though the aggregate never moves
	// off Healthy after the first cycle.
	waitUntil(t, 2*time.Second, "ten probe cycles", func() bool {
		return hits.Load() >= 10
	})
	waitUntil(t, 2*time.Second, "one publish per cycle", func() bool {
		return healthyPublishes.Load() >= 9
	})
}

func TestNoProbeBeforeRunning(t *testing.T) {
	var hits atomic.Int64
	h := newHarness(t,
		[]resource.Resource{{Name: "api", HealthChecks: []string{"hc"}}},
		map[string]probe.Probe{"hc": healthyProbe(&hits)},
		fastIntervals(),
	)

	h.setState(t, "api", resource.StateStarting)
	time.Sleep(100 * time.Millisecond)
	if got := hits.Load(); got != 0 {
		t.Fatalf("probe invoked %d times before Running", got)
	}

	h.setState(t, "api", resource.StateRunning)
	waitUntil(t, 2*time.Second, "probe invoked", func() bool {
		return hits.Load() > 0
	})
}

func TestHealthyResource_ReadyFiresExactlyOnce(t *testing.T) {
	var hits atomic.Int64
	h := newHarness(t,
		[]resource.Resource{{Name: "api", HealthChecks: []string{"hc"}}},
		map[string]probe.Probe{"hc": healthyProbe(&hits)},
		fastIntervals(),
	)

	h.setState(t, "api", resource.StateRunning)

	waitUntil(t, 2*time.Second, "several healthy cycles", func() bool {
		return hits.Load() >= 5
	})
	waitUntil(t, 2*time.Second, "ready fired", func() bool {
		return h.ready.count("api") >= 1
	})

	if got := h.ready.count("api"); got != 1 {
		t.Fatalf("ready fired %d times, want exactly once", got)
	}

	snapshot := h.snapshot(t, "api")
	if !snapshot.IsHealthy() {
		t.Fatalf("expected healthy aggregate, got %+v", snapshot.HealthStatus)
	}
}

func TestRestart_ReadyFiresOncePerActivation(t *testing.T) {
	var hits atomic.Int64
	h := newHarness(t,
		[]resource.Resource{{Name: "api", HealthChecks: []string{"hc"}}},
		map[string]probe.Probe{"hc": healthyProbe(&hits)},
		fastIntervals(),
	)

	h.setState(t, "api", resource.StateRunning)
	waitUntil(t, 2*time.Second, "first ready", func() bool {
		return h.ready.count("api") == 1
	})

	h.setState(t, "api", resource.StateExited)
	waitUntil(t, 2*time.Second, "monitor torn down", func() bool {
		h.engine.mu.Lock()
		defer h.engine.mu.Unlock()
		return len(h.engine.monitors) == 0
	})

	h.setState(t, "api", resource.StateRunning)
	waitUntil(t, 2*time.Second, "second ready", func() bool {
		return h.ready.count("api") == 2
	})

	if got := h.ready.count("api"); got != 2 {
		t.Fatalf("ready fired %d times across two activations, want 2", got)
	}
}

func TestFailingProbe_LoopKeepsPolling(t *testing.T) {
	var hits atomic.Int64
	failing := probe.Func(func(context.Context) (probe.Result, error) {
		hits.Add(1)
		return probe.Result{}, errors.New("connection refused")
	})

	h := newHarness(t,
		[]resource.Resource{{Name: "api", HealthChecks: []string{"hc"}}},
		map[string]probe.Probe{"hc": failing},
		fastIntervals(),
	)

	h.setState(t, "api", resource.StateRunning)

	waitUntil(t, 2*time.Second, "several failed cycles", func() bool {
		return hits.Load() >= 3
	})
	before := hits.Load()
	waitUntil(t, 2*time.Second, "hit count still increasing", func() bool {
		return hits.Load() > before
	})

	snapshot := h.snapshot(t, "api")
	if snapshot.HealthStatus == nil || *snapshot.HealthStatus != resource.HealthStatusUnhealthy {
		t.Fatalf("expected Unhealthy aggregate, got %v", snapshot.HealthStatus)
	}
	report, ok := snapshot.Report("hc")
	if !ok {
		t.Fatalf("missing report for hc")
	}
	if report.ExceptionText != "connection refused" {
		t.Fatalf("unexpected exception text: %q", report.ExceptionText)
	}
	if h.ready.count("api") != 0 {
		t.Fatalf("ready fired for never-healthy resource")
	}
}

func TestPanickingProbe_RecoveredIntoReport(t *testing.T) {
	var hits atomic.Int64
	panicking := probe.Func(func(context.Context) (probe.Result, error) {
		hits.Add(1)
		panic("boom")
	})

	h := newHarness(t,
		[]resource.Resource{{Name: "api", HealthChecks: []string{"hc"}}},
		map[string]probe.Probe{"hc": panicking},
		fastIntervals(),
	)

	h.setState(t, "api", resource.StateRunning)

	waitUntil(t, 2*time.Second, "panicking probe polled repeatedly", func() bool {
		return hits.Load() >= 3
	})

	report, ok := h.snapshot(t, "api").Report("hc")
	if !ok {
		t.Fatalf("missing report for hc")
	}
	if report.Status == nil || *report.Status != resource.HealthStatusUnhealthy {
		t.Fatalf("expected Unhealthy report, got %v", report.Status)
	}
	if !strings.Contains(report.ExceptionText, "boom") {
		t.Fatalf("expected panic text in report, got %q", report.ExceptionText)
	}
}

func TestAggregation_MixedStatuses(t *testing.T) {
	degraded := probe.Func(func(context.Context) (probe.Result, error) {
		return probe.Result{Status: resource.HealthStatusDegraded, Description: "slow"}, nil
	})

	h := newHarness(t,
		[]resource.Resource{{Name: "api", HealthChecks: []string{"ok", "slow"}}},
		map[string]probe.Probe{"ok": healthyProbe(nil), "slow": degraded},
		fastIntervals(),
	)

	h.setState(t, "api", resource.StateRunning)

	waitUntil(t, 2*time.Second, "degraded aggregate", func() bool {
		snapshot := h.snapshot(t, "api")
		return snapshot.HealthStatus != nil && *snapshot.HealthStatus == resource.HealthStatusDegraded
	})

	snapshot := h.snapshot(t, "api")
	if len(snapshot.HealthReports) != 2 {
		t.Fatalf("expected 2 reports, got %d", len(snapshot.HealthReports))
	}
	if h.ready.count("api") != 0 {
		t.Fatalf("ready fired for degraded resource")
	}
}

func TestUnknownCheckID_ReportsUnhealthy(t *testing.T) {
	h := newHarness(t,
		[]resource.Resource{{Name: "api", HealthChecks: []string{"missing"}}},
		map[string]probe.Probe{},
		fastIntervals(),
	)

	h.setState(t, "api", resource.StateRunning)

	waitUntil(t, 2*time.Second, "unhealthy aggregate for unknown check", func() bool {
		snapshot := h.snapshot(t, "api")
		return snapshot.HealthStatus != nil && *snapshot.HealthStatus == resource.HealthStatusUnhealthy
	})

	report, ok := h.snapshot(t, "api").Report("missing")
	if !ok {
		t.Fatalf("missing report")
	}
	if !strings.Contains(report.ExceptionText, "probe not found") {
		t.Fatalf("unexpected exception text: %q", report.ExceptionText)
	}
}

func TestCancellation_NoProbesAfterStop(t *testing.T) {
	var hits atomic.Int64
	h := newHarness(t,
		[]resource.Resource{{Name: "api", HealthChecks: []string{"hc"}}},
		map[string]probe.Probe{"hc": healthyProbe(&hits)},
		fastIntervals(),
	)

	h.setState(t, "api", resource.StateRunning)
	waitUntil(t, 2*time.Second, "probing started", func() bool {
		return hits.Load() >= 2
	})

	h.setState(t, "api", resource.StateFinished)
	waitUntil(t, 2*time.Second, "monitor torn down", func() bool {
		h.engine.mu.Lock()
		defer h.engine.mu.Unlock()
		return len(h.engine.monitors) == 0
	})

	// Allow an in-flight cycle to drain before sampling.
	time.Sleep(50 * time.Millisecond)
	settled := hits.Load()
	time.Sleep(100 * time.Millisecond)
	if got := hits.Load(); got != settled {
		t.Fatalf("probe invoked after cancellation: %d -> %d", settled, got)
	}
}

func TestIntervalAdaptation_UnhealthyStepsUpToCeiling(t *testing.T) {
	var hits atomic.Int64
	failing := probe.Func(func(context.Context) (probe.Result, error) {
		hits.Add(1)
		return probe.Result{Status: resource.HealthStatusUnhealthy}, nil
	})

	intervals := fastIntervals()
	h := newHarness(t,
		[]resource.Resource{{Name: "api", HealthChecks: []string{"hc"}}},
		map[string]probe.Probe{"hc": failing},
		intervals,
	)

	h.setState(t, "api", resource.StateRunning)
	waitUntil(t, 2*time.Second, "enough unhealthy cycles", func() bool {
		return hits.Load() >= 8
	})
	h.stop(t)

	delays := h.clock.Delays()
	if len(delays) < 7 {
		t.Fatalf("expected at least 7 recorded delays, got %d", len(delays))
	}

	// Base, then strict step growth until the ceiling, then flat at the
	// ceiling: 10ms, 30ms, 50ms, 70ms, 90ms, 100ms, 100ms.
	want := []time.Duration{
		10 * time.Millisecond,
		30 * time.Millisecond,
		50 * time.Millisecond,
		70 * time.Millisecond,
		90 * time.Millisecond,
		100 * time.Millisecond,
		100 * time.Millisecond,
	}
	for i, expected := range want {
		if delays[i] != expected {
			t.Fatalf("delay %d = %s, want %s (all: %v)", i, delays[i], expected, delays[:len(want)])
		}
	}
}

func TestIntervalAdaptation_SteadyHealthySlowsDown(t *testing.T) {
	var hits atomic.Int64
	h := newHarness(t,
		[]resource.Resource{{Name: "api", HealthChecks: []string{"hc"}}},
		map[string]probe.Probe{"hc": healthyProbe(&hits)},
		fastIntervals(),
	)

	h.setState(t, "api", resource.StateRunning)
	waitUntil(t, 2*time.Second, "enough healthy cycles", func() bool {
		return hits.Load() >= 6
	})
	h.stop(t)

	delays := h.clock.Delays()
	if len(delays) < 5 {
		t.Fatalf("expected at least 5 recorded delays, got %d", len(delays))
	}

	// Threshold is 3: two short cycles proving stability, then the long
	// steady-state interval for every subsequent healthy cycle.
	want := []time.Duration{
		10 * time.Millisecond,
		10 * time.Millisecond,
		500 * time.Millisecond,
		500 * time.Millisecond,
		500 * time.Millisecond,
	}
	for i, expected := range want {
		if delays[i] != expected {
			t.Fatalf("delay %d = %s, want %s (all: %v)", i, delays[i], expected, delays[:len(want)])
		}
	}
}

func TestIntervalAdaptation_FlappingResetsToBase(t *testing.T) {
	var cycle atomic.Int64
	flapping := probe.Func(func(context.Context) (probe.Result, error) {
		n := cycle.Add(1)
		// Two unhealthy cycles, then healthy.
		if n <= 2 {
			return probe.Result{Status: resource.HealthStatusUnhealthy}, nil
		}
		return probe.Result{Status: resource.HealthStatusHealthy}, nil
	})

	h := newHarness(t,
		[]resource.Resource{{Name: "api", HealthChecks: []string{"hc"}}},
		map[string]probe.Probe{"hc": flapping},
		fastIntervals(),
	)

	h.setState(t, "api", resource.StateRunning)
	waitUntil(t, 2*time.Second, "recovered cycles", func() bool {
		return cycle.Load() >= 4
	})
	h.stop(t)

	delays := h.clock.Delays()
	if len(delays) < 3 {
		t.Fatalf("expected at least 3 recorded delays, got %d", len(delays))
	}

	// Step growth while unhealthy, then straight back to the base interval
	// on the first healthy cycle: the long interval must wait for the streak.
	want := []time.Duration{
		10 * time.Millisecond,
		30 * time.Millisecond,
		10 * time.Millisecond,
	}
	for i, expected := range want {
		if delays[i] != expected {
			t.Fatalf("delay %d = %s, want %s (all: %v)", i, delays[i], expected, delays[:len(want)])
		}
	}
}

func TestParentChild_ChildReadyWaitsForParent(t *testing.T) {
	var parentHealthy atomic.Bool
	parentProbe := probe.Func(func(context.Context) (probe.Result, error) {
		if parentHealthy.Load() {
			return probe.Result{Status: resource.HealthStatusHealthy}, nil
		}
		return probe.Result{Status: resource.HealthStatusUnhealthy}, nil
	})

	h := newHarness(t,
		[]resource.Resource{
			{Name: "parent", HealthChecks: []string{"parent-hc"}},
			{Name: "child", Parent: "parent", HealthChecks: []string{"child-hc"}},
		},
		map[string]probe.Probe{
			"parent-hc": parentProbe,
			"child-hc":  healthyProbe(nil),
		},
		fastIntervals(),
	)

	// Both enter Running at the same time; the child becomes healthy right
	// away while the parent stays unhealthy.
	h.setState(t, "parent", resource.StateRunning)
	h.setState(t, "child", resource.StateRunning)

	waitUntil(t, 2*time.Second, "child healthy", func() bool {
		return h.snapshot(t, "child").IsHealthy()
	})
	time.Sleep(50 * time.Millisecond)
	if h.ready.count("child") != 0 {
		t.Fatalf("child ready fired before parent was healthy")
	}

	parentHealthy.Store(true)

	waitUntil(t, 2*time.Second, "both ready", func() bool {
		return h.ready.count("parent") == 1 && h.ready.count("child") == 1
	})

	order := h.ready.firingOrder()
	if len(order) != 2 || order[0] != "parent" || order[1] != "child" {
		t.Fatalf("unexpected ready order: %v", order)
	}
}

func TestSeededReports_PendingUntilFirstCycle(t *testing.T) {
	release := make(chan struct{})
	var once sync.Once
	blocking := probe.Func(func(ctx context.Context) (probe.Result, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return probe.Result{}, ctx.Err()
		}
		return probe.Result{Status: resource.HealthStatusHealthy}, nil
	})

	h := newHarness(t,
		[]resource.Resource{{Name: "api", HealthChecks: []string{"hc"}}},
		map[string]probe.Probe{"hc": blocking},
		fastIntervals(),
	)

	h.setState(t, "api", resource.StateRunning)

	waitUntil(t, 2*time.Second, "reports seeded", func() bool {
		snapshot := h.snapshot(t, "api")
		return len(snapshot.HealthReports) == 1
	})

	snapshot := h.snapshot(t, "api")
	report := snapshot.HealthReports[0]
	if report.Name != "hc" || report.Status != nil {
		t.Fatalf("expected pending seeded report, got %+v", report)
	}
	if snapshot.HealthStatus != nil {
		t.Fatalf("expected nil aggregate before first cycle, got %v", *snapshot.HealthStatus)
	}

	once.Do(func() { close(release) })
	waitUntil(t, 2*time.Second, "first cycle published", func() bool {
		return h.snapshot(t, "api").IsHealthy()
	})
}
