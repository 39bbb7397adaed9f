package healthcheck

import (
	"sync"
	"time"
)

// Snapshot describes the latest monitoring activity.
type Snapshot struct {
	LastPublishTime *time.Time `json:"last_publish_time"`
	CycleDurationMS int64      `json:"cycle_duration_ms"`
	MonitorsActive  int        `json:"monitors_active"`
	ResourcesReady  int        `json:"resources_ready"`
}

// Tracker records probe cycle activity for the daemon's own health endpoints.
type Tracker struct {
	mu             sync.RWMutex
	lastPublish    time.Time
	cycleDuration  time.Duration
	monitorsActive int
	resourcesReady int
	ready          bool
}

// NewTracker constructs a new Tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// RecordCycle updates publish timing and readiness.
func (t *Tracker) RecordCycle(duration time.Duration) {
	if t == nil {
		return
	}
	now := time.Now().UTC()
	t.mu.Lock()
	t.lastPublish = now
	t.cycleDuration = duration
	t.ready = true
	t.mu.Unlock()
}

// RecordPublish marks publish activity that has no probe cycle behind it,
// such as the one-shot Healthy publish for a resource without declared
// checks.
func (t *Tracker) RecordPublish() {
	if t == nil {
		return
	}
	now := time.Now().UTC()
	t.mu.Lock()
	t.lastPublish = now
	t.ready = true
	t.mu.Unlock()
}

// MonitorStarted increments the active monitor count.
func (t *Tracker) MonitorStarted() {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.monitorsActive++
	t.mu.Unlock()
}

// MonitorStopped decrements the active monitor count.
func (t *Tracker) MonitorStopped() {
	if t == nil {
		return
	}
	t.mu.Lock()
	if t.monitorsActive > 0 {
		t.monitorsActive--
	}
	t.mu.Unlock()
}

// ResourceReady increments the count of resources that fired their ready event.
func (t *Tracker) ResourceReady() {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.resourcesReady++
	t.mu.Unlock()
}

// Snapshot returns the current tracker snapshot.
func (t *Tracker) Snapshot() Snapshot {
	if t == nil {
		return Snapshot{}
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	var last *time.Time
	if !t.lastPublish.IsZero() {
		value := t.lastPublish
		last = &value
	}
	return Snapshot{
		LastPublishTime: last,
		CycleDurationMS: int64(t.cycleDuration / time.Millisecond),
		MonitorsActive:  t.monitorsActive,
		ResourcesReady:  t.resourcesReady,
	}
}

// Ready reports whether at least one probe cycle has published.
func (t *Tracker) Ready() bool {
	if t == nil {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ready
}

// Healthy reports whether the last publish happened within 2x maxInterval.
// Monitors in the healthy steady state publish at most maxInterval apart.
func (t *Tracker) Healthy(now time.Time, maxInterval time.Duration) bool {
	if t == nil {
		return false
	}
	if maxInterval <= 0 {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.monitorsActive == 0 {
		// Nothing running means nothing can go stale.
		return t.ready
	}
	if t.lastPublish.IsZero() {
		return false
	}
	return now.Sub(t.lastPublish) <= 2*maxInterval
}
