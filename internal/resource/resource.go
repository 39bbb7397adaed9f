package resource

import "time"

// State represents the lifecycle state of a resource.
type State string

const (
	StateNotStarted State = "NotStarted"
	StateWaiting    State = "Waiting"
	StateStarting   State = "Starting"
	StateRunning    State = "Running"
	StateFinished   State = "Finished"
	StateExited     State = "Exited"
)

// IsRunning reports whether the state is Running.
func (s State) IsRunning() bool {
	return s == StateRunning
}

// IsTerminal reports whether the state is a terminal state.
func (s State) IsTerminal() bool {
	return s == StateFinished || s == StateExited
}

// HealthStatus represents the aggregate or per-check health of a resource.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "Healthy"
	HealthStatusDegraded  HealthStatus = "Degraded"
	HealthStatusUnhealthy HealthStatus = "Unhealthy"
)

// StatusPtr returns a pointer to the given status, for optional status fields.
func StatusPtr(status HealthStatus) *HealthStatus {
	return &status
}

// HealthReport captures the most recent probe outcome for one health check.
// A nil Status means the check has not produced a result yet.
type HealthReport struct {
	Name          string        `json:"name"`
	Status        *HealthStatus `json:"status"`
	Description   string        `json:"description,omitempty"`
	ExceptionText string        `json:"exception_text,omitempty"`
}

// Snapshot is an immutable point-in-time record of a resource's state and
// health. Snapshots are replaced wholesale on publish, never mutated in place,
// so they are safe to hand out without locking.
type Snapshot struct {
	State          State             `json:"state"`
	HealthStatus   *HealthStatus     `json:"health_status"`
	HealthReports  []HealthReport    `json:"health_reports,omitempty"`
	StartTimestamp time.Time         `json:"start_timestamp"`
	URLs           []string          `json:"urls,omitempty"`
	Properties     map[string]string `json:"properties,omitempty"`
}

// Clone returns a deep copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	out := s
	if s.HealthStatus != nil {
		status := *s.HealthStatus
		out.HealthStatus = &status
	}
	if s.HealthReports != nil {
		out.HealthReports = make([]HealthReport, len(s.HealthReports))
		for i, report := range s.HealthReports {
			out.HealthReports[i] = report.clone()
		}
	}
	if s.URLs != nil {
		out.URLs = append([]string(nil), s.URLs...)
	}
	if s.Properties != nil {
		out.Properties = make(map[string]string, len(s.Properties))
		for k, v := range s.Properties {
			out.Properties[k] = v
		}
	}
	return out
}

func (r HealthReport) clone() HealthReport {
	out := r
	if r.Status != nil {
		status := *r.Status
		out.Status = &status
	}
	return out
}

// Report returns the health report with the given check name, if present.
func (s Snapshot) Report(name string) (HealthReport, bool) {
	for _, report := range s.HealthReports {
		if report.Name == name {
			return report, true
		}
	}
	return HealthReport{}, false
}

// IsHealthy reports whether the snapshot's aggregate status is Healthy.
func (s Snapshot) IsHealthy() bool {
	return s.HealthStatus != nil && *s.HealthStatus == HealthStatusHealthy
}

// AggregateStatus derives the overall health status from a set of reports.
// Precedence: a report that has not produced a result yet counts as Unhealthy,
// then Unhealthy, then Degraded, then Healthy.
func AggregateStatus(reports []HealthReport) HealthStatus {
	aggregate := HealthStatusHealthy
	for _, report := range reports {
		if report.Status == nil {
			return HealthStatusUnhealthy
		}
		aggregate = worstStatus(aggregate, *report.Status)
	}
	return aggregate
}

func worstStatus(current, next HealthStatus) HealthStatus {
	if severity(next) > severity(current) {
		return next
	}
	return current
}

func severity(status HealthStatus) int {
	switch status {
	case HealthStatusUnhealthy:
		return 2
	case HealthStatusDegraded:
		return 1
	default:
		return 0
	}
}
