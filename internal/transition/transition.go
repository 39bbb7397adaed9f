package transition

import (
	"fmt"
	"sort"

	"github.com/mkarlsen/stackhost/internal/resource"
)

// ResourceTransition captures a health status change with details.
type ResourceTransition struct {
	Name           string
	PreviousStatus *resource.HealthStatus
	CurrentStatus  *resource.HealthStatus
	State          resource.State
	Reasons        []string
}

// DetectTransitions compares previous snapshots with current ones and emits a
// transition for every resource whose aggregate health status changed. On the
// first observation only non-healthy resources are reported, so a clean
// startup stays quiet.
func DetectTransitions(prev map[string]resource.Snapshot, current map[string]resource.Snapshot) []ResourceTransition {
	firstRun := len(prev) == 0

	transitions := make([]ResourceTransition, 0)
	for name, currentSnapshot := range current {
		prevSnapshot, hadPrev := prev[name]

		if firstRun || !hadPrev {
			if currentSnapshot.IsHealthy() || currentSnapshot.HealthStatus == nil {
				continue
			}
		} else if statusEqual(prevSnapshot.HealthStatus, currentSnapshot.HealthStatus) {
			continue
		}

		var previous *resource.HealthStatus
		if hadPrev {
			previous = prevSnapshot.HealthStatus
		}

		transitions = append(transitions, ResourceTransition{
			Name:           name,
			PreviousStatus: previous,
			CurrentStatus:  currentSnapshot.HealthStatus,
			State:          currentSnapshot.State,
			Reasons:        buildReasons(currentSnapshot),
		})
	}

	// Sort by resource name for deterministic output
	sort.Slice(transitions, func(i, j int) bool {
		return transitions[i].Name < transitions[j].Name
	})

	return transitions
}

// StatusLabel renders an optional status for logs and payloads.
func StatusLabel(status *resource.HealthStatus) string {
	if status == nil {
		return "unknown"
	}
	return string(*status)
}

func statusEqual(a, b *resource.HealthStatus) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func buildReasons(snapshot resource.Snapshot) []string {
	reasons := make([]string, 0)
	for _, report := range snapshot.HealthReports {
		switch {
		case report.Status == nil:
			reasons = append(reasons, fmt.Sprintf("check %s: pending", report.Name))
		case *report.Status == resource.HealthStatusHealthy:
			continue
		case report.ExceptionText != "":
			reasons = append(reasons, fmt.Sprintf("check %s: %s (%s)", report.Name, *report.Status, report.ExceptionText))
		case report.Description != "":
			reasons = append(reasons, fmt.Sprintf("check %s: %s (%s)", report.Name, *report.Status, report.Description))
		default:
			reasons = append(reasons, fmt.Sprintf("check %s: %s", report.Name, *report.Status))
		}
	}
	return reasons
}
