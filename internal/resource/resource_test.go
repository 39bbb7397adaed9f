package resource

import "testing"

func TestAggregateStatus_AllHealthy(t *testing.T) {
	reports := []HealthReport{
		{Name: "a", Status: StatusPtr(HealthStatusHealthy)},
		{Name: "b", Status: StatusPtr(HealthStatusHealthy)},
	}

	if got := AggregateStatus(reports); got != HealthStatusHealthy {
		t.Fatalf("expected Healthy, got %s", got)
	}
}

func TestAggregateStatus_DegradedWins(t *testing.T) {
	reports := []HealthReport{
		{Name: "a", Status: StatusPtr(HealthStatusHealthy)},
		{Name: "b", Status: StatusPtr(HealthStatusDegraded)},
	}

	if got := AggregateStatus(reports); got != HealthStatusDegraded {
		t.Fatalf("expected Degraded, got %s", got)
	}
}

func TestAggregateStatus_UnhealthyWins(t *testing.T) {
	reports := []HealthReport{
		{Name: "a", Status: StatusPtr(HealthStatusUnhealthy)},
		{Name: "b", Status: StatusPtr(HealthStatusDegraded)},
		{Name: "c", Status: StatusPtr(HealthStatusHealthy)},
	}

	if got := AggregateStatus(reports); got != HealthStatusUnhealthy {
		t.Fatalf("expected Unhealthy, got %s", got)
	}
}

func TestAggregateStatus_PendingReportIsUnhealthy(t *testing.T) {
	reports := []HealthReport{
		{Name: "a", Status: StatusPtr(HealthStatusHealthy)},
		{Name: "b", Status: nil},
	}

	if got := AggregateStatus(reports); got != HealthStatusUnhealthy {
		t.Fatalf("expected Unhealthy for pending report, got %s", got)
	}
}

func TestAggregateStatus_Empty(t *testing.T) {
	if got := AggregateStatus(nil); got != HealthStatusHealthy {
		t.Fatalf("expected Healthy for no reports, got %s", got)
	}
}

func TestSnapshotClone_Isolated(t *testing.T) {
	original := Snapshot{
		State:         StateRunning,
		HealthStatus:  StatusPtr(HealthStatusHealthy),
		HealthReports: []HealthReport{{Name: "a", Status: StatusPtr(HealthStatusHealthy)}},
		Properties:    map[string]string{"key": "value"},
	}

	clone := original.Clone()
	*clone.HealthStatus = HealthStatusUnhealthy
	*clone.HealthReports[0].Status = HealthStatusDegraded
	clone.Properties["key"] = "changed"

	if *original.HealthStatus != HealthStatusHealthy {
		t.Fatalf("clone mutated original aggregate status")
	}
	if *original.HealthReports[0].Status != HealthStatusHealthy {
		t.Fatalf("clone mutated original report status")
	}
	if original.Properties["key"] != "value" {
		t.Fatalf("clone mutated original properties")
	}
}

func TestSnapshotReport_Lookup(t *testing.T) {
	snapshot := Snapshot{
		HealthReports: []HealthReport{
			{Name: "a", Status: StatusPtr(HealthStatusHealthy)},
			{Name: "b"},
		},
	}

	report, ok := snapshot.Report("b")
	if !ok {
		t.Fatalf("expected report b to exist")
	}
	if report.Status != nil {
		t.Fatalf("expected pending report, got %v", *report.Status)
	}

	if _, ok := snapshot.Report("missing"); ok {
		t.Fatalf("expected missing report lookup to fail")
	}
}
