package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mkarlsen/stackhost/internal/notification"
	"github.com/mkarlsen/stackhost/internal/resource"
	"github.com/rs/zerolog"
)

func TestResourcesHandler(t *testing.T) {
	svc := notification.New(zerolog.Nop())
	defer svc.Close()

	if err := svc.Register("db", resource.Snapshot{State: resource.StateRunning}); err != nil {
		t.Fatalf("Register error: %v", err)
	}
	if err := svc.Register("api", resource.Snapshot{State: resource.StateWaiting}); err != nil {
		t.Fatalf("Register error: %v", err)
	}
	err := svc.PublishUpdate("db", func(s resource.Snapshot) resource.Snapshot {
		s.HealthStatus = resource.StatusPtr(resource.HealthStatusHealthy)
		return s
	})
	if err != nil {
		t.Fatalf("PublishUpdate error: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/resources", nil)
	rec := httptest.NewRecorder()
	ResourcesHandler(svc)(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var statuses []resourceStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &statuses); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 resources, got %d", len(statuses))
	}
	// Sorted by name.
	if statuses[0].Name != "api" || statuses[1].Name != "db" {
		t.Fatalf("unexpected order: %s, %s", statuses[0].Name, statuses[1].Name)
	}
	if statuses[1].Snapshot.HealthStatus == nil || *statuses[1].Snapshot.HealthStatus != resource.HealthStatusHealthy {
		t.Fatalf("expected db healthy, got %v", statuses[1].Snapshot.HealthStatus)
	}
	if statuses[0].Snapshot.State != resource.StateWaiting {
		t.Fatalf("expected api waiting, got %s", statuses[0].Snapshot.State)
	}
}

func TestHealthRoutesRegistered(t *testing.T) {
	mux := http.NewServeMux()
	registerHealthRoutes(mux, nil, nil, 0)

	for _, path := range []string{"/healthz", "/readyz"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("%s: expected 503 with nil tracker, got %d", path, rec.Code)
		}
	}
}
