package probe

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mkarlsen/stackhost/internal/resource"
)

func TestRegistry_Lookup(t *testing.T) {
	registry := NewRegistry(map[string]Probe{
		"hc": Func(func(context.Context) (Result, error) {
			return Result{Status: resource.HealthStatusHealthy}, nil
		}),
	})

	p, err := registry.Lookup("hc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	result, err := p.Check(context.Background())
	if err != nil {
		t.Fatalf("unexpected check error: %v", err)
	}
	if result.Status != resource.HealthStatusHealthy {
		t.Fatalf("expected Healthy, got %s", result.Status)
	}
}

func TestRegistry_LookupUnknown(t *testing.T) {
	registry := NewRegistry(nil)

	_, err := registry.Lookup("missing")
	if !errors.Is(err, ErrProbeNotFound) {
		t.Fatalf("expected ErrProbeNotFound, got %v", err)
	}
}

func TestRegistry_IDsSorted(t *testing.T) {
	registry := NewRegistry(map[string]Probe{
		"b": Func(func(context.Context) (Result, error) { return Result{}, nil }),
		"a": Func(func(context.Context) (Result, error) { return Result{}, nil }),
	})

	ids := registry.IDs()
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Fatalf("unexpected ids: %v", ids)
	}
}

func TestHTTPProbe_StatusMapping(t *testing.T) {
	cases := []struct {
		name       string
		statusCode int
		want       resource.HealthStatus
	}{
		{"ok", http.StatusOK, resource.HealthStatusHealthy},
		{"server error", http.StatusInternalServerError, resource.HealthStatusUnhealthy},
		{"client error", http.StatusNotFound, resource.HealthStatusDegraded},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.statusCode)
			}))
			defer server.Close()

			p, err := NewHTTPProbe(server.URL, time.Second)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			result, err := p.Check(context.Background())
			if err != nil {
				t.Fatalf("unexpected check error: %v", err)
			}
			if result.Status != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, result.Status)
			}
		})
	}
}

func TestHTTPProbe_EmptyURL(t *testing.T) {
	if _, err := NewHTTPProbe("", time.Second); err == nil {
		t.Fatalf("expected error for empty url")
	}
}

func TestTCPProbe_Connects(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()

	p, err := NewTCPProbe(listener.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	result, err := p.Check(context.Background())
	if err != nil {
		t.Fatalf("unexpected check error: %v", err)
	}
	if result.Status != resource.HealthStatusHealthy {
		t.Fatalf("expected Healthy, got %s", result.Status)
	}
}

func TestTCPProbe_InvalidAddress(t *testing.T) {
	if _, err := NewTCPProbe("not-an-address", time.Second); err == nil {
		t.Fatalf("expected error for invalid address")
	}
}

func TestTCPProbe_ConnectionRefused(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	address := listener.Addr().String()
	listener.Close()

	p, err := NewTCPProbe(address, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := p.Check(context.Background()); err == nil {
		t.Fatalf("expected dial error")
	}
}
