package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/mkarlsen/stackhost/internal/healthcheck"
	"github.com/mkarlsen/stackhost/internal/metrics"
	"github.com/mkarlsen/stackhost/internal/notification"
	"github.com/mkarlsen/stackhost/internal/resource"
	"github.com/rs/zerolog"
)

const shutdownTimeout = 5 * time.Second

// Start launches health and metrics HTTP servers as configured. The health
// server also exposes the current resource snapshots when svc is non-nil.
func Start(ctx context.Context, logger zerolog.Logger, maxInterval time.Duration, tracker *healthcheck.Tracker, metricsCollector *metrics.Metrics, svc *notification.Service, healthPort, metricsPort int) {
	if healthPort == 0 && metricsPort == 0 {
		return
	}

	if healthPort > 0 && metricsPort > 0 && healthPort == metricsPort {
		mux := http.NewServeMux()
		registerHealthRoutes(mux, tracker, svc, maxInterval)
		registerMetricsRoute(mux, metricsCollector)
		startServer(ctx, logger, mux, healthPort, "health/metrics")
		return
	}

	if healthPort > 0 {
		mux := http.NewServeMux()
		registerHealthRoutes(mux, tracker, svc, maxInterval)
		startServer(ctx, logger, mux, healthPort, "health")
	}

	if metricsPort > 0 {
		mux := http.NewServeMux()
		registerMetricsRoute(mux, metricsCollector)
		startServer(ctx, logger, mux, metricsPort, "metrics")
	}
}

func registerHealthRoutes(mux *http.ServeMux, tracker *healthcheck.Tracker, svc *notification.Service, maxInterval time.Duration) {
	mux.HandleFunc("/healthz", healthcheck.HealthHandler(tracker, maxInterval))
	mux.HandleFunc("/readyz", healthcheck.ReadyHandler(tracker))
	if svc != nil {
		mux.HandleFunc("/api/v1/resources", ResourcesHandler(svc))
	}
}

func registerMetricsRoute(mux *http.ServeMux, metricsCollector *metrics.Metrics) {
	if metricsCollector == nil {
		return
	}
	mux.Handle("/metrics", metricsCollector.Handler())
}

// resourceStatus is the wire shape for one resource on the status API.
type resourceStatus struct {
	Name     string            `json:"name"`
	Snapshot resource.Snapshot `json:"snapshot"`
}

// ResourcesHandler serves the current snapshot of every registered resource.
func ResourcesHandler(svc *notification.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		names := svc.Names()
		sort.Strings(names)

		statuses := make([]resourceStatus, 0, len(names))
		for _, name := range names {
			snapshot, err := svc.Get(name)
			if err != nil {
				continue
			}
			statuses = append(statuses, resourceStatus{Name: name, Snapshot: snapshot})
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(statuses)
	}
}

func startServer(ctx context.Context, logger zerolog.Logger, handler http.Handler, port int, label string) {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().Str("server", label).Int("port", port).Msg("http server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("server", label).Int("port", port).Msg("http server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Str("server", label).Int("port", port).Msg("http server shutdown failed")
		}
	}()
}
