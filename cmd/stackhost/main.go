package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/mkarlsen/stackhost/internal/config"
	"github.com/mkarlsen/stackhost/internal/engine"
	"github.com/mkarlsen/stackhost/internal/healthcheck"
	"github.com/mkarlsen/stackhost/internal/host"
	"github.com/mkarlsen/stackhost/internal/logging"
	"github.com/mkarlsen/stackhost/internal/manifest"
	"github.com/mkarlsen/stackhost/internal/metrics"
	"github.com/mkarlsen/stackhost/internal/notify"
	"github.com/mkarlsen/stackhost/internal/server"
	"github.com/mkarlsen/stackhost/internal/state"
	"github.com/rs/zerolog"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootstrapLogger := logging.New()
		bootstrapLogger.Fatal().Err(err).Msg("configuration error")
	}

	logger := logging.NewWithLevel(cfg.LogLevel)
	logger.Info().Str("app", cfg.AppName).Msg("stackhost starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fetcher, err := newFetcher(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("manifest source error")
	}

	fetched, err := fetcher.Fetch(ctx, "")
	if err != nil {
		logger.Fatal().Err(err).Msg("manifest fetch failed")
	}
	parsed, err := manifest.Parse(fetched.Body)
	if err != nil {
		logger.Fatal().Err(err).Msg("manifest parse failed")
	}
	fingerprint, err := manifest.Fingerprint(fetched.Body)
	if err != nil {
		logger.Fatal().Err(err).Msg("manifest fingerprint failed")
	}

	appName := cfg.AppName
	if parsed.App != "" {
		appName = parsed.App
	}

	graph, err := parsed.Graph()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid resource graph")
	}
	registry, err := manifest.BuildRegistry(parsed)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid probe configuration")
	}

	collector := metrics.New()
	tracker := healthcheck.NewTracker()

	opts := []host.Option{
		host.WithIntervals(engine.Intervals{
			Base:              cfg.BaseInterval,
			NonHealthyStep:    cfg.NonHealthyStep,
			NonHealthyCeiling: cfg.NonHealthyCeiling,
			Healthy:           cfg.HealthyInterval,
			SteadyThreshold:   cfg.SteadyThreshold,
		}),
		host.WithMetrics(collector),
		host.WithTracker(tracker),
	}

	if notifier := buildNotifier(logger, cfg); notifier != nil {
		opts = append(opts, host.WithNotifier(notifier))
		if cfg.StatePath != "" {
			store := state.NewFileStore(cfg.StatePath, logger)
			opts = append(opts, host.WithStateStore(store, fingerprint))
		}
	}

	app := host.New(logger, appName, graph, registry, opts...)

	server.Start(ctx, logger, cfg.HealthyInterval, tracker, collector, app.Service(), cfg.HealthPort, cfg.MetricsPort)

	if err := app.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("host exited with error")
	}
	logger.Info().Msg("stackhost stopped")
}

func newFetcher(cfg config.Config) (manifest.Fetcher, error) {
	if cfg.ManifestPath != "" {
		return manifest.NewFileFetcher(cfg.ManifestPath)
	}
	return manifest.NewHTTPFetcher(cfg.ManifestURL, cfg.ManifestTimeout, 0, manifest.WithMaxRetries(3))
}

func buildNotifier(logger zerolog.Logger, cfg config.Config) notify.Notifier {
	notifiers := make([]notify.Notifier, 0, 2)
	if cfg.SlackWebhookURL != "" {
		notifiers = append(notifiers, notify.NewSlackNotifier(logger, cfg.SlackWebhookURL))
	}
	if cfg.WebhookURL != "" {
		webhook, err := notify.NewWebhookNotifier(logger, cfg.WebhookURL, cfg.WebhookTemplate)
		if err != nil {
			logger.Fatal().Err(err).Msg("webhook configuration error")
		}
		notifiers = append(notifiers, webhook)
	}
	if len(notifiers) == 0 {
		return nil
	}
	combined := notify.NewMultiNotifier(notifiers...)
	if cfg.NotificationDryRun {
		return notify.NewDryRunNotifier(logger, combined)
	}
	return combined
}
