package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	envAppName            = "SH_APP_NAME"
	envManifestPath       = "SH_MANIFEST_PATH"
	envManifestURL        = "SH_MANIFEST_URL"
	envManifestTimeout    = "SH_MANIFEST_TIMEOUT"
	envBaseInterval       = "SH_BASE_INTERVAL"
	envHealthyInterval    = "SH_HEALTHY_INTERVAL"
	envNonHealthyStep     = "SH_NONHEALTHY_STEP_INTERVAL"
	envNonHealthyCeiling  = "SH_NONHEALTHY_CEILING"
	envSteadyThreshold    = "SH_STEADY_THRESHOLD"
	envStatePath          = "SH_STATE_PATH"
	envSlackWebhookURL    = "SH_SLACK_WEBHOOK_URL"
	envWebhookURL         = "SH_WEBHOOK_URL"
	envWebhookTemplate    = "SH_WEBHOOK_TEMPLATE"
	envNotificationDryRun = "SH_NOTIFICATION_DRY_RUN"
	envLogLevel           = "SH_LOG_LEVEL"
	envHealthPort         = "SH_HEALTH_PORT"
	envMetricsPort        = "SH_METRICS_PORT"
)

const (
	defaultAppName           = "default"
	defaultManifestTimeout   = 10 * time.Second
	defaultBaseInterval      = 3 * time.Second
	defaultHealthyInterval   = 30 * time.Second
	defaultNonHealthyStep    = 5 * time.Second
	defaultNonHealthyCeiling = 30 * time.Second
	defaultSteadyThreshold   = 3
	defaultLogLevel          = "info"
	defaultHealthPort        = 8080
	defaultMetricsPort       = 9090
)

// Config describes runtime configuration loaded from the environment.
type Config struct {
	AppName            string
	ManifestPath       string
	ManifestURL        string
	ManifestTimeout    time.Duration
	BaseInterval       time.Duration
	HealthyInterval    time.Duration
	NonHealthyStep     time.Duration
	NonHealthyCeiling  time.Duration
	SteadyThreshold    int
	StatePath          string
	SlackWebhookURL    string
	WebhookURL         string
	WebhookTemplate    string
	NotificationDryRun bool
	LogLevel           string
	HealthPort         int
	MetricsPort        int
}

// Load reads configuration from environment variables and a local .env file if present.
// Existing environment variables take precedence over values in .env.
func Load() (Config, error) {
	if err := loadDotEnvIfPresent(".env"); err != nil {
		return Config{}, err
	}

	cfg := Config{
		AppName:           defaultAppName,
		ManifestTimeout:   defaultManifestTimeout,
		BaseInterval:      defaultBaseInterval,
		HealthyInterval:   defaultHealthyInterval,
		NonHealthyStep:    defaultNonHealthyStep,
		NonHealthyCeiling: defaultNonHealthyCeiling,
		SteadyThreshold:   defaultSteadyThreshold,
		LogLevel:          defaultLogLevel,
		HealthPort:        defaultHealthPort,
		MetricsPort:       defaultMetricsPort,
	}

	if value, ok := lookupTrimmed(envAppName); ok && value != "" {
		cfg.AppName = value
	}
	if value, ok := lookupTrimmed(envManifestPath); ok {
		cfg.ManifestPath = value
	}
	if value, ok := lookupTrimmed(envManifestURL); ok {
		cfg.ManifestURL = value
	}
	if value, ok := lookupTrimmed(envStatePath); ok {
		cfg.StatePath = value
	}
	if value, ok := lookupTrimmed(envSlackWebhookURL); ok {
		cfg.SlackWebhookURL = value
	}
	if value, ok := lookupTrimmed(envWebhookURL); ok {
		cfg.WebhookURL = value
	}
	if value, ok := lookupTrimmed(envWebhookTemplate); ok {
		cfg.WebhookTemplate = value
	}
	if value, ok := lookupTrimmed(envLogLevel); ok && value != "" {
		cfg.LogLevel = value
	}

	durations := []struct {
		env    string
		target *time.Duration
	}{
		{envManifestTimeout, &cfg.ManifestTimeout},
		{envBaseInterval, &cfg.BaseInterval},
		{envHealthyInterval, &cfg.HealthyInterval},
		{envNonHealthyStep, &cfg.NonHealthyStep},
		{envNonHealthyCeiling, &cfg.NonHealthyCeiling},
	}
	for _, d := range durations {
		if value, ok := lookupTrimmed(d.env); ok {
			parsed, err := time.ParseDuration(value)
			if err != nil {
				return Config{}, fmt.Errorf("invalid %s: %w", d.env, err)
			}
			if parsed <= 0 {
				return Config{}, fmt.Errorf("%s must be greater than zero", d.env)
			}
			*d.target = parsed
		}
	}

	if value, ok := lookupTrimmed(envSteadyThreshold); ok {
		threshold, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", envSteadyThreshold, err)
		}
		if threshold < 1 {
			return Config{}, fmt.Errorf("%s must be at least 1", envSteadyThreshold)
		}
		cfg.SteadyThreshold = threshold
	}

	if value, ok := lookupTrimmed(envNotificationDryRun); ok {
		dryRun, err := strconv.ParseBool(value)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", envNotificationDryRun, err)
		}
		cfg.NotificationDryRun = dryRun
	}

	ports := []struct {
		env    string
		target *int
	}{
		{envHealthPort, &cfg.HealthPort},
		{envMetricsPort, &cfg.MetricsPort},
	}
	for _, p := range ports {
		if value, ok := lookupTrimmed(p.env); ok {
			port, err := strconv.Atoi(value)
			if err != nil {
				return Config{}, fmt.Errorf("invalid %s: %w", p.env, err)
			}
			if port < 0 || port > 65535 {
				return Config{}, fmt.Errorf("%s must be between 0 and 65535", p.env)
			}
			*p.target = port
		}
	}

	if cfg.ManifestPath == "" && cfg.ManifestURL == "" {
		return Config{}, errors.New("one of SH_MANIFEST_PATH or SH_MANIFEST_URL is required")
	}
	if cfg.ManifestPath != "" && cfg.ManifestURL != "" {
		return Config{}, errors.New("SH_MANIFEST_PATH and SH_MANIFEST_URL are mutually exclusive")
	}

	if cfg.ManifestURL != "" {
		if err := validateURL(cfg.ManifestURL, envManifestURL); err != nil {
			return Config{}, err
		}
	}
	if cfg.SlackWebhookURL != "" {
		if err := validateURL(cfg.SlackWebhookURL, envSlackWebhookURL); err != nil {
			return Config{}, err
		}
	}
	if cfg.WebhookURL != "" {
		if err := validateURL(cfg.WebhookURL, envWebhookURL); err != nil {
			return Config{}, err
		}
	}

	if cfg.NonHealthyCeiling < cfg.BaseInterval {
		return Config{}, fmt.Errorf("%s must not be below %s", envNonHealthyCeiling, envBaseInterval)
	}

	return cfg, nil
}

func lookupTrimmed(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(value), true
}

func loadDotEnvIfPresent(path string) error {
	err := godotenv.Load(path)
	if err == nil {
		return nil
	}

	var pathErr *os.PathError
	if errors.As(err, &pathErr) && errors.Is(pathErr.Err, os.ErrNotExist) {
		return nil
	}

	return err
}

func validateURL(value, name string) error {
	parsed, err := url.Parse(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("invalid %s: must include scheme and host", name)
	}
	return nil
}
