package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads KEY=VALUE pairs from the given files (".env" when none are
// given) into the process environment without overriding variables that are
// already set. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// ApplyEnvOverrides reads configuration values from environment variables and
// overrides fields in the provided Config. Returns an error if parsing fails.
//
// Environment variables supported:
// - SHOWUP_HOST, SHOWUP_PORT
// - SHOWUP_READ_TIMEOUT, SHOWUP_WRITE_TIMEOUT, SHOWUP_SHUTDOWN_TIMEOUT (durations)
// - SHOWUP_RATE_LIMIT_RPS (float), SHOWUP_RATE_LIMIT_BURST (int)
// - MONGODB_URI or SHOWUP_MONGODB_URI, SHOWUP_MONGODB_DATABASE, SHOWUP_MONGODB_COLLECTION, SHOWUP_MONGODB_TIMEOUT
// - SHOWUP_CRAWL_STARTUP_DELAY, SHOWUP_CRAWL_DURATION, SHOWUP_CRAWL_FETCH_TIMEOUT
// - SHOWUP_METRICS_ENABLED, SHOWUP_METRICS_PORT
// - SHOWUP_INFLUX_URL, SHOWUP_INFLUX_TOKEN, SHOWUP_INFLUX_ORG, SHOWUP_INFLUX_BUCKET, SHOWUP_INFLUX_INTERVAL
// - SHOWUP_DESCRIPTOR, SHOWUP_STATE_DIR, SHOWUP_DOCKER_HOST, SHOWUP_BUILD_TIMEOUT, SHOWUP_STARTUP_TIMEOUT
// - SHOWUP_REGISTRY_USER, SHOWUP_REGISTRY_PASS
// - SHOWUP_NOTIFICATION_LEVEL, SHOWUP_SLACK_WEBHOOK, SHOWUP_DISCORD_WEBHOOK, SHOWUP_GENERIC_WEBHOOK_URL
func ApplyEnvOverrides(cfg *Config) error {
	// Listener and rate limiting
	if err := applyServerEnv(cfg); err != nil {
		return err
	}

	// MongoDB
	if err := applyMongoEnv(cfg); err != nil {
		return err
	}

	// Crawl jobs
	if err := applyCrawlEnv(cfg); err != nil {
		return err
	}

	// Metrics
	if err := applyMetricsEnv(cfg); err != nil {
		return err
	}

	// Influx
	if err := applyInfluxEnv(cfg); err != nil {
		return err
	}

	// Builds, registry and notifications
	if err := applyBuildEnv(cfg); err != nil {
		return err
	}
	applyNotificationEnv(cfg)

	return nil
}

func applyServerEnv(cfg *Config) error {
	if v := os.Getenv("SHOWUP_HOST"); v != "" {
		cfg.Host = v
	}
	if err := setIntEnv("SHOWUP_PORT", func(n int) { cfg.Port = n }); err != nil {
		return err
	}
	if err := setDurationEnv("SHOWUP_READ_TIMEOUT", func(d time.Duration) { cfg.ReadTimeout = d }); err != nil {
		return err
	}
	if err := setDurationEnv("SHOWUP_WRITE_TIMEOUT", func(d time.Duration) { cfg.WriteTimeout = d }); err != nil {
		return err
	}
	if err := setDurationEnv("SHOWUP_SHUTDOWN_TIMEOUT", func(d time.Duration) { cfg.ShutdownTimeout = d }); err != nil {
		return err
	}
	if v := os.Getenv("SHOWUP_RATE_LIMIT_RPS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid SHOWUP_RATE_LIMIT_RPS: %w", err)
		}
		cfg.RateLimitRPS = f
	}
	return setIntEnv("SHOWUP_RATE_LIMIT_BURST", func(n int) { cfg.RateLimitBurst = n })
}

func applyMongoEnv(cfg *Config) error {
	// MONGODB_URI is the name the deployment has always used; the prefixed
	// variant wins when both are set.
	if v := os.Getenv("MONGODB_URI"); v != "" {
		cfg.MongoURI = v
	}
	if v := os.Getenv("SHOWUP_MONGODB_URI"); v != "" {
		cfg.MongoURI = v
	}
	if v := os.Getenv("SHOWUP_MONGODB_DATABASE"); v != "" {
		cfg.MongoDatabase = v
	}
	if v := os.Getenv("SHOWUP_MONGODB_COLLECTION"); v != "" {
		cfg.MongoCollection = v
	}
	return setDurationEnv("SHOWUP_MONGODB_TIMEOUT", func(d time.Duration) { cfg.MongoTimeout = d })
}

func applyCrawlEnv(cfg *Config) error {
	if err := setDurationEnv("SHOWUP_CRAWL_STARTUP_DELAY", func(d time.Duration) { cfg.CrawlStartupDelay = d }); err != nil {
		return err
	}
	if err := setDurationEnv("SHOWUP_CRAWL_DURATION", func(d time.Duration) { cfg.CrawlDuration = d }); err != nil {
		return err
	}
	return setDurationEnv("SHOWUP_CRAWL_FETCH_TIMEOUT", func(d time.Duration) { cfg.CrawlFetchTimeout = d })
}

// applyMetricsEnv consolidates metrics-related env parsing
func applyMetricsEnv(cfg *Config) error {
	if v := os.Getenv("SHOWUP_METRICS_ENABLED"); v != "" {
		switch strings.ToLower(v) {
		case "true":
			cfg.MetricsEnabled = true
		case "false":
			cfg.MetricsEnabled = false
		}
	}
	return setIntEnv("SHOWUP_METRICS_PORT", func(n int) { cfg.MetricsPort = n })
}

// applyInfluxEnv consolidates Influx-related env parsing
func applyInfluxEnv(cfg *Config) error {
	if v := os.Getenv("SHOWUP_INFLUX_URL"); v != "" {
		cfg.InfluxURL = v
	}
	if v := os.Getenv("SHOWUP_INFLUX_TOKEN"); v != "" {
		cfg.InfluxToken = v
	}
	if v := os.Getenv("SHOWUP_INFLUX_ORG"); v != "" {
		cfg.InfluxOrg = v
	}
	if v := os.Getenv("SHOWUP_INFLUX_BUCKET"); v != "" {
		cfg.InfluxBucket = v
	}
	return setDurationEnv("SHOWUP_INFLUX_INTERVAL", func(d time.Duration) { cfg.InfluxInterval = d })
}

func applyBuildEnv(cfg *Config) error {
	if v := os.Getenv("SHOWUP_DESCRIPTOR"); v != "" {
		cfg.DescriptorPath = v
	}
	if v := os.Getenv("SHOWUP_STATE_DIR"); v != "" {
		cfg.StateDir = v
	}
	if v := os.Getenv("SHOWUP_DOCKER_HOST"); v != "" {
		cfg.DockerHost = v
	}
	if v := os.Getenv("SHOWUP_HOST_SOCKET_PATH"); v != "" {
		cfg.HostSocketPath = v
	}
	if v := os.Getenv("SHOWUP_REGISTRY_USER"); v != "" {
		cfg.RegistryUser = v
	}
	if v := os.Getenv("SHOWUP_REGISTRY_PASS"); v != "" {
		cfg.RegistryPass = v
	}
	if err := setDurationEnv("SHOWUP_BUILD_TIMEOUT", func(d time.Duration) { cfg.BuildTimeout = d }); err != nil {
		return err
	}
	return setDurationEnv("SHOWUP_STARTUP_TIMEOUT", func(d time.Duration) { cfg.StartupTimeout = d })
}

func applyNotificationEnv(cfg *Config) {
	if v := os.Getenv("SHOWUP_NOTIFICATION_LEVEL"); v != "" {
		cfg.NotificationLevel = v
	}
	if v := os.Getenv("SHOWUP_SLACK_WEBHOOK"); v != "" {
		cfg.SlackWebhook = v
	}
	if v := os.Getenv("SHOWUP_DISCORD_WEBHOOK"); v != "" {
		cfg.DiscordWebhook = v
	}
	if v := os.Getenv("SHOWUP_GENERIC_WEBHOOK_URL"); v != "" {
		cfg.GenericWebhookURL = v
	}
}

func setIntEnv(env string, setter func(int)) error {
	if v := os.Getenv(env); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", env, err)
		}
		setter(n)
	}
	return nil
}

func setDurationEnv(env string, setter func(time.Duration)) error {
	if v := os.Getenv(env); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", env, err)
		}
		setter(d)
	}
	return nil
}
