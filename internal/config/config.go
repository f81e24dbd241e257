package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds runtime configuration for the API server and the image builder
type Config struct {
	// HTTP server
	Host            string        `json:"host" yaml:"host"`
	Port            int           `json:"port" yaml:"port"`
	ReadTimeout     time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`

	// Per-client token bucket; RateLimitRPS <= 0 disables limiting.
	RateLimitRPS   float64 `json:"rate_limit_rps" yaml:"rate_limit_rps"`
	RateLimitBurst int     `json:"rate_limit_burst" yaml:"rate_limit_burst"`

	// MongoDB event storage
	MongoURI        string        `json:"mongodb_uri" yaml:"mongodb_uri"`
	MongoDatabase   string        `json:"mongodb_database" yaml:"mongodb_database"`
	MongoCollection string        `json:"mongodb_collection" yaml:"mongodb_collection"`
	MongoTimeout    time.Duration `json:"mongodb_timeout" yaml:"mongodb_timeout"`

	// Crawl jobs
	CrawlStartupDelay time.Duration `json:"crawl_startup_delay" yaml:"crawl_startup_delay"`
	CrawlDuration     time.Duration `json:"crawl_duration" yaml:"crawl_duration"`
	CrawlFetchTimeout time.Duration `json:"crawl_fetch_timeout" yaml:"crawl_fetch_timeout"`

	// Metrics
	MetricsEnabled bool `json:"metrics_enabled" yaml:"metrics_enabled"`
	MetricsPort    int  `json:"metrics_port" yaml:"metrics_port"`

	// InfluxDB (push)
	InfluxURL      string        `json:"influx_url" yaml:"influx_url"`
	InfluxToken    string        `json:"influx_token" yaml:"influx_token"`
	InfluxOrg      string        `json:"influx_org" yaml:"influx_org"`
	InfluxBucket   string        `json:"influx_bucket" yaml:"influx_bucket"`
	InfluxInterval time.Duration `json:"influx_interval" yaml:"influx_interval"`

	// Image builds
	DescriptorPath string        `json:"descriptor_path" yaml:"descriptor_path"`
	StateDir       string        `json:"state_dir" yaml:"state_dir"`
	DockerHost     string        `json:"docker_host" yaml:"docker_host"`
	BuildTimeout   time.Duration `json:"build_timeout" yaml:"build_timeout"`
	StartupTimeout time.Duration `json:"startup_timeout" yaml:"startup_timeout"`
	HostSocketPath string        `json:"host_socket_path" yaml:"host_socket_path"`

	// Private registry credentials (simple auth support)
	RegistryUser string `json:"registry_user" yaml:"registry_user"`
	RegistryPass string `json:"registry_pass" yaml:"registry_pass"`

	// Build notifications
	NotificationLevel string `json:"notification_level" yaml:"notification_level"` // "all", "failure", "none"
	SlackWebhook      string `json:"slack_webhook" yaml:"slack_webhook"`
	DiscordWebhook    string `json:"discord_webhook" yaml:"discord_webhook"`
	GenericWebhookURL string `json:"generic_webhook_url" yaml:"generic_webhook_url"`
}

// Addr returns the host:port the API server binds.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, fmt.Sprintf("%d", c.Port))
}

// DefaultConfig returns a sane default configuration
func DefaultConfig() *Config {
	return &Config{
		Host:            "0.0.0.0",
		Port:            8080,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 5 * time.Second,

		RateLimitRPS:   20,
		RateLimitBurst: 40,

		MongoDatabase:   "showup_events",
		MongoCollection: "events",
		MongoTimeout:    10 * time.Second,

		CrawlStartupDelay: 1 * time.Second,
		CrawlDuration:     3 * time.Second,
		CrawlFetchTimeout: 20 * time.Second,

		MetricsEnabled: false,
		MetricsPort:    9090,

		InfluxInterval: 1 * time.Minute,

		DescriptorPath: "showup.build.yaml",
		StateDir:       "",
		BuildTimeout:   30 * time.Minute,
		StartupTimeout: 30 * time.Second,
		HostSocketPath: "/var/run/docker.sock",

		NotificationLevel: "failure",
	}
}

// Validate returns a list of non-fatal configuration warnings.
func (c *Config) Validate() []string {
	var warnings []string
	checks := []struct {
		cond bool
		msg  string
	}{
		{c.Port < 1 || c.Port > 65535, fmt.Sprintf("port %d is outside 1-65535", c.Port)},
		{c.MetricsEnabled && c.MetricsPort == c.Port, "metrics port collides with the API port"},
		{c.MongoURI == "", "mongodb uri is empty; event endpoints cannot start"},
		{c.InfluxURL != "" && c.InfluxBucket == "", "influx URL provided but bucket is missing"},
		{c.RateLimitRPS > 0 && c.RateLimitBurst <= 0, "rate limit rps set but burst is not positive; limiting disabled"},
		{c.RegistryUser != "" && c.RegistryPass == "", "registry user provided but password is missing"},
	}
	for _, ch := range checks {
		if ch.cond {
			warnings = append(warnings, ch.msg)
		}
	}
	switch c.NotificationLevel {
	case "all", "failure", "none":
	default:
		warnings = append(warnings, fmt.Sprintf("unknown notification level %q (expected all, failure or none)", c.NotificationLevel))
	}
	return warnings
}

// LoadConfigFromFile loads config from a YAML/JSON file
func LoadConfigFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
