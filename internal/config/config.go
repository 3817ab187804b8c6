// Package config loads gateway configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all gateway configuration loaded from environment variables.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	HTTPPort    int    `envconfig:"GATEWAY_HTTP_PORT" default:"8790"`

	// Data directory. Defaults to $HOME/.clawtalk when unset.
	DataDir string `envconfig:"CLAWTALK_DATA_DIR"`

	// Slack signing secrets (fallbacks bound to the "default" account).
	GatewaySlackSigningSecret string `envconfig:"GATEWAY_SLACK_SIGNING_SECRET"`
	SlackSigningSecret        string `envconfig:"SLACK_SIGNING_SECRET"`
	SlackBotToken             string `envconfig:"CLAWTALK_SLACK_BOT_TOKEN"`

	// Host (OpenClaw) endpoints.
	OpenClawWebhookURL string `envconfig:"GATEWAY_SLACK_OPENCLAW_WEBHOOK_URL"`
	OpenClawHTTPPort   int    `envconfig:"OPENCLAW_HTTP_PORT" default:"3000"`
	OpenClawConfigPath string `envconfig:"OPENCLAW_CONFIG_PATH"`

	// Job execution.
	JobBaseTimeout    time.Duration `envconfig:"CLAWTALK_JOB_BASE_TIMEOUT" default:"240s"`
	EventJobDebounce  int           `envconfig:"EVENT_JOB_DEBOUNCE_MS" default:"30000"`
	SchedulerInterval time.Duration `envconfig:"CLAWTALK_SCHEDULER_INTERVAL" default:"60s"`

	// Tool-affinity learner.
	AffinityEnabled         bool    `envconfig:"CLAWTALK_AFFINITY_ENABLED" default:"true"`
	AffinityWarmup          int     `envconfig:"CLAWTALK_AFFINITY_WARMUP" default:"3"`
	AffinityWindow          int     `envconfig:"CLAWTALK_AFFINITY_WINDOW" default:"50"`
	AffinityExplorationRate int     `envconfig:"CLAWTALK_AFFINITY_EXPLORATION_RATE" default:"20"`
	AffinityMinThreshold    float64 `envconfig:"CLAWTALK_AFFINITY_MIN_THRESHOLD" default:"0.1"`
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".clawtalk")
	}
	return &cfg, nil
}

// EventJobDebounceDuration returns the event-job debounce window.
func (c *Config) EventJobDebounceDuration() time.Duration {
	if c.EventJobDebounce <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.EventJobDebounce) * time.Millisecond
}

// TalksDir returns the root of the per-Talk directory tree.
func (c *Config) TalksDir() string {
	return filepath.Join(c.DataDir, "talks")
}

// HostWebhookBase returns the default host webhook URL built from the
// configured OpenClaw port. Explicit overrides take precedence at call sites.
func (c *Config) HostWebhookBase() string {
	port := c.OpenClawHTTPPort
	if port == 0 {
		port = 3000
	}
	return fmt.Sprintf("http://127.0.0.1:%d/slack/events", port)
}
