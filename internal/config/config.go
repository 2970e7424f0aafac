// Package config loads orchestrator configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all orchestrator configuration, read once at startup from
// the environment table the HTTP surface and pipelines are built against.
type Config struct {
	UpdateLogsDir string
	WorkDir       string
	ComposeProject string
	DeploymentRepoURL string
	DockerBin     string // explicit override; empty means auto-discover

	UpdateInclude []string // explicit service list; overrides UpdateExclude entirely
	UpdateExclude []string
	HealthServices []string

	HealthTimeout   time.Duration
	ComposeTimeout  time.Duration
	SSEHeartbeat    time.Duration

	VersionChannelDefault string
	VersionManifestURL    string
	VersionCacheTTL        time.Duration
	VersionMinRefresh      time.Duration

	BackupsDir string

	WebPort              string
	LogJSON              bool
	MetricsEnabled       bool
	MetricsTextfilePath  string // empty disables the node_exporter textfile export

	// Optional enrichment notifiers. Empty values disable each.
	WebhookURL     string
	WebhookHeaders string // comma-separated "Key:Value" pairs
	MQTTBroker     string
	MQTTTopic      string

	// Optional S3 mirror of backup generations. Empty bucket disables it.
	S3Bucket string
	S3Prefix string

	DBPath string
}

// Load reads all configuration from environment variables with the
// defaults listed in the external interfaces spec.
func Load() *Config {
	return &Config{
		UpdateLogsDir:     envStr("UPDATE_LOGS_DIR", "/update_logs"),
		WorkDir:           envStr("WORKDIR", "/workspace"),
		ComposeProject:    envStr("COMPOSE_PROJECT_NAME", "canopyos"),
		DeploymentRepoURL: envStr("DEPLOYMENT_REPO_URL", ""),
		DockerBin:         envStr("DOCKER_BIN", ""),

		UpdateInclude:  envList("UPDATE_INCLUDE", nil),
		UpdateExclude:  envList("UPDATE_EXCLUDE", []string{"updater"}),
		HealthServices: envList("UPDATE_HEALTH_SERVICES", []string{"postgres", "influxdb", "backend"}),

		HealthTimeout:  envDuration("HEALTH_TIMEOUT_SECONDS", 300*time.Second),
		ComposeTimeout: envDuration("COMPOSE_TIMEOUT_SECONDS", 600*time.Second),
		SSEHeartbeat:   envDuration("SSE_HEARTBEAT_SECONDS", 15*time.Second),

		VersionChannelDefault: envStr("VERSION_CHANNEL_DEFAULT", "stable"),
		VersionManifestURL:    envStr("VERSION_MANIFEST_URL", ""),
		VersionCacheTTL:       envDuration("VERSION_CACHE_TTL_SECONDS", 3600*time.Second),
		VersionMinRefresh:     envDuration("VERSION_MIN_REFRESH_SECONDS", 120*time.Second),

		BackupsDir: envStr("BACKUPS_DIR", "/backups"),

		WebPort:             envStr("WEB_PORT", "8080"),
		LogJSON:             envBool("LOG_JSON", true),
		MetricsEnabled:      envBool("METRICS_ENABLED", true),
		MetricsTextfilePath: envStr("METRICS_TEXTFILE_PATH", ""),

		WebhookURL:     envStr("NOTIFY_WEBHOOK_URL", ""),
		WebhookHeaders: envStr("NOTIFY_WEBHOOK_HEADERS", ""),
		MQTTBroker:     envStr("NOTIFY_MQTT_BROKER", ""),
		MQTTTopic:      envStr("NOTIFY_MQTT_TOPIC", "canopyos/updater"),

		S3Bucket: envStr("BACKUP_S3_BUCKET", ""),
		S3Prefix: envStr("BACKUP_S3_PREFIX", ""),

		DBPath: envStr("UPDATER_DB_PATH", "/data/updater.db"),
	}
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	var errs []error
	if c.HealthTimeout <= 0 {
		errs = append(errs, fmt.Errorf("HEALTH_TIMEOUT_SECONDS must be > 0, got %s", c.HealthTimeout))
	}
	if c.ComposeTimeout <= 0 {
		errs = append(errs, fmt.Errorf("COMPOSE_TIMEOUT_SECONDS must be > 0, got %s", c.ComposeTimeout))
	}
	if c.SSEHeartbeat <= 0 {
		errs = append(errs, fmt.Errorf("SSE_HEARTBEAT_SECONDS must be > 0, got %s", c.SSEHeartbeat))
	}
	if c.VersionCacheTTL < c.VersionMinRefresh {
		errs = append(errs, fmt.Errorf("VERSION_CACHE_TTL_SECONDS must be >= VERSION_MIN_REFRESH_SECONDS"))
	}
	if c.WorkDir == "" {
		errs = append(errs, fmt.Errorf("WORKDIR must not be empty"))
	}
	return errors.Join(errs...)
}

// PinnedOverridePath returns the path of the pinned compose override file.
func (c *Config) PinnedOverridePath() string {
	return c.WorkDir + "/docker-compose.pinned.yml"
}

// Values returns the core configuration as a string map for display/logging,
// keyed by env var name. BACKUPS_DIR, LOG_JSON, the notifier, S3 and
// database settings are not included.
func (c *Config) Values() map[string]string {
	return map[string]string{
		"UPDATE_LOGS_DIR":            c.UpdateLogsDir,
		"WORKDIR":                    c.WorkDir,
		"COMPOSE_PROJECT_NAME":       c.ComposeProject,
		"DEPLOYMENT_REPO_URL":        c.DeploymentRepoURL,
		"DOCKER_BIN":                 c.DockerBin,
		"UPDATE_INCLUDE":             strings.Join(c.UpdateInclude, ","),
		"UPDATE_EXCLUDE":             strings.Join(c.UpdateExclude, ","),
		"UPDATE_HEALTH_SERVICES":     strings.Join(c.HealthServices, ","),
		"HEALTH_TIMEOUT_SECONDS":     c.HealthTimeout.String(),
		"COMPOSE_TIMEOUT_SECONDS":    c.ComposeTimeout.String(),
		"SSE_HEARTBEAT_SECONDS":      c.SSEHeartbeat.String(),
		"VERSION_CHANNEL_DEFAULT":    c.VersionChannelDefault,
		"VERSION_MANIFEST_URL":       c.VersionManifestURL,
		"VERSION_CACHE_TTL_SECONDS":  c.VersionCacheTTL.String(),
		"VERSION_MIN_REFRESH_SECONDS": c.VersionMinRefresh.String(),
		"WEB_PORT":                   c.WebPort,
		"METRICS_ENABLED":            fmt.Sprintf("%t", c.MetricsEnabled),
		"METRICS_TEXTFILE_PATH":      c.MetricsTextfilePath,
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if trimmed := strings.TrimSpace(s); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if out == nil {
		return def
	}
	return out
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	// These env vars are documented in seconds, not Go duration syntax.
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return def
}
