package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// QueueConfig controls enqueue defaults and backpressure.
type QueueConfig struct {
	// MaxDepth is the maximum number of pending+retrying tasks before
	// enqueue is rejected. 0 = unlimited.
	MaxDepth int `yaml:"max_depth"`

	DefaultPriority          int `yaml:"default_priority"`
	DefaultMaxRetries        int `yaml:"default_max_retries"`
	DefaultRetryDelaySeconds int `yaml:"default_retry_delay_seconds"`

	// RetryMaxDelaySeconds caps the exponential backoff between retries.
	RetryMaxDelaySeconds int `yaml:"retry_max_delay_seconds"`
}

// WorkersConfig controls liveness tracking for registered workers.
type WorkersConfig struct {
	// HeartbeatTimeoutSeconds is how long a worker may stay silent before
	// the reaper marks it offline and reclaims its tasks.
	HeartbeatTimeoutSeconds int `yaml:"heartbeat_timeout_seconds"`
	ReaperIntervalSeconds   int `yaml:"reaper_interval_seconds"`
}

// EngineConfig controls the embedded worker pool started by `apiforge worker`.
type EngineConfig struct {
	WorkerCount              int    `yaml:"worker_count"`
	MaxConcurrentTasks       int    `yaml:"max_concurrent_tasks"`
	PollIntervalSeconds      int    `yaml:"poll_interval_seconds"`
	HeartbeatIntervalSeconds int    `yaml:"heartbeat_interval_seconds"`
	TaskTimeoutSeconds       int    `yaml:"task_timeout_seconds"`
	WorkerType               string `yaml:"worker_type"`

	// CallbackURL receives the endpoint descriptor via HTTP POST; the
	// response body is stored as the task result.
	CallbackURL string `yaml:"callback_url"`
}

// ProgressConfig controls the drift-detection reconciliation sweep.
type ProgressConfig struct {
	ReconcileIntervalSeconds int `yaml:"reconcile_interval_seconds"`
}

// MaintenanceConfig schedules background database upkeep. Cron specs use the
// standard five-field form.
type MaintenanceConfig struct {
	BackupCron   string `yaml:"backup_cron"`
	OptimizeCron string `yaml:"optimize_cron"`
	BackupDir    string `yaml:"backup_dir"`
}

// OtelConfig controls the OpenTelemetry pipeline.
type OtelConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // "stdout" or "otlp"
	Endpoint string `yaml:"endpoint"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`
	DBPath   string `yaml:"db_path"`

	// AllowOrigins controls which Origin headers are accepted for browser
	// WS connections. Empty means local-only.
	AllowOrigins []string `yaml:"allow_origins"`

	// AuthToken, when set, requires `Authorization: Bearer <token>` on every
	// gateway request except /healthz. Empty disables auth (local use).
	AuthToken string `yaml:"auth_token"`

	// DrainTimeoutSeconds bounds graceful shutdown. 0 uses default (5s).
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	Queue       QueueConfig       `yaml:"queue"`
	Workers     WorkersConfig     `yaml:"workers"`
	Engine      EngineConfig      `yaml:"engine"`
	Progress    ProgressConfig    `yaml:"progress"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Otel        OtelConfig        `yaml:"otel"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the active config, logged at startup
// so operators can tell which configuration a process is running.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|db=%s|depth=%d|hb=%d|origins=%v",
		c.BindAddr, c.LogLevel, c.DBPath, c.Queue.MaxDepth,
		c.Workers.HeartbeatTimeoutSeconds, c.AllowOrigins)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// HeartbeatTimeout returns the worker liveness window as a duration.
func (c Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.Workers.HeartbeatTimeoutSeconds) * time.Second
}

func defaultConfig() Config {
	return Config{
		BindAddr:            "127.0.0.1:18990",
		LogLevel:            "info",
		DrainTimeoutSeconds: 5,
		Queue: QueueConfig{
			MaxDepth:                 0,
			DefaultPriority:          3,
			DefaultMaxRetries:        3,
			DefaultRetryDelaySeconds: 5,
			RetryMaxDelaySeconds:     300,
		},
		Workers: WorkersConfig{
			HeartbeatTimeoutSeconds: 30,
			ReaperIntervalSeconds:   10,
		},
		Engine: EngineConfig{
			WorkerCount:              4,
			MaxConcurrentTasks:       1,
			PollIntervalSeconds:      2,
			HeartbeatIntervalSeconds: 10,
			TaskTimeoutSeconds:       int((10 * time.Minute).Seconds()),
			WorkerType:               "general",
		},
		Progress: ProgressConfig{
			ReconcileIntervalSeconds: 60,
		},
		Maintenance: MaintenanceConfig{
			BackupCron:   "",
			OptimizeCron: "",
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("APIFORGE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".apiforge")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create apiforge home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18990"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "queue.db")
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 5
	}
	if cfg.Queue.DefaultPriority < 1 || cfg.Queue.DefaultPriority > 5 {
		cfg.Queue.DefaultPriority = 3
	}
	if cfg.Queue.DefaultMaxRetries < 0 {
		cfg.Queue.DefaultMaxRetries = 3
	}
	if cfg.Queue.DefaultRetryDelaySeconds <= 0 {
		cfg.Queue.DefaultRetryDelaySeconds = 5
	}
	if cfg.Queue.RetryMaxDelaySeconds <= 0 {
		cfg.Queue.RetryMaxDelaySeconds = 300
	}
	if cfg.Workers.HeartbeatTimeoutSeconds <= 0 {
		cfg.Workers.HeartbeatTimeoutSeconds = 30
	}
	if cfg.Workers.ReaperIntervalSeconds <= 0 {
		cfg.Workers.ReaperIntervalSeconds = 10
	}
	if cfg.Engine.WorkerCount <= 0 {
		cfg.Engine.WorkerCount = 4
	}
	if cfg.Engine.MaxConcurrentTasks <= 0 {
		cfg.Engine.MaxConcurrentTasks = 1
	}
	if cfg.Engine.PollIntervalSeconds <= 0 {
		cfg.Engine.PollIntervalSeconds = 2
	}
	if cfg.Engine.HeartbeatIntervalSeconds <= 0 {
		cfg.Engine.HeartbeatIntervalSeconds = 10
	}
	if cfg.Engine.TaskTimeoutSeconds <= 0 {
		cfg.Engine.TaskTimeoutSeconds = int((10 * time.Minute).Seconds())
	}
	if cfg.Engine.WorkerType == "" {
		cfg.Engine.WorkerType = "general"
	}
	if cfg.Progress.ReconcileIntervalSeconds <= 0 {
		cfg.Progress.ReconcileIntervalSeconds = 60
	}
	if cfg.Maintenance.BackupDir == "" {
		cfg.Maintenance.BackupDir = filepath.Join(cfg.HomeDir, "backups")
	}
	if cfg.Otel.Exporter == "" {
		cfg.Otel.Exporter = "stdout"
	}
}

// validate rejects configurations the runtime cannot honor. The heartbeat
// interval must undercut the timeout or every embedded worker would be
// reaped between beats.
func validate(cfg *Config) error {
	if cfg.Engine.HeartbeatIntervalSeconds >= cfg.Workers.HeartbeatTimeoutSeconds {
		return fmt.Errorf("engine.heartbeat_interval_seconds (%d) must be < workers.heartbeat_timeout_seconds (%d)",
			cfg.Engine.HeartbeatIntervalSeconds, cfg.Workers.HeartbeatTimeoutSeconds)
	}
	if cfg.Queue.MaxDepth < 0 {
		return fmt.Errorf("queue.max_depth must be >= 0, got %d", cfg.Queue.MaxDepth)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("APIFORGE_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("APIFORGE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("APIFORGE_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("APIFORGE_AUTH_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
	if raw := os.Getenv("APIFORGE_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DrainTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("APIFORGE_MAX_QUEUE_DEPTH"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Queue.MaxDepth = v
		}
	}
	if raw := os.Getenv("APIFORGE_HEARTBEAT_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Workers.HeartbeatTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("APIFORGE_REAPER_INTERVAL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Workers.ReaperIntervalSeconds = v
		}
	}
	if raw := os.Getenv("APIFORGE_WORKER_COUNT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Engine.WorkerCount = v
		}
	}
	if raw := os.Getenv("APIFORGE_CALLBACK_URL"); raw != "" {
		cfg.Engine.CallbackURL = raw
	}
	if raw := os.Getenv("APIFORGE_OTEL_ENABLED"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Otel.Enabled = v
		}
	}
	if raw := os.Getenv("APIFORGE_OTEL_ENDPOINT"); raw != "" {
		cfg.Otel.Endpoint = raw
	}
}
