// -----------------------------------------------------------------------
// Application configuration: loaded from a TOML file with environment
// variable overrides, following the same default->file->env priority
// chain used throughout the teacher codebase this was adapted from.
// -----------------------------------------------------------------------

package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config is the root application configuration.
type Config struct {
	Environment string         `toml:"environment"`
	DataDir     string         `toml:"data_dir"` // root for per-job working directories (SPEC_FULL.md §6)
	Server      ServerConfig   `toml:"server"`
	SQLite      SQLiteConfig   `toml:"sqlite"`
	Logging     LoggingConfig  `toml:"logging"`
	Queue       QueueConfig    `toml:"queue"`
	Worker      WorkerConfig   `toml:"worker"`
	Gateway     GatewayConfig  `toml:"gateway"`
	Recovery    RecoveryConfig `toml:"recovery"`
}

// ServerConfig configures the local HTTP/WebSocket status surface.
type ServerConfig struct {
	Host string `toml:"host"` // default: "127.0.0.1" - loopback only, no remote exposure
	Port int    `toml:"port"`
}

// SQLiteConfig configures the Store's database connection.
type SQLiteConfig struct {
	Path            string `toml:"path"`
	Environment     string `toml:"-"` // populated from Config.Environment at load time
	ResetOnStartup  bool   `toml:"reset_on_startup"`
	WALMode         bool   `toml:"wal_mode"`
	BusyTimeoutMS   int    `toml:"busy_timeout_ms"`
	CacheSizeMB     int    `toml:"cache_size_mb"`
}

// LoggingConfig configures the arbor logger.
type LoggingConfig struct {
	Level      string   `toml:"level"`       // debug|info|warn|error
	Format     string   `toml:"format"`      // text|json
	Output     []string `toml:"output"`      // any of: stdout, file
	TimeFormat string   `toml:"time_format"`
}

// QueueConfig configures the bounded-concurrency job scheduler.
type QueueConfig struct {
	MaxConcurrentJobs int    `toml:"max_concurrent_jobs"` // semaphore permit count
	QueueTimeout      string `toml:"queue_timeout"`       // duration string, e.g. "30s"
	DefaultJobTimeout string `toml:"default_job_timeout"` // duration string, e.g. "10m"
	ScoringJobTimeout string `toml:"scoring_job_timeout"` // duration string, e.g. "5m"
	GracefulShutdown  string `toml:"graceful_shutdown"`   // duration string, e.g. "2s"
	StreamDrainTimeout string `toml:"stream_drain_timeout"` // duration string, e.g. "5s"
	StaleJobThreshold  string `toml:"stale_job_threshold"`  // duration string, e.g. "10m"
	LogFlushBatchSize  int    `toml:"log_flush_batch_size"`
	LogFlushInterval   string `toml:"log_flush_interval"` // duration string, e.g. "500ms"
	MaxAccumulatedOutputBytes int64 `toml:"max_accumulated_output_bytes"`
}

// WorkerConfig configures resolution of the AI worker executable.
type WorkerConfig struct {
	ExecutablePath string `toml:"executable_path"` // explicit override; empty triggers PATH/login-shell lookup
	ExecutableName string `toml:"executable_name"`  // name used for lookup when ExecutablePath is empty
	UseChrome      bool   `toml:"use_chrome"`
	LoginShells    []string `toml:"login_shells"`
}

// GatewayConfig configures an Anthropic-compatible gateway the worker
// process is pointed at instead of the public API.
type GatewayConfig struct {
	Enabled        bool   `toml:"enabled"`
	BaseURL        string `toml:"base_url"`
	AuthTokenEnv   string `toml:"auth_token_env"`   // env var name to read the token from in the parent process
	APITimeoutMS   int    `toml:"api_timeout_ms"`
}

// RecoveryConfig configures the startup and periodic recovery sweeps.
type RecoveryConfig struct {
	PeriodicSweep bool   `toml:"periodic_sweep"`
	CronSchedule  string `toml:"cron_schedule"` // robfig/cron expression
}

// NewDefaultConfig returns a configuration with production-sane defaults.
// Only user-facing settings should need overriding in scoutd.toml.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		DataDir:     "./data/jobs",
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8765,
		},
		SQLite: SQLiteConfig{
			Path:           "./data/scoutd.db",
			ResetOnStartup: false,
			WALMode:        true,
			BusyTimeoutMS:  5000,
			CacheSizeMB:    64,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     []string{"stdout", "file"},
			TimeFormat: "15:04:05.000",
		},
		Queue: QueueConfig{
			MaxConcurrentJobs:        5,
			QueueTimeout:             "30s",
			DefaultJobTimeout:        "10m",
			ScoringJobTimeout:        "5m",
			GracefulShutdown:         "2s",
			StreamDrainTimeout:       "5s",
			StaleJobThreshold:        "10m",
			LogFlushBatchSize:        20,
			LogFlushInterval:         "500ms",
			MaxAccumulatedOutputBytes: 10 * 1024 * 1024,
		},
		Worker: WorkerConfig{
			ExecutableName: "claude",
			UseChrome:      false,
			LoginShells:    []string{"/bin/zsh", "/bin/bash"},
		},
		Gateway: GatewayConfig{
			Enabled:      false,
			AuthTokenEnv: "ANTHROPIC_AUTH_TOKEN",
			APITimeoutMS: 3_000_000,
		},
		Recovery: RecoveryConfig{
			PeriodicSweep: true,
			CronSchedule:  "0 */5 * * * *", // every 5 minutes
		},
	}
}

// LoadFromFile loads configuration with priority: default -> file -> env.
func LoadFromFile(path string) (*Config, error) {
	if path == "" {
		return LoadFromFiles()
	}
	return LoadFromFiles(path)
}

// LoadFromFiles loads configuration from multiple TOML files with
// priority: default -> file1 -> file2 -> ... -> env. Later files override
// earlier ones.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)
	config.SQLite.Environment = config.Environment

	return config, nil
}

// applyEnvOverrides applies SCOUTD_*-prefixed environment variable
// overrides to config, taking priority over every file.
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("SCOUTD_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	if host := os.Getenv("SCOUTD_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}
	if port := os.Getenv("SCOUTD_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}

	if path := os.Getenv("SCOUTD_SQLITE_PATH"); path != "" {
		config.SQLite.Path = path
	}

	if level := os.Getenv("SCOUTD_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if output := os.Getenv("SCOUTD_LOG_OUTPUT"); output != "" {
		outputs := splitAndTrimNonEmpty(output, ",")
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}

	if n := os.Getenv("SCOUTD_QUEUE_MAX_CONCURRENT_JOBS"); n != "" {
		if v, err := strconv.Atoi(n); err == nil {
			config.Queue.MaxConcurrentJobs = v
		}
	}
	if d := os.Getenv("SCOUTD_QUEUE_TIMEOUT"); d != "" {
		if _, err := time.ParseDuration(d); err == nil {
			config.Queue.QueueTimeout = d
		}
	}

	if path := os.Getenv("SCOUTD_WORKER_EXECUTABLE_PATH"); path != "" {
		config.Worker.ExecutablePath = path
	}
	// CLAUDE_PATH matches the original application's own override variable,
	// kept for operators migrating an existing deployment.
	if path := os.Getenv("CLAUDE_PATH"); path != "" && config.Worker.ExecutablePath == "" {
		config.Worker.ExecutablePath = path
	}

	if enabled := os.Getenv("SCOUTD_GATEWAY_ENABLED"); enabled != "" {
		if b, err := strconv.ParseBool(enabled); err == nil {
			config.Gateway.Enabled = b
		}
	}
	if url := os.Getenv("SCOUTD_GATEWAY_BASE_URL"); url != "" {
		config.Gateway.BaseURL = url
	}
}

func splitAndTrimNonEmpty(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// Duration parses a config duration string, falling back to def on error
// or an empty string. Every *Config duration field is validated this way
// at the point of use rather than at load time, so a malformed override
// degrades to the documented default instead of failing startup.
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
