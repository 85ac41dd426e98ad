// Package config loads the process configuration from a YAML file, a .env
// file and DLQ_* environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/download-queue/internal/logger"
)

// DefaultPath is used when no --config flag is given.
const DefaultPath = "configs/default.yaml"

// Config represents the complete system configuration.
type Config struct {
	Queue      QueueConfig      `yaml:"queue"`
	State      StateConfig      `yaml:"state"`
	Reputation ReputationConfig `yaml:"reputation"`
	Schedule   ScheduleConfig   `yaml:"schedule"`
	Storage    StorageConfig    `yaml:"storage"`
	Notify     NotifyConfig     `yaml:"notify"`
	Library    LibraryConfig    `yaml:"library"`
	Server     ServerConfig     `yaml:"server"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Executor   ExecutorConfig   `yaml:"executor"`
	Log        logger.Config    `yaml:"log"`
}

type QueueConfig struct {
	MaxConcurrent        int           `yaml:"max_concurrent"`
	DispatchInterval     time.Duration `yaml:"dispatch_interval"`
	StaggerDelay         time.Duration `yaml:"stagger_delay"`
	StallScanInterval    time.Duration `yaml:"stall_scan_interval"`
	SlowScanInterval     time.Duration `yaml:"slow_scan_interval"`
	MetricsInterval      time.Duration `yaml:"metrics_interval"`
	BlockCleanupInterval time.Duration `yaml:"block_cleanup_interval"`
	StartupRetryCeiling  int           `yaml:"startup_retry_ceiling"`
	CompletionRatio      float64       `yaml:"completion_ratio"`
	AbortSlowTransfers   bool          `yaml:"abort_slow_transfers"`
	// Paused starts the queue without dispatching.
	Paused bool `yaml:"paused"`
}

type StateConfig struct {
	MaxRetryCount    int                 `yaml:"max_retry_count"`
	MaxRequeueCount  int                 `yaml:"max_requeue_count"`
	StallTimeout     time.Duration       `yaml:"stall_timeout"`
	ExtraTransitions map[string][]string `yaml:"extra_transitions"`
}

type ReputationConfig struct {
	BlockThreshold         int           `yaml:"block_threshold"`
	TempBlockDuration      time.Duration `yaml:"temp_block_duration"`
	EscalatedBlockDuration time.Duration `yaml:"escalated_block_duration"`
	SpeedWindow            int           `yaml:"speed_window"`
	MinSpeedBytes          int64         `yaml:"min_speed_bytes"`
	SlowGracePeriod        time.Duration `yaml:"slow_grace_period"`
}

type ScheduleConfig struct {
	Enabled    bool  `yaml:"enabled"`
	StartHour  int   `yaml:"start_hour"`
	EndHour    int   `yaml:"end_hour"`
	DaysOfWeek []int `yaml:"days_of_week"`
}

type StorageConfig struct {
	Driver           string        `yaml:"driver"`
	Dir              string        `yaml:"dir"`
	DSN              string        `yaml:"dsn"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
	SyncWrites       bool          `yaml:"sync_writes"`
}

type NotifyConfig struct {
	BufferSize int         `yaml:"buffer_size"`
	Redis      RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

type LibraryConfig struct {
	Root string `yaml:"root"`
}

type ServerConfig struct {
	HTTPAddr    string   `yaml:"http_addr"`
	GRPCAddr    string   `yaml:"grpc_addr"`
	CORSOrigins []string `yaml:"cors_origins"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

type ExecutorConfig struct {
	Simulate    bool          `yaml:"simulate"`
	FailureRate float64       `yaml:"failure_rate"`
	MinDelay    time.Duration `yaml:"min_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	StepDelay   time.Duration `yaml:"step_delay"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Queue: QueueConfig{
			MaxConcurrent:        3,
			DispatchInterval:     5 * time.Second,
			StaggerDelay:         2 * time.Second,
			StallScanInterval:    time.Minute,
			SlowScanInterval:     30 * time.Second,
			MetricsInterval:      5 * time.Minute,
			BlockCleanupInterval: 10 * time.Minute,
			StartupRetryCeiling:  3,
			CompletionRatio:      0.8,
			AbortSlowTransfers:   true,
		},
		State: StateConfig{
			MaxRetryCount:   5,
			MaxRequeueCount: 3,
			StallTimeout:    15 * time.Minute,
		},
		Reputation: ReputationConfig{
			BlockThreshold:         3,
			TempBlockDuration:      2 * time.Hour,
			EscalatedBlockDuration: 4 * time.Hour,
			SpeedWindow:            10,
			MinSpeedBytes:          50 * 1024,
			SlowGracePeriod:        time.Minute,
		},
		Storage: StorageConfig{
			Driver:           "file",
			Dir:              "data",
			SnapshotInterval: time.Minute,
		},
		Notify: NotifyConfig{
			BufferSize: 256,
			Redis: RedisConfig{
				Addr:    "127.0.0.1:6379",
				Channel: "dlqueue:events",
			},
		},
		Server: ServerConfig{
			HTTPAddr:    ":8080",
			GRPCAddr:    ":50051",
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Metrics: MetricsConfig{Enabled: true},
		Executor: ExecutorConfig{
			Simulate:    true,
			FailureRate: 0.1,
			MinDelay:    500 * time.Millisecond,
			MaxDelay:    3 * time.Second,
		},
		Log: logger.Config{
			Level:      "info",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     28,
			Compress:   true,
		},
	}
}

// Load reads path on top of the defaults. A missing file is not an error.
// Variables from a .env file in the working directory never override ones
// already present in the environment.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config YAML: %w", err)
			}
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Storage.Driver = getEnv("DLQ_STORAGE_DRIVER", c.Storage.Driver)
	c.Storage.Dir = getEnv("DLQ_STORAGE_DIR", c.Storage.Dir)
	c.Storage.DSN = getEnv("DLQ_STORAGE_DSN", c.Storage.DSN)
	c.Server.HTTPAddr = getEnv("DLQ_HTTP_ADDR", c.Server.HTTPAddr)
	c.Server.GRPCAddr = getEnv("DLQ_GRPC_ADDR", c.Server.GRPCAddr)
	if origins, ok := os.LookupEnv("DLQ_CORS_ORIGINS"); ok {
		c.Server.CORSOrigins = splitList(origins)
	}
	c.Library.Root = getEnv("DLQ_LIBRARY_ROOT", c.Library.Root)
	c.Log.Level = getEnv("DLQ_LOG_LEVEL", c.Log.Level)
	c.Log.File = getEnv("DLQ_LOG_FILE", c.Log.File)
	c.Notify.Redis.Enabled = getEnvBool("DLQ_REDIS_ENABLED", c.Notify.Redis.Enabled)
	c.Notify.Redis.Addr = getEnv("DLQ_REDIS_ADDR", c.Notify.Redis.Addr)
	c.Notify.Redis.Password = getEnv("DLQ_REDIS_PASSWORD", c.Notify.Redis.Password)
	c.Notify.Redis.DB = getEnvInt("DLQ_REDIS_DB", c.Notify.Redis.DB)
	c.Queue.MaxConcurrent = getEnvInt("DLQ_MAX_CONCURRENT", c.Queue.MaxConcurrent)
	c.State.MaxRetryCount = getEnvInt("DLQ_MAX_RETRY", c.State.MaxRetryCount)
	c.Executor.Simulate = getEnvBool("DLQ_SIMULATE", c.Executor.Simulate)
	c.Queue.Paused = getEnvBool("DLQ_START_PAUSED", c.Queue.Paused)
}

// Validate rejects values the services cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Queue.MaxConcurrent < 1 {
		errs = append(errs, fmt.Errorf("queue.max_concurrent must be >= 1, got %d", c.Queue.MaxConcurrent))
	}
	if c.Queue.CompletionRatio <= 0 || c.Queue.CompletionRatio > 1 {
		errs = append(errs, fmt.Errorf("queue.completion_ratio must be in (0,1], got %v", c.Queue.CompletionRatio))
	}
	if c.State.MaxRetryCount < 1 {
		errs = append(errs, fmt.Errorf("state.max_retry_count must be >= 1"))
	}
	if c.State.StallTimeout <= 0 {
		errs = append(errs, fmt.Errorf("state.stall_timeout must be positive"))
	}
	if c.Reputation.BlockThreshold < 1 {
		errs = append(errs, fmt.Errorf("reputation.block_threshold must be >= 1"))
	}
	if c.Schedule.StartHour < 0 || c.Schedule.StartHour > 23 || c.Schedule.EndHour < 0 || c.Schedule.EndHour > 23 {
		errs = append(errs, fmt.Errorf("schedule hours must be within 0-23"))
	}
	for _, d := range c.Schedule.DaysOfWeek {
		if d < 0 || d > 6 {
			errs = append(errs, fmt.Errorf("schedule.days_of_week entry %d out of range 0-6", d))
		}
	}
	switch c.Storage.Driver {
	case "file":
		if c.Storage.Dir == "" {
			errs = append(errs, fmt.Errorf("storage.dir is required for the file driver"))
		}
	case "mysql":
		if c.Storage.DSN == "" {
			errs = append(errs, fmt.Errorf("storage.dsn is required for the mysql driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.driver %q", c.Storage.Driver))
	}
	if c.Executor.FailureRate < 0 || c.Executor.FailureRate > 1 {
		errs = append(errs, fmt.Errorf("executor.failure_rate must be in [0,1]"))
	}
	return errors.Join(errs...)
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
