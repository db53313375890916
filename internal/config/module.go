package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/fx"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	GRPC      GRPCConfig      `yaml:"grpc"`
	Storage   StorageConfig   `yaml:"storage"`
	Engine    EngineConfig    `yaml:"engine"`
	Tasks     TasksConfig     `yaml:"tasks"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Notify    NotifyConfig    `yaml:"notify"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port" validate:"min=1,max=65535"`
}

type GRPCConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port" validate:"min=1,max=65535"`
}

type StorageConfig struct {
	Driver   string      `yaml:"driver" validate:"oneof=postgres badger"`
	DSN      string      `yaml:"dsn" validate:"required_if=Driver postgres"`
	Path     string      `yaml:"path" validate:"required_if=Driver badger"`
	MaxConns int32       `yaml:"max_conns" validate:"min=0"`
	Retry    RetryConfig `yaml:"retry"`
}

type RetryConfig struct {
	MaxAttempts     int    `yaml:"max_attempts" validate:"min=0"`
	InitialInterval string `yaml:"initial_interval"`
	MaxInterval     string `yaml:"max_interval"`
}

type EngineConfig struct {
	MaxConcurrentNodes        int    `yaml:"max_concurrent_nodes" validate:"min=1"`
	MaxConcurrentPerExecution int    `yaml:"max_concurrent_per_execution" validate:"min=0"`
	DefaultMaxAttempts        int    `yaml:"default_max_attempts" validate:"min=1"`
	BackoffBase               string `yaml:"backoff_base"`
	BackoffMax                string `yaml:"backoff_max"`
	NodeTimeout               string `yaml:"node_timeout"`
	SubscriberBuffer          int    `yaml:"subscriber_buffer" validate:"min=1"`
	RecoveryParallelism       int    `yaml:"recovery_parallelism" validate:"min=1"`
}

type TasksConfig struct {
	Driver  string `yaml:"driver" validate:"oneof=http echo"`
	URL     string `yaml:"url" validate:"omitempty,url"`
	Timeout string `yaml:"timeout"`
	APIKey  string `yaml:"api_key"`
}

type LoggingConfig struct {
	Level      string `yaml:"level" validate:"oneof=debug info warn error"`
	Format     string `yaml:"format" validate:"oneof=json console"`
	SinkURL    string `yaml:"sink_url" validate:"omitempty,url"`
	SinkAPIKey string `yaml:"sink_api_key"`
}

type TelemetryConfig struct {
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	ServiceName    string `yaml:"service_name"`
	MetricInterval string `yaml:"metric_interval"`
}

type NotifyConfig struct {
	Webhooks []string `yaml:"webhooks" validate:"dive,url"`
	Timeout  string   `yaml:"timeout"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8100,
		},
		GRPC: GRPCConfig{
			Host: "0.0.0.0",
			Port: 9114,
		},
		Storage: StorageConfig{
			Driver:   "badger",
			Path:     "data/dagengine",
			MaxConns: 10,
			Retry: RetryConfig{
				MaxAttempts:     5,
				InitialInterval: "50ms",
				MaxInterval:     "2s",
			},
		},
		Engine: EngineConfig{
			MaxConcurrentNodes:  16,
			DefaultMaxAttempts:  3,
			BackoffBase:         "500ms",
			BackoffMax:          "30s",
			SubscriberBuffer:    256,
			RecoveryParallelism: 4,
		},
		Tasks: TasksConfig{
			Driver:  "echo",
			Timeout: "10m",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "dagengine",
			MetricInterval: "15s",
		},
		Notify: NotifyConfig{
			Timeout: "5s",
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return cfg, err
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if v := env("APP_SERVER_PORT"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = parsed
		}
	}
	if v := env("APP_GRPC_PORT"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.GRPC.Port = parsed
		}
	}
	if v := env("APP_STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := env("APP_STORAGE_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := env("APP_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := env("APP_TASKS_DRIVER"); v != "" {
		cfg.Tasks.Driver = v
	}
	if v := env("APP_TASKS_URL"); v != "" {
		cfg.Tasks.URL = v
	}
	if v := env("APP_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v := env("APP_MAX_CONCURRENT_NODES"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Engine.MaxConcurrentNodes = parsed
		}
	}
	if v := env("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}

	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(cfg); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Tasks.Driver == "http" && cfg.Tasks.URL == "" {
		return cfg, errors.New("invalid config: tasks.url is required for the http driver")
	}
	return cfg, nil
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

// ParseDuration parses raw and falls back to def when raw is empty or
// invalid.
func ParseDuration(raw string, def time.Duration) time.Duration {
	if strings.TrimSpace(raw) == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return def
	}
	return d
}

func Module(path string) fx.Option {
	return fx.Provide(func() (Config, error) {
		return Load(path)
	})
}
