// Package config loads stepflowd settings from defaults, an optional YAML
// file and STEPFLOW_* environment variables, in that order of precedence.
package config

import "time"

// Backend names accepted by StoreConfig.Backend and QueueConfig.Backend.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMongo    = "mongo"
)

type Config struct {
	Log       LogConfig       `koanf:"log"`
	Store     StoreConfig     `koanf:"store"`
	Queue     QueueConfig     `koanf:"queue"`
	Engine    EngineConfig    `koanf:"engine"`
	Timer     TimerConfig     `koanf:"timer"`
	Notify    NotifyConfig    `koanf:"notify"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Workflows WorkflowsConfig `koanf:"workflows"`
}

type LogConfig struct {
	Level string `koanf:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `koanf:"json"`
}

// StoreConfig selects where execution records, history and leases live.
type StoreConfig struct {
	Backend       string `koanf:"backend" validate:"oneof=memory sqlite postgres redis mongo"`
	SQLitePath    string `koanf:"sqlite_path" validate:"required_if=Backend sqlite"`
	PostgresDSN   string `koanf:"postgres_dsn" validate:"required_if=Backend postgres"`
	RedisAddr     string `koanf:"redis_addr" validate:"required_if=Backend redis"`
	RedisPrefix   string `koanf:"redis_prefix"`
	MongoURI      string `koanf:"mongo_uri" validate:"required_if=Backend mongo"`
	MongoDatabase string `koanf:"mongo_database"`
}

// QueueConfig selects the evaluation task queue. An empty backend reuses
// the store backend and its connection.
type QueueConfig struct {
	Backend string `koanf:"backend" validate:"omitempty,oneof=memory sqlite postgres redis mongo"`
}

type EngineConfig struct {
	Workers                  int           `koanf:"workers" validate:"min=1"`
	LeaseTTL                 time.Duration `koanf:"lease_ttl" validate:"min=0"`
	StaleAfter               time.Duration `koanf:"stale_after" validate:"min=0"`
	MaxConflictRetries       int           `koanf:"max_conflict_retries" validate:"min=0"`
	MaxStepsPerPass          int           `koanf:"max_steps_per_pass" validate:"min=0"`
	AllowDeadlineBeforeWaits bool          `koanf:"allow_deadline_before_waits"`
}

type TimerConfig struct {
	SweepSchedule string `koanf:"sweep_schedule" validate:"required"`
}

type NotifyConfig struct {
	Log          bool     `koanf:"log"`
	KafkaBrokers []string `koanf:"kafka_brokers"`
	Topic        string   `koanf:"topic"`
}

type TelemetryConfig struct {
	// OTLPEndpoint enables trace export over OTLP/HTTP when set.
	OTLPEndpoint string `koanf:"otlp_endpoint"`
	// MetricsAddr serves Prometheus metrics on /metrics when set.
	MetricsAddr string `koanf:"metrics_addr"`
}

type WorkflowsConfig struct {
	// Dir is scanned for *.yaml workflow definitions at startup.
	Dir string `koanf:"dir"`
}

// Default returns the built-in configuration: everything in memory, four
// workers, hourly recovery sweep.
func Default() *Config {
	return &Config{
		Log:   LogConfig{Level: "info"},
		Store: StoreConfig{Backend: BackendMemory, RedisPrefix: "stepflow:", MongoDatabase: "stepflow"},
		Engine: EngineConfig{
			Workers:            4,
			LeaseTTL:           30 * time.Second,
			StaleAfter:         time.Minute,
			MaxConflictRetries: 5,
			MaxStepsPerPass:    1000,
		},
		Timer:  TimerConfig{SweepSchedule: "@hourly"},
		Notify: NotifyConfig{Log: true},
	}
}

// QueueBackend resolves the effective queue backend.
func (c *Config) QueueBackend() string {
	if c.Queue.Backend != "" {
		return c.Queue.Backend
	}
	return c.Store.Backend
}
