// Package config loads process configuration from a JSON document, the same
// pattern the teacher repo uses (encoding/json + os.ReadFile), extended with an
// environment-variable overlay for the operational knobs spec §6 calls out by name.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// Config is the entire application configuration.
type Config struct {
	Env     string `json:"env"`
	Port    int    `json:"port"`
	AppName string `json:"app_name"`

	MongoDB  MongoDBConfig  `json:"mongodb"`
	SQL      SQLConfig      `json:"sql"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
	AWS      AWSConfig      `json:"aws"`
	Logging  LoggingConfig  `json:"logging"`
	CORS     CORSConfig     `json:"cors"`

	Dispatch DispatchConfig `json:"dispatch"`
	Worker   WorkerConfig   `json:"worker"`
	Recovery RecoveryConfig `json:"recovery"`

	// CloudProjectID selects the store/backend variant: non-empty picks the managed
	// document database, empty picks the embedded SQL file (spec §4.A: "Selection is
	// by presence of a cloud-project configuration value at process start").
	CloudProjectID string `json:"cloud_project_id"`

	// WorkerSharedSecret authenticates worker-only HTTP endpoints (PATCH job/sim,
	// heartbeat). Identity/OIDC verification of end users is an external
	// collaborator and is not implemented here.
	WorkerSharedSecret string `json:"worker_shared_secret"`
}

type MongoDBConfig struct {
	URI      string `json:"uri"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       string `json:"db"`
}

// SQLConfig configures the embedded relational-file backend.
type SQLConfig struct {
	Path string `json:"path"`
}

type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Prefix   string `json:"prefix"`
}

type RabbitMQConfig struct {
	Username      string `json:"username"`
	Password      string `json:"password"`
	Host          string `json:"host"`
	Port          int    `json:"port"`
	VHost         string `json:"vhost"`
	ExchangeName  string `json:"exchange_name"`
	QueueName     string `json:"queue_name"`
	PrefetchCount int    `json:"prefetch_count"`
	// Enabled toggles broker mode vs. the no-broker polling mode of spec §4.B.
	Enabled bool `json:"enabled"`
}

type AWSConfig struct {
	S3     S3Config `json:"s3"`
	Region string   `json:"region"`
}

type S3Config struct {
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	Bucket          string `json:"bucket"`
}

type LoggingConfig struct {
	Level     string `json:"level"`
	Format    string `json:"format"`
	Directory string `json:"directory"`
}

type CORSConfig struct {
	AllowedOrigins   []string `json:"allowed_origins"`
	AllowedMethods   []string `json:"allowed_methods"`
	AllowedHeaders   []string `json:"allowed_headers"`
	AllowCredentials bool     `json:"allow_credentials"`
	MaxAge           int      `json:"max_age,omitempty"`
}

// DispatchConfig governs the Dispatcher.
type DispatchConfig struct {
	// PublishConcurrency bounds how many publishSimulationTask calls run at once
	// (spec §4.D step 6: "Publishing is concurrent but bounded").
	PublishConcurrency int `json:"publish_concurrency"`
}

// WorkerConfig governs worker capacity and container limits (spec §4.E, §6 env
// vars).
type WorkerConfig struct {
	RAMPerSimMB        int    `json:"ram_per_sim_mb"`
	SystemReserveMB    int    `json:"system_reserve_mb"`
	ContainerTimeoutMs int64  `json:"container_timeout_ms"`
	MaxConcurrentSims  int    `json:"max_concurrent_sims"`
	CPUsPerSim         int    `json:"cpus_per_sim"`
	SimulationImage    string `json:"simulation_image"`
	HeartbeatIntervalS int    `json:"heartbeat_interval_s"`
}

// RecoveryConfig governs the recovery engine's thresholds (spec §4.G, §5).
type RecoveryConfig struct {
	ScanIntervalS       int `json:"scan_interval_s"`
	StreamTickIntervalS int `json:"stream_tick_interval_s"`
	StuckQueuedS        int `json:"stuck_queued_s"`
	StuckPendingS       int `json:"stuck_pending_s"`
	StuckRunningS       int `json:"stuck_running_s"`
	RequeueCooldownS    int `json:"requeue_cooldown_s"`
}

// Defaults mirrors spec §6's documented defaults, applied before the JSON file and
// env overlay so a minimal config document still produces a runnable process.
func Defaults() Config {
	return Config{
		Port:    8080,
		AppName: "simbatch",
		SQL:     SQLConfig{Path: "simbatch.db"},
		Dispatch: DispatchConfig{
			PublishConcurrency: 8,
		},
		Worker: WorkerConfig{
			RAMPerSimMB:        1200,
			SystemReserveMB:    2048,
			ContainerTimeoutMs: 7_200_000,
			MaxConcurrentSims:  6,
			CPUsPerSim:         2,
			HeartbeatIntervalS: 15,
		},
		Recovery: RecoveryConfig{
			ScanIntervalS:       45,
			StreamTickIntervalS: 30,
			StuckQueuedS:        120,
			StuckPendingS:       300,
			StuckRunningS:       9000,
			RequeueCooldownS:    120,
		},
	}
}

// LoadConfig reads configuration from filePath, layering it over Defaults(), then
// applies the environment-variable overlay.
func LoadConfig(filePath string) (*Config, error) {
	config := Defaults()

	configData, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := json.Unmarshal(configData, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	ApplyEnvOverrides(&config)

	return &config, nil
}

// ApplyEnvOverrides layers the environment variables named in spec §6 over an
// already-loaded Config. It is exported separately from LoadConfig so tests can
// exercise it against a Defaults() config without a file on disk.
func ApplyEnvOverrides(cfg *Config) {
	if v, ok := envInt("RAM_PER_SIM_MB"); ok {
		cfg.Worker.RAMPerSimMB = v
	}
	if v, ok := envInt("SYSTEM_RESERVE_MB"); ok {
		cfg.Worker.SystemReserveMB = v
	}
	if v, ok := envInt64("CONTAINER_TIMEOUT_MS"); ok {
		cfg.Worker.ContainerTimeoutMs = v
	}
	if v, ok := envInt("MAX_CONCURRENT_SIMS"); ok {
		cfg.Worker.MaxConcurrentSims = v
	}
	if v, ok := envInt("CPUS_PER_SIM"); ok {
		cfg.Worker.CPUsPerSim = v
	}
	if v, ok := os.LookupEnv("SIMULATION_IMAGE"); ok && v != "" {
		cfg.Worker.SimulationImage = v
	}
	if v, ok := os.LookupEnv("CLOUD_PROJECT_ID"); ok && v != "" {
		cfg.CloudProjectID = v
	}
	if v, ok := os.LookupEnv("WORKER_SHARED_SECRET"); ok && v != "" {
		cfg.WorkerSharedSecret = v
	}
}

func envInt(name string) (int, bool) {
	raw, ok := os.LookupEnv(name)
	if !ok || raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

func envInt64(name string) (int64, bool) {
	raw, ok := os.LookupEnv(name)
	if !ok || raw == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// UsesDocStore reports which store backend variant is selected (spec §4.A, §9
// "Dynamic dispatch ... variant tags {sql, doc} ... chosen at construction; no
// runtime branching inside the core logic").
func (c Config) UsesDocStore() bool {
	return c.CloudProjectID != ""
}
