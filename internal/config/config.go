package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/e7canasta/orion-acq/hwctl"
)

// Config represents the complete acquisition daemon configuration
type Config struct {
	InstanceID       string           `yaml:"instance_id"`
	Mode             string           `yaml:"mode"`               // process | inline
	ShutdownTimeoutS int              `yaml:"shutdown_timeout_s"` // Graceful shutdown timeout in seconds (default: 5)
	RefreshMS        int              `yaml:"refresh_ms"`         // Status poll / display cadence (default: 100)
	HealthAddr       string           `yaml:"health_addr"`        // e.g. ":8080"; empty disables the health server
	Worker           WorkerConfig     `yaml:"worker"`
	Device           hwctl.OpenConfig `yaml:"device"`
	Persist          PersistConfig    `yaml:"persist"`
	MQTT             MQTTConfig       `yaml:"mqtt"`
	Catalog          CatalogConfig    `yaml:"catalog"`
}

// WorkerConfig contains hardware worker settings
type WorkerConfig struct {
	Driver                 string     `yaml:"driver"`                   // sim, gst
	FrameCapacity          int        `yaml:"frame_capacity"`           // frame queue size
	IdleWaitMS             int        `yaml:"idle_wait_ms"`             // command wait while idle
	DeviceTimeoutMS        int        `yaml:"device_timeout_ms"`        // bound on one frame poll
	MaxConsecutiveFailures int        `yaml:"max_consecutive_failures"` // 0 disables the cap
	HeartbeatMS            int        `yaml:"heartbeat_ms"`             // parent→child lifeline
	GracePeriodMS          int        `yaml:"grace_period_ms"`          // stop → kill
	FPS                    int        `yaml:"fps"`                      // camera frame rate cap (gst)
	FailEvery              int        `yaml:"fail_every"`               // sim failure injection
	Ring                   RingConfig `yaml:"ring"`
}

// RingConfig enables the shared display ring
type RingConfig struct {
	Path  string `yaml:"path"`  // e.g. /dev/shm/orion-acq.ring; empty disables
	Slots int    `yaml:"slots"` // default: 4
}

// PersistConfig contains persistence worker settings
type PersistConfig struct {
	OutputPath string `yaml:"output_path"`
	MaxBytes   int64  `yaml:"max_bytes"`
	Backlog    int    `yaml:"backlog"`
	PollWaitMS int    `yaml:"poll_wait_ms"`
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Broker string          `yaml:"broker"` // empty disables the MQTT surface
	Topics MQTTTopics      `yaml:"topics"`
	QoS    map[string]byte `yaml:"qos"`
}

// MQTTTopics contains topic names
type MQTTTopics struct {
	Control string `yaml:"control"`
	Status  string `yaml:"status"`
}

// CatalogConfig contains segment catalog settings
type CatalogConfig struct {
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
}

// ClickHouseConfig contains ClickHouse connection settings
type ClickHouseConfig struct {
	Addr     string `yaml:"addr"` // empty disables the catalog
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// Load reads a YAML configuration file, applies environment overrides and
// validates the result. A .env file in the working directory is honoured.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Load .env file if it exists
	_ = godotenv.Load()
	applyEnv(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyEnv overrides deployment-specific values from the environment.
func applyEnv(cfg *Config) {
	cfg.Mode = getEnv("ACQ_MODE", cfg.Mode)
	cfg.Worker.Driver = getEnv("ACQ_DRIVER", cfg.Worker.Driver)
	cfg.Device.CameraDevice = getEnv("ACQ_CAMERA_DEVICE", cfg.Device.CameraDevice)
	cfg.Worker.Ring.Path = getEnv("ACQ_RING_PATH", cfg.Worker.Ring.Path)
	cfg.Persist.OutputPath = getEnv("ACQ_OUTPUT_PATH", cfg.Persist.OutputPath)
	cfg.Persist.MaxBytes = getEnvInt64("ACQ_MAX_BYTES", cfg.Persist.MaxBytes)
	cfg.HealthAddr = getEnv("ACQ_HEALTH_ADDR", cfg.HealthAddr)
	cfg.MQTT.Broker = getEnv("ACQ_MQTT_BROKER", cfg.MQTT.Broker)
	cfg.Catalog.ClickHouse.Addr = getEnv("ACQ_CLICKHOUSE_ADDR", cfg.Catalog.ClickHouse.Addr)
	cfg.Catalog.ClickHouse.Database = getEnv("ACQ_CLICKHOUSE_DB", cfg.Catalog.ClickHouse.Database)
	cfg.Catalog.ClickHouse.User = getEnv("ACQ_CLICKHOUSE_USER", cfg.Catalog.ClickHouse.User)
	cfg.Catalog.ClickHouse.Password = getEnv("ACQ_CLICKHOUSE_PASSWORD", cfg.Catalog.ClickHouse.Password)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			return n
		}
	}
	return defaultValue
}
