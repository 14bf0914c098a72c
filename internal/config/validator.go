package config

import (
	"fmt"
	"regexp"
	"time"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

const (
	ModeProcess = "process"
	ModeInline  = "inline"
)

// Validate checks the configuration and fills in defaults
func Validate(cfg *Config) error {
	// Validate instance_id
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}

	switch cfg.Mode {
	case "":
		cfg.Mode = ModeProcess
	case ModeProcess, ModeInline:
	default:
		return fmt.Errorf("mode must be %q or %q, got %q", ModeProcess, ModeInline, cfg.Mode)
	}

	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5
	}
	if cfg.RefreshMS <= 0 {
		cfg.RefreshMS = 100
	}

	if err := validateWorker(&cfg.Worker); err != nil {
		return fmt.Errorf("worker: %w", err)
	}

	// Device geometry is checked again by the device at Open; reject the
	// obvious mistakes early.
	g := cfg.Device.Geometry
	if g.SamplesPerLine <= 0 || g.LinesPerGroup <= 0 || g.GroupCount <= 0 {
		return fmt.Errorf("device.geometry: samples_per_line, lines_per_group and group_count must be > 0")
	}
	if cfg.Device.SampleRate <= 0 {
		return fmt.Errorf("device.sample_rate must be > 0")
	}

	if cfg.Persist.OutputPath == "" {
		cfg.Persist.OutputPath = "data/" + cfg.InstanceID
	}
	if cfg.Persist.MaxBytes < 0 {
		return fmt.Errorf("persist.max_bytes must be >= 0")
	}
	if cfg.Persist.MaxBytes == 0 {
		cfg.Persist.MaxBytes = 1 << 30
	}
	if cfg.Persist.Backlog <= 0 {
		cfg.Persist.Backlog = 256
	}
	if cfg.Persist.PollWaitMS <= 0 {
		cfg.Persist.PollWaitMS = 100
	}
	if cfg.Device.OutputPath == "" {
		cfg.Device.OutputPath = cfg.Persist.OutputPath
	}
	if cfg.Device.MaxFileBytes == 0 {
		cfg.Device.MaxFileBytes = cfg.Persist.MaxBytes
	}

	// Set default topics if not provided
	if cfg.MQTT.Topics.Control == "" {
		cfg.MQTT.Topics.Control = fmt.Sprintf("acq/control/%s", cfg.InstanceID)
	}
	if cfg.MQTT.Topics.Status == "" {
		cfg.MQTT.Topics.Status = fmt.Sprintf("acq/status/%s", cfg.InstanceID)
	}
	if cfg.MQTT.QoS == nil {
		cfg.MQTT.QoS = map[string]byte{
			"control": 1,
			"status":  0,
		}
	}

	if cfg.Catalog.ClickHouse.Addr != "" && cfg.Catalog.ClickHouse.Database == "" {
		cfg.Catalog.ClickHouse.Database = "acquisition"
	}

	return nil
}

func validateWorker(w *WorkerConfig) error {
	switch w.Driver {
	case "":
		w.Driver = "sim"
	case "sim", "gst":
	default:
		return fmt.Errorf("driver must be sim or gst, got %q", w.Driver)
	}

	if w.FrameCapacity <= 0 {
		w.FrameCapacity = 1024
	}
	if w.IdleWaitMS <= 0 {
		w.IdleWaitMS = 500
	}
	if w.DeviceTimeoutMS <= 0 {
		w.DeviceTimeoutMS = 1000
	}
	if w.MaxConsecutiveFailures < 0 {
		return fmt.Errorf("max_consecutive_failures must be >= 0")
	}
	if w.MaxConsecutiveFailures == 0 {
		w.MaxConsecutiveFailures = 50
	}
	if w.HeartbeatMS <= 0 {
		w.HeartbeatMS = 250
	}
	if w.GracePeriodMS <= 0 {
		w.GracePeriodMS = 2000
	}
	if w.Ring.Path != "" && w.Ring.Slots <= 0 {
		w.Ring.Slots = 4
	}
	return nil
}

// Durations

func (w WorkerConfig) IdleWait() time.Duration      { return ms(w.IdleWaitMS) }
func (w WorkerConfig) DeviceTimeout() time.Duration { return ms(w.DeviceTimeoutMS) }
func (w WorkerConfig) Heartbeat() time.Duration     { return ms(w.HeartbeatMS) }
func (w WorkerConfig) GracePeriod() time.Duration   { return ms(w.GracePeriodMS) }
func (p PersistConfig) PollWait() time.Duration     { return ms(p.PollWaitMS) }
func (c Config) Refresh() time.Duration             { return ms(c.RefreshMS) }
func (c Config) ShutdownTimeout() time.Duration     { return time.Duration(c.ShutdownTimeoutS) * time.Second }

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }
