package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sample = `
instance_id: oct-rig-1
worker:
  driver: sim
  frame_capacity: 64
device:
  camera_device: img0
  dac_device: Dev1
  sample_rate: 76000
  channels: {line_trigger: ao0, frame_trigger: ao1, x: ao2, y: ao3}
  geometry: {samples_per_line: 2048, lines_per_group: 64, group_count: 2}
  processing: {apodization: true, motion_estimation: true, n_repeat: 2, time_lags: [1, 2]}
persist:
  output_path: /data/scan
  max_bytes: 1000000
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "acq.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Mode != ModeProcess {
		t.Errorf("Expected default mode process, got %q", cfg.Mode)
	}
	if cfg.Worker.FrameCapacity != 64 || cfg.Worker.MaxConsecutiveFailures != 50 {
		t.Errorf("Unexpected worker config: %+v", cfg.Worker)
	}
	if cfg.Worker.IdleWait() != 500*time.Millisecond || cfg.Worker.GracePeriod() != 2*time.Second {
		t.Errorf("Unexpected durations: %v / %v", cfg.Worker.IdleWait(), cfg.Worker.GracePeriod())
	}
	if cfg.Device.Channels.Y != "ao3" || cfg.Device.Geometry.SamplesPerLine != 2048 {
		t.Errorf("Device section not parsed: %+v", cfg.Device)
	}
	if !cfg.Device.Processing.MotionEstimation || len(cfg.Device.Processing.TimeLags) != 2 {
		t.Errorf("Processing section not parsed: %+v", cfg.Device.Processing)
	}
	if cfg.Device.OutputPath != "/data/scan" || cfg.Device.MaxFileBytes != 1000000 {
		t.Errorf("Expected device save defaults from persist, got %q / %d", cfg.Device.OutputPath, cfg.Device.MaxFileBytes)
	}
	if cfg.MQTT.Topics.Control != "acq/control/oct-rig-1" {
		t.Errorf("Unexpected control topic %q", cfg.MQTT.Topics.Control)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ACQ_MQTT_BROKER", "tcp://broker:1883")
	t.Setenv("ACQ_MAX_BYTES", "4096")
	t.Setenv("ACQ_MODE", "inline")

	cfg, err := Load(writeConfig(t, sample))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.MQTT.Broker != "tcp://broker:1883" {
		t.Errorf("Expected broker override, got %q", cfg.MQTT.Broker)
	}
	if cfg.Persist.MaxBytes != 4096 {
		t.Errorf("Expected max bytes override, got %d", cfg.Persist.MaxBytes)
	}
	if cfg.Mode != ModeInline {
		t.Errorf("Expected inline mode, got %q", cfg.Mode)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"missing instance": func(c *Config) { c.InstanceID = "" },
		"bad instance":     func(c *Config) { c.InstanceID = "Rig 1" },
		"bad mode":         func(c *Config) { c.Mode = "threads" },
		"bad driver":       func(c *Config) { c.Worker.Driver = "nidaq" },
		"zero geometry":    func(c *Config) { c.Device.Geometry.LinesPerGroup = 0 },
		"negative max":     func(c *Config) { c.Persist.MaxBytes = -1 },
	}

	for name, mutate := range cases {
		cfg := &Config{InstanceID: "rig"}
		cfg.Device.SampleRate = 1
		cfg.Device.Geometry.SamplesPerLine = 8
		cfg.Device.Geometry.LinesPerGroup = 8
		cfg.Device.Geometry.GroupCount = 1
		if err := Validate(cfg); err != nil {
			t.Fatalf("%s: base config invalid: %v", name, err)
		}

		mutate(cfg)
		if err := Validate(cfg); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}
