package core

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/e7canasta/orion-acq/device/gstcam"
	"github.com/e7canasta/orion-acq/device/sim"
	"github.com/e7canasta/orion-acq/hwctl"
	"github.com/e7canasta/orion-acq/internal/config"
	"github.com/e7canasta/orion-acq/persist"
	"github.com/e7canasta/orion-acq/proc"
	"github.com/e7canasta/orion-acq/ringbuffer"
	"github.com/e7canasta/orion-acq/supervisor"
)

// Worker process roles, as passed to "acqd worker <role>".
const (
	RoleHardware = "hardware"
	RolePersist  = "persist"
)

// handoffFD is the descriptor the owner passes the hardware→persistence pipe
// on (the first ExtraFiles entry).
const handoffFD = 3

// NewDevice creates the device driver selected by the worker configuration.
func NewDevice(w config.WorkerConfig) (hwctl.Device, error) {
	switch w.Driver {
	case "sim":
		return sim.New(sim.Options{FailEvery: w.FailEvery}), nil
	case "gst":
		return gstcam.New(gstcam.Options{FPS: w.FPS, PullTimeout: w.DeviceTimeout()}), nil
	default:
		return nil, fmt.Errorf("core: unknown driver %q", w.Driver)
	}
}

// SlotSize is the ring slot size for the configured driver: one primary
// payload.
func SlotSize(cfg *config.Config) int {
	if cfg.Worker.Driver == "gst" {
		return gstcam.PrimaryBytes(cfg.Device.Geometry)
	}
	return sim.PrimaryBytes(cfg.Device.Geometry)
}

func workerOptions(cfg *config.Config) []hwctl.Option {
	return []hwctl.Option{
		hwctl.WithName(cfg.InstanceID),
		hwctl.WithFrameCapacity(cfg.Worker.FrameCapacity),
		hwctl.WithIdleWait(cfg.Worker.IdleWait()),
		hwctl.WithDeviceTimeout(cfg.Worker.DeviceTimeout()),
		hwctl.WithMaxConsecutiveFailures(cfg.Worker.MaxConsecutiveFailures),
		hwctl.WithStopGrace(cfg.Worker.GracePeriod()),
	}
}

func persistConfig(cfg *config.Config) persist.Config {
	return persist.Config{
		Backlog:  cfg.Persist.Backlog,
		PollWait: cfg.Persist.PollWait(),
	}
}

// RunWorker is the body of "acqd worker <role>". stdin/stdout carry the
// envelopes of the owner; fd 3 is the hand-off pipe.
func RunWorker(ctx context.Context, role string, cfg *config.Config) error {
	pipe := os.NewFile(handoffFD, "handoff")
	if pipe == nil {
		return fmt.Errorf("core: worker %s started without a hand-off pipe", role)
	}

	// Several missed heartbeats before the owner is declared gone.
	child := proc.NewStdioChild(4 * cfg.Worker.Heartbeat())

	slog.Info("core: worker starting", "role", role, "instance_id", cfg.InstanceID, "pid", os.Getpid())

	switch role {
	case RoleHardware:
		return runHardware(ctx, child, pipe, cfg)
	case RolePersist:
		return supervisor.RunPersistWorker(ctx, child, pipe, supervisor.PersistOptions{
			Worker:      persistConfig(cfg),
			StopTimeout: cfg.ShutdownTimeout(),
		})
	default:
		pipe.Close()
		return fmt.Errorf("core: unknown worker role %q", role)
	}
}

func runHardware(ctx context.Context, child *proc.Child, pipe *os.File, cfg *config.Config) error {
	dev, err := NewDevice(cfg.Worker)
	if err != nil {
		pipe.Close()
		return err
	}

	opts := supervisor.HardwareOptions{
		Worker:    workerOptions(cfg),
		StopGrace: cfg.Worker.GracePeriod(),
	}

	if path := cfg.Worker.Ring.Path; path != "" {
		ring, err := ringbuffer.Open(path)
		if err != nil {
			// Display only; acquisition goes on without it.
			slog.Warn("core: display ring unavailable", "path", path, "error", err)
		} else {
			defer ring.Close()
			opts.Ring = ring
		}
	}

	sink, err := supervisor.NewPipeSink(ctx, pipe, cfg.Persist.Backlog)
	if err != nil {
		pipe.Close()
		return err
	}
	opts.Sink = sink

	runErr := supervisor.RunHardwareWorker(ctx, child, dev, opts)

	// The persistence worker sees EOF once everything queued is flushed.
	if err := sink.Close(); err != nil {
		slog.Debug("core: hand-off pipe close", "error", err)
	}
	return runErr
}
