// Package core is the acquisition daemon: it loads the configuration, starts
// the workers (in processes or inline), and exposes them through a Session,
// the display consumer, MQTT control and the health endpoints.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/e7canasta/orion-acq/internal/catalog"
	"github.com/e7canasta/orion-acq/internal/config"
	"github.com/e7canasta/orion-acq/internal/control"
	"github.com/e7canasta/orion-acq/internal/emitter"
	"github.com/e7canasta/orion-acq/ringbuffer"
	"github.com/e7canasta/orion-acq/supervisor"
)

const displayLogEvery = 10 * time.Second

// Options configures NewService.
type Options struct {
	ConfigPath string
	Debug      bool

	// Autostart opens the device, starts acquisition and begins saving to
	// the configured output as soon as the service runs.
	Autostart bool
}

// Service is the acquisition daemon.
type Service struct {
	cfg  *config.Config
	opts Options

	// Core components
	ring           *ringbuffer.Ring
	runtime        *supervisor.Runtime
	session        *supervisor.Session
	display        *supervisor.Display
	emitter        *emitter.MQTTEmitter
	controlHandler *control.Handler

	// Lifecycle management
	started   time.Time
	mu        sync.RWMutex
	wg        sync.WaitGroup
	isRunning bool
	cancelCtx context.CancelFunc // For MQTT shutdown command
}

// NewService loads the configuration.
func NewService(opts Options) (*Service, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	slog.Info("configuration loaded",
		"instance_id", cfg.InstanceID,
		"mode", cfg.Mode,
		"driver", cfg.Worker.Driver,
	)

	return newService(cfg, opts), nil
}

func newService(cfg *config.Config, opts Options) *Service {
	s := &Service{cfg: cfg, opts: opts}
	if cfg.MQTT.Broker != "" {
		s.emitter = emitter.NewMQTTEmitter(cfg)
	}
	return s
}

// Config returns the loaded configuration.
func (s *Service) Config() *config.Config { return s.cfg }

// Run starts the workers and blocks until ctx is cancelled or a shutdown
// command arrives. Call Shutdown afterwards in both cases.
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("service is already running")
	}
	s.isRunning = true
	s.started = time.Now()
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.cancelCtx = cancel
	s.mu.Unlock()

	slog.Info("acquisition service starting", "instance_id", s.cfg.InstanceID, "mode", s.cfg.Mode)

	if err := s.startRing(); err != nil {
		return err
	}
	if err := s.startWorkers(ctx); err != nil {
		return err
	}

	// Connect MQTT before the session so its reports have somewhere to go.
	var publish func(supervisor.Report) error
	if s.emitter != nil {
		if err := s.emitter.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect mqtt: %w", err)
		}
		publish = func(r supervisor.Report) error { return s.emitter.PublishStatus(r) }
	}

	session, err := supervisor.NewSession(supervisor.SessionConfig{
		InstanceID: s.cfg.InstanceID,
		Device:     s.cfg.Device,
		Hardware:   s.runtime.Hardware,
		Persist:    s.runtime.Persist,
		Catalog:    s.openCatalog(ctx),
		Refresh:    s.cfg.Refresh(),
		Publish:    publish,
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.session = session
	s.mu.Unlock()
	s.runtime.OnSegment(session.RecordSegment)

	if s.emitter != nil {
		s.controlHandler = control.NewHandler(s.cfg, s.emitter.Client, control.CommandCallbacks{
			OnGetStatus:  s.getStatus,
			OnOpen:       session.Open,
			OnClose:      session.Close,
			OnStart:      session.Start,
			OnStop:       session.Stop,
			OnUpdateScan: session.UpdateScan,
			OnBeginSave:  session.BeginSave,
			OnEndSave:    session.EndSave,
			OnShutdown:   s.shutdownViaControl,
		})
		if err := s.controlHandler.Start(ctx); err != nil {
			return fmt.Errorf("failed to start control plane: %w", err)
		}
	}

	var ring supervisor.RingReader
	if s.ring != nil {
		ring = s.ring
	}
	s.display = supervisor.NewDisplay(s.runtime.Hardware.Frames(), ring)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		session.Run(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.display.Run(ctx, s.cfg.Refresh(), displayLogEvery)
	}()

	if s.opts.Autostart {
		if err := s.autostart(session); err != nil {
			return fmt.Errorf("autostart: %w", err)
		}
	}

	slog.Info("acquisition service running",
		"mqtt", s.emitter != nil,
		"ring", s.cfg.Worker.Ring.Path,
		"autostart", s.opts.Autostart,
	)

	<-ctx.Done()

	slog.Info("acquisition service run loop exiting")
	return nil
}

// startRing creates the display ring. In process mode only a shared ring can
// reach the hardware worker, so without a path there is none.
func (s *Service) startRing() error {
	path := s.cfg.Worker.Ring.Path
	slots := s.cfg.Worker.Ring.Slots
	size := SlotSize(s.cfg)

	var (
		ring *ringbuffer.Ring
		err  error
	)
	switch {
	case path != "":
		ring, err = ringbuffer.Create(path, slots, size)
	case s.cfg.Mode == config.ModeInline:
		ring, err = ringbuffer.New(DefaultInlineSlots, size)
	default:
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to create display ring: %w", err)
	}
	s.ring = ring

	slog.Info("display ring created", "path", path, "slots", ring.Slots(), "slot_size", ring.SlotSize())
	return nil
}

// DefaultInlineSlots is the ring size used inline when no shared path is
// configured.
const DefaultInlineSlots = 4

func (s *Service) startWorkers(ctx context.Context) error {
	var (
		rt  *supervisor.Runtime
		err error
	)

	if s.cfg.Mode == config.ModeInline {
		dev, derr := NewDevice(s.cfg.Worker)
		if derr != nil {
			return derr
		}
		opts := supervisor.InlineOptions{
			Device:  dev,
			Worker:  workerOptions(s.cfg),
			Persist: persistConfig(s.cfg),
		}
		if s.ring != nil {
			opts.Ring = s.ring
		}
		rt, err = supervisor.StartInline(ctx, opts)
	} else {
		rt, err = supervisor.StartProcesses(ctx, supervisor.ProcessOptions{
			Args:              s.workerArgs,
			HeartbeatInterval: s.cfg.Worker.Heartbeat(),
			GracePeriod:       s.cfg.Worker.GracePeriod(),
			FrameCapacity:     s.cfg.Worker.FrameCapacity,
		})
	}
	if err != nil {
		return fmt.Errorf("failed to start workers: %w", err)
	}

	s.mu.Lock()
	s.runtime = rt
	s.mu.Unlock()
	return nil
}

// workerArgs re-executes this binary as a worker with the same
// configuration file.
func (s *Service) workerArgs(role string) []string {
	args := []string{"worker", role, "-config", s.opts.ConfigPath}
	if s.opts.Debug {
		args = append(args, "-debug")
	}
	return args
}

// openCatalog connects the segment catalog. Acquisition does not depend on
// it: a catalog that cannot be reached is logged and replaced by a no-op.
func (s *Service) openCatalog(ctx context.Context) catalog.Catalog {
	ch := s.cfg.Catalog.ClickHouse
	if ch.Addr == "" {
		return catalog.Nop{}
	}
	c, err := catalog.Open(ctx, ch)
	if err != nil {
		slog.Warn("segment catalog unavailable, segments will not be recorded",
			"addr", ch.Addr,
			"error", err,
		)
		return catalog.Nop{}
	}
	return c
}

func (s *Service) autostart(session *supervisor.Session) error {
	if err := session.Open(); err != nil {
		return err
	}
	if err := session.Start(); err != nil {
		return err
	}
	return session.BeginSave("", 0)
}

// Shutdown stops everything in order: control plane, hardware worker,
// persistence worker, catalog, MQTT.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	slog.Info("shutting down acquisition service")

	var errs []error

	// 1. No new commands
	if s.controlHandler != nil {
		if err := s.controlHandler.Stop(); err != nil {
			slog.Error("failed to stop control handler", "error", err)
		}
	}

	// 2. Close the device, then stop the workers (hardware first)
	if s.session != nil {
		if err := s.session.Close(); err != nil {
			slog.Debug("close not delivered", "error", err)
		}
	}
	if s.runtime != nil {
		if err := s.runtime.Stop(ctx); err != nil {
			slog.Error("failed to stop workers", "error", err)
			errs = append(errs, err)
		}
	}

	// 3. Background loops exit with the run context
	s.wg.Wait()

	// 4. Catalog the last segments
	if s.session != nil {
		if err := s.session.Shutdown(); err != nil {
			slog.Error("failed to close segment catalog", "error", err)
			errs = append(errs, err)
		}
	}

	// 5. Disconnect MQTT
	if s.emitter != nil {
		if err := s.emitter.Disconnect(); err != nil {
			slog.Error("failed to disconnect mqtt", "error", err)
		}
	}

	if s.ring != nil {
		if err := s.ring.Close(); err != nil {
			slog.Warn("failed to unmap display ring", "error", err)
		}
		if path := s.cfg.Worker.Ring.Path; path != "" {
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				slog.Warn("failed to remove display ring", "path", path, "error", err)
			}
		}
	}

	s.mu.Lock()
	uptime := time.Since(s.started)
	s.isRunning = false
	s.mu.Unlock()

	slog.Info("acquisition service shutdown complete", "uptime", uptime)
	return errors.Join(errs...)
}

// ShutdownTimeout returns the configured graceful shutdown timeout.
func (s *Service) ShutdownTimeout() time.Duration {
	return s.cfg.ShutdownTimeout()
}
