// Package supervisor wires the acquisition workers together, either as
// goroutines in one process or as worker processes behind proxies.
//
//	owner ──commands──▶ hardware worker ──frames──▶ owner (display)
//	                          │
//	                          └──frames/config──▶ persistence worker ──▶ .npy segments
//
// In process mode the owner holds a Hardware proxy (stdin/stdout of the
// hardware process), a Persist proxy (stdin/stdout of the persistence
// process) and a pipe connects the two workers directly. Session sits on
// top of either mode and is what control surfaces talk to.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/e7canasta/orion-acq/hwctl"
	"github.com/e7canasta/orion-acq/internal/catalog"
	"github.com/e7canasta/orion-acq/internal/scan"
	"github.com/e7canasta/orion-acq/persist"
)

const segmentBacklog = 64

// SessionConfig configures a Session.
type SessionConfig struct {
	InstanceID string

	// Device is the Open configuration; its waveforms are generated from
	// the geometry and the field of view.
	Device hwctl.OpenConfig
	FOVX   float64
	FOVY   float64

	Hardware hwctl.Controller
	Persist  PersistStatus

	// Catalog records closed segments. Nil uses catalog.Nop.
	Catalog catalog.Catalog

	// Refresh is the Run cadence. Default 100ms.
	Refresh time.Duration

	// Publish, if set, receives a status report every Refresh.
	Publish func(Report) error
}

// Report is the combined status published by a Session.
type Report struct {
	InstanceID string               `json:"instance_id"`
	Time       time.Time            `json:"timestamp"`
	Hardware   hwctl.StatusSnapshot `json:"hardware"`
	Persist    persist.Stats        `json:"persist"`
	Segments   uint64               `json:"segments_cataloged"`
}

// Session is the owner of one acquisition setup. It turns operator intents
// into hardware commands, watches the persistence worker and stops saving
// when it fails, and catalogs closed segments.
type Session struct {
	cfg      SessionConfig
	segments chan persist.Segment

	mu        sync.Mutex
	fovX      float64
	fovY      float64
	handled   string // persistence session whose failure already ended saving
	cataloged uint64
	closed    bool

	catalogDone chan struct{}
}

// NewSession creates a session and starts its catalog writer. Call Run to
// start watching and Shutdown once the workers have stopped.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Hardware == nil || cfg.Persist == nil {
		return nil, fmt.Errorf("supervisor: session needs a hardware controller and a persistence status")
	}
	if cfg.Catalog == nil {
		cfg.Catalog = catalog.Nop{}
	}
	if cfg.Refresh <= 0 {
		cfg.Refresh = 100 * time.Millisecond
	}
	if cfg.FOVX == 0 {
		cfg.FOVX = 1
	}
	if cfg.FOVY == 0 {
		cfg.FOVY = 1
	}
	s := &Session{
		cfg:         cfg,
		segments:    make(chan persist.Segment, segmentBacklog),
		fovX:        cfg.FOVX,
		fovY:        cfg.FOVY,
		catalogDone: make(chan struct{}),
	}
	go s.catalogSegments()
	return s, nil
}

// Open generates the drive waveforms and asks the worker to open the device.
func (s *Session) Open() error {
	s.mu.Lock()
	fovX, fovY := s.fovX, s.fovY
	s.mu.Unlock()

	open := s.cfg.Device
	wf, err := scan.FromGeometry(open.Geometry, fovX, fovY).Generate()
	if err != nil {
		return err
	}
	open.Waveforms = wf
	return s.cfg.Hardware.Send(hwctl.OpenMessage(open))
}

func (s *Session) Close() error { return s.cfg.Hardware.Send(hwctl.CloseMessage()) }
func (s *Session) Start() error { return s.cfg.Hardware.Send(hwctl.StartMessage()) }
func (s *Session) Stop() error  { return s.cfg.Hardware.Send(hwctl.StopMessage()) }

// UpdateScan regenerates the waveforms for a new field of view and applies
// them without reopening the device.
func (s *Session) UpdateScan(fovX, fovY float64) error {
	wf, err := scan.FromGeometry(s.cfg.Device.Geometry, fovX, fovY).Generate()
	if err != nil {
		return err
	}
	if err := s.cfg.Hardware.Send(hwctl.UpdateMessage(wf)); err != nil {
		return err
	}
	s.mu.Lock()
	s.fovX, s.fovY = fovX, fovY
	s.mu.Unlock()
	return nil
}

// BeginSave starts saving. An empty path or zero size uses the configured
// output.
func (s *Session) BeginSave(path string, maxBytes int64) error {
	return s.cfg.Hardware.Send(hwctl.BeginSaveMessage(path, maxBytes))
}

func (s *Session) EndSave() error { return s.cfg.Hardware.Send(hwctl.EndSaveMessage()) }

// RecordSegment queues seg for the catalog without blocking the caller,
// which is usually the persistence worker.
func (s *Session) RecordSegment(seg persist.Segment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		slog.Warn("supervisor: segment closed after shutdown, not recorded", "path", seg.Path)
		return
	}
	select {
	case s.segments <- seg:
	default:
		slog.Warn("supervisor: catalog backlog full, segment not recorded", "path", seg.Path)
	}
}

// Report returns the current combined status.
func (s *Session) Report() Report {
	s.mu.Lock()
	cataloged := s.cataloged
	s.mu.Unlock()

	return Report{
		InstanceID: s.cfg.InstanceID,
		Time:       time.Now(),
		Hardware:   s.cfg.Hardware.Snapshot(),
		Persist:    s.cfg.Persist.Stats(),
		Segments:   cataloged,
	}
}

// Shutdown records the segments still queued and closes the catalog.
func (s *Session) Shutdown() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.segments)
	s.mu.Unlock()

	<-s.catalogDone
	return s.cfg.Catalog.Close()
}

// Run watches the workers until ctx ends: it ends saving when the
// persistence worker has failed and publishes reports.
func (s *Session) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Refresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.check()
			if s.cfg.Publish != nil {
				if err := s.cfg.Publish(s.Report()); err != nil {
					slog.Debug("supervisor: status publish failed", "error", err)
				}
			}
		}
	}
}

// check ends saving once per failed persistence session.
func (s *Session) check() {
	stats := s.cfg.Persist.Stats()
	if stats.State != persist.StateFailed {
		return
	}

	s.mu.Lock()
	// A failure seen while not saving must not end a later save that has
	// not reached the persistence worker yet.
	saving := s.cfg.Hardware.Saving()
	if s.handled == stats.Session || !saving {
		s.handled = stats.Session
		s.mu.Unlock()
		return
	}
	s.handled = stats.Session
	s.mu.Unlock()

	slog.Error("supervisor: persistence failed, ending save",
		"session", stats.Session,
		"path", stats.Path,
		"error", stats.LastError,
	)
	if err := s.cfg.Hardware.Send(hwctl.EndSaveMessage()); err != nil {
		slog.Warn("supervisor: end save not sent", "error", err)
	}
}

func (s *Session) catalogSegments() {
	defer close(s.catalogDone)

	for seg := range s.segments {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := s.cfg.Catalog.RecordSegment(ctx, s.cfg.InstanceID, seg)
		cancel()
		if err != nil {
			slog.Warn("supervisor: segment not cataloged", "path", seg.Path, "error", err)
			continue
		}
		s.mu.Lock()
		s.cataloged++
		s.mu.Unlock()
	}
}
