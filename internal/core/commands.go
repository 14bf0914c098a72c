package core

import (
	"fmt"
	"log/slog"
	"time"
)

// getStatus returns the current service status
func (s *Service) getStatus() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := map[string]interface{}{
		"instance_id": s.cfg.InstanceID,
		"mode":        s.cfg.Mode,
		"driver":      s.cfg.Worker.Driver,
		"uptime_s":    time.Since(s.started).Seconds(),
		"running":     s.isRunning,
	}

	if s.session != nil {
		r := s.session.Report()
		status["hardware"] = r.Hardware
		status["persist"] = r.Persist
		status["segments_cataloged"] = r.Segments
	}

	if s.emitter != nil {
		status["mqtt"] = s.emitter.Stats()
	}

	status["config"] = map[string]interface{}{
		"output_path":    s.cfg.Device.OutputPath,
		"max_file_bytes": s.cfg.Device.MaxFileBytes,
		"frame_capacity": s.cfg.Worker.FrameCapacity,
		"ring_path":      s.cfg.Worker.Ring.Path,
		"geometry":       s.cfg.Device.Geometry,
	}

	return status
}

// shutdownViaControl ends Run; main performs the shutdown sequence.
func (s *Service) shutdownViaControl() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.isRunning {
		return fmt.Errorf("service not running")
	}
	if s.cancelCtx == nil {
		return fmt.Errorf("shutdown not available (no cancel context)")
	}

	slog.Info("shutdown requested via control plane")
	s.cancelCtx()
	return nil
}
