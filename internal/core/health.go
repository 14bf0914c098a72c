package core

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/e7canasta/orion-acq/hwctl"
	"github.com/e7canasta/orion-acq/persist"
)

// HealthStatus represents the health state of the acquisition service
type HealthStatus struct {
	Status        string `json:"status"` // "healthy", "degraded", "unhealthy"
	UptimeSeconds int64  `json:"uptime_seconds"`

	HardwareState  string  `json:"hardware_state"`
	Saving         bool    `json:"saving"`
	FramesAcquired uint64  `json:"frames_acquired"`
	FramesDropped  uint64  `json:"frames_dropped"`
	DropRate       float64 `json:"drop_rate"`
	LastError      string  `json:"last_error,omitempty"`

	PersistState  string `json:"persist_state"`
	PersistError  string `json:"persist_error,omitempty"`
	MQTTConnected bool   `json:"mqtt_connected"`
}

// HealthCheck returns the current health status of the service
func (s *Service) HealthCheck() HealthStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := HealthStatus{
		Status:        "healthy",
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
	}

	if s.emitter != nil {
		status.MQTTConnected = s.emitter.Stats().Connected
	}

	if !s.isRunning || s.runtime == nil {
		status.Status = "unhealthy"
		return status
	}

	hw := s.runtime.Hardware.Snapshot()
	status.HardwareState = hw.State.String()
	status.Saving = hw.Saving
	status.FramesAcquired = hw.Acquired
	status.FramesDropped = hw.Dropped
	status.LastError = hw.LastError
	if total := hw.Acquired; total > 0 {
		status.DropRate = float64(hw.Dropped) / float64(total)
	}

	ps := s.runtime.Persist.Stats()
	status.PersistState = string(ps.State)
	status.PersistError = ps.LastError

	// Determine overall health status
	switch {
	case hw.State == hwctl.Exiting:
		status.Status = "unhealthy"
	case ps.State == persist.StateFailed,
		hw.LastError != "",
		s.emitter != nil && !status.MQTTConnected:
		status.Status = "degraded"
	}

	return status
}

// LivenessHandler handles /health endpoint (simple liveness check)
func (s *Service) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	s.mu.RLock()
	uptime := int64(time.Since(s.started).Seconds())
	s.mu.RUnlock()

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "alive",
		"uptime": uptime,
	})
}

// ReadinessHandler handles /readiness endpoint (detailed readiness check)
func (s *Service) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	health := s.HealthCheck()

	statusCode := http.StatusOK
	if health.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(health)
}

// NewHealthMux returns the health endpoints.
func (s *Service) NewHealthMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.LivenessHandler)
	mux.HandleFunc("/readiness", s.ReadinessHandler)
	return mux
}

// StartHealthServer starts the HTTP health check server on addr. It does not
// block; an empty addr disables it.
func (s *Service) StartHealthServer(addr string) *http.Server {
	if addr == "" {
		return nil
	}

	server := &http.Server{
		Addr:         addr,
		Handler:      s.NewHealthMux(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("starting health check server",
		"addr", addr,
		"endpoints", []string{"/health", "/readiness"},
	)

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("health check server failed", "error", err)
		}
	}()

	return server
}
