package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/orion-acq/internal/config"
)

// Command represents a control plane command
type Command struct {
	Command string                 `json:"command"`
	Params  map[string]interface{} `json:"params,omitempty"`
}

// Response represents a command response
type Response struct {
	CommandAck string                 `json:"command_ack"`
	Status     string                 `json:"status"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Timestamp  string                 `json:"timestamp"`
}

// CommandCallbacks contains callback functions for commands. Each callback
// only enqueues the matching hardware command; the response reports that the
// command was accepted, not that the state changed.
type CommandCallbacks struct {
	OnGetStatus  func() map[string]interface{}
	OnOpen       func() error
	OnClose      func() error
	OnStart      func() error
	OnStop       func() error
	OnUpdateScan func(fovX, fovY float64) error
	OnBeginSave  func(path string, maxBytes int64) error
	OnEndSave    func() error
	OnShutdown   func() error
}

// Handler handles control plane commands
type Handler struct {
	cfg      *config.Config
	client   mqtt.Client
	commands chan Command

	callbacks CommandCallbacks
}

// NewHandler creates a new control plane handler
func NewHandler(cfg *config.Config, client mqtt.Client, callbacks CommandCallbacks) *Handler {
	return &Handler{
		cfg:       cfg,
		client:    client,
		commands:  make(chan Command, 10),
		callbacks: callbacks,
	}
}

// Start starts listening for control commands
func (h *Handler) Start(ctx context.Context) error {
	topic := h.cfg.MQTT.Topics.Control
	qos := h.cfg.MQTT.QoS["control"]

	slog.Info("control: subscribing", "topic", topic, "qos", qos)

	token := h.client.Subscribe(topic, qos, h.messageHandler)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("control: subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control: subscription failed: %w", err)
	}

	go h.processCommands(ctx)

	slog.Info("control: handler started")
	return nil
}

// Stop unsubscribes. Commands already queued are discarded.
func (h *Handler) Stop() error {
	if h.client != nil && h.client.IsConnected() {
		token := h.client.Unsubscribe(h.cfg.MQTT.Topics.Control)
		token.WaitTimeout(2 * time.Second)
	}
	slog.Info("control: handler stopped")
	return nil
}

// messageHandler is called when a control message is received
func (h *Handler) messageHandler(client mqtt.Client, msg mqtt.Message) {
	var cmd Command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		slog.Error("control: failed to parse command", "error", err)
		h.sendResponse(Response{
			CommandAck: "unknown",
			Status:     "error",
			Error:      "invalid JSON",
		})
		return
	}

	slog.Info("control: command received", "command", cmd.Command)

	select {
	case h.commands <- cmd:
	default:
		slog.Warn("control: command queue full, dropping command", "command", cmd.Command)
	}
}

func (h *Handler) processCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-h.commands:
			resp := h.Handle(cmd)
			h.sendResponse(resp)
			if cmd.Command == "shutdown" && resp.Status == "success" {
				// Give the response a moment to leave before the owner
				// starts tearing the connection down.
				time.Sleep(500 * time.Millisecond)
				if err := h.callbacks.OnShutdown(); err != nil {
					slog.Error("control: shutdown callback failed", "error", err)
				}
			}
		}
	}
}

// Handle executes a command and returns its response. Shutdown is only
// acknowledged here; the callback runs after the response is published.
func (h *Handler) Handle(cmd Command) Response {
	resp := Response{CommandAck: cmd.Command}

	switch cmd.Command {
	case "get_status":
		if h.callbacks.OnGetStatus == nil {
			return notImplemented(resp)
		}
		resp.Status = "success"
		resp.Data = h.callbacks.OnGetStatus()

	case "open":
		h.call(&resp, h.callbacks.OnOpen)
	case "close":
		h.call(&resp, h.callbacks.OnClose)
	case "start_acquisition":
		h.call(&resp, h.callbacks.OnStart)
	case "stop_acquisition":
		h.call(&resp, h.callbacks.OnStop)
	case "end_save":
		h.call(&resp, h.callbacks.OnEndSave)

	case "update_acquisition":
		if h.callbacks.OnUpdateScan == nil {
			return notImplemented(resp)
		}
		fovX, okX := cmd.Params["fov_x"].(float64)
		fovY, okY := cmd.Params["fov_y"].(float64)
		if !okX || !okY {
			resp.Status = "error"
			resp.Error = "missing or invalid 'fov_x'/'fov_y' parameters (expected float)"
			return resp
		}
		h.call(&resp, func() error { return h.callbacks.OnUpdateScan(fovX, fovY) })
		if resp.Status == "success" {
			resp.Data = map[string]interface{}{"fov_x": fovX, "fov_y": fovY}
		}

	case "begin_save":
		if h.callbacks.OnBeginSave == nil {
			return notImplemented(resp)
		}
		// Both optional: empty path and zero size fall back to the
		// configured output.
		path, _ := cmd.Params["path"].(string)
		var maxBytes int64
		if v, ok := cmd.Params["max_bytes"]; ok {
			f, ok := v.(float64)
			if !ok || f < 0 {
				resp.Status = "error"
				resp.Error = "invalid 'max_bytes' parameter (expected non-negative number)"
				return resp
			}
			maxBytes = int64(f)
		}
		h.call(&resp, func() error { return h.callbacks.OnBeginSave(path, maxBytes) })
		if resp.Status == "success" {
			resp.Data = map[string]interface{}{"path": path, "max_bytes": maxBytes}
		}

	case "shutdown":
		if h.callbacks.OnShutdown == nil {
			return notImplemented(resp)
		}
		slog.Warn("control: shutdown command received")
		resp.Status = "success"
		resp.Data = map[string]interface{}{
			"shutdown_initiated": true,
			"message":            "graceful shutdown in progress",
		}

	default:
		resp.Status = "error"
		resp.Error = fmt.Sprintf("unknown command: %s", cmd.Command)
	}

	return resp
}

func (h *Handler) call(resp *Response, fn func() error) {
	if fn == nil {
		*resp = notImplemented(*resp)
		return
	}
	if err := fn(); err != nil {
		resp.Status = "error"
		resp.Error = err.Error()
		return
	}
	resp.Status = "success"
}

func notImplemented(resp Response) Response {
	resp.Status = "error"
	resp.Error = resp.CommandAck + " not implemented"
	return resp
}

// sendResponse publishes a response on the status topic
func (h *Handler) sendResponse(resp Response) {
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)

	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Error("control: failed to marshal response", "error", err)
		return
	}

	topic := h.cfg.MQTT.Topics.Status
	qos := h.cfg.MQTT.QoS["status"]

	token := h.client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		slog.Error("control: response publish timeout")
		return
	}
	if err := token.Error(); err != nil {
		slog.Error("control: failed to publish response", "error", err)
		return
	}

	slog.Debug("control: response sent", "command_ack", resp.CommandAck, "status", resp.Status)
}
