package emitter

import (
	"testing"

	"github.com/e7canasta/orion-acq/internal/config"
)

func TestBrokerURL(t *testing.T) {
	cases := map[string]string{
		"localhost:1883":       "tcp://localhost:1883",
		"tcp://broker:1883":    "tcp://broker:1883",
		"ssl://broker.io:8883": "ssl://broker.io:8883",
	}
	for in, want := range cases {
		if got := BrokerURL(in); got != want {
			t.Errorf("BrokerURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPublishWithoutConnectionCountsError(t *testing.T) {
	e := NewMQTTEmitter(&config.Config{InstanceID: "rig"})

	if err := e.PublishStatus(map[string]string{"state": "ready"}); err == nil {
		t.Fatal("Expected error when not connected")
	}
	if err := e.PublishStatus(make(chan int)); err == nil {
		t.Fatal("Expected marshal error")
	}

	stats := e.Stats()
	if stats.Connected || stats.Errors != 2 || stats.Published != 0 {
		t.Errorf("Unexpected stats %+v", stats)
	}

	if err := e.Disconnect(); err != nil {
		t.Errorf("Disconnect without client failed: %v", err)
	}
}
