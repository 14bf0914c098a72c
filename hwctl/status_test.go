package hwctl

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/vmihailenco/msgpack/v5"
)

func TestExitingIsTerminal(t *testing.T) {
	s := NewStatus()
	s.setState(Ready)
	s.setState(Exiting)

	for _, next := range []State{NotReady, Ready, Acquiring} {
		if s.setState(next) {
			t.Errorf("Left exiting for %s", next)
		}
	}
	if s.State() != Exiting {
		t.Errorf("Expected exiting, got %s", s.State())
	}

	s.Apply(StatusSnapshot{State: Ready})
	if s.State() != Exiting {
		t.Errorf("Apply must not leave exiting, got %s", s.State())
	}
}

func TestSnapshotMirror(t *testing.T) {
	src := NewStatus()
	src.setState(Acquiring)
	src.saving.Store(true)
	src.dropped.Store(3)
	src.acquired.Store(10)
	src.setError(errors.New("boom"))
	src.setSession("abc")

	b, err := msgpack.Marshal(src.Snapshot())
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var snap StatusSnapshot
	if err := msgpack.Unmarshal(b, &snap); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	mirror := NewStatus()
	mirror.Apply(snap)

	got := mirror.Snapshot()
	if got.State != Acquiring || !got.Saving || got.Dropped != 3 || got.Acquired != 10 {
		t.Errorf("Mirror mismatch: %+v", got)
	}
	if got.LastError != "boom" || got.Session != "abc" {
		t.Errorf("Mirror lost error/session: %+v", got)
	}
	if got.AcquiringSince.IsZero() {
		t.Error("Expected acquisition start time")
	}
}

func TestSnapshotJSONUsesStateNames(t *testing.T) {
	b, err := json.Marshal(StatusSnapshot{State: Acquiring})
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	json.Unmarshal(b, &m)
	if m["state"] != "acquiring" {
		t.Errorf("Expected state name in JSON, got %v", m["state"])
	}
}
