package hwctl

import (
	"sync/atomic"
	"time"
)

// Status is the state shared between the worker and the owner. The worker
// writes it; anyone may read it without blocking.
type Status struct {
	state    atomic.Int32
	saving   atomic.Bool
	dropped  atomic.Uint64
	acquired atomic.Uint64
	rejected atomic.Uint64
	failures atomic.Uint32
	started  atomic.Int64
	lastErr  atomic.Pointer[string]
	session  atomic.Pointer[string]
}

// StatusSnapshot is a point-in-time copy of Status.
type StatusSnapshot struct {
	State               State     `msgpack:"state" json:"state"`
	Saving              bool      `msgpack:"saving" json:"saving"`
	Dropped             uint64    `msgpack:"dropped" json:"dropped_frames"`
	Acquired            uint64    `msgpack:"acquired" json:"frames_acquired"`
	SaveRejected        uint64    `msgpack:"save_rejected" json:"save_rejected"`
	ConsecutiveFailures uint32    `msgpack:"failures" json:"consecutive_failures"`
	AcquiringSince      time.Time `msgpack:"since" json:"acquiring_since,omitempty"`
	Session             string    `msgpack:"session" json:"session,omitempty"`
	LastError           string    `msgpack:"last_error" json:"last_error,omitempty"`
}

// NewStatus returns a Status in NotReady.
func NewStatus() *Status {
	return &Status{}
}

func (s *Status) State() State    { return State(s.state.Load()) }
func (s *Status) Saving() bool    { return s.saving.Load() }
func (s *Status) Dropped() uint64 { return s.dropped.Load() }

// LastError returns the most recent recorded error, or "".
func (s *Status) LastError() string {
	if p := s.lastErr.Load(); p != nil {
		return *p
	}
	return ""
}

// setState moves to next unless the current state is Exiting.
func (s *Status) setState(next State) bool {
	for {
		cur := s.state.Load()
		if State(cur) == Exiting && next != Exiting {
			return false
		}
		if s.state.CompareAndSwap(cur, int32(next)) {
			if next == Acquiring {
				s.started.Store(time.Now().UnixNano())
			} else if State(cur) == Acquiring {
				s.started.Store(0)
			}
			return true
		}
	}
}

func (s *Status) setError(err error) {
	if err == nil {
		s.lastErr.Store(nil)
		return
	}
	msg := err.Error()
	s.lastErr.Store(&msg)
}

func (s *Status) setSession(id string) { s.session.Store(&id) }

// Snapshot copies the current values.
func (s *Status) Snapshot() StatusSnapshot {
	snap := StatusSnapshot{
		State:               s.State(),
		Saving:              s.saving.Load(),
		Dropped:             s.dropped.Load(),
		Acquired:            s.acquired.Load(),
		SaveRejected:        s.rejected.Load(),
		ConsecutiveFailures: s.failures.Load(),
		LastError:           s.LastError(),
	}
	if ns := s.started.Load(); ns != 0 {
		snap.AcquiringSince = time.Unix(0, ns)
	}
	if p := s.session.Load(); p != nil {
		snap.Session = *p
	}
	return snap
}

// Apply overwrites the cell with a snapshot taken elsewhere, typically in a
// worker process. Exiting is still terminal.
func (s *Status) Apply(snap StatusSnapshot) {
	s.setState(snap.State)
	s.saving.Store(snap.Saving)
	s.dropped.Store(snap.Dropped)
	s.acquired.Store(snap.Acquired)
	s.rejected.Store(snap.SaveRejected)
	s.failures.Store(snap.ConsecutiveFailures)
	if snap.AcquiringSince.IsZero() {
		s.started.Store(0)
	} else {
		s.started.Store(snap.AcquiringSince.UnixNano())
	}
	if snap.Session != "" {
		s.setSession(snap.Session)
	}
	if snap.LastError == "" {
		s.lastErr.Store(nil)
	} else {
		msg := snap.LastError
		s.lastErr.Store(&msg)
	}
}
