package hwctl

import "fmt"

// State is the worker lifecycle state.
//
//	NotReady --Open--> Ready --Start--> Acquiring
//	                   Ready <--Stop--- Acquiring
//	any non-terminal --Close--> Exiting
type State int32

const (
	NotReady State = iota
	Ready
	Acquiring
	Exiting
)

func (s State) String() string {
	switch s {
	case NotReady:
		return "not_ready"
	case Ready:
		return "ready"
	case Acquiring:
		return "acquiring"
	case Exiting:
		return "exiting"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a name produced by MarshalText.
func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "not_ready":
		*s = NotReady
	case "ready":
		*s = Ready
	case "acquiring":
		*s = Acquiring
	case "exiting":
		*s = Exiting
	default:
		return fmt.Errorf("hwctl: unknown state %q", b)
	}
	return nil
}
