package hwctl

import (
	"fmt"
)

// Kind tags a Message.
type Kind uint8

const (
	KindOpen Kind = iota + 1
	KindClose
	KindStartAcquisition
	KindStopAcquisition
	KindUpdateAcquisition
	KindBeginSave
	KindEndSave
)

func (k Kind) String() string {
	switch k {
	case KindOpen:
		return "open"
	case KindClose:
		return "close"
	case KindStartAcquisition:
		return "start_acquisition"
	case KindStopAcquisition:
		return "stop_acquisition"
	case KindUpdateAcquisition:
		return "update_acquisition"
	case KindBeginSave:
		return "begin_save"
	case KindEndSave:
		return "end_save"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Message is a command sent from the owner to the worker. Only the payload
// matching Kind is set. Messages must not be modified after Send.
type Message struct {
	Kind      Kind        `msgpack:"kind"`
	Open      *OpenConfig `msgpack:"open,omitempty"`
	Waveforms *Waveforms  `msgpack:"waveforms,omitempty"`
	Save      *SaveConfig `msgpack:"save,omitempty"`
}

func OpenMessage(cfg OpenConfig) Message  { return Message{Kind: KindOpen, Open: &cfg} }
func CloseMessage() Message               { return Message{Kind: KindClose} }
func StartMessage() Message               { return Message{Kind: KindStartAcquisition} }
func StopMessage() Message                { return Message{Kind: KindStopAcquisition} }
func UpdateMessage(wf Waveforms) Message  { return Message{Kind: KindUpdateAcquisition, Waveforms: &wf} }
func EndSaveMessage() Message             { return Message{Kind: KindEndSave} }

// BeginSaveMessage starts saving to path, rotating files every maxBytes.
// An empty path falls back to the output path given at Open.
func BeginSaveMessage(path string, maxBytes int64) Message {
	return Message{Kind: KindBeginSave, Save: &SaveConfig{Path: path, MaxBytes: maxBytes}}
}

// SaveConfig selects the persistence destination.
type SaveConfig struct {
	Path     string `msgpack:"path" yaml:"path"`
	MaxBytes int64  `msgpack:"max_bytes" yaml:"max_bytes"`
}

// OpenConfig describes the hardware to open and how to drive it.
type OpenConfig struct {
	CameraDevice string `yaml:"camera_device"`
	DACDevice    string `yaml:"dac_device"`

	Channels   Channels   `yaml:"channels"`
	SampleRate float64    `yaml:"sample_rate"` // drive output rate, Hz
	NumBuffers int        `yaml:"num_buffers"` // driver-side frame buffers
	Geometry   Geometry   `yaml:"geometry"`
	Processing Processing `yaml:"processing"`

	// Waveforms are generated from Geometry by the owner, not configured.
	Waveforms Waveforms `yaml:"-"`

	OutputPath   string `yaml:"output_path"`
	MaxFileBytes int64  `yaml:"max_file_bytes"`
}

// Channels names the physical output lines.
type Channels struct {
	LineTrigger  string `yaml:"line_trigger"`
	FrameTrigger string `yaml:"frame_trigger"`
	X            string `yaml:"x"`
	Y            string `yaml:"y"`
}

// Geometry is the scan and image geometry.
type Geometry struct {
	SamplesPerLine int `yaml:"samples_per_line"`
	LinesPerGroup  int `yaml:"lines_per_group"`
	GroupCount     int `yaml:"group_count"`
	CropStart      int `yaml:"crop_start"`
	CropStop       int `yaml:"crop_stop"`
}

// Depth returns the number of samples kept per line after cropping.
func (g Geometry) Depth() int {
	if g.CropStop > g.CropStart {
		return g.CropStop - g.CropStart
	}
	return g.SamplesPerLine
}

// Processing toggles on-line processing stages.
type Processing struct {
	Apodization      bool  `yaml:"apodization"`
	MotionEstimation bool  `yaml:"motion_estimation"`
	ZStart           int   `yaml:"z_start"`
	NPeak            int   `yaml:"n_peak"`
	NRepeat          int   `yaml:"n_repeat"`
	TimeLags         []int `yaml:"time_lags"`
}

// Waveforms are the four drive signals, sampled at SampleRate.
type Waveforms struct {
	LineTrigger  []float64
	FrameTrigger []float64
	X            []float64
	Y            []float64
}

// Len returns the common length of the four signals.
func (w Waveforms) Len() int { return len(w.X) }

// Validate checks that all four signals are present and equally long.
func (w Waveforms) Validate() error {
	n := len(w.X)
	if n == 0 {
		return fmt.Errorf("hwctl: empty drive waveforms")
	}
	if len(w.Y) != n || len(w.LineTrigger) != n || len(w.FrameTrigger) != n {
		return fmt.Errorf("hwctl: drive waveforms differ in length (x=%d y=%d line=%d frame=%d)",
			n, len(w.Y), len(w.LineTrigger), len(w.FrameTrigger))
	}
	return nil
}

// Validate checks an OpenConfig before it reaches a device.
func (c *OpenConfig) Validate() error {
	g := c.Geometry
	if g.SamplesPerLine <= 0 || g.LinesPerGroup <= 0 || g.GroupCount <= 0 {
		return fmt.Errorf("hwctl: geometry must be positive, got %+v", g)
	}
	if g.CropStart < 0 || g.CropStop > g.SamplesPerLine || (g.CropStop != 0 && g.CropStop <= g.CropStart) {
		return fmt.Errorf("hwctl: crop [%d,%d) outside line of %d samples", g.CropStart, g.CropStop, g.SamplesPerLine)
	}
	if c.SampleRate <= 0 {
		return fmt.Errorf("hwctl: sample rate must be > 0, got %v", c.SampleRate)
	}
	if c.NumBuffers < 0 {
		return fmt.Errorf("hwctl: num_buffers must be >= 0, got %d", c.NumBuffers)
	}
	return c.Waveforms.Validate()
}
