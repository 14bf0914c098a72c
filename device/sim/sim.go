// Package sim is a simulated scanner implementing hwctl.Device.
//
// It paces frames at the rate the drive waveforms imply (one frame per
// full waveform period at the configured sample rate) and synthesises all
// three payloads: a layered reflectivity image, per-group motion estimates
// when motion estimation is on, and one raw interference spectrum.
// Failures can be injected for testing the worker's failure policy.
package sim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/e7canasta/orion-acq/frame"
	"github.com/e7canasta/orion-acq/hwctl"
)

// ErrInjected is returned by polls selected by Options.FailEvery.
var ErrInjected = errors.New("sim: injected acquisition failure")

// Options tunes the simulation.
type Options struct {
	// FrameInterval overrides the interval derived from the waveforms.
	FrameInterval time.Duration

	// FailEvery makes every Nth poll fail. Zero disables.
	FailEvery int

	// FailSetup makes Setup fail, as if the hardware were missing.
	FailSetup bool
}

// Device is a simulated acquisition device.
type Device struct {
	opts Options

	cfg      hwctl.OpenConfig
	interval time.Duration
	running  bool
	next     time.Time
	polls    uint64
	phase    float64
}

// New creates a simulated device.
func New(opts Options) *Device {
	return &Device{opts: opts}
}

func (d *Device) Setup(ctx context.Context, cfg *hwctl.OpenConfig) error {
	if d.opts.FailSetup {
		return fmt.Errorf("sim: camera %q not found", cfg.CameraDevice)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	d.cfg = *cfg
	d.interval = d.frameInterval(cfg.Waveforms)

	slog.Info("sim: device configured",
		"camera", cfg.CameraDevice,
		"dac", cfg.DACDevice,
		"frame_interval", d.interval,
	)
	return nil
}

func (d *Device) Handle(ctx context.Context, msg hwctl.Message) error {
	switch msg.Kind {
	case hwctl.KindStartAcquisition:
		d.running = true
		d.next = time.Now()
	case hwctl.KindStopAcquisition:
		d.running = false
	case hwctl.KindUpdateAcquisition:
		d.cfg.Waveforms = *msg.Waveforms
		d.interval = d.frameInterval(d.cfg.Waveforms)
		slog.Debug("sim: waveforms updated", "frame_interval", d.interval)
	}
	return nil
}

func (d *Device) AcquireFrame(ctx context.Context) (*frame.Frame, error) {
	if !d.running {
		return nil, fmt.Errorf("sim: acquisition not running")
	}

	if wait := time.Until(d.next); wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, nil
		case <-timer.C:
		}
	}
	d.next = d.next.Add(d.interval)
	if behind := time.Since(d.next); behind > 10*d.interval {
		// Resynchronise after a long stall instead of bursting.
		d.next = time.Now().Add(d.interval)
	}

	d.polls++
	if d.opts.FailEvery > 0 && d.polls%uint64(d.opts.FailEvery) == 0 {
		return nil, ErrInjected
	}

	d.phase += 0.05
	return d.synthesise(), nil
}

func (d *Device) Close() error {
	d.running = false
	slog.Info("sim: device closed", "polls", d.polls)
	return nil
}

func (d *Device) frameInterval(wf hwctl.Waveforms) time.Duration {
	if d.opts.FrameInterval > 0 {
		return d.opts.FrameInterval
	}
	period := time.Duration(float64(wf.Len()) / d.cfg.SampleRate * float64(time.Second))
	if period < time.Millisecond {
		period = time.Millisecond
	}
	return period
}

func (d *Device) synthesise() *frame.Frame {
	g := d.cfg.Geometry
	depth := g.Depth()
	lines := g.LinesPerGroup * g.GroupCount

	img := make([]float32, depth*lines)
	for z := 0; z < depth; z++ {
		// Three reflective layers drifting slowly with phase.
		zz := float64(z) / float64(depth)
		layer := gauss(zz, 0.25+0.02*math.Sin(d.phase), 0.02) +
			0.6*gauss(zz, 0.5, 0.03) +
			0.3*gauss(zz, 0.75+0.01*math.Cos(d.phase), 0.02)
		if d.cfg.Processing.Apodization {
			layer *= 0.5 - 0.5*math.Cos(2*math.Pi*zz)
		}
		for x := 0; x < lines; x++ {
			img[z*lines+x] = float32(layer * (1 + 0.05*math.Sin(float64(x)/8+d.phase)))
		}
	}

	f := &frame.Frame{
		Timestamp: time.Now(),
		Source:    "sim:" + d.cfg.CameraDevice,
		Image:     frame.Float32Array([]int{depth, lines}, img),
	}

	if d.cfg.Processing.MotionEstimation {
		mot := make([]float32, 3*g.GroupCount)
		for i := 0; i < g.GroupCount; i++ {
			t := d.phase + float64(i)/float64(g.GroupCount)
			mot[3*i] = float32(0.4 * math.Sin(t))
			mot[3*i+1] = float32(0.2 * math.Cos(t))
			mot[3*i+2] = float32(0.1 * math.Sin(2*t))
		}
		f.Scalars = frame.Float32Array([]int{g.GroupCount, 3}, mot)
	}

	spec := make([]float32, g.SamplesPerLine)
	for k := range spec {
		kk := float64(k) / float64(g.SamplesPerLine)
		envelope := gauss(kk, 0.5, 0.2)
		spec[k] = float32(envelope * (1 + 0.3*math.Cos(2*math.Pi*40*kk+d.phase)))
	}
	f.Spectrum = frame.Float32Array([]int{g.SamplesPerLine}, spec)

	return f
}

func gauss(x, mu, sigma float64) float64 {
	d := (x - mu) / sigma
	return math.Exp(-0.5 * d * d)
}

// PrimaryBytes is the size of the image block synthesised for g.
func PrimaryBytes(g hwctl.Geometry) int {
	return g.Depth() * g.LinesPerGroup * g.GroupCount * frame.Float32.ItemSize()
}
