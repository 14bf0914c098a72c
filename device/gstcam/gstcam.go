// Package gstcam implements hwctl.Device on top of a GStreamer pipeline
// ending in an appsink, for line-scan or area cameras exposed through V4L2
// (or a test source when no device path is given).
//
// Pipeline:
//
//	v4l2src|videotestsrc → videoconvert → capsfilter(GRAY16_LE, W×H) → appsink
//
// The worker polls: AcquireFrame pulls at most one sample with a timeout
// bounded by the poll context, so a stalled camera shows up as empty polls
// rather than a blocked loop. Each sample becomes one Uint16 image block of
// shape (lines, samples per line).
package gstcam

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/orion-acq/frame"
	"github.com/e7canasta/orion-acq/hwctl"
)

// ErrEOS is returned when the source has ended.
var ErrEOS = errors.New("gstcam: end of stream")

var initOnce sync.Once

// Options tunes the camera pipeline.
type Options struct {
	// FPS caps the source frame rate. Zero leaves it unconstrained.
	FPS int

	// PullTimeout bounds one sample pull when the poll context has no
	// deadline.
	PullTimeout time.Duration
}

// Device is a GStreamer-backed camera.
type Device struct {
	opts Options
	id   string

	pipeline *gst.Pipeline
	sink     *app.Sink
	width    int
	height   int
}

// New creates an unopened camera device.
func New(opts Options) *Device {
	if opts.PullTimeout <= 0 {
		opts.PullTimeout = 500 * time.Millisecond
	}
	return &Device{opts: opts, id: uuid.New().String()}
}

func (d *Device) Setup(ctx context.Context, cfg *hwctl.OpenConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	initOnce.Do(func() { gst.Init(nil) })

	d.width = cfg.Geometry.SamplesPerLine
	d.height = cfg.Geometry.LinesPerGroup * cfg.Geometry.GroupCount

	pipeline, sink, err := d.build(cfg.CameraDevice)
	if err != nil {
		return err
	}

	// Prepare the device without streaming; StartAcquisition plays.
	if err := pipeline.SetState(gst.StatePaused); err != nil {
		pipeline.SetState(gst.StateNull)
		return fmt.Errorf("gstcam: pause pipeline: %w", err)
	}

	d.pipeline = pipeline
	d.sink = sink

	slog.Info("gstcam: pipeline ready",
		"device", cfg.CameraDevice,
		"width", d.width,
		"height", d.height,
		"fps", d.opts.FPS,
		"id", d.id,
	)
	return nil
}

func (d *Device) build(device string) (*gst.Pipeline, *app.Sink, error) {
	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, nil, fmt.Errorf("gstcam: create pipeline: %w", err)
	}

	var src *gst.Element
	if strings.HasPrefix(device, "/dev/") {
		src, err = gst.NewElement("v4l2src")
		if err == nil {
			src.SetProperty("device", device)
		}
	} else {
		src, err = gst.NewElement("videotestsrc")
		if err == nil {
			src.SetProperty("is-live", true)
		}
	}
	if err != nil {
		return nil, nil, fmt.Errorf("gstcam: create source: %w", err)
	}

	converter, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, nil, fmt.Errorf("gstcam: create videoconvert: %w", err)
	}

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, nil, fmt.Errorf("gstcam: create capsfilter: %w", err)
	}
	capsStr := fmt.Sprintf("video/x-raw,format=GRAY16_LE,width=%d,height=%d", d.width, d.height)
	if d.opts.FPS > 0 {
		capsStr += fmt.Sprintf(",framerate=%d/1", d.opts.FPS)
	}
	capsfilter.SetProperty("caps", gst.NewCapsFromString(capsStr))

	sink, err := app.NewAppSink()
	if err != nil {
		return nil, nil, fmt.Errorf("gstcam: create appsink: %w", err)
	}
	sink.SetProperty("sync", false)
	sink.SetProperty("max-buffers", 2)
	sink.SetProperty("drop", true)

	pipeline.AddMany(src, converter, capsfilter, sink.Element)
	if err := gst.ElementLinkMany(src, converter, capsfilter, sink.Element); err != nil {
		return nil, nil, fmt.Errorf("gstcam: link pipeline: %w", err)
	}
	return pipeline, sink, nil
}

func (d *Device) Handle(ctx context.Context, msg hwctl.Message) error {
	switch msg.Kind {
	case hwctl.KindStartAcquisition:
		if err := d.pipeline.SetState(gst.StatePlaying); err != nil {
			return fmt.Errorf("gstcam: play: %w", err)
		}
	case hwctl.KindStopAcquisition:
		if err := d.pipeline.SetState(gst.StatePaused); err != nil {
			return fmt.Errorf("gstcam: pause: %w", err)
		}
	case hwctl.KindUpdateAcquisition:
		// A camera has no drive outputs; the scanner side owns waveforms.
		slog.Debug("gstcam: waveform update ignored", "id", d.id)
	}
	return nil
}

func (d *Device) AcquireFrame(ctx context.Context) (*frame.Frame, error) {
	timeout := d.opts.PullTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}
	if timeout <= 0 {
		return nil, nil
	}

	sample := d.sink.TryPullSample(timeout)
	if sample == nil {
		if d.sink.IsEOS() {
			return nil, ErrEOS
		}
		return nil, nil
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		return nil, nil
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	want := 2 * d.width * d.height
	if len(data) != want {
		buffer.Unmap()
		return nil, fmt.Errorf("gstcam: buffer of %d bytes, expected %d", len(data), want)
	}

	// GStreamer reuses the buffer.
	pixels := make([]byte, len(data))
	copy(pixels, data)
	buffer.Unmap()

	return &frame.Frame{
		Timestamp: time.Now(),
		Source:    "gstcam:" + d.id,
		Image:     &frame.Array{DType: frame.Uint16, Shape: []int{d.height, d.width}, Data: pixels},
	}, nil
}

func (d *Device) Close() error {
	if d.pipeline == nil {
		return nil
	}
	if err := d.pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("gstcam: set pipeline to NULL: %w", err)
	}
	d.pipeline = nil
	d.sink = nil
	slog.Info("gstcam: pipeline closed", "id", d.id)
	return nil
}

// PrimaryBytes is the size of one GRAY16 sample for g.
func PrimaryBytes(g hwctl.Geometry) int {
	return g.SamplesPerLine * g.LinesPerGroup * g.GroupCount * frame.Uint16.ItemSize()
}
