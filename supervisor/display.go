package supervisor

import (
	"context"
	"hash/crc32"
	"log/slog"
	"time"

	"github.com/e7canasta/orion-acq/frame"
	"github.com/e7canasta/orion-acq/queue"
)

// RingReader is the examining side of a shared ring. *ringbuffer.Ring
// implements it.
type RingReader interface {
	ExamineLatest() ([]byte, bool)
	Release()
	Index() uint64
	Dropped() uint64
}

// DisplayStats summarises what the display consumed.
type DisplayStats struct {
	Frames       uint64  `json:"frames"`
	LatestSeq    uint64  `json:"latest_seq"`
	LatestPeak   float32 `json:"latest_peak"`
	RingIndex    uint64  `json:"ring_index"`
	RingDropped  uint64  `json:"ring_dropped"`
	RingExamined uint64  `json:"ring_examined"`
	RingBusy     uint64  `json:"ring_busy"`
	RingChecksum uint32  `json:"ring_checksum"`
}

// Display is the owner's consumer: it drains the frame queue on every
// refresh, keeps the newest frame and, when a ring is attached, examines its
// latest slot. It stands in for a renderer.
type Display struct {
	frames *queue.Bounded[*frame.Frame]
	ring   RingReader

	latest *frame.Frame
	stats  DisplayStats
}

// NewDisplay creates a display over frames and an optional ring.
func NewDisplay(frames *queue.Bounded[*frame.Frame], ring RingReader) *Display {
	return &Display{frames: frames, ring: ring}
}

// Refresh consumes everything currently queued and returns the running
// totals. Not safe for concurrent use.
func (d *Display) Refresh() DisplayStats {
	for {
		f, ok := d.frames.TryPop()
		if !ok {
			break
		}
		d.latest = f
		d.stats.Frames++
	}

	if d.latest != nil && d.latest.Seq != d.stats.LatestSeq {
		d.stats.LatestSeq = d.latest.Seq
		if p := d.latest.Primary(); p != nil {
			if vals, err := p.Float32s(); err == nil {
				d.stats.LatestPeak = peak(vals)
			}
		}
	}

	if d.ring != nil {
		if slot, ok := d.ring.ExamineLatest(); ok {
			d.stats.RingChecksum = crc32.ChecksumIEEE(slot)
			d.ring.Release()
			d.stats.RingExamined++
		} else if d.ring.Index() > 0 {
			d.stats.RingBusy++
		}
		d.stats.RingIndex = d.ring.Index()
		d.stats.RingDropped = d.ring.Dropped()
	}

	return d.stats
}

// Latest returns the newest frame seen so far, or nil.
func (d *Display) Latest() *frame.Frame { return d.latest }

// Run refreshes every interval and logs a summary every logEvery.
func (d *Display) Run(ctx context.Context, interval, logEvery time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastLog := time.Now()
	var lastFrames uint64

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := d.Refresh()
			if time.Since(lastLog) < logEvery {
				continue
			}
			elapsed := time.Since(lastLog)
			slog.Info("display: summary",
				"frames", s.Frames,
				"fps", float64(s.Frames-lastFrames)/elapsed.Seconds(),
				"latest_seq", s.LatestSeq,
				"latest_peak", s.LatestPeak,
				"ring_index", s.RingIndex,
				"ring_dropped", s.RingDropped,
			)
			lastLog = time.Now()
			lastFrames = s.Frames
		}
	}
}

func peak(vals []float32) float32 {
	var m float32
	for _, v := range vals {
		if v > m {
			m = v
		}
	}
	return m
}
