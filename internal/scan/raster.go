// Package scan generates the drive waveforms for a raster scan: a sawtooth
// fast axis (x), a stepped slow axis (y), a line trigger pulse per A-line and
// a frame trigger pulse per B-line.
package scan

import (
	"fmt"

	"github.com/e7canasta/orion-acq/hwctl"
)

// Raster describes a raster pattern.
type Raster struct {
	ALines int // A-lines per B-line (fast axis)
	BLines int // B-lines per volume (slow axis)

	// SamplesPerALine is the number of drive samples spent on each A-line.
	SamplesPerALine int

	// Flyback is the number of samples at the end of each B-line during which
	// x returns to its start and no line triggers fire.
	Flyback int

	FOVX   float64 // peak-to-peak amplitude, volts
	FOVY   float64
	Offset [2]float64

	TriggerHigh float64 // trigger pulse level, volts (default 5)
}

// FromGeometry builds a raster whose A-lines and B-lines follow the image
// geometry: LinesPerGroup A-lines per B-line, GroupCount B-lines.
func FromGeometry(g hwctl.Geometry, fovX, fovY float64) Raster {
	return Raster{
		ALines:          g.LinesPerGroup,
		BLines:          g.GroupCount,
		SamplesPerALine: 2,
		Flyback:         g.LinesPerGroup / 8,
		FOVX:            fovX,
		FOVY:            fovY,
	}
}

func (r Raster) validate() error {
	if r.ALines <= 0 || r.BLines <= 0 || r.SamplesPerALine <= 0 {
		return fmt.Errorf("scan: raster dimensions must be positive, got %d×%d×%d",
			r.ALines, r.BLines, r.SamplesPerALine)
	}
	if r.Flyback < 0 {
		return fmt.Errorf("scan: flyback must be >= 0, got %d", r.Flyback)
	}
	if r.FOVX <= 0 || r.FOVY <= 0 {
		return fmt.Errorf("scan: field of view must be positive, got %v×%v", r.FOVX, r.FOVY)
	}
	return nil
}

// Generate returns the four drive signals of one full volume.
func (r Raster) Generate() (hwctl.Waveforms, error) {
	if err := r.validate(); err != nil {
		return hwctl.Waveforms{}, err
	}
	high := r.TriggerHigh
	if high == 0 {
		high = 5
	}

	perB := r.ALines*r.SamplesPerALine + r.Flyback
	n := perB * r.BLines

	wf := hwctl.Waveforms{
		LineTrigger:  make([]float64, n),
		FrameTrigger: make([]float64, n),
		X:            make([]float64, n),
		Y:            make([]float64, n),
	}

	scan := r.ALines * r.SamplesPerALine
	for b := 0; b < r.BLines; b++ {
		y := r.Offset[1] + r.FOVY*(step(b, r.BLines)-0.5)
		base := b * perB

		wf.FrameTrigger[base] = high
		for i := 0; i < perB; i++ {
			k := base + i
			wf.Y[k] = y
			if i < scan {
				wf.X[k] = r.Offset[0] + r.FOVX*(float64(i)/float64(scan)-0.5)
				if i%r.SamplesPerALine == 0 {
					wf.LineTrigger[k] = high
				}
				continue
			}
			// Linear return to the start of the line.
			f := float64(i-scan+1) / float64(r.Flyback+1)
			wf.X[k] = r.Offset[0] + r.FOVX*(0.5-f)
		}
	}
	return wf, nil
}

// step places index i of n evenly in [0, 1).
func step(i, n int) float64 {
	if n <= 1 {
		return 0.5
	}
	return float64(i) / float64(n-1)
}
