// Package motion decides whether a scene changed between two consecutive
// frames by comparing a sparse grid of pixel fingerprints.
//
// The detector keeps one fingerprint per grid cell and overwrites it on every
// sample, so each call compares the current frame with the previous one only.
// A cell seen for the first time never counts as moved.
package motion

import (
	"log/slog"
	"sync"

	"github.com/klyondx/facial-recognition-motion-detection-prototype/internal/types"
)

// Config contains the sampling parameters
type Config struct {
	// Stride is the pixel spacing of the grid in both axes
	Stride int
	// DiffThreshold is the fingerprint delta above which a cell counts as moved
	DiffThreshold int64
	// FractionThreshold is the moved fraction above which motion is reported
	FractionThreshold float64
}

// DefaultConfig returns stride 20, delta 100*10^6 and fraction 0.01
func DefaultConfig() Config {
	return Config{
		Stride:            20,
		DiffThreshold:     100 * 1_000_000,
		FractionThreshold: 0.01,
	}
}

// Fingerprint collapses a pixel into a single integer (R*10^6 + G*10^3 + B).
// Red dominates the value, so the threshold mostly reacts to red-channel change.
func Fingerprint(r, g, b uint8) int64 {
	return int64(r)*1_000_000 + int64(g)*1_000 + int64(b)
}

// Cell is the classification of one grid sample
type Cell struct {
	X, Y    int
	R, G, B uint8
	Moved   bool
}

// Result is the outcome of one Sample call
type Result struct {
	Detected bool
	Moved    int
	Total    int
	Fraction float64
	// Cells holds every sampled cell in row-major order
	Cells  []Cell
	Stride int
	Seq    uint64
}

// Stats contains detector counters
type Stats struct {
	Samples    uint64
	Detections uint64
	GridResets uint64
	Cells      int
}

type cellSample struct {
	fingerprint int64
	seen        bool
}

// Detector owns the sample grid. Safe for concurrent use.
type Detector struct {
	cfg Config

	mu         sync.Mutex
	grid       []cellSample
	cols, rows int
	stats      Stats
}

// NewDetector creates a detector; zero config fields take the defaults
func NewDetector(cfg Config) *Detector {
	def := DefaultConfig()
	if cfg.Stride <= 0 {
		cfg.Stride = def.Stride
	}
	if cfg.DiffThreshold <= 0 {
		cfg.DiffThreshold = def.DiffThreshold
	}
	if cfg.FractionThreshold <= 0 {
		cfg.FractionThreshold = def.FractionThreshold
	}
	return &Detector{cfg: cfg}
}

// Sample compares the frame with the previous sample and stores the new one
func (d *Detector) Sample(frame *types.Frame) Result {
	stride := d.cfg.Stride
	cols := (frame.Width + stride - 1) / stride
	rows := (frame.Height + stride - 1) / stride

	d.mu.Lock()
	defer d.mu.Unlock()

	if cols != d.cols || rows != d.rows {
		if d.grid != nil {
			slog.Info("motion: frame geometry changed, starting a new grid",
				"cols", cols,
				"rows", rows,
				"previous_cols", d.cols,
				"previous_rows", d.rows,
			)
			d.stats.GridResets++
		}
		d.grid = make([]cellSample, cols*rows)
		d.cols, d.rows = cols, rows
	}

	res := Result{
		Total:  cols * rows,
		Cells:  make([]Cell, 0, cols*rows),
		Stride: stride,
		Seq:    frame.Seq,
	}

	i := 0
	for y := 0; y < frame.Height; y += stride {
		for x := 0; x < frame.Width; x += stride {
			r, g, b := frame.RGB(x, y)
			fp := Fingerprint(r, g, b)

			prev := d.grid[i]
			moved := prev.seen && abs(prev.fingerprint-fp) > d.cfg.DiffThreshold
			if moved {
				res.Moved++
			}
			d.grid[i] = cellSample{fingerprint: fp, seen: true}
			res.Cells = append(res.Cells, Cell{X: x, Y: y, R: r, G: g, B: b, Moved: moved})
			i++
		}
	}

	if res.Total > 0 {
		res.Fraction = float64(res.Moved) / float64(res.Total)
	}
	res.Detected = res.Fraction > d.cfg.FractionThreshold

	d.stats.Samples++
	if res.Detected {
		d.stats.Detections++
	}

	return res
}

// Reset drops the grid so the next sample is a cold start
func (d *Detector) Reset() {
	d.mu.Lock()
	d.grid = nil
	d.cols, d.rows = 0, 0
	d.mu.Unlock()
}

// Stats returns a snapshot of the detector counters
func (d *Detector) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.stats
	s.Cells = len(d.grid)
	return s
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
