// Package face runs a face oracle off the render path and keeps its latest confident result.
package face

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klyondx/facial-recognition-motion-detection-prototype/internal/types"
)

// ErrModelLoad wraps a failed oracle load
var ErrModelLoad = errors.New("face model load failed")

// Oracle is the face model. EstimateFaces may be called concurrently.
type Oracle interface {
	// Load prepares the model; called once before any estimate
	Load(ctx context.Context) error
	// EstimateFaces returns every face candidate with its probability
	EstimateFaces(ctx context.Context, frame *types.Frame) ([]types.Face, error)
	// Close releases model resources
	Close() error
}

// OverlapPolicy decides what a tick does while an invocation is in flight
type OverlapPolicy int

const (
	// OverlapAllow starts a new invocation on every tick
	OverlapAllow OverlapPolicy = iota
	// OverlapDrop skips the tick while an invocation is in flight
	OverlapDrop
)

// ParseOverlapPolicy converts the config name into a policy
func ParseOverlapPolicy(name string) (OverlapPolicy, error) {
	switch name {
	case "", "allow":
		return OverlapAllow, nil
	case "drop":
		return OverlapDrop, nil
	default:
		return OverlapAllow, fmt.Errorf("unknown overlap policy %q", name)
	}
}

// String returns the config name of the policy
func (p OverlapPolicy) String() string {
	if p == OverlapDrop {
		return "drop"
	}
	return "allow"
}

// Config contains detector settings
type Config struct {
	MinConfidence float64
	Policy        OverlapPolicy
	// Timeout bounds a single invocation; zero means no deadline
	Timeout time.Duration
}

// Stats contains detector counters
type Stats struct {
	Invocations uint64
	Skipped     uint64
	Applied     uint64
	Stale       uint64
	Discarded   uint64
	Errors      uint64
	InFlight    int64
	Faces       int
	Ready       bool
	LoadFailed  bool
}

// Detector runs the oracle asynchronously and keeps the latest accepted
// face list. The list is replaced wholesale, never mutated.
type Detector struct {
	oracle Oracle
	cfg    Config

	faces atomic.Pointer[[]types.Face]

	// seq numbers invocations; applied is the seq of the list in faces
	seq     atomic.Uint64
	applyMu sync.Mutex
	applied uint64

	inFlight atomic.Int64
	wg       sync.WaitGroup

	loaded  atomic.Bool
	loadErr atomic.Pointer[error]
	closed  atomic.Bool

	invocations atomic.Uint64
	skipped     atomic.Uint64
	appliedN    atomic.Uint64
	stale       atomic.Uint64
	discarded   atomic.Uint64
	errorsN     atomic.Uint64
}

// NewDetector creates a detector around an oracle
func NewDetector(oracle Oracle, cfg Config) *Detector {
	d := &Detector{oracle: oracle, cfg: cfg}
	empty := []types.Face{}
	d.faces.Store(&empty)
	return d
}

// Load loads the oracle. On failure the detector stays usable: Detect no-ops
// and Faces stays empty.
func (d *Detector) Load(ctx context.Context) error {
	start := time.Now()
	if err := d.oracle.Load(ctx); err != nil {
		err = fmt.Errorf("%w: %v", ErrModelLoad, err)
		d.loadErr.Store(&err)
		slog.Error("face: model load failed, detection disabled",
			"error", err,
			"elapsed", time.Since(start),
		)
		return err
	}

	d.loaded.Store(true)
	slog.Info("face: model loaded",
		"elapsed", time.Since(start),
		"min_confidence", d.cfg.MinConfidence,
		"overlap_policy", d.cfg.Policy.String(),
	)
	return nil
}

// Ready reports whether the model loaded successfully
func (d *Detector) Ready() bool {
	return d.loaded.Load()
}

// LoadErr returns the load failure, if any
func (d *Detector) LoadErr() error {
	if p := d.loadErr.Load(); p != nil {
		return *p
	}
	return nil
}

// Detect starts one invocation for the frame and returns immediately.
// It reports whether an invocation was started.
func (d *Detector) Detect(frame *types.Frame) bool {
	if d.closed.Load() || !d.loaded.Load() || frame == nil {
		return false
	}

	if d.cfg.Policy == OverlapDrop {
		if !d.inFlight.CompareAndSwap(0, 1) {
			d.skipped.Add(1)
			return false
		}
	} else {
		d.inFlight.Add(1)
	}

	seq := d.seq.Add(1)
	d.invocations.Add(1)
	d.wg.Add(1)
	go d.run(seq, frame)
	return true
}

func (d *Detector) run(seq uint64, frame *types.Frame) {
	defer d.wg.Done()
	defer d.inFlight.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			d.errorsN.Add(1)
			slog.Error("face: oracle panicked", "panic", r, "seq", seq, "trace_id", frame.TraceID)
		}
	}()

	// Teardown does not cancel an invocation; its result is discarded instead.
	ctx := context.Background()
	if d.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	raw, err := d.oracle.EstimateFaces(ctx, frame)
	if err != nil {
		d.errorsN.Add(1)
		slog.Warn("face: estimate failed",
			"error", err,
			"seq", seq,
			"frame_seq", frame.Seq,
			"trace_id", frame.TraceID,
		)
		return
	}

	if d.closed.Load() {
		d.discarded.Add(1)
		slog.Debug("face: discarding result after teardown", "seq", seq)
		return
	}

	accepted := Filter(raw, d.cfg.MinConfidence)

	d.applyMu.Lock()
	if seq < d.applied {
		d.applyMu.Unlock()
		d.stale.Add(1)
		slog.Debug("face: discarding stale result", "seq", seq, "applied", d.applied)
		return
	}
	d.applied = seq
	d.faces.Store(&accepted)
	d.applyMu.Unlock()

	d.appliedN.Add(1)
	slog.Debug("face: result applied",
		"seq", seq,
		"candidates", len(raw),
		"accepted", len(accepted),
		"latency", time.Since(start),
		"trace_id", frame.TraceID,
	)
}

// Faces returns the latest accepted face list. Callers must not modify it.
func (d *Detector) Faces() []types.Face {
	return *d.faces.Load()
}

// InFlight returns the number of running invocations
func (d *Detector) InFlight() int64 {
	return d.inFlight.Load()
}

// Close stops accepting invocations; running ones finish and are discarded
func (d *Detector) Close() {
	d.closed.Store(true)
}

// Wait blocks until every running invocation returned or ctx is done
func (d *Detector) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("face: waiting for %d in-flight invocations: %w", d.inFlight.Load(), ctx.Err())
	}
}

// Stats returns a snapshot of the detector counters
func (d *Detector) Stats() Stats {
	return Stats{
		Invocations: d.invocations.Load(),
		Skipped:     d.skipped.Load(),
		Applied:     d.appliedN.Load(),
		Stale:       d.stale.Load(),
		Discarded:   d.discarded.Load(),
		Errors:      d.errorsN.Load(),
		InFlight:    d.inFlight.Load(),
		Faces:       len(d.Faces()),
		Ready:       d.loaded.Load(),
		LoadFailed:  d.loadErr.Load() != nil,
	}
}
