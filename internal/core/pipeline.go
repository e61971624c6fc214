// Package core runs the booth loops over one shared scene state.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klyondx/facial-recognition-motion-detection-prototype/internal/capture"
	"github.com/klyondx/facial-recognition-motion-detection-prototype/internal/countdown"
	"github.com/klyondx/facial-recognition-motion-detection-prototype/internal/face"
	"github.com/klyondx/facial-recognition-motion-detection-prototype/internal/imaging"
	"github.com/klyondx/facial-recognition-motion-detection-prototype/internal/motion"
	"github.com/klyondx/facial-recognition-motion-detection-prototype/internal/scene"
	"github.com/klyondx/facial-recognition-motion-detection-prototype/internal/stream"
	"github.com/klyondx/facial-recognition-motion-detection-prototype/internal/types"
)

// ErrNotRunning is returned by operations that need a started pipeline
var ErrNotRunning = errors.New("pipeline not running")

// Config contains the view geometry and the loop periods
type Config struct {
	// ViewScale is the centered fraction of the camera image kept for the view
	ViewScale  float64
	ViewWidth  int
	ViewHeight int

	FaceInterval      time.Duration
	MotionInterval    time.Duration
	CountdownInterval time.Duration
	SceneInterval     time.Duration
	// Settle is how long a capture holds the scene in Snapping
	Settle time.Duration
	// LoadTimeout bounds the face model load
	LoadTimeout time.Duration
}

// DefaultConfig returns the booth defaults: a 360x270 view from the centered
// 60% of the camera image, 50ms face and scene ticks, 100ms motion ticks and
// a one-second countdown.
func DefaultConfig() Config {
	return Config{
		ViewScale:         0.6,
		ViewWidth:         360,
		ViewHeight:        270,
		FaceInterval:      50 * time.Millisecond,
		MotionInterval:    100 * time.Millisecond,
		CountdownInterval: time.Second,
		SceneInterval:     50 * time.Millisecond,
		Settle:            time.Second,
		LoadTimeout:       30 * time.Second,
	}
}

// Components are the parts the pipeline drives. Source and Faces are
// required; the rest default to fresh instances.
type Components struct {
	Source    FrameSource
	Faces     *face.Detector
	Motion    *motion.Detector
	Countdown *countdown.Controller
	Captures  *capture.Buffer
	Sink      RenderSink
}

// Stats contains pipeline counters and component snapshots
type Stats struct {
	Running        bool            `json:"running"`
	UptimeSeconds  float64         `json:"uptime_s"`
	Scene          string          `json:"scene"`
	Message        string          `json:"message"`
	Motion         bool            `json:"motion"`
	SourceReady    bool            `json:"source_ready"`
	SourceError    string          `json:"source_error,omitempty"`
	OracleReady    bool            `json:"oracle_ready"`
	OracleFailed   bool            `json:"oracle_failed"`
	FaceTicks      uint64          `json:"face_ticks"`
	MotionTicks    uint64          `json:"motion_ticks"`
	CountdownTicks uint64          `json:"countdown_ticks"`
	SceneTicks     uint64          `json:"scene_ticks"`
	TickPanics     uint64          `json:"tick_panics"`
	SinkErrors     uint64          `json:"sink_errors"`
	SinkSkips      uint64          `json:"sink_skips"`
	Captures       uint64          `json:"captures"`
	MotionStats    motion.Stats    `json:"motion_stats"`
	FaceStats      face.Stats      `json:"face_stats"`
	CountdownStats countdown.Stats `json:"countdown_stats"`
}

// Pipeline runs the four booth loops:
//
//	face      (50ms)  crop view → face.Detector.Detect → sink.DrawFaces
//	motion    (100ms) crop view → motion.Detector.Sample → latch → sink.DrawMotion
//	countdown (1s)    countdown.Controller.Tick → capture → settle timer
//	scene     (50ms)  scene.Classify(latch, faces, capturing) → sink.SceneChanged
//
// The loops share state only through sharedState under mu. Each tick is
// isolated: a panic or sink error is logged and the next tick runs normally.
type Pipeline struct {
	cfg Config

	source    FrameSource
	faces     *face.Detector
	motion    *motion.Detector
	countdown *countdown.Controller
	captures  *capture.Buffer
	sink      RenderSink

	mu sync.Mutex
	st sharedState

	lifeMu      sync.Mutex
	running     bool
	stopped     bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	settleTimer *time.Timer
	started     time.Time

	faceTicks      atomic.Uint64
	motionTicks    atomic.Uint64
	countdownTicks atomic.Uint64
	sceneTicks     atomic.Uint64
	tickPanics     atomic.Uint64
	sinkErrors     atomic.Uint64
	sinkSkips      atomic.Uint64
}

// NewPipeline creates a pipeline; zero config fields take the defaults
func NewPipeline(cfg Config, c Components) (*Pipeline, error) {
	if c.Source == nil {
		return nil, fmt.Errorf("pipeline: frame source is required")
	}
	if c.Faces == nil {
		return nil, fmt.Errorf("pipeline: face detector is required")
	}

	def := DefaultConfig()
	if cfg.ViewScale <= 0 || cfg.ViewScale > 1 {
		cfg.ViewScale = def.ViewScale
	}
	if cfg.ViewWidth <= 0 || cfg.ViewHeight <= 0 {
		cfg.ViewWidth, cfg.ViewHeight = def.ViewWidth, def.ViewHeight
	}
	for _, d := range []struct {
		v   *time.Duration
		def time.Duration
	}{
		{&cfg.FaceInterval, def.FaceInterval},
		{&cfg.MotionInterval, def.MotionInterval},
		{&cfg.CountdownInterval, def.CountdownInterval},
		{&cfg.SceneInterval, def.SceneInterval},
		{&cfg.Settle, def.Settle},
		{&cfg.LoadTimeout, def.LoadTimeout},
	} {
		if *d.v <= 0 {
			*d.v = d.def
		}
	}

	if c.Motion == nil {
		c.Motion = motion.NewDetector(motion.DefaultConfig())
	}
	if c.Countdown == nil {
		c.Countdown = countdown.NewController(countdown.DefaultSteps)
	}
	if c.Captures == nil {
		c.Captures = capture.NewBuffer()
	}
	if c.Sink == nil {
		c.Sink = NopSink{}
	}

	return &Pipeline{
		cfg:       cfg,
		source:    c.Source,
		faces:     c.Faces,
		motion:    c.Motion,
		countdown: c.Countdown,
		captures:  c.Captures,
		sink:      c.Sink,
	}, nil
}

// Start opens the source and loads the face model in the background, then
// starts the loops. The scene stays Loading until both are done.
func (p *Pipeline) Start(ctx context.Context) error {
	p.lifeMu.Lock()
	defer p.lifeMu.Unlock()

	if p.running {
		return fmt.Errorf("pipeline: already running")
	}
	if p.stopped {
		return fmt.Errorf("pipeline: cannot restart a stopped pipeline")
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.running = true
	p.cancel = cancel
	p.started = time.Now()

	p.wg.Add(1)
	go p.load(runCtx)

	p.loop(runCtx, "face", p.cfg.FaceInterval, &p.faceTicks, p.faceTick)
	p.loop(runCtx, "motion", p.cfg.MotionInterval, &p.motionTicks, p.motionTick)
	p.loop(runCtx, "countdown", p.cfg.CountdownInterval, &p.countdownTicks, p.countdownTick)
	p.loop(runCtx, "scene", p.cfg.SceneInterval, &p.sceneTicks, p.sceneTick)

	slog.Info("pipeline: started",
		"view", fmt.Sprintf("%dx%d@%.2f", p.cfg.ViewWidth, p.cfg.ViewHeight, p.cfg.ViewScale),
		"face_interval", p.cfg.FaceInterval,
		"motion_interval", p.cfg.MotionInterval,
		"countdown_interval", p.cfg.CountdownInterval,
		"scene_interval", p.cfg.SceneInterval,
		"countdown_steps", p.countdown.Steps(),
	)
	return nil
}

// load opens the source and loads the model concurrently
func (p *Pipeline) load(ctx context.Context) {
	defer p.wg.Done()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.setSource(p.source.Open(ctx))
	}()
	go func() {
		defer wg.Done()
		lctx, cancel := context.WithTimeout(ctx, p.cfg.LoadTimeout)
		defer cancel()
		// a failed load leaves the detector reporting zero faces
		_ = p.faces.Load(lctx)
		p.mu.Lock()
		p.st.oracleDone = true
		p.mu.Unlock()
	}()
	wg.Wait()
}

func (p *Pipeline) setSource(err error) {
	p.mu.Lock()
	p.st.sourceReady = err == nil
	p.st.sourceErr = err
	p.mu.Unlock()

	if err != nil {
		slog.Error("pipeline: frame source unavailable, staying in loading",
			"error", err,
			"action", "retry_source required",
		)
		return
	}
	slog.Info("pipeline: frame source ready")
}

// loop runs fn every interval until ctx is done
func (p *Pipeline) loop(ctx context.Context, name string, interval time.Duration, ticks *atomic.Uint64, fn func()) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				slog.Debug("pipeline: loop stopped", "loop", name)
				return
			case <-ticker.C:
				// both cases may be ready; never tick after cancellation
				if ctx.Err() != nil {
					return
				}
				p.runTick(name, fn)
				ticks.Add(1)
			}
		}
	}()
}

func (p *Pipeline) runTick(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			p.tickPanics.Add(1)
			slog.Error("pipeline: tick panicked", "loop", name, "panic", r)
		}
	}()
	fn()
}

// view returns the current frame cropped to the view
func (p *Pipeline) view() (*types.Frame, bool) {
	frame, err := p.source.CurrentFrame()
	if err != nil {
		if errors.Is(err, stream.ErrSourceUnavailable) {
			p.sourceLost(err)
		}
		return nil, false
	}

	view, err := imaging.CenterCrop(frame, p.cfg.ViewScale, p.cfg.ViewWidth, p.cfg.ViewHeight)
	if err != nil {
		slog.Warn("pipeline: failed to crop frame", "error", err, "frame_seq", frame.Seq)
		return nil, false
	}
	return view, true
}

func (p *Pipeline) sourceLost(err error) {
	p.mu.Lock()
	wasReady := p.st.sourceReady
	p.st.sourceReady = false
	p.st.sourceErr = err
	p.mu.Unlock()

	if wasReady {
		slog.Error("pipeline: frame source lost, back to loading",
			"error", err,
			"action", "retry_source required",
		)
	}
}

func (p *Pipeline) sourceReady() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.st.sourceReady
}

// render records a sink failure; ErrSinkNotReady skips this tick only
func (p *Pipeline) render(what string, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, ErrSinkNotReady) {
		p.sinkSkips.Add(1)
		slog.Debug("pipeline: render sink not ready, skipping", "what", what)
		return
	}
	p.sinkErrors.Add(1)
	slog.Warn("pipeline: render sink failed", "what", what, "error", err)
}

func (p *Pipeline) faceTick() {
	if !p.sourceReady() || p.countdown.Capturing() {
		return
	}

	view, ok := p.view()
	if !ok {
		return
	}
	p.faces.Detect(view)
	p.render("faces", p.sink.DrawFaces(p.faces.Faces()))
}

func (p *Pipeline) motionTick() {
	if !p.sourceReady() {
		return
	}

	view, ok := p.view()
	if !ok {
		return
	}
	res := p.motion.Sample(view)

	if res.Detected {
		p.mu.Lock()
		// the settle timer owns clearing the latch during a capture
		if !p.countdown.Capturing() && !p.st.motion {
			p.st.motion = true
			slog.Debug("pipeline: motion latched",
				"moved", res.Moved,
				"total", res.Total,
				"fraction", res.Fraction,
			)
		}
		p.mu.Unlock()
	}

	p.render("motion", p.sink.DrawMotion(res))
}

func (p *Pipeline) countdownTick() {
	p.mu.Lock()
	if p.st.loading() {
		p.mu.Unlock()
		return
	}
	outcome := p.countdown.Tick(p.st.motion, p.st.scene)
	p.mu.Unlock()

	if outcome == countdown.Captured {
		p.commitCapture()
		// Snapping must show without waiting for the next scene tick
		p.sceneTick()
	}
}

func (p *Pipeline) commitCapture() {
	if view, ok := p.view(); ok {
		photo := p.captures.Commit(view)
		p.render("capture", p.sink.ShowCapture(photo))
	} else {
		slog.Error("pipeline: no frame available for capture")
	}
	p.scheduleSettle()
}

func (p *Pipeline) scheduleSettle() {
	p.lifeMu.Lock()
	defer p.lifeMu.Unlock()

	if !p.running {
		return
	}
	p.wg.Add(1)
	p.settleTimer = time.AfterFunc(p.cfg.Settle, func() {
		defer p.wg.Done()
		p.settleCapture()
	})
}

// settleCapture ends a capture: counter reset, capturing and motion cleared
func (p *Pipeline) settleCapture() {
	p.mu.Lock()
	p.countdown.Settle()
	p.st.motion = false
	p.mu.Unlock()

	slog.Info("pipeline: capture settled", "captures", p.captures.Count())
}

func (p *Pipeline) sceneTick() {
	faces := p.faces.Faces()

	p.mu.Lock()
	next := types.SceneLoading
	if !p.st.loading() {
		next = scene.Classify(p.st.motion, faces, p.countdown.Capturing())
	}
	p.st.scene = next

	counter := p.countdown.Counter()
	// the counter only shows in the one-face message
	changed := next != p.st.notifiedScene ||
		(next == types.SceneOneFace && counter != p.st.notifiedCounter)
	update := SceneUpdate{
		From:    p.st.notifiedScene,
		To:      next,
		Counter: counter,
		Steps:   p.countdown.Steps(),
		Message: scene.Message(next, counter, p.countdown.Steps()),
	}
	if changed {
		p.st.notifiedScene = next
		p.st.notifiedCounter = counter
	}
	p.mu.Unlock()

	if !changed {
		return
	}
	if update.From != update.To {
		slog.Info("pipeline: scene changed",
			"from", update.From.String(),
			"to", update.To.String(),
			"message", update.Message,
		)
	}
	p.render("scene", p.sink.SceneChanged(update))
}

// RetrySource reopens a source that failed or was lost. It is the only way
// out of SourceUnavailable; nothing retries automatically.
func (p *Pipeline) RetrySource(ctx context.Context) error {
	p.lifeMu.Lock()
	running := p.running
	p.lifeMu.Unlock()
	if !running {
		return ErrNotRunning
	}

	if p.sourceReady() {
		return nil
	}

	slog.Info("pipeline: retrying frame source")
	err := p.source.Open(ctx)
	if err == nil {
		// samples from before the outage are not a baseline
		p.motion.Reset()
	}
	p.setSource(err)
	return err
}

// Stop cancels every loop and the pending settle timer, then closes the
// source. In-flight face invocations keep running; their results are
// discarded. Safe to call more than once.
func (p *Pipeline) Stop() error {
	p.lifeMu.Lock()
	if !p.running {
		p.lifeMu.Unlock()
		return nil
	}
	p.running = false
	p.stopped = true
	p.cancel()
	if p.settleTimer != nil && p.settleTimer.Stop() {
		p.wg.Done()
	}
	p.lifeMu.Unlock()

	p.faces.Close()
	p.wg.Wait()

	err := p.source.Close()
	slog.Info("pipeline: stopped",
		"uptime", time.Since(p.started),
		"captures", p.captures.Count(),
		"in_flight", p.faces.InFlight(),
	)
	return err
}

// Shutdown stops the pipeline and waits for in-flight face invocations
func (p *Pipeline) Shutdown(ctx context.Context) error {
	stopErr := p.Stop()
	waitErr := p.faces.Wait(ctx)
	return errors.Join(stopErr, waitErr)
}

// Snapshot returns a consistent copy of the shared state
func (p *Pipeline) Snapshot() Snapshot {
	faces := p.faces.Faces()

	p.mu.Lock()
	defer p.mu.Unlock()
	return Snapshot{
		Motion:      p.st.motion,
		Scene:       p.st.scene,
		Faces:       faces,
		Capturing:   p.countdown.Capturing(),
		Counter:     p.countdown.Counter(),
		SourceReady: p.st.sourceReady,
		OracleDone:  p.st.oracleDone,
	}
}

// Scene returns the last classified scene
func (p *Pipeline) Scene() types.SceneState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.st.scene
}

// LatestCapture returns the most recent photo, or nil
func (p *Pipeline) LatestCapture() *capture.Photo {
	return p.captures.Latest()
}

// Running reports whether the loops are active
func (p *Pipeline) Running() bool {
	p.lifeMu.Lock()
	defer p.lifeMu.Unlock()
	return p.running
}

// Stats returns pipeline counters and component snapshots
func (p *Pipeline) Stats() Stats {
	p.lifeMu.Lock()
	running := p.running
	started := p.started
	p.lifeMu.Unlock()

	snap := p.Snapshot()
	fs := p.faces.Stats()

	st := Stats{
		Running:        running,
		Scene:          snap.Scene.String(),
		Message:        scene.Message(snap.Scene, snap.Counter, p.countdown.Steps()),
		Motion:         snap.Motion,
		SourceReady:    snap.SourceReady,
		OracleReady:    fs.Ready,
		OracleFailed:   fs.LoadFailed,
		FaceTicks:      p.faceTicks.Load(),
		MotionTicks:    p.motionTicks.Load(),
		CountdownTicks: p.countdownTicks.Load(),
		SceneTicks:     p.sceneTicks.Load(),
		TickPanics:     p.tickPanics.Load(),
		SinkErrors:     p.sinkErrors.Load(),
		SinkSkips:      p.sinkSkips.Load(),
		Captures:       p.captures.Count(),
		MotionStats:    p.motion.Stats(),
		FaceStats:      fs,
		CountdownStats: p.countdown.Stats(),
	}
	if running {
		st.UptimeSeconds = time.Since(started).Seconds()
	}

	p.mu.Lock()
	if p.st.sourceErr != nil {
		st.SourceError = p.st.sourceErr.Error()
	}
	p.mu.Unlock()

	return st
}
