package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/klyondx/facial-recognition-motion-detection-prototype/internal/capture"
	"github.com/klyondx/facial-recognition-motion-detection-prototype/internal/countdown"
	"github.com/klyondx/facial-recognition-motion-detection-prototype/internal/face"
	"github.com/klyondx/facial-recognition-motion-detection-prototype/internal/motion"
	"github.com/klyondx/facial-recognition-motion-detection-prototype/internal/stream"
	"github.com/klyondx/facial-recognition-motion-detection-prototype/internal/types"
)

const (
	viewW = 40
	viewH = 30
)

func solidFrame(seq uint64, v uint8) *types.Frame {
	data := make([]byte, viewW*viewH*types.BytesPerPixel)
	for i := range data {
		data[i] = v
	}
	return &types.Frame{Seq: seq, Width: viewW, Height: viewH, Data: data, TraceID: fmt.Sprintf("f%d", seq)}
}

// fakeSource serves a fixed frame, or cycles three gray levels when flicker is set
type fakeSource struct {
	mu      sync.Mutex
	openErr error
	err     error
	frame   *types.Frame
	flicker bool
	reads   uint64
	opens   int
	closes  int
}

func (s *fakeSource) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openErr != nil {
		return s.openErr
	}
	s.opens++
	return nil
}

func (s *fakeSource) CurrentFrame() (*types.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.reads++
	if s.flicker {
		return solidFrame(s.reads, uint8(127*(s.reads%3))), nil
	}
	return s.frame, nil
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

func (s *fakeSource) set(f *types.Frame) {
	s.mu.Lock()
	s.frame = f
	s.mu.Unlock()
}

// fakeOracle returns n confident faces for every frame
type fakeOracle struct {
	mu      sync.Mutex
	n       int
	loadErr error
}

func (o *fakeOracle) Load(ctx context.Context) error { return o.loadErr }

func (o *fakeOracle) EstimateFaces(ctx context.Context, frame *types.Frame) ([]types.Face, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	faces := make([]types.Face, o.n)
	for i := range faces {
		faces[i] = types.Face{
			TopLeft:     types.Point{X: float64(i * 10), Y: 0},
			BottomRight: types.Point{X: float64(i*10 + 8), Y: 8},
			Confidence:  0.99,
		}
	}
	return faces, nil
}

func (o *fakeOracle) Close() error { return nil }

func (o *fakeOracle) setFaces(n int) {
	o.mu.Lock()
	o.n = n
	o.mu.Unlock()
}

type recordingSink struct {
	mu          sync.Mutex
	faceDraws   int
	motionDraws int
	photos      []*capture.Photo
	updates     []SceneUpdate

	facesErr    error
	motionErr   error
	panicScenes bool
}

func (s *recordingSink) DrawFaces(faces []types.Face) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faceDraws++
	return s.facesErr
}

func (s *recordingSink) DrawMotion(result motion.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.motionDraws++
	return s.motionErr
}

func (s *recordingSink) ShowCapture(photo *capture.Photo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.photos = append(s.photos, photo)
	return nil
}

func (s *recordingSink) SceneChanged(update SceneUpdate) error {
	if s.panicScenes {
		panic("sink exploded")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, update)
	return nil
}

func (s *recordingSink) photoCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.photos)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timeout waiting for %s", what)
		case <-time.After(time.Millisecond):
		}
	}
}

func testConfig() Config {
	return Config{
		ViewScale:         1,
		ViewWidth:         viewW,
		ViewHeight:        viewH,
		FaceInterval:      5 * time.Millisecond,
		MotionInterval:    5 * time.Millisecond,
		CountdownInterval: 20 * time.Millisecond,
		SceneInterval:     5 * time.Millisecond,
		Settle:            30 * time.Millisecond,
		LoadTimeout:       time.Second,
	}
}

func newTestPipeline(t *testing.T, src FrameSource, oracle face.Oracle, sink RenderSink) *Pipeline {
	t.Helper()
	p, err := NewPipeline(testConfig(), Components{
		Source:    src,
		Faces:     face.NewDetector(oracle, face.Config{MinConfidence: face.DefaultMinConfidence}),
		Motion:    motion.NewDetector(motion.Config{Stride: 10}),
		Countdown: countdown.NewController(3),
		Sink:      sink,
	})
	if err != nil {
		t.Fatalf("NewPipeline() error: %v", err)
	}
	return p
}

// markReady does what Start's background load does, without the loops
func markReady(t *testing.T, p *Pipeline) {
	t.Helper()
	p.faces.Load(context.Background())
	p.mu.Lock()
	p.st.sourceReady = true
	p.st.oracleDone = true
	p.mu.Unlock()
}

// latchMotion feeds two different frames through the motion tick
func latchMotion(t *testing.T, p *Pipeline, src *fakeSource) {
	t.Helper()
	src.set(solidFrame(1, 0))
	p.motionTick()
	src.set(solidFrame(2, 255))
	p.motionTick()
	if !p.Snapshot().Motion {
		t.Fatal("motion was not latched")
	}
}

func detectFaces(t *testing.T, p *Pipeline, n int) {
	t.Helper()
	p.faceTick()
	waitFor(t, fmt.Sprintf("%d faces", n), func() bool { return len(p.faces.Faces()) == n })
}

func TestNewPipelineRequiresComponents(t *testing.T) {
	if _, err := NewPipeline(Config{}, Components{}); err == nil {
		t.Error("expected error without a source")
	}
	if _, err := NewPipeline(Config{}, Components{Source: &fakeSource{}}); err == nil {
		t.Error("expected error without a face detector")
	}

	p, err := NewPipeline(Config{}, Components{
		Source: &fakeSource{},
		Faces:  face.NewDetector(&fakeOracle{}, face.Config{}),
	})
	if err != nil {
		t.Fatalf("NewPipeline() error: %v", err)
	}
	if p.cfg != DefaultConfig() {
		t.Errorf("zero config should take defaults, got %+v", p.cfg)
	}
}

func TestSceneStaysLoadingUntilReady(t *testing.T) {
	src := &fakeSource{frame: solidFrame(1, 0)}
	sink := &recordingSink{}
	p := newTestPipeline(t, src, &fakeOracle{}, sink)

	p.sceneTick()
	if got := p.Scene(); got != types.SceneLoading {
		t.Fatalf("scene = %v, want loading", got)
	}

	p.mu.Lock()
	p.st.sourceReady = true
	p.mu.Unlock()
	p.sceneTick()
	if got := p.Scene(); got != types.SceneLoading {
		t.Fatalf("scene with model still loading = %v, want loading", got)
	}

	markReady(t, p)
	p.sceneTick()
	if got := p.Scene(); got != types.SceneNoMotion {
		t.Fatalf("scene = %v, want no_motion", got)
	}

	if len(sink.updates) != 1 {
		t.Fatalf("got %d scene updates, want 1", len(sink.updates))
	}
	u := sink.updates[0]
	if u.From != types.SceneLoading || u.To != types.SceneNoMotion || u.Message != "No motion detected" {
		t.Errorf("update = %+v", u)
	}
}

func TestCaptureCycle(t *testing.T) {
	src := &fakeSource{}
	oracle := &fakeOracle{n: 1}
	sink := &recordingSink{}
	p := newTestPipeline(t, src, oracle, sink)
	markReady(t, p)

	latchMotion(t, p, src)
	detectFaces(t, p, 1)

	p.sceneTick()
	if got := p.Scene(); got != types.SceneOneFace {
		t.Fatalf("scene = %v, want one_face", got)
	}

	p.countdownTick()
	p.sceneTick()
	p.countdownTick()
	p.sceneTick()
	if n := p.captures.Count(); n != 0 {
		t.Fatalf("captured after 2 ticks (%d)", n)
	}
	if c := p.countdown.Counter(); c != 2 {
		t.Fatalf("counter = %d, want 2", c)
	}

	p.countdownTick()
	if n := p.captures.Count(); n != 1 {
		t.Fatalf("captures after 3rd tick = %d, want 1", n)
	}
	if got := p.Scene(); got != types.SceneSnapping {
		t.Fatalf("scene right after capture = %v, want snapping", got)
	}
	if sink.photoCount() != 1 {
		t.Fatalf("sink got %d photos, want 1", sink.photoCount())
	}
	photo := p.LatestCapture()

	// still snapping: further ticks must not commit again
	p.countdownTick()
	p.faceTick()
	p.sceneTick()
	if n := p.captures.Count(); n != 1 {
		t.Fatalf("captures while snapping = %d, want 1", n)
	}
	if p.LatestCapture() != photo {
		t.Error("capture buffer changed within the cycle")
	}

	p.settleCapture()
	snap := p.Snapshot()
	if snap.Motion || snap.Capturing || snap.Counter != 0 {
		t.Fatalf("after settle: %+v", snap)
	}
	p.sceneTick()
	if got := p.Scene(); got != types.SceneNoMotion {
		t.Fatalf("scene after settle = %v, want no_motion", got)
	}

	var messages []string
	for _, u := range sink.updates {
		messages = append(messages, u.Message)
	}
	want := []string{
		"One face - hold still...3",
		"One face - hold still...2",
		"One face - hold still...1",
		"SNAP!",
		"No motion detected",
	}
	if fmt.Sprint(messages) != fmt.Sprint(want) {
		t.Errorf("messages = %q\nwant %q", messages, want)
	}
}

func TestCountdownFrozenWithoutMotion(t *testing.T) {
	src := &fakeSource{}
	p := newTestPipeline(t, src, &fakeOracle{n: 1}, &recordingSink{})
	markReady(t, p)

	latchMotion(t, p, src)
	detectFaces(t, p, 1)
	p.sceneTick()
	p.countdownTick()
	if c := p.countdown.Counter(); c != 1 {
		t.Fatalf("counter = %d, want 1", c)
	}

	p.mu.Lock()
	p.st.motion = false
	p.mu.Unlock()
	p.sceneTick()
	if got := p.Scene(); got != types.SceneNoMotion {
		t.Fatalf("scene = %v, want no_motion", got)
	}

	for range 3 {
		p.countdownTick()
	}
	if c := p.countdown.Counter(); c != 1 {
		t.Errorf("counter without motion = %d, want it frozen at 1", c)
	}
}

func TestCountdownResetsWhenSceneChanges(t *testing.T) {
	src := &fakeSource{}
	oracle := &fakeOracle{n: 1}
	p := newTestPipeline(t, src, oracle, &recordingSink{})
	markReady(t, p)

	latchMotion(t, p, src)
	detectFaces(t, p, 1)
	p.sceneTick()
	p.countdownTick()
	p.countdownTick()
	if c := p.countdown.Counter(); c != 2 {
		t.Fatalf("counter = %d, want 2", c)
	}

	oracle.setFaces(2)
	detectFaces(t, p, 2)
	p.sceneTick()
	if got := p.Scene(); got != types.SceneMultipleFaces {
		t.Fatalf("scene = %v, want multiple_faces", got)
	}
	p.countdownTick()
	if c := p.countdown.Counter(); c != 0 {
		t.Errorf("counter = %d, want reset to 0", c)
	}
	if p.captures.Count() != 0 {
		t.Error("unexpected capture")
	}
}

func TestModelLoadFailureDegradesToNoFace(t *testing.T) {
	src := &fakeSource{}
	oracle := &fakeOracle{n: 1, loadErr: errors.New("weights missing")}
	p := newTestPipeline(t, src, oracle, &recordingSink{})
	markReady(t, p)

	latchMotion(t, p, src)
	p.faceTick()
	if n := len(p.faces.Faces()); n != 0 {
		t.Fatalf("faces = %d, want 0 with a failed model", n)
	}

	p.sceneTick()
	if got := p.Scene(); got != types.SceneNoFace {
		t.Errorf("scene = %v, want no_face", got)
	}
	if st := p.Stats(); !st.OracleFailed || st.OracleReady {
		t.Errorf("Stats oracle flags = ready %v failed %v", st.OracleReady, st.OracleFailed)
	}
}

func TestSinkFailuresAreIsolated(t *testing.T) {
	src := &fakeSource{}
	sink := &recordingSink{
		facesErr:  errors.New("overlay gone"),
		motionErr: fmt.Errorf("canvas: %w", ErrSinkNotReady),
	}
	p := newTestPipeline(t, src, &fakeOracle{n: 1}, sink)
	markReady(t, p)

	latchMotion(t, p, src)
	p.faceTick()

	st := p.Stats()
	if st.SinkSkips != 2 || st.SinkErrors != 1 {
		t.Errorf("sink skips = %d errors = %d, want 2 and 1", st.SinkSkips, st.SinkErrors)
	}

	sink.panicScenes = true
	p.runTick("scene", p.sceneTick)
	if got := p.Stats().TickPanics; got != 1 {
		t.Fatalf("tick panics = %d, want 1", got)
	}

	// the state machine is unaffected by the failed render
	sink.panicScenes = false
	p.runTick("scene", p.sceneTick)
	if got := p.Scene(); got != types.SceneNoFace && got != types.SceneOneFace {
		t.Errorf("scene = %v after recovered panic", got)
	}
}

func TestSourceLostReturnsToLoading(t *testing.T) {
	src := &fakeSource{}
	p := newTestPipeline(t, src, &fakeOracle{}, &recordingSink{})
	markReady(t, p)
	latchMotion(t, p, src)

	src.mu.Lock()
	src.err = fmt.Errorf("%w: stream ended", stream.ErrSourceUnavailable)
	src.mu.Unlock()

	p.motionTick()
	p.sceneTick()
	if got := p.Scene(); got != types.SceneLoading {
		t.Fatalf("scene = %v, want loading", got)
	}
	if st := p.Stats(); st.SourceReady || st.SourceError == "" {
		t.Errorf("Stats = ready %v error %q", st.SourceReady, st.SourceError)
	}

	if err := p.RetrySource(context.Background()); !errors.Is(err, ErrNotRunning) {
		t.Errorf("RetrySource() on a stopped pipeline = %v, want ErrNotRunning", err)
	}
}

func TestPipelineRunsToCapture(t *testing.T) {
	src := &fakeSource{flicker: true}
	sink := &recordingSink{}
	p := newTestPipeline(t, src, &fakeOracle{n: 1}, sink)

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := p.Start(context.Background()); err == nil {
		t.Error("second Start() should fail")
	}

	waitFor(t, "first capture", func() bool { return p.captures.Count() >= 1 })
	waitFor(t, "settle", func() bool { return !p.countdown.Capturing() })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}

	st := p.Stats()
	if st.Running {
		t.Error("still running after Shutdown")
	}
	time.Sleep(30 * time.Millisecond)
	after := p.Stats()
	if after.FaceTicks != st.FaceTicks || after.MotionTicks != st.MotionTicks ||
		after.CountdownTicks != st.CountdownTicks || after.SceneTicks != st.SceneTicks {
		t.Errorf("loops ticked after Stop: before %+v after %+v", st, after)
	}

	if err := p.Stop(); err != nil {
		t.Errorf("second Stop() error: %v", err)
	}
	if src.closes != 1 {
		t.Errorf("source closed %d times, want 1", src.closes)
	}
	if err := p.Start(context.Background()); err == nil {
		t.Error("Start() after Stop should fail")
	}
}

func TestPipelineRetriesUnavailableSource(t *testing.T) {
	src := &fakeSource{flicker: true, openErr: fmt.Errorf("%w: no camera", stream.ErrSourceUnavailable)}
	p := newTestPipeline(t, src, &fakeOracle{}, &recordingSink{})

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer p.Stop()

	waitFor(t, "source error", func() bool { return p.Stats().SourceError != "" })
	time.Sleep(20 * time.Millisecond)
	if got := p.Scene(); got != types.SceneLoading {
		t.Fatalf("scene = %v, want loading while the source is unavailable", got)
	}
	if err := p.RetrySource(context.Background()); !errors.Is(err, stream.ErrSourceUnavailable) {
		t.Fatalf("RetrySource() = %v, want ErrSourceUnavailable", err)
	}

	src.mu.Lock()
	src.openErr = nil
	src.mu.Unlock()

	if err := p.RetrySource(context.Background()); err != nil {
		t.Fatalf("RetrySource() error: %v", err)
	}
	waitFor(t, "scene past loading", func() bool { return p.Scene() != types.SceneLoading })
	if st := p.Stats(); !st.SourceReady || st.SourceError != "" {
		t.Errorf("Stats = ready %v error %q", st.SourceReady, st.SourceError)
	}
}

func TestMultiSinkJoinsErrors(t *testing.T) {
	a := &recordingSink{motionErr: ErrSinkNotReady}
	b := &recordingSink{}
	m := MultiSink{a, b, NopSink{}}

	if err := m.DrawMotion(motion.Result{}); !errors.Is(err, ErrSinkNotReady) {
		t.Errorf("DrawMotion() = %v, want ErrSinkNotReady", err)
	}
	if b.motionDraws != 1 {
		t.Error("second sink skipped after the first failed")
	}
	if err := m.DrawFaces(nil); err != nil {
		t.Errorf("DrawFaces() = %v", err)
	}
}
