package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/klyondx/facial-recognition-motion-detection-prototype/internal/types"
)

// Painter fills the pixels of a synthetic frame
type Painter func(seq uint64, frame *types.Frame)

// MockConfig configures a MockStream
type MockConfig struct {
	Width  int
	Height int
	FPS    int
	// Painter draws each frame; nil selects WalkingSubject
	Painter Painter
	// StartErr makes Start fail, simulating a missing camera
	StartErr error
}

// MockStream generates synthetic frames for demos and tests
type MockStream struct {
	cfg MockConfig

	framesCh chan types.Frame
	stopCh   chan struct{}
	wg       sync.WaitGroup

	mu            sync.RWMutex
	seq           uint64
	framesEmitted uint64
	framesDropped uint64
	isRunning     bool
	startTime     time.Time
}

// NewMockStream creates a new mock stream provider
func NewMockStream(cfg MockConfig) *MockStream {
	if cfg.FPS <= 0 {
		cfg.FPS = 20
	}
	if cfg.Painter == nil {
		cfg.Painter = WalkingSubject(cfg.FPS)
	}
	return &MockStream{cfg: cfg}
}

// Start begins generating frames
func (m *MockStream) Start(ctx context.Context) (<-chan types.Frame, error) {
	m.mu.Lock()
	if m.isRunning {
		m.mu.Unlock()
		return nil, fmt.Errorf("stream already running")
	}
	if m.cfg.StartErr != nil {
		m.mu.Unlock()
		return nil, m.cfg.StartErr
	}
	m.isRunning = true
	m.startTime = time.Now()
	framesCh := make(chan types.Frame, 1)
	stopCh := make(chan struct{})
	m.framesCh, m.stopCh = framesCh, stopCh
	m.mu.Unlock()

	slog.Info("mock stream starting",
		"width", m.cfg.Width,
		"height", m.cfg.Height,
		"fps", m.cfg.FPS,
	)

	m.wg.Add(1)
	go m.generateFrames(ctx, stopCh, framesCh)

	return framesCh, nil
}

// Stop stops the stream
func (m *MockStream) Stop() error {
	m.mu.Lock()
	if !m.isRunning {
		m.mu.Unlock()
		return nil
	}
	m.isRunning = false
	stopCh, framesCh := m.stopCh, m.framesCh
	m.mu.Unlock()

	close(stopCh)
	m.wg.Wait()
	close(framesCh)

	m.mu.RLock()
	emitted := m.framesEmitted
	m.mu.RUnlock()

	slog.Info("mock stream stopped",
		"frames_emitted", emitted,
		"duration", time.Since(m.startTime),
	)

	return nil
}

// Stats returns stream statistics
func (m *MockStream) Stats() types.StreamStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var fpsReal float64
	if m.isRunning && m.framesEmitted > 0 {
		elapsed := time.Since(m.startTime).Seconds()
		if elapsed > 0 {
			fpsReal = float64(m.framesEmitted) / elapsed
		}
	}

	return types.StreamStats{
		FrameCount:    m.framesEmitted,
		FramesDropped: m.framesDropped,
		FPSTarget:     m.cfg.FPS,
		FPSReal:       fpsReal,
		Resolution:    fmt.Sprintf("%dx%d", m.cfg.Width, m.cfg.Height),
		IsConnected:   m.isRunning,
	}
}

// generateFrames generates frames at the target FPS
func (m *MockStream) generateFrames(ctx context.Context, stopCh <-chan struct{}, out chan<- types.Frame) {
	defer m.wg.Done()

	ticker := time.NewTicker(time.Second / time.Duration(m.cfg.FPS))
	defer ticker.Stop()

	m.emit(out, m.createFrame())

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			m.emit(out, m.createFrame())
		}
	}
}

// emit sends without blocking; consumers only care about the newest frame
func (m *MockStream) emit(out chan<- types.Frame, frame types.Frame) {
	select {
	case out <- frame:
		m.mu.Lock()
		m.framesEmitted++
		m.mu.Unlock()
	default:
		m.mu.Lock()
		m.framesDropped++
		m.mu.Unlock()
	}
}

// createFrame creates a synthetic RGB24 frame
func (m *MockStream) createFrame() types.Frame {
	m.mu.Lock()
	seq := m.seq
	m.seq++
	m.mu.Unlock()

	frame := types.Frame{
		Seq:       seq,
		Timestamp: time.Now(),
		Width:     m.cfg.Width,
		Height:    m.cfg.Height,
		Data:      make([]byte, m.cfg.Width*m.cfg.Height*types.BytesPerPixel),
		TraceID:   uuid.New().String(),
	}
	m.cfg.Painter(seq, &frame)
	return frame
}

// WalkingSubject paints a dark background with a red block that shifts
// sideways once per second, enough to trip the motion detector.
func WalkingSubject(fps int) Painter {
	return func(seq uint64, f *types.Frame) {
		fill(f, 0, 0, f.Width, f.Height, 40, 40, 40)

		size := f.Height / 3
		steps := uint64(fps)
		if steps == 0 {
			steps = 1
		}
		offset := int(seq/steps%4) * size / 2
		x0 := (f.Width-size)/2 - size + offset
		y0 := (f.Height - size) / 2
		fill(f, x0, y0, x0+size, y0+size, 220, 60, 60)
	}
}

// Solid paints every frame with one color
func Solid(r, g, b uint8) Painter {
	return func(_ uint64, f *types.Frame) {
		fill(f, 0, 0, f.Width, f.Height, r, g, b)
	}
}

func fill(f *types.Frame, x0, y0, x1, y1 int, r, g, b uint8) {
	x0, y0 = max(x0, 0), max(y0, 0)
	x1, y1 = min(x1, f.Width), min(y1, f.Height)
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			i := (y*f.Width + x) * types.BytesPerPixel
			f.Data[i], f.Data[i+1], f.Data[i+2] = r, g, b
		}
	}
}
