package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/klyondx/facial-recognition-motion-detection-prototype/internal/types"
)

// GstConfig configures a local camera pipeline
type GstConfig struct {
	// Device is a v4l2 device path; empty selects autovideosrc
	Device string
	// Launch replaces the built-in pipeline; it must contain "appsink name=sink"
	// and produce RGB frames of Width x Height
	Launch string
	Width  int
	Height int
	FPS    int
}

// GstStream implements Provider with a GStreamer camera pipeline:
//
//	v4l2src|autovideosrc → videoconvert → videoscale → videorate → capsfilter(RGB) → appsink
type GstStream struct {
	cfg GstConfig

	mu       sync.Mutex
	pipeline *gst.Pipeline
	frames   chan types.Frame
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  time.Time

	// sendMu orders sends in the appsink callback against closing frames
	sendMu       sync.RWMutex
	framesClosed atomic.Bool

	frameCount    uint64
	framesDropped uint64
	errorsDevice  uint64
	errorsOther   uint64
}

// NewGstStream creates a camera stream with fail-fast validation
func NewGstStream(cfg GstConfig) (*GstStream, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("stream: invalid resolution %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.FPS <= 0 {
		return nil, fmt.Errorf("stream: fps must be > 0")
	}
	return &GstStream{cfg: cfg}, nil
}

// Start builds the pipeline, sets it to PLAYING and returns the frame channel
func (s *GstStream) Start(ctx context.Context) (<-chan types.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return nil, fmt.Errorf("stream: already started")
	}

	gst.Init(nil)

	pipeline, sink, err := s.buildPipeline()
	if err != nil {
		return nil, err
	}

	s.frames = make(chan types.Frame, 1)
	s.framesClosed.Store(false)
	s.started = time.Now()

	sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: s.onNewSample,
	})

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		pipeline.SetState(gst.StateNull)
		return nil, fmt.Errorf("stream: failed to start pipeline: %w", err)
	}
	s.pipeline = pipeline

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go s.monitorBus(runCtx)

	slog.Info("stream: camera pipeline started",
		"device", s.cfg.Device,
		"resolution", fmt.Sprintf("%dx%d", s.cfg.Width, s.cfg.Height),
		"fps", s.cfg.FPS,
	)

	return s.frames, nil
}

func (s *GstStream) buildPipeline() (*gst.Pipeline, *app.Sink, error) {
	if s.cfg.Launch != "" {
		pipeline, err := gst.NewPipelineFromString(s.cfg.Launch)
		if err != nil {
			return nil, nil, fmt.Errorf("stream: failed to parse launch description: %w", err)
		}
		elem, err := pipeline.GetElementByName("sink")
		if err != nil {
			return nil, nil, fmt.Errorf("stream: launch description has no appsink named 'sink': %w", err)
		}
		sink := app.SinkFromElement(elem)
		configureSink(sink)
		return pipeline, sink, nil
	}

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, nil, fmt.Errorf("stream: failed to create pipeline: %w", err)
	}

	var src *gst.Element
	if s.cfg.Device != "" {
		src, err = gst.NewElement("v4l2src")
		if err != nil {
			return nil, nil, fmt.Errorf("stream: failed to create v4l2src: %w", err)
		}
		src.SetProperty("device", s.cfg.Device)
	} else {
		src, err = gst.NewElement("autovideosrc")
		if err != nil {
			return nil, nil, fmt.Errorf("stream: failed to create autovideosrc: %w", err)
		}
	}

	elems := []*gst.Element{src}
	for _, name := range []string{"videoconvert", "videoscale", "videorate"} {
		e, err := gst.NewElement(name)
		if err != nil {
			return nil, nil, fmt.Errorf("stream: failed to create %s: %w", name, err)
		}
		if name == "videorate" {
			e.SetProperty("drop-only", true)
		}
		elems = append(elems, e)
	}

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, nil, fmt.Errorf("stream: failed to create capsfilter: %w", err)
	}
	capsfilter.SetProperty("caps", gst.NewCapsFromString(RGBCaps(s.cfg.Width, s.cfg.Height, s.cfg.FPS)))
	elems = append(elems, capsfilter)

	sink, err := app.NewAppSink()
	if err != nil {
		return nil, nil, fmt.Errorf("stream: failed to create appsink: %w", err)
	}
	configureSink(sink)
	elems = append(elems, sink.Element)

	if err := pipeline.AddMany(elems...); err != nil {
		return nil, nil, fmt.Errorf("stream: failed to add elements: %w", err)
	}
	if err := gst.ElementLinkMany(elems...); err != nil {
		return nil, nil, fmt.Errorf("stream: failed to link elements: %w", err)
	}

	return pipeline, sink, nil
}

func configureSink(sink *app.Sink) {
	sink.SetProperty("sync", false)    // No sync with clock (real-time)
	sink.SetProperty("max-buffers", 1) // Keep only latest frame
	sink.SetProperty("drop", true)     // Drop old frames
}

// RGBCaps returns the caps string the appsink negotiates
func RGBCaps(width, height, fps int) string {
	return fmt.Sprintf("video/x-raw,format=RGB,width=%d,height=%d,framerate=%d/1", width, height, fps)
}

// onNewSample copies the appsink buffer into a Frame (GStreamer reuses buffers)
func (s *GstStream) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		slog.Warn("stream: failed to pull sample from appsink, skipping frame")
		return gst.FlowOK
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		slog.Warn("stream: failed to get buffer from sample, skipping frame")
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		slog.Warn("stream: empty buffer received")
		return gst.FlowOK
	}

	frameData := make([]byte, len(data))
	copy(frameData, data)
	buffer.Unmap()

	if want := s.cfg.Width * s.cfg.Height * types.BytesPerPixel; len(frameData) != want {
		slog.Warn("stream: unexpected buffer size, skipping frame",
			"size_bytes", len(frameData),
			"want_bytes", want,
		)
		return gst.FlowOK
	}

	seq := atomic.AddUint64(&s.frameCount, 1)
	frame := types.Frame{
		Seq:       seq,
		Timestamp: time.Now(),
		Width:     s.cfg.Width,
		Height:    s.cfg.Height,
		Data:      frameData,
		TraceID:   uuid.New().String(),
	}

	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.framesClosed.Load() {
		return gst.FlowEOS
	}

	// Non-blocking: drop if the reader has not taken the previous frame
	select {
	case s.frames <- frame:
	default:
		atomic.AddUint64(&s.framesDropped, 1)
		slog.Debug("stream: dropping frame, channel full",
			"seq", frame.Seq,
			"trace_id", frame.TraceID,
		)
	}

	return gst.FlowOK
}

// monitorBus watches the pipeline bus. A fatal error or EOS ends the stream
// by closing the frame channel; there is no automatic reconnect.
func (s *GstStream) monitorBus(ctx context.Context) {
	defer s.wg.Done()

	bus := s.pipeline.GetPipelineBus()

	for {
		select {
		case <-ctx.Done():
			slog.Debug("stream: context cancelled, stopping bus monitor")
			return
		default:
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			slog.Info("stream: end of stream received",
				"uptime", time.Since(s.started),
				"frames", atomic.LoadUint64(&s.frameCount),
			)
			s.closeFrames()
			return

		case gst.MessageError:
			gerr := msg.ParseError()
			category := ClassifyGStreamerError(gerr)
			if category.SourceUnavailable() {
				atomic.AddUint64(&s.errorsDevice, 1)
			} else {
				atomic.AddUint64(&s.errorsOther, 1)
			}

			slog.Error("stream: pipeline error",
				"error", gerr.Error(),
				"debug", gerr.DebugString(),
				"category", category.String(),
				"device", s.cfg.Device,
				"uptime", time.Since(s.started),
				"frames", atomic.LoadUint64(&s.frameCount),
			)
			s.closeFrames()
			return

		case gst.MessageStateChanged:
			if msg.Source() == s.pipeline.GetName() {
				old, new := msg.ParseStateChanged()
				slog.Debug("stream: pipeline state changed", "from", old, "to", new)
			}
		}
	}
}

func (s *GstStream) closeFrames() {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.framesClosed.CompareAndSwap(false, true) {
		close(s.frames)
	}
}

// Stop tears the pipeline down. Idempotent.
func (s *GstStream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	s.wg.Wait()

	var err error
	if s.pipeline != nil {
		if serr := s.pipeline.SetState(gst.StateNull); serr != nil {
			err = fmt.Errorf("stream: failed to set pipeline to NULL: %w", serr)
		}
		s.pipeline = nil
	}

	s.closeFrames()
	s.cancel = nil

	slog.Info("stream: camera pipeline stopped",
		"frames", atomic.LoadUint64(&s.frameCount),
		"dropped", atomic.LoadUint64(&s.framesDropped),
		"uptime", time.Since(s.started),
	)
	return err
}

// Stats returns current stream statistics
func (s *GstStream) Stats() types.StreamStats {
	s.mu.Lock()
	running := s.cancel != nil && !s.framesClosed.Load()
	started := s.started
	s.mu.Unlock()

	frames := atomic.LoadUint64(&s.frameCount)
	var fps float64
	if running && frames > 0 {
		if elapsed := time.Since(started).Seconds(); elapsed > 0 {
			fps = float64(frames) / elapsed
		}
	}

	return types.StreamStats{
		FrameCount:    frames,
		FramesDropped: atomic.LoadUint64(&s.framesDropped),
		FPSTarget:     s.cfg.FPS,
		FPSReal:       fps,
		Resolution:    fmt.Sprintf("%dx%d", s.cfg.Width, s.cfg.Height),
		IsConnected:   running,
		Errors:        atomic.LoadUint64(&s.errorsDevice) + atomic.LoadUint64(&s.errorsOther),
	}
}
