package booth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/klyondx/facial-recognition-motion-detection-prototype/internal/capture"
	"github.com/klyondx/facial-recognition-motion-detection-prototype/internal/config"
	"github.com/klyondx/facial-recognition-motion-detection-prototype/internal/control"
	"github.com/klyondx/facial-recognition-motion-detection-prototype/internal/core"
	"github.com/klyondx/facial-recognition-motion-detection-prototype/internal/countdown"
	"github.com/klyondx/facial-recognition-motion-detection-prototype/internal/emitter"
	"github.com/klyondx/facial-recognition-motion-detection-prototype/internal/face"
	"github.com/klyondx/facial-recognition-motion-detection-prototype/internal/motion"
	"github.com/klyondx/facial-recognition-motion-detection-prototype/internal/oracle"
	"github.com/klyondx/facial-recognition-motion-detection-prototype/internal/stream"
)

// Booth is the service orchestrator: it owns the pipeline and the surfaces
// around it (MQTT events, control plane, HTTP health server).
type Booth struct {
	cfg *config.Config

	// Core components
	source   *stream.Source
	oracle   face.Oracle
	faces    *face.Detector
	captures *capture.Buffer
	pipeline *core.Pipeline
	display  *displaySink

	// Optional surfaces
	emitter        *emitter.MQTTEmitter
	controlHandler *control.Handler
	server         *http.Server
	metrics        *prometheus.Registry

	// Lifecycle management
	started   time.Time
	mu        sync.RWMutex
	wg        sync.WaitGroup
	isRunning bool
	cancelCtx context.CancelFunc // For MQTT shutdown command
}

// New builds a booth from a validated configuration
func New(cfg *config.Config) (*Booth, error) {
	provider, err := newProvider(cfg.Camera)
	if err != nil {
		return nil, fmt.Errorf("failed to create camera provider: %w", err)
	}

	orc, err := newOracle(cfg.Oracle)
	if err != nil {
		return nil, fmt.Errorf("failed to create face oracle: %w", err)
	}

	return newBooth(cfg, provider, orc)
}

func newBooth(cfg *config.Config, provider stream.Provider, orc face.Oracle) (*Booth, error) {
	policy, err := face.ParseOverlapPolicy(cfg.Face.OverlapPolicy)
	if err != nil {
		return nil, err
	}

	b := &Booth{
		cfg:      cfg,
		source:   stream.NewSource(provider, cfg.Camera.OpenTimeout),
		oracle:   orc,
		captures: capture.NewBuffer(),
		display:  &displaySink{},
	}
	b.faces = face.NewDetector(orc, face.Config{
		MinConfidence: cfg.Face.MinConfidence,
		Policy:        policy,
		Timeout:       cfg.Face.Timeout,
	})

	sinks := core.MultiSink{b.display}
	if cfg.MQTT.Broker != "" {
		b.emitter = emitter.NewMQTTEmitter(cfg)
		sinks = append(sinks, b.emitter)
	}

	b.pipeline, err = core.NewPipeline(core.Config{
		ViewScale:         cfg.View.SnapScale,
		ViewWidth:         cfg.View.Width,
		ViewHeight:        cfg.View.Height,
		FaceInterval:      cfg.Schedule.FaceInterval,
		MotionInterval:    cfg.Schedule.MotionInterval,
		CountdownInterval: cfg.Schedule.CountdownInterval,
		SceneInterval:     cfg.Schedule.SceneInterval,
		Settle:            cfg.Countdown.Settle,
		LoadTimeout:       cfg.Face.LoadTimeout,
	}, core.Components{
		Source: b.source,
		Faces:  b.faces,
		Motion: motion.NewDetector(motion.Config{
			Stride:            cfg.Motion.Stride,
			DiffThreshold:     cfg.Motion.DiffThreshold,
			FractionThreshold: cfg.Motion.FractionThreshold,
		}),
		Countdown: countdown.NewController(cfg.Countdown.Steps),
		Captures:  b.captures,
		Sink:      sinks,
	})
	if err != nil {
		return nil, err
	}
	b.metrics = newMetricsRegistry(b)

	slog.Info("booth: configured",
		"instance_id", cfg.InstanceID,
		"camera", cfg.Camera.Source,
		"oracle", cfg.Oracle.Kind,
		"mqtt", cfg.MQTT.Broker != "",
		"health_addr", cfg.HealthAddr,
	)
	return b, nil
}

func newProvider(cam config.CameraConfig) (stream.Provider, error) {
	switch cam.Source {
	case "mock":
		return stream.NewMockStream(stream.MockConfig{
			Width:  cam.Width,
			Height: cam.Height,
			FPS:    cam.FPS,
		}), nil
	case "gst", "":
		return stream.NewGstStream(stream.GstConfig{
			Device: cam.Device,
			Launch: cam.Pipeline,
			Width:  cam.Width,
			Height: cam.Height,
			FPS:    cam.FPS,
		})
	default:
		return nil, fmt.Errorf("unknown camera source %q", cam.Source)
	}
}

func newOracle(o config.OracleConfig) (face.Oracle, error) {
	switch o.Kind {
	case "pigo", "":
		return oracle.NewPigo(oracle.PigoConfig{
			CascadePath:     o.Pigo.CascadePath,
			MinSize:         o.Pigo.MinSize,
			MaxSize:         o.Pigo.MaxSize,
			ShiftFactor:     o.Pigo.ShiftFactor,
			ScaleFactor:     o.Pigo.ScaleFactor,
			IoUThreshold:    o.Pigo.IoUThreshold,
			QualityMidpoint: o.Pigo.QualityMidpoint,
			QualitySlope:    o.Pigo.QualitySlope,
		}), nil
	case "process":
		return oracle.NewProcess(oracle.ProcessConfig{
			Command: o.Process.Command,
			Args:    o.Process.Args,
		}), nil
	default:
		return nil, fmt.Errorf("unknown oracle kind %q", o.Kind)
	}
}

// Run starts the booth and blocks until ctx is cancelled or a shutdown
// command arrives
func (b *Booth) Run(ctx context.Context) error {
	b.mu.Lock()
	if b.isRunning {
		b.mu.Unlock()
		return fmt.Errorf("booth is already running")
	}
	b.isRunning = true
	b.started = time.Now()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	b.cancelCtx = cancel
	b.mu.Unlock()

	slog.Info("booth: starting", "instance_id", b.cfg.InstanceID)

	if b.emitter != nil {
		if err := b.emitter.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect mqtt: %w", err)
		}

		handler := control.NewHandler(b.cfg, b.emitter.Client, control.CommandCallbacks{
			OnGetStatus:   b.getStatus,
			OnGetCapture:  b.captureInfo,
			OnRetrySource: b.pipeline.RetrySource,
			OnShutdown:    b.shutdownViaControl,
		})
		if err := handler.Start(ctx); err != nil {
			return fmt.Errorf("failed to start control plane: %w", err)
		}
		b.mu.Lock()
		b.controlHandler = handler
		b.mu.Unlock()
	}

	if b.cfg.HealthAddr != "" {
		b.StartHealthServer(b.cfg.HealthAddr)
	}

	if err := b.pipeline.Start(ctx); err != nil {
		return fmt.Errorf("failed to start pipeline: %w", err)
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.reportStatus(ctx)
	}()

	slog.Info("booth: running")

	<-ctx.Done()

	slog.Info("booth: run loop exiting")
	return nil
}

// Shutdown performs graceful shutdown of all components
func (b *Booth) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if !b.isRunning {
		b.mu.Unlock()
		return nil
	}
	b.isRunning = false
	if b.cancelCtx != nil {
		b.cancelCtx()
	}
	uptime := time.Since(b.started)
	server := b.server
	handler := b.controlHandler
	b.mu.Unlock()

	slog.Info("booth: shutting down")

	var errs []error

	// 1. Stop the loops and wait for in-flight face estimates
	if err := b.pipeline.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("pipeline: %w", err))
	}

	// 2. Release the model
	if err := b.oracle.Close(); err != nil {
		errs = append(errs, fmt.Errorf("oracle: %w", err))
	}

	// 3. Stop control plane
	if handler != nil {
		if err := handler.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("control: %w", err))
		}
	}

	b.wg.Wait()

	// 4. Flush events and disconnect MQTT
	if b.emitter != nil {
		if err := b.emitter.Disconnect(); err != nil {
			errs = append(errs, fmt.Errorf("mqtt: %w", err))
		}
	}

	// 5. HTTP last, so readiness reports the shutdown
	if server != nil {
		if err := server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("health server: %w", err))
		}
	}

	slog.Info("booth: shutdown complete", "uptime", uptime)
	return errors.Join(errs...)
}

// ShutdownTimeout returns the configured graceful shutdown timeout
func (b *Booth) ShutdownTimeout() time.Duration {
	if b.cfg.ShutdownTimeout <= 0 {
		return 5 * time.Second
	}
	return b.cfg.ShutdownTimeout
}

// shutdownViaControl stops Run; the caller of Run performs the shutdown
func (b *Booth) shutdownViaControl() error {
	b.mu.RLock()
	cancel := b.cancelCtx
	b.mu.RUnlock()

	if cancel == nil {
		return fmt.Errorf("booth is not running")
	}
	slog.Info("booth: shutdown requested via control plane")
	go cancel()
	return nil
}
