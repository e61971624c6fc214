package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klyondx/facial-recognition-motion-detection-prototype/internal/types"
)

// SourceStats contains latest-frame holder statistics
type SourceStats struct {
	Open       bool
	Received   uint64
	Overwrites uint64 // frames replaced before anyone read them
	Opens      uint64
	LastError  string
	Stream     types.StreamStats
}

// Source keeps only the most recent frame of a Provider. Readers always get
// the newest frame; older unread frames are overwritten, never queued.
type Source struct {
	provider    Provider
	openTimeout time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closing atomic.Bool

	latest     atomic.Pointer[types.Frame]
	unread     atomic.Bool
	lost       atomic.Pointer[error]
	received   atomic.Uint64
	overwrites atomic.Uint64
	opens      atomic.Uint64
}

// NewSource wraps a provider. openTimeout bounds the wait for the first frame.
func NewSource(provider Provider, openTimeout time.Duration) *Source {
	if openTimeout <= 0 {
		openTimeout = 5 * time.Second
	}
	return &Source{provider: provider, openTimeout: openTimeout}
}

// Open starts the provider and waits for the first frame. Any failure is
// reported as ErrSourceUnavailable. Opening a healthy source is a no-op; a
// source whose stream was lost is restarted.
//
// ctx only bounds the wait for the first frame. The stream runs until Close,
// so a request-scoped ctx may be cancelled as soon as Open returns.
func (s *Source) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		if s.lost.Load() == nil {
			return nil
		}
		if err := s.closeLocked(); err != nil {
			slog.Warn("stream: closing lost stream before reopen", "error", err)
		}
	}

	s.opens.Add(1)
	s.closing.Store(false)
	s.lost.Store(nil)
	s.latest.Store(nil)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	frames, err := s.provider.Start(runCtx)
	if err != nil {
		cancel()
		return s.fail(fmt.Errorf("%w: %v", ErrSourceUnavailable, err))
	}

	select {
	case frame, ok := <-frames:
		if !ok {
			cancel()
			s.stopProvider()
			return s.fail(fmt.Errorf("%w: stream ended before the first frame", ErrSourceUnavailable))
		}
		s.store(frame)
	case <-time.After(s.openTimeout):
		cancel()
		s.stopProvider()
		return s.fail(fmt.Errorf("%w: no frame within %s", ErrSourceUnavailable, s.openTimeout))
	case <-ctx.Done():
		cancel()
		s.stopProvider()
		return fmt.Errorf("stream: open cancelled: %w", ctx.Err())
	}

	s.running = true
	s.cancel = cancel

	s.wg.Add(1)
	go s.pump(frames)

	slog.Info("stream: source open", "open_timeout", s.openTimeout)
	return nil
}

func (s *Source) fail(err error) error {
	s.lost.Store(&err)
	slog.Error("stream: source unavailable", "error", err)
	return err
}

func (s *Source) stopProvider() {
	if err := s.provider.Stop(); err != nil {
		slog.Warn("stream: provider stop failed", "error", err)
	}
}

func (s *Source) store(frame types.Frame) {
	f := frame
	s.latest.Store(&f)
	if s.unread.Swap(true) {
		s.overwrites.Add(1)
	}
	s.received.Add(1)
}

// pump moves frames from the provider into the holder until the stream ends
func (s *Source) pump(frames <-chan types.Frame) {
	defer s.wg.Done()

	for frame := range frames {
		s.store(frame)
	}

	if !s.closing.Load() {
		err := fmt.Errorf("%w: stream ended", ErrSourceUnavailable)
		s.lost.Store(&err)
		slog.Warn("stream: camera stream ended unexpectedly",
			"frames_received", s.received.Load(),
			"action", "retry_source required",
		)
	}
}

// CurrentFrame returns the newest frame
func (s *Source) CurrentFrame() (*types.Frame, error) {
	if p := s.lost.Load(); p != nil {
		return nil, *p
	}
	f := s.latest.Load()
	if f == nil {
		return nil, ErrNoFrame
	}
	s.unread.Store(false)
	return f, nil
}

// Close stops the provider. Safe to call more than once.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.closeLocked()
}

func (s *Source) closeLocked() error {
	if !s.running {
		return nil
	}

	s.closing.Store(true)
	s.cancel()
	err := s.provider.Stop()
	s.wg.Wait()

	s.running = false
	s.cancel = nil
	s.latest.Store(nil)

	slog.Info("stream: source closed", "frames_received", s.received.Load())
	if err != nil {
		return fmt.Errorf("stream: failed to stop provider: %w", err)
	}
	return nil
}

// Stats returns a snapshot of the holder statistics
func (s *Source) Stats() SourceStats {
	s.mu.Lock()
	open := s.running
	s.mu.Unlock()

	st := SourceStats{
		Open:       open && s.lost.Load() == nil,
		Received:   s.received.Load(),
		Overwrites: s.overwrites.Load(),
		Opens:      s.opens.Load(),
		Stream:     s.provider.Stats(),
	}
	if p := s.lost.Load(); p != nil {
		st.LastError = (*p).Error()
	}
	return st
}
