package capture

import (
	"image"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/klyondx/facial-recognition-motion-detection-prototype/internal/types"
)

// Photo is one captured still
type Photo struct {
	ID       string
	FrameSeq uint64
	TraceID  string
	TakenAt  time.Time
	Image    *image.RGBA
}

// Width of the photo in pixels
func (p *Photo) Width() int { return p.Image.Bounds().Dx() }

// Height of the photo in pixels
func (p *Photo) Height() int { return p.Image.Bounds().Dy() }

// Buffer holds the most recent captured still. Each commit replaces the
// previous photo atomically; readers never observe a partial copy.
type Buffer struct {
	latest atomic.Pointer[Photo]
	count  atomic.Uint64
}

// NewBuffer creates an empty capture buffer
func NewBuffer() *Buffer {
	return &Buffer{}
}

// Commit copies the frame into a new photo and makes it the latest
func (b *Buffer) Commit(frame *types.Frame) *Photo {
	photo := &Photo{
		ID:       uuid.New().String(),
		FrameSeq: frame.Seq,
		TraceID:  frame.TraceID,
		TakenAt:  time.Now(),
		Image:    frame.ToRGBA(),
	}
	b.latest.Store(photo)
	n := b.count.Add(1)

	slog.Info("capture: photo committed",
		"photo_id", photo.ID,
		"frame_seq", frame.Seq,
		"trace_id", frame.TraceID,
		"size", image.Pt(frame.Width, frame.Height).String(),
		"captures", n,
	)
	return photo
}

// Latest returns the most recent photo, or nil before the first capture
func (b *Buffer) Latest() *Photo {
	return b.latest.Load()
}

// Count returns the number of commits since creation
func (b *Buffer) Count() uint64 {
	return b.count.Load()
}
