package core

import (
	"context"
	"errors"

	"github.com/klyondx/facial-recognition-motion-detection-prototype/internal/capture"
	"github.com/klyondx/facial-recognition-motion-detection-prototype/internal/motion"
	"github.com/klyondx/facial-recognition-motion-detection-prototype/internal/types"
)

// ErrSinkNotReady is returned by a RenderSink whose target cannot draw yet.
// The pipeline skips the drawing for that tick only.
var ErrSinkNotReady = errors.New("render sink not ready")

// FrameSource provides the current camera frame
type FrameSource interface {
	// Open starts acquisition; it fails with stream.ErrSourceUnavailable
	// when there is no usable camera
	Open(ctx context.Context) error
	// CurrentFrame returns the newest frame. Callers must not modify it.
	CurrentFrame() (*types.Frame, error)
	// Close stops acquisition
	Close() error
}

// SceneUpdate describes a change of scene state or countdown progress
type SceneUpdate struct {
	From    types.SceneState `json:"from"`
	To      types.SceneState `json:"to"`
	Counter int              `json:"counter"`
	Steps   int              `json:"steps"`
	Message string           `json:"message"`
}

// RenderSink consumes what the pipeline observes. Calls come from the
// pipeline loops and must not block.
type RenderSink interface {
	// DrawFaces receives the accepted face list on every face tick
	DrawFaces(faces []types.Face) error
	// DrawMotion receives the per-cell classification on every motion tick
	DrawMotion(result motion.Result) error
	// ShowCapture receives each committed photo
	ShowCapture(photo *capture.Photo) error
	// SceneChanged receives scene and countdown changes
	SceneChanged(update SceneUpdate) error
}

// MultiSink fans every call out to several sinks
type MultiSink []RenderSink

// DrawFaces implements RenderSink
func (m MultiSink) DrawFaces(faces []types.Face) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.DrawFaces(faces))
	}
	return errors.Join(errs...)
}

// DrawMotion implements RenderSink
func (m MultiSink) DrawMotion(result motion.Result) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.DrawMotion(result))
	}
	return errors.Join(errs...)
}

// ShowCapture implements RenderSink
func (m MultiSink) ShowCapture(photo *capture.Photo) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.ShowCapture(photo))
	}
	return errors.Join(errs...)
}

// SceneChanged implements RenderSink
func (m MultiSink) SceneChanged(update SceneUpdate) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.SceneChanged(update))
	}
	return errors.Join(errs...)
}

// NopSink discards everything
type NopSink struct{}

func (NopSink) DrawFaces([]types.Face) error { return nil }
func (NopSink) DrawMotion(motion.Result) error { return nil }
func (NopSink) ShowCapture(*capture.Photo) error { return nil }
func (NopSink) SceneChanged(SceneUpdate) error { return nil }
