package stream

import (
	"context"
	"errors"

	"github.com/klyondx/facial-recognition-motion-detection-prototype/internal/types"
)

var (
	// ErrSourceUnavailable means the camera could not be opened (missing
	// device, permission denied, pipeline refused to start) or was lost.
	ErrSourceUnavailable = errors.New("camera source unavailable")
	// ErrNoFrame means the source is open but nothing has arrived yet
	ErrNoFrame = errors.New("no frame available")
)

// Provider produces camera frames. A stopped provider may be started again.
type Provider interface {
	// Start begins streaming; the channel is closed when the stream ends
	Start(ctx context.Context) (<-chan types.Frame, error)
	// Stop stops the stream and closes the frame channel
	Stop() error
	// Stats returns stream statistics
	Stats() types.StreamStats
}
