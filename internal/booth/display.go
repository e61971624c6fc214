package booth

import (
	"log/slog"
	"sync"

	"github.com/klyondx/facial-recognition-motion-detection-prototype/internal/capture"
	"github.com/klyondx/facial-recognition-motion-detection-prototype/internal/core"
	"github.com/klyondx/facial-recognition-motion-detection-prototype/internal/motion"
	"github.com/klyondx/facial-recognition-motion-detection-prototype/internal/types"
)

// displaySink is the booth's own screen: it keeps what a display would show
// and logs every scene change. The HTTP server reads it back.
type displaySink struct {
	mu      sync.RWMutex
	message string
	scene   types.SceneState
	faces   []types.Face
	motion  float64
	photoID string
}

// Display is what the booth screen currently shows
type Display struct {
	Message        string       `json:"message"`
	Scene          string       `json:"scene"`
	Faces          []types.Face `json:"faces"`
	MotionFraction float64      `json:"motion_fraction"`
	LastPhotoID    string       `json:"last_photo_id,omitempty"`
}

var _ core.RenderSink = (*displaySink)(nil)

func (d *displaySink) DrawFaces(faces []types.Face) error {
	d.mu.Lock()
	d.faces = faces
	d.mu.Unlock()
	return nil
}

func (d *displaySink) DrawMotion(result motion.Result) error {
	d.mu.Lock()
	d.motion = result.Fraction
	d.mu.Unlock()
	return nil
}

func (d *displaySink) ShowCapture(photo *capture.Photo) error {
	d.mu.Lock()
	d.photoID = photo.ID
	d.mu.Unlock()

	slog.Info("display: photo taken",
		"photo_id", photo.ID,
		"frame_seq", photo.FrameSeq,
		"size", []int{photo.Width(), photo.Height()},
	)
	return nil
}

func (d *displaySink) SceneChanged(update core.SceneUpdate) error {
	d.mu.Lock()
	d.message = update.Message
	d.scene = update.To
	d.mu.Unlock()

	slog.Info("display: "+update.Message,
		"from", update.From.String(),
		"to", update.To.String(),
		"counter", update.Counter,
	)
	return nil
}

func (d *displaySink) snapshot() Display {
	d.mu.RLock()
	defer d.mu.RUnlock()

	faces := d.faces
	if faces == nil {
		faces = []types.Face{}
	}
	return Display{
		Message:        d.message,
		Scene:          d.scene.String(),
		Faces:          faces,
		MotionFraction: d.motion,
		LastPhotoID:    d.photoID,
	}
}
