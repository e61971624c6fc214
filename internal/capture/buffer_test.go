package capture

import (
	"testing"

	"github.com/google/uuid"

	"github.com/klyondx/facial-recognition-motion-detection-prototype/internal/types"
)

func TestCommitCopiesFrame(t *testing.T) {
	b := NewBuffer()
	if b.Latest() != nil {
		t.Fatal("Latest() before any capture should be nil")
	}

	frame := &types.Frame{Seq: 9, TraceID: "t-9", Width: 2, Height: 1, Data: []byte{10, 20, 30, 40, 50, 60}}
	photo := b.Commit(frame)

	if _, err := uuid.Parse(photo.ID); err != nil {
		t.Errorf("photo ID %q is not a uuid: %v", photo.ID, err)
	}
	if photo.Width() != 2 || photo.Height() != 1 || photo.FrameSeq != 9 {
		t.Errorf("photo = %dx%d seq %d", photo.Width(), photo.Height(), photo.FrameSeq)
	}

	// Later changes to the frame must not leak into the photo
	frame.Data[0] = 0
	if got := b.Latest().Image.Pix[0]; got != 10 {
		t.Errorf("photo pixel changed with the frame: %d", got)
	}
}

func TestBufferUnchangedBetweenCommits(t *testing.T) {
	b := NewBuffer()
	first := b.Commit(&types.Frame{Seq: 1, Width: 1, Height: 1, Data: []byte{1, 1, 1}})

	for i := 0; i < 3; i++ {
		if b.Latest() != first {
			t.Fatal("Latest() changed without a commit")
		}
	}

	second := b.Commit(&types.Frame{Seq: 2, Width: 1, Height: 1, Data: []byte{2, 2, 2}})
	if b.Latest() != second || second.ID == first.ID {
		t.Error("second commit did not replace the first")
	}
	if b.Count() != 2 {
		t.Errorf("Count() = %d, want 2", b.Count())
	}
}
