package core

import (
	"github.com/klyondx/facial-recognition-motion-detection-prototype/internal/types"
)

// sharedState is what the loops exchange. It is only touched under
// Pipeline.mu, which is also held while the countdown controller changes
// its capturing flag, so one lock gives every tick a consistent view.
type sharedState struct {
	// motion latches on when a motion tick detects change and is cleared
	// when a capture settles
	motion bool
	scene  types.SceneState

	sourceReady bool
	sourceErr   error
	oracleDone  bool

	// last scene update handed to the sink
	notifiedScene   types.SceneState
	notifiedCounter int
}

// Snapshot is a consistent copy of the pipeline state
type Snapshot struct {
	Motion      bool             `json:"motion"`
	Scene       types.SceneState `json:"scene"`
	Faces       []types.Face     `json:"faces"`
	Capturing   bool             `json:"capturing"`
	Counter     int              `json:"counter"`
	SourceReady bool             `json:"source_ready"`
	OracleDone  bool             `json:"oracle_done"`
}

// loading reports whether the pipeline is still waiting on its inputs
func (s *sharedState) loading() bool {
	return !s.sourceReady || !s.oracleDone
}
