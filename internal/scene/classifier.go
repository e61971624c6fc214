// Package scene maps motion and face counts to what the booth shows.
package scene

import (
	"fmt"

	"github.com/klyondx/facial-recognition-motion-detection-prototype/internal/types"
)

// Classify maps the current observations to exactly one scene state.
// Priority: no motion, then capturing, then the number of faces.
func Classify(motionDetected bool, faces []types.Face, isCapturing bool) types.SceneState {
	switch {
	case !motionDetected:
		return types.SceneNoMotion
	case isCapturing:
		return types.SceneSnapping
	case len(faces) == 0:
		return types.SceneNoFace
	case len(faces) == 1:
		return types.SceneOneFace
	default:
		return types.SceneMultipleFaces
	}
}

// Message returns the operator text shown for a state.
// For SceneOneFace, counter is the countdown progress and the text shows the
// remaining steps out of total.
func Message(state types.SceneState, counter, total int) string {
	switch state {
	case types.SceneLoading:
		return "Loading..."
	case types.SceneNoMotion:
		return "No motion detected"
	case types.SceneNoFace:
		return "No face - move into box..."
	case types.SceneOneFace:
		remaining := total - counter
		if remaining < 1 {
			remaining = 1
		}
		return fmt.Sprintf("One face - hold still...%d", remaining)
	case types.SceneMultipleFaces:
		return "Multiple faces"
	case types.SceneSnapping:
		return "SNAP!"
	default:
		return ""
	}
}
