package types

import "fmt"

// SceneState is the classified state of what the booth camera sees.
// Exactly one state holds at any time.
type SceneState int

const (
	// SceneLoading holds until the camera and face model are ready
	SceneLoading SceneState = iota
	// SceneNoMotion means nothing moved recently
	SceneNoMotion
	// SceneNoFace means motion but no confident face
	SceneNoFace
	// SceneOneFace is the only state in which the countdown advances
	SceneOneFace
	// SceneMultipleFaces means more than one confident face
	SceneMultipleFaces
	// SceneSnapping holds from capture commit until the settle delay elapses
	SceneSnapping
)

// String returns the wire name of the state
func (s SceneState) String() string {
	switch s {
	case SceneLoading:
		return "loading"
	case SceneNoMotion:
		return "no_motion"
	case SceneNoFace:
		return "no_face"
	case SceneOneFace:
		return "one_face"
	case SceneMultipleFaces:
		return "multiple_faces"
	case SceneSnapping:
		return "snapping"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name for JSON payloads
func (s SceneState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ParseSceneState is the inverse of String
func ParseSceneState(name string) (SceneState, error) {
	for s := SceneLoading; s <= SceneSnapping; s++ {
		if s.String() == name {
			return s, nil
		}
	}
	return SceneLoading, fmt.Errorf("unknown scene state %q", name)
}
