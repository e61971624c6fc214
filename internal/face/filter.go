package face

import "github.com/klyondx/facial-recognition-motion-detection-prototype/internal/types"

// DefaultMinConfidence is the probability a face must exceed to be accepted
const DefaultMinConfidence = 0.95

// Filter keeps faces with Confidence strictly above threshold, in their original order
func Filter(faces []types.Face, threshold float64) []types.Face {
	out := make([]types.Face, 0, len(faces))
	for _, f := range faces {
		if f.Confidence > threshold {
			out = append(out, f)
		}
	}
	return out
}
