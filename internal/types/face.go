package types

// Point is a pixel coordinate in view space
type Point struct {
	X float64 `json:"x" msgpack:"x"`
	Y float64 `json:"y" msgpack:"y"`
}

// Face is a single face detection in view coordinates
type Face struct {
	TopLeft     Point   `json:"top_left"`
	BottomRight Point   `json:"bottom_right"`
	Landmarks   []Point `json:"landmarks,omitempty"`
	// Confidence is the detector probability in [0, 1]
	Confidence float64 `json:"confidence"`
}

// Width returns the horizontal extent of the bounding box
func (f Face) Width() float64 {
	return f.BottomRight.X - f.TopLeft.X
}

// Height returns the vertical extent of the bounding box
func (f Face) Height() float64 {
	return f.BottomRight.Y - f.TopLeft.Y
}

// Center returns the center of the bounding box
func (f Face) Center() Point {
	return Point{
		X: (f.TopLeft.X + f.BottomRight.X) / 2,
		Y: (f.TopLeft.Y + f.BottomRight.Y) / 2,
	}
}
