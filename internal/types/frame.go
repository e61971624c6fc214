package types

import (
	"fmt"
	"image"
	"time"
)

// BytesPerPixel is the size of one RGB24 pixel
const BytesPerPixel = 3

// Frame represents a single camera frame
type Frame struct {
	// Seq is the monotonic sequence number
	Seq uint64
	// Timestamp is when the frame was captured
	Timestamp time.Time
	// Width in pixels
	Width int
	// Height in pixels
	Height int
	// Data contains the frame pixels (RGB24, row-major, no padding)
	Data []byte
	// TraceID is a unique identifier for tracing a frame through the pipeline
	TraceID string
}

// Validate checks that the pixel buffer matches the declared geometry
func (f *Frame) Validate() error {
	if f == nil {
		return fmt.Errorf("frame is nil")
	}
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("invalid frame size %dx%d", f.Width, f.Height)
	}
	if want := f.Width * f.Height * BytesPerPixel; len(f.Data) != want {
		return fmt.Errorf("frame data is %d bytes, want %d for %dx%d RGB24",
			len(f.Data), want, f.Width, f.Height)
	}
	return nil
}

// RGB returns the color of the pixel at (x, y).
// Coordinates outside the frame return black.
func (f *Frame) RGB(x, y int) (r, g, b uint8) {
	if x < 0 || y < 0 || x >= f.Width || y >= f.Height {
		return 0, 0, 0
	}
	i := (y*f.Width + x) * BytesPerPixel
	return f.Data[i], f.Data[i+1], f.Data[i+2]
}

// Clone returns a deep copy of the frame
func (f *Frame) Clone() *Frame {
	data := make([]byte, len(f.Data))
	copy(data, f.Data)
	clone := *f
	clone.Data = data
	return &clone
}

// ToRGBA converts the frame into an image.RGBA (opaque alpha)
func (f *Frame) ToRGBA() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	for p, q := 0, 0; p+2 < len(f.Data) && q+3 < len(img.Pix); p, q = p+3, q+4 {
		img.Pix[q] = f.Data[p]
		img.Pix[q+1] = f.Data[p+1]
		img.Pix[q+2] = f.Data[p+2]
		img.Pix[q+3] = 0xff
	}
	return img
}

// FrameFromRGBA builds an RGB24 frame from an RGBA image, dropping alpha.
// Metadata (Seq, Timestamp, TraceID) is left for the caller to fill.
func FrameFromRGBA(img *image.RGBA) *Frame {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	data := make([]byte, w*h*BytesPerPixel)
	for y := 0; y < h; y++ {
		row := img.Pix[img.PixOffset(b.Min.X, b.Min.Y+y):]
		for x := 0; x < w; x++ {
			src := row[x*4:]
			dst := data[(y*w+x)*BytesPerPixel:]
			dst[0], dst[1], dst[2] = src[0], src[1], src[2]
		}
	}
	return &Frame{Width: w, Height: h, Data: data}
}

// StreamStats contains camera stream statistics
type StreamStats struct {
	FrameCount    uint64
	FramesDropped uint64
	FPSTarget     int
	FPSReal       float64
	Resolution    string
	IsConnected   bool
	Errors        uint64
}
