// Package imaging turns raw camera frames into the fixed view the booth works on.
package imaging

import (
	"fmt"
	"image"

	"golang.org/x/image/draw"

	"github.com/klyondx/facial-recognition-motion-detection-prototype/internal/types"
)

// CenterRect returns the centered rectangle covering scale of the source size
// with the aspect ratio of dstW x dstH.
func CenterRect(srcW, srcH int, scale float64, dstW, dstH int) image.Rectangle {
	aspect := float64(dstW) / float64(dstH)

	w := float64(srcW) * scale
	h := w / aspect
	if maxH := float64(srcH) * scale; h > maxH {
		h = maxH
		w = h * aspect
	}

	cw, ch := int(w+0.5), int(h+0.5)
	if cw < 1 {
		cw = 1
	}
	if ch < 1 {
		ch = 1
	}
	x0 := (srcW - cw) / 2
	y0 := (srcH - ch) / 2
	return image.Rect(x0, y0, x0+cw, y0+ch)
}

// CenterCrop takes the centered scale fraction of the frame and resizes it
// to dstW x dstH. Frame metadata is carried over.
func CenterCrop(frame *types.Frame, scale float64, dstW, dstH int) (*types.Frame, error) {
	if err := frame.Validate(); err != nil {
		return nil, fmt.Errorf("imaging: %w", err)
	}
	if scale <= 0 || scale > 1 {
		return nil, fmt.Errorf("imaging: scale %v out of range (0, 1]", scale)
	}
	if dstW <= 0 || dstH <= 0 {
		return nil, fmt.Errorf("imaging: invalid target size %dx%d", dstW, dstH)
	}

	src := frame.ToRGBA()
	dst := image.NewRGBA(image.Rect(0, 0, dstW, dstH))
	draw.BiLinear.Scale(dst, dst.Bounds(), src, CenterRect(frame.Width, frame.Height, scale, dstW, dstH), draw.Src, nil)

	out := types.FrameFromRGBA(dst)
	out.Seq = frame.Seq
	out.Timestamp = frame.Timestamp
	out.TraceID = frame.TraceID
	return out, nil
}
