package capture

import (
	"image"
	"time"

	"github.com/disintegration/imaging"
)

// PixelFormat names the memory layout of Frame.Pix.
type PixelFormat string

// FormatNRGBA is 8-bit non-premultiplied RGBA, four bytes per pixel.
const FormatNRGBA PixelFormat = "nrgba"

// Frame is one sampled still image. A Frame is never modified after it is
// delivered; transformations return a new Frame.
type Frame struct {
	Seq       uint64
	Timestamp time.Time
	Width     int
	Height    int
	Format    PixelFormat
	Stride    int
	Pix       []byte
	Mirrored  bool
}

// FromImage copies img into a new NRGBA frame anchored at (0,0).
func FromImage(img image.Image) *Frame {
	n := imaging.Clone(img)
	b := n.Bounds()
	return &Frame{
		Width:  b.Dx(),
		Height: b.Dy(),
		Format: FormatNRGBA,
		Stride: n.Stride,
		Pix:    n.Pix,
	}
}

// Image returns an NRGBA view over the frame pixels. Callers must treat the
// returned image as read-only.
func (f *Frame) Image() *image.NRGBA {
	return &image.NRGBA{
		Pix:    f.Pix,
		Stride: f.Stride,
		Rect:   image.Rect(0, 0, f.Width, f.Height),
	}
}

// Mirror returns the horizontal flip of f. The receiver is left untouched.
func (f *Frame) Mirror() *Frame {
	flipped := imaging.FlipH(f.Image())
	return &Frame{
		Seq:       f.Seq,
		Timestamp: f.Timestamp,
		Width:     f.Width,
		Height:    f.Height,
		Format:    f.Format,
		Stride:    flipped.Stride,
		Pix:       flipped.Pix,
		Mirrored:  !f.Mirrored,
	}
}
