package capture

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"sync"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var barColors = []color.NRGBA{
	{255, 255, 255, 255},
	{255, 255, 0, 255},
	{0, 255, 255, 255},
	{0, 255, 0, 255},
	{255, 0, 255, 255},
	{255, 0, 0, 255},
	{0, 0, 255, 255},
	{16, 16, 16, 255},
}

// TestPattern is a synthetic device drawing colour bars, a moving marker and
// a frame counter. It never fails to open and ignores the facing hint.
type TestPattern struct {
	// Label is drawn next to the counter; empty means "livediff".
	Label string
}

func (t TestPattern) Open(ctx context.Context, c Constraints) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w, h := c.Width, c.Height
	if w <= 0 || h <= 0 {
		w, h = 640, 480
	}
	label := t.Label
	if label == "" {
		label = "livediff"
	}
	return &patternStream{w: w, h: h, label: label}, nil
}

type patternStream struct {
	mu     sync.Mutex
	w, h   int
	label  string
	n      uint64
	closed bool
}

func (p *patternStream) Grab(ctx context.Context) (image.Image, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, fmt.Errorf("test pattern: stream closed")
	}
	n := p.n
	p.n++
	return renderPattern(p.w, p.h, n, p.label), nil
}

func (p *patternStream) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func renderPattern(w, h int, n uint64, label string) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	barW := (w + len(barColors) - 1) / len(barColors)
	for i, c := range barColors {
		r := image.Rect(i*barW, 0, (i+1)*barW, h)
		draw.Draw(img, r, image.NewUniform(c), image.Point{}, draw.Src)
	}

	// Marker sweeps left to right so consecutive frames differ.
	size := h / 8
	if size < 1 {
		size = 1
	}
	span := w - size
	x := 0
	if span > 0 {
		x = int(n % uint64(span))
	}
	marker := image.Rect(x, h-size, x+size, h)
	draw.Draw(img, marker, image.NewUniform(color.NRGBA{0, 0, 0, 255}), image.Point{}, draw.Src)

	face := basicfont.Face7x13
	if h > face.Height+4 {
		d := &font.Drawer{
			Dst:  img,
			Src:  image.NewUniform(color.NRGBA{0, 0, 0, 255}),
			Face: face,
			Dot:  fixed.P(4, face.Ascent+2),
		}
		d.DrawString(fmt.Sprintf("%s #%d", label, n))
	}
	return img
}
