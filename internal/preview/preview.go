// Package preview renders processed images on a sixel capable terminal.
package preview

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/mattn/go-sixel"

	"github.com/gaspardpetit/livediff/internal/logx"
	"github.com/gaspardpetit/livediff/internal/pipeline"
)

// DefaultMaxWidth bounds the rendered width in pixels.
const DefaultMaxWidth = 320

// Renderer writes each processed image to w as sixel graphics, redrawing in
// place. Images wider than MaxWidth are downscaled first.
type Renderer struct {
	MaxWidth int

	mu    sync.Mutex
	w     io.Writer
	drawn bool
}

// New returns a Renderer writing to w.
func New(w io.Writer) *Renderer {
	return &Renderer{w: w, MaxWidth: DefaultMaxWidth}
}

// Render decodes p.Image and writes it. Decode failures are returned and leave
// the terminal untouched.
func (r *Renderer) Render(p pipeline.Processed) error {
	img, err := imaging.Decode(bytes.NewReader(p.Image))
	if err != nil {
		return fmt.Errorf("decode %s: %w", p.MIME, err)
	}
	if r.MaxWidth > 0 && img.Bounds().Dx() > r.MaxWidth {
		img = imaging.Resize(img, r.MaxWidth, 0, imaging.Box)
	}

	var buf bytes.Buffer
	enc := sixel.NewEncoder(&buf)
	enc.Dither = false
	if err := enc.Encode(img); err != nil {
		return fmt.Errorf("sixel encode: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.drawn {
		// restore the cursor saved before the previous image
		_, _ = io.WriteString(r.w, "\x1b8")
	}
	_, _ = io.WriteString(r.w, "\x1b7")
	if _, err := r.w.Write(buf.Bytes()); err != nil {
		return err
	}
	r.drawn = true
	return nil
}

// Handler adapts Render for Orchestrator.OnProcessed, logging failures.
func (r *Renderer) Handler() func(pipeline.Processed) {
	log := logx.Component("preview")
	return func(p pipeline.Processed) {
		if err := r.Render(p); err != nil {
			log.Debug().Err(err).Str("frame", p.FrameID).Msg("preview skipped")
		}
	}
}
