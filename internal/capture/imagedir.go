package capture

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/disintegration/imaging"
)

// ImageDir replays the still images of a directory in name order, looping
// forever. Images are resized to the requested resolution.
type ImageDir struct {
	Path string
}

var imageExts = map[string]bool{".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".bmp": true}

func (d ImageDir) Open(ctx context.Context, c Constraints) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(d.Path)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !imageExts[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		files = append(files, filepath.Join(d.Path, e.Name()))
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no images in %s", d.Path)
	}
	sort.Strings(files)
	return &dirStream{files: files, w: c.Width, h: c.Height}, nil
}

type dirStream struct {
	mu     sync.Mutex
	files  []string
	next   int
	w, h   int
	closed bool
}

func (s *dirStream) Grab(ctx context.Context) (image.Image, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("image dir: stream closed")
	}
	path := s.files[s.next]
	s.next = (s.next + 1) % len(s.files)
	w, h := s.w, s.h
	s.mu.Unlock()

	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, err
	}
	return fit(img, w, h), nil
}

func (s *dirStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// fit resizes img to w x h when both are set and differ from its bounds.
func fit(img image.Image, w, h int) image.Image {
	b := img.Bounds()
	if w <= 0 || h <= 0 || (b.Dx() == w && b.Dy() == h) {
		return img
	}
	return imaging.Fill(img, w, h, imaging.Center, imaging.Lanczos)
}
