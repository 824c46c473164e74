package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"
)

// ErrDeviceUnavailable is returned when no capture device can be opened.
var ErrDeviceUnavailable = errors.New("capture device unavailable")

// Constraints are the capture hints handed to a device when it is opened.
type Constraints struct {
	Width      int
	Height     int
	FacingMode string
}

// Device opens live video sources.
type Device interface {
	Open(ctx context.Context, c Constraints) (Stream, error)
}

// Stream is an open video source. Grab returns the most recent picture.
type Stream interface {
	Grab(ctx context.Context) (image.Image, error)
	Close() error
}

// ParseDevice resolves a device spec: "testpattern", "dir:<path>" or an
// http(s) snapshot URL.
func ParseDevice(spec string) (Device, error) {
	s := strings.TrimSpace(spec)
	switch {
	case s == "" || s == "testpattern":
		return TestPattern{}, nil
	case strings.HasPrefix(s, "dir:"):
		dir := strings.TrimPrefix(s, "dir:")
		if dir == "" {
			return nil, fmt.Errorf("device %q: empty directory", spec)
		}
		return ImageDir{Path: dir}, nil
	case strings.HasPrefix(s, "http://"), strings.HasPrefix(s, "https://"):
		return &Snapshot{URL: s}, nil
	default:
		return nil, fmt.Errorf("unknown capture device %q", spec)
	}
}
