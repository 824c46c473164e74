package realtime

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/gaspardpetit/livediff/internal/capture"
)

// Encoder turns frames into binary payloads.
type Encoder struct {
	Format  imaging.Format
	Quality int
}

// DefaultEncoder produces JPEG at quality 80.
var DefaultEncoder = Encoder{Format: imaging.JPEG, Quality: 80}

// ParseEncoder accepts "jpeg", "jpg" or "png". Empty selects DefaultEncoder.
func ParseEncoder(name string) (Encoder, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "jpeg", "jpg":
		return DefaultEncoder, nil
	case "png":
		return Encoder{Format: imaging.PNG}, nil
	default:
		return Encoder{}, fmt.Errorf("unsupported frame encoding %q", name)
	}
}

// MIME returns the media type of encoded payloads.
func (e Encoder) MIME() string {
	if e.Format == imaging.PNG {
		return "image/png"
	}
	return "image/jpeg"
}

// Encode serializes f. The frame buffer is only read.
func (e Encoder) Encode(f *capture.Frame) ([]byte, error) {
	var buf bytes.Buffer
	var opts []imaging.EncodeOption
	if e.Format == imaging.JPEG {
		q := e.Quality
		if q <= 0 {
			q = DefaultEncoder.Quality
		}
		opts = append(opts, imaging.JPEGQuality(q))
	}
	if err := imaging.Encode(&buf, f.Image(), e.Format, opts...); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return buf.Bytes(), nil
}
