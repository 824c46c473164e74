package capture

import (
	"context"
	"fmt"
	"image"
	"net/http"
	"time"

	"github.com/disintegration/imaging"
)

// Snapshot polls an IP camera that serves its current picture at URL.
type Snapshot struct {
	URL    string
	Client *http.Client
}

func (s *Snapshot) httpClient() *http.Client {
	if s.Client != nil {
		return s.Client
	}
	return &http.Client{Timeout: 5 * time.Second}
}

// Open fetches one picture to prove the camera is reachable.
func (s *Snapshot) Open(ctx context.Context, c Constraints) (Stream, error) {
	st := &snapshotStream{url: s.URL, client: s.httpClient(), w: c.Width, h: c.Height}
	if _, err := st.Grab(ctx); err != nil {
		return nil, err
	}
	return st, nil
}

type snapshotStream struct {
	url    string
	client *http.Client
	w, h   int
}

func (s *snapshotStream) Grab(ctx context.Context) (image.Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("snapshot %s: %s", s.url, resp.Status)
	}
	img, err := imaging.Decode(resp.Body, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", s.url, err)
	}
	return fit(img, s.w, s.h), nil
}

func (s *snapshotStream) Close() error {
	s.client.CloseIdleConnections()
	return nil
}
