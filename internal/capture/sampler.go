package capture

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/gaspardpetit/livediff/internal/logx"
	"github.com/gaspardpetit/livediff/internal/metrics"
)

// Config describes how the capture device is opened and how frames are shaped.
type Config struct {
	Width      int
	Height     int
	FacingMode string
	Mirror     bool
}

// FrameFunc receives sampled frames. It runs on the sampler goroutine and
// must not call OnFrame, Deactivate or Close.
type FrameFunc func(*Frame)

// Stats is a point-in-time view of the sampler.
type Stats struct {
	Active     bool    `json:"active"`
	Sampling   bool    `json:"sampling"`
	Rate       float64 `json:"rate"`
	Frames     uint64  `json:"frames"`
	GrabErrors uint64  `json:"grab_errors"`
	LastError  string  `json:"last_error,omitempty"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Mirror     bool    `json:"mirror"`
	FacingMode string  `json:"facing_mode"`
}

// Sampler owns one capture device and samples frames from it at a bounded
// rate.
type Sampler struct {
	device Device
	log    zerolog.Logger

	// lifecycle serializes Activate, OnFrame, Deactivate and Close.
	lifecycle sync.Mutex

	mu     sync.Mutex
	cfg    Config
	stream Stream
	active bool
	err    error
	onErr  func(error)
	fn     FrameFunc
	rate   float64
	stop   context.CancelFunc
	done   chan struct{}

	seq        atomic.Uint64
	frames     atomic.Uint64
	grabErrors atomic.Uint64
	now        func() time.Time
}

// New returns an inactive sampler for device.
func New(device Device) *Sampler {
	return &Sampler{device: device, log: logx.Component("capture"), now: time.Now}
}

// OnError registers fn to be called once per failed activation.
func (s *Sampler) OnError(fn func(error)) {
	s.mu.Lock()
	s.onErr = fn
	s.mu.Unlock()
}

// Activate opens the capture device. It is a no-op when already active. On
// failure the sampler stays idle, the error is kept for Err and a later call
// retries.
func (s *Sampler) Activate(ctx context.Context, cfg Config) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	stream, err := s.device.Open(ctx, Constraints{Width: cfg.Width, Height: cfg.Height, FacingMode: cfg.FacingMode})
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
		s.mu.Lock()
		s.err = err
		onErr := s.onErr
		s.mu.Unlock()
		s.log.Error().Err(err).Msg("camera access error")
		if onErr != nil {
			onErr(err)
		}
		return err
	}

	s.mu.Lock()
	s.cfg = cfg
	s.stream = stream
	s.active = true
	s.err = nil
	s.mu.Unlock()
	metrics.SetCaptureActive(true)
	s.log.Info().Int("width", cfg.Width).Int("height", cfg.Height).Bool("mirror", cfg.Mirror).Msg("camera active")

	s.restart()
	return nil
}

// OnFrame registers fn to receive one frame at most every 1000/rate ms while
// the sampler is active. A nil fn or non-positive rate stops sampling without
// releasing the device.
func (s *Sampler) OnFrame(fn FrameFunc, rate float64) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	s.fn = fn
	s.rate = rate
	s.mu.Unlock()
	s.restart()
}

// Deactivate stops sampling and releases the device. Calling it while
// inactive does nothing.
func (s *Sampler) Deactivate() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	s.deactivate()
}

// Close releases everything the sampler holds. It is safe on every exit path.
func (s *Sampler) Close() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	s.deactivate()
	s.mu.Lock()
	s.fn = nil
	s.mu.Unlock()
}

func (s *Sampler) deactivate() {
	s.stopLoop()

	s.mu.Lock()
	stream := s.stream
	wasActive := s.active
	s.stream = nil
	s.active = false
	s.mu.Unlock()

	if stream != nil {
		if err := stream.Close(); err != nil {
			s.log.Warn().Err(err).Msg("close capture stream")
		}
	}
	if wasActive {
		metrics.SetCaptureActive(false)
		s.log.Info().Msg("camera stopped")
	}
}

// Active reports whether the device is open.
func (s *Sampler) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Err returns the last activation error, nil after a successful activation.
func (s *Sampler) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Stats returns counters and current settings.
func (s *Sampler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		Active:     s.active,
		Sampling:   s.done != nil,
		Rate:       s.rate,
		Frames:     s.frames.Load(),
		GrabErrors: s.grabErrors.Load(),
		Width:      s.cfg.Width,
		Height:     s.cfg.Height,
		Mirror:     s.cfg.Mirror,
		FacingMode: s.cfg.FacingMode,
	}
	if s.err != nil {
		st.LastError = s.err.Error()
	}
	return st
}

// restart replaces the sampling goroutine so it matches the current
// registration. Callers hold lifecycle.
func (s *Sampler) restart() {
	s.stopLoop()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active || s.fn == nil || s.rate <= 0 {
		return
	}
	interval := time.Duration(float64(time.Second) / s.rate)
	if interval <= 0 {
		interval = time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.stop = cancel
	s.done = done
	go s.loop(ctx, done, s.stream, s.fn, s.cfg.Mirror, interval)
}

func (s *Sampler) stopLoop() {
	s.mu.Lock()
	cancel, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Sampler) loop(ctx context.Context, done chan struct{}, stream Stream, fn FrameFunc, mirror bool, interval time.Duration) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		img, err := stream.Grab(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.grabErrors.Add(1)
			s.log.Debug().Err(err).Msg("frame grab failed")
			continue
		}
		f := FromImage(img)
		f.Seq = s.seq.Add(1)
		f.Timestamp = s.now()
		if mirror {
			f = f.Mirror()
		}
		if ctx.Err() != nil {
			return
		}
		s.frames.Add(1)
		metrics.FrameCaptured()
		fn(f)
	}
}
