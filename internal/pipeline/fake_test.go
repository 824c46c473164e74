package pipeline

import (
	"context"
	"encoding/json"
	"image"
	"image/color"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/gaspardpetit/livediff/internal/apiclient"
	"github.com/gaspardpetit/livediff/internal/capture"
	"github.com/gaspardpetit/livediff/internal/realtime"
)

type sentFrame struct {
	hdr   realtime.FrameHeader
	frame *capture.Frame
}

type fakeTransport struct {
	mu       sync.Mutex
	state    realtime.State
	handlers []realtime.Handler
	frames   []sentFrame
	messages []realtime.Envelope
	connects int

	// beforeSend runs once, outside the lock, at the start of the next frame
	// send; sendErr fails the next frame send.
	beforeSend func()
	sendErr    error
}

func (t *fakeTransport) Connect() {
	t.mu.Lock()
	t.connects++
	t.state = realtime.Connecting
	t.mu.Unlock()
}

func (t *fakeTransport) Disconnect() {
	t.mu.Lock()
	t.state = realtime.Disconnected
	t.mu.Unlock()
}

func (t *fakeTransport) IsConnected() bool { return t.State() == realtime.Connected }

func (t *fakeTransport) State() realtime.State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *fakeTransport) Snapshot() realtime.Snapshot { return realtime.Snapshot{State: t.State()} }

func (t *fakeTransport) Handle(h realtime.Handler) {
	t.mu.Lock()
	t.handlers = append(t.handlers, h)
	t.mu.Unlock()
}

func (t *fakeTransport) Send(ctx context.Context, msg any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != realtime.Connected {
		return realtime.ErrNotConnected
	}
	env, _ := msg.(realtime.Envelope)
	t.messages = append(t.messages, env)
	return nil
}

func (t *fakeTransport) SendFrameWithHeader(ctx context.Context, hdr realtime.FrameHeader, f *capture.Frame) error {
	t.mu.Lock()
	hook := t.beforeSend
	t.beforeSend = nil
	t.mu.Unlock()
	if hook != nil {
		hook()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != realtime.Connected {
		return realtime.ErrNotConnected
	}
	if err := t.sendErr; err != nil {
		t.sendErr = nil
		return err
	}
	t.frames = append(t.frames, sentFrame{hdr: hdr, frame: f})
	return nil
}

func (t *fakeTransport) sent() []sentFrame {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]sentFrame(nil), t.frames...)
}

func (t *fakeTransport) sentMessages() []realtime.Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]realtime.Envelope(nil), t.messages...)
}

// setState changes the state and notifies handlers synchronously.
func (t *fakeTransport) setState(s realtime.State) {
	t.mu.Lock()
	prev := t.state
	t.state = s
	hs := append([]realtime.Handler(nil), t.handlers...)
	t.mu.Unlock()
	for _, h := range hs {
		h(realtime.Event{Kind: realtime.EventState, State: s, Prev: prev})
	}
}

func (t *fakeTransport) deliver(typ websocket.MessageType, data []byte) {
	t.mu.Lock()
	hs := append([]realtime.Handler(nil), t.handlers...)
	t.mu.Unlock()
	for _, h := range hs {
		h(realtime.Event{Kind: realtime.EventMessage, Message: realtime.Message{Type: typ, Data: data}})
	}
}

func (t *fakeTransport) deliverJSON(tb testing.TB, typ string, payload any) {
	tb.Helper()
	env, err := realtime.NewEnvelope(typ, payload)
	if err != nil {
		tb.Fatal(err)
	}
	b, _ := json.Marshal(env)
	t.deliver(websocket.MessageText, b)
}

type fakeCamera struct {
	mu        sync.Mutex
	active    bool
	err       error
	fn        capture.FrameFunc
	rate      float64
	activated []capture.Config
}

func (c *fakeCamera) Activate(ctx context.Context, cfg capture.Config) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activated = append(c.activated, cfg)
	if c.err != nil {
		return c.err
	}
	c.active = true
	return nil
}

func (c *fakeCamera) Deactivate() {
	c.mu.Lock()
	c.active = false
	c.mu.Unlock()
}

func (c *fakeCamera) OnFrame(fn capture.FrameFunc, rate float64) {
	c.mu.Lock()
	c.fn, c.rate = fn, rate
	c.mu.Unlock()
}

func (c *fakeCamera) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *fakeCamera) Err() error { return c.err }

func (c *fakeCamera) Stats() capture.Stats { return capture.Stats{Active: c.Active()} }

type fakeRemote struct {
	mu      sync.Mutex
	updates []apiclient.SettingsUpdate
	err     error
}

func (r *fakeRemote) UpdateSettings(ctx context.Context, u apiclient.SettingsUpdate) (apiclient.DiffusionSettings, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
	return apiclient.DiffusionSettings{}, r.err
}

type fakeTimer struct {
	owner   *fakeTimers
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.owner.mu.Lock()
	defer t.owner.mu.Unlock()
	live := !t.stopped && !t.fired
	t.stopped = true
	return live
}

type fakeTimers struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (ft *fakeTimers) AfterFunc(d time.Duration, f func()) realtime.Timer {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	t := &fakeTimer{owner: ft, f: f}
	ft.timers = append(ft.timers, t)
	return t
}

func (ft *fakeTimers) live() []*fakeTimer {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	var out []*fakeTimer
	for _, t := range ft.timers {
		if !t.stopped && !t.fired {
			out = append(out, t)
		}
	}
	return out
}

func (ft *fakeTimers) fire(t *fakeTimer) {
	ft.mu.Lock()
	t.fired = true
	ft.mu.Unlock()
	t.f()
}

func frame(seq uint64) *capture.Frame {
	img := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	for i := 0; i < 16; i++ {
		img.SetNRGBA(i%4, i/4, color.NRGBA{R: uint8(seq), G: uint8(i * 15), B: 100, A: 255})
	}
	f := capture.FromImage(img)
	f.Seq = seq
	return f
}

func seqs(frames []sentFrame) []uint64 {
	out := make([]uint64, len(frames))
	for i, f := range frames {
		out[i] = f.frame.Seq
	}
	return out
}
