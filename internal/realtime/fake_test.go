package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
)

type readResult struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

type fakeConn struct {
	mu        sync.Mutex
	writes    []Message
	writeErr  error
	closeCode websocket.StatusCode
	in        chan readResult
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan readResult), closed: make(chan struct{}), closeCode: -1}
}

func (c *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case r := <-c.in:
		return r.typ, r.data, r.err
	case <-c.closed:
		return 0, nil, errors.New("use of closed connection")
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (c *fakeConn) Write(ctx context.Context, typ websocket.MessageType, p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.writes = append(c.writes, Message{Type: typ, Data: append([]byte(nil), p...)})
	return nil
}

func (c *fakeConn) Close(code websocket.StatusCode, reason string) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeCode = code
		c.mu.Unlock()
		close(c.closed)
	})
	return nil
}

func (c *fakeConn) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.writes)
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// peer delivers a read result as if it came from the remote side.
func (c *fakeConn) peer(r readResult) { c.in <- r }

type dialResult struct {
	conn Conn
	err  error
}

type fakeDialer struct {
	mu       sync.Mutex
	dials    int
	returned int
	next     chan dialResult
}

func newFakeDialer() *fakeDialer { return &fakeDialer{next: make(chan dialResult)} }

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	d.dials++
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.returned++
		d.mu.Unlock()
	}()
	select {
	case r := <-d.next:
		return r.conn, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *fakeDialer) counts() (dials, returned int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials, d.returned
}

type fakeTimer struct {
	owner   *fakeTimers
	d       time.Duration
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

func (ft *fakeTimers) AfterFunc(d time.Duration, f func()) Timer {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	t := &fakeTimer{owner: ft, d: d, f: f}
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
	f := t.f
	ft.mu.Unlock()
	f()
}

// fireLive fires the only live timer and fails when there is not exactly one.
func (ft *fakeTimers) fireLive(t *testing.T) {
	t.Helper()
	live := ft.live()
	if len(live) != 1 {
		t.Fatalf("expected one live retry timer, got %d", len(live))
	}
	ft.fire(live[0])
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitState(t *testing.T, c *Client, want State) {
	t.Helper()
	waitFor(t, "state "+want.String(), func() bool { return c.State() == want })
}
