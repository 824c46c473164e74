package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"io"
	"sync"
	"testing"

	"github.com/coder/websocket"

	"github.com/gaspardpetit/livediff/internal/capture"
	"github.com/gaspardpetit/livediff/internal/reconnect"
)

func newTestClient(t *testing.T, policy reconnect.Policy) (*Client, *fakeDialer, *fakeTimers) {
	t.Helper()
	d := newFakeDialer()
	ft := &fakeTimers{}
	c := NewClient(Options{URL: "ws://backend.test/ws", Dialer: d, Policy: policy, AfterFunc: ft.AfterFunc})
	t.Cleanup(c.Close)
	return c, d, ft
}

func connectOK(t *testing.T, c *Client, d *fakeDialer) *fakeConn {
	t.Helper()
	c.Connect()
	if s := c.State(); s != Connecting {
		t.Fatalf("state after Connect = %v, want connecting", s)
	}
	conn := newFakeConn()
	d.next <- dialResult{conn: conn}
	waitState(t, c, Connected)
	return conn
}

func testFrame() *capture.Frame {
	img := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(60 * x), G: uint8(60 * y), B: uint8(16*x + y), A: 255})
		}
	}
	f := capture.FromImage(img)
	f.Seq = 1
	return f
}

func assertConnectedPredicate(t *testing.T, c *Client) {
	t.Helper()
	if c.IsConnected() != (c.State() == Connected) {
		t.Fatalf("IsConnected()=%v disagrees with state %v", c.IsConnected(), c.State())
	}
}

func TestStateMachine(t *testing.T) {
	c, d, ft := newTestClient(t, reconnect.Policy{})
	if c.State() != Disconnected {
		t.Fatalf("initial state %v", c.State())
	}
	assertConnectedPredicate(t, c)

	conn := connectOK(t, c, d)
	assertConnectedPredicate(t, c)
	c.Connect()
	if dials, _ := d.counts(); dials != 1 || c.State() != Connected {
		t.Fatalf("connect while connected must be a no-op: dials=%d state=%v", dials, c.State())
	}

	// Clean close: no retry.
	conn.peer(readResult{err: websocket.CloseError{Code: websocket.StatusNormalClosure}})
	waitState(t, c, Disconnected)
	if n := len(ft.live()); n != 0 {
		t.Fatalf("clean close scheduled %d retries", n)
	}
	assertConnectedPredicate(t, c)

	// Unclean close: Disconnected with a retry.
	conn = connectOK(t, c, d)
	conn.peer(readResult{err: websocket.CloseError{Code: websocket.StatusGoingAway}})
	waitState(t, c, Disconnected)
	live := ft.live()
	if len(live) != 1 || live[0].d != reconnect.DefaultInterval {
		t.Fatalf("expected one retry after %v, got %d", reconnect.DefaultInterval, len(live))
	}

	// A fired retry behaves like Connect.
	ft.fireLive(t)
	if c.State() != Connecting {
		t.Fatalf("retry did not start connecting: %v", c.State())
	}
	conn = newFakeConn()
	d.next <- dialResult{conn: conn}
	waitState(t, c, Connected)

	// Transport error without a close frame.
	conn.peer(readResult{err: io.ErrUnexpectedEOF})
	waitState(t, c, Error)
	if !errors.Is(c.LastError(), ErrTransport) {
		t.Fatalf("last error %v, want ErrTransport", c.LastError())
	}
	if n := len(ft.live()); n != 1 {
		t.Fatalf("transport error scheduled %d retries", n)
	}
	assertConnectedPredicate(t, c)

	// Dial failure.
	ft.fireLive(t)
	d.next <- dialResult{err: errors.New("connection refused")}
	waitFor(t, "open failure", func() bool { return errors.Is(c.LastError(), ErrTransportOpenFailed) })
	if c.State() != Error || len(ft.live()) != 1 {
		t.Fatalf("state=%v live=%d after dial failure", c.State(), len(ft.live()))
	}

	c.Disconnect()
	if c.State() != Disconnected || c.LastError() != nil || len(ft.live()) != 0 {
		t.Fatalf("disconnect left state=%v err=%v live=%d", c.State(), c.LastError(), len(ft.live()))
	}
	c.Disconnect()
	if c.State() != Disconnected {
		t.Fatalf("second disconnect changed state")
	}
}

func TestSingleRetryTimer(t *testing.T) {
	c, d, ft := newTestClient(t, reconnect.Policy{Backoff: true})
	c.Connect()
	for i := 0; i < 5; i++ {
		d.next <- dialResult{err: errors.New("refused")}
		waitFor(t, "retry scheduled", func() bool { return len(ft.live()) == 1 })
		live := ft.live()
		if len(live) != 1 {
			t.Fatalf("attempt %d: %d live timers", i, len(live))
		}
		if live[0].d != reconnect.Delay(i) {
			t.Fatalf("attempt %d: delay %v want %v", i, live[0].d, reconnect.Delay(i))
		}
		if got := c.Snapshot().Attempts; got != i+1 {
			t.Fatalf("attempt %d: snapshot attempts %d", i, got)
		}
		ft.fireLive(t)
	}
	conn := newFakeConn()
	d.next <- dialResult{conn: conn}
	waitState(t, c, Connected)
	if len(ft.live()) != 0 || c.Snapshot().Attempts != 0 {
		t.Fatalf("connected with live=%d attempts=%d", len(ft.live()), c.Snapshot().Attempts)
	}
}

func TestManualConnectReplacesRetry(t *testing.T) {
	c, d, ft := newTestClient(t, reconnect.Policy{})
	c.Connect()
	d.next <- dialResult{err: errors.New("refused")}
	waitFor(t, "retry scheduled", func() bool { return len(ft.live()) == 1 })
	c.Connect()
	if len(ft.live()) != 0 || c.State() != Connecting {
		t.Fatalf("manual connect left live=%d state=%v", len(ft.live()), c.State())
	}
	d.next <- dialResult{conn: newFakeConn()}
	waitState(t, c, Connected)
}

func TestDisconnectSuppressesRetry(t *testing.T) {
	c, d, ft := newTestClient(t, reconnect.Policy{})
	c.Connect()
	d.next <- dialResult{err: errors.New("refused")}
	waitFor(t, "retry scheduled", func() bool { return len(ft.live()) == 1 })
	pending := ft.live()[0]

	c.Disconnect()
	if len(ft.live()) != 0 {
		t.Fatalf("disconnect left a live retry")
	}
	// A timer that already started running must not reconnect either.
	ft.fire(pending)
	if c.State() != Disconnected {
		t.Fatalf("stale retry changed state to %v", c.State())
	}
	if dials, _ := d.counts(); dials != 1 {
		t.Fatalf("expected no further dials, got %d", dials)
	}
}

func TestDisconnectCancelsPendingDial(t *testing.T) {
	c, d, ft := newTestClient(t, reconnect.Policy{})
	c.Connect()
	waitFor(t, "dial started", func() bool { dials, _ := d.counts(); return dials == 1 })
	c.Disconnect()
	waitFor(t, "dial cancelled", func() bool { _, ret := d.counts(); return ret == 1 })
	if c.State() != Disconnected || len(ft.live()) != 0 {
		t.Fatalf("state=%v live=%d", c.State(), len(ft.live()))
	}
}

func TestConnectWhileConnectingRestartsAttempt(t *testing.T) {
	c, d, _ := newTestClient(t, reconnect.Policy{})
	c.Connect()
	waitFor(t, "first dial", func() bool { dials, _ := d.counts(); return dials == 1 })
	c.Connect()
	waitFor(t, "first dial abandoned", func() bool {
		dials, ret := d.counts()
		return dials == 2 && ret == 1
	})
	if c.State() != Connecting {
		t.Fatalf("state %v", c.State())
	}
	d.next <- dialResult{conn: newFakeConn()}
	waitState(t, c, Connected)
}

func TestMaxAttempts(t *testing.T) {
	c, d, ft := newTestClient(t, reconnect.Policy{MaxAttempts: 2})
	c.Connect()
	for i := 0; i < 2; i++ {
		d.next <- dialResult{err: errors.New("refused")}
		waitFor(t, "retry scheduled", func() bool { return len(ft.live()) == 1 })
		ft.fireLive(t)
	}
	d.next <- dialResult{err: errors.New("refused")}
	waitState(t, c, Error)
	waitFor(t, "third failure recorded", func() bool { _, ret := d.counts(); return ret == 3 })
	if n := len(ft.live()); n != 0 {
		t.Fatalf("retries continued past the cap: %d live", n)
	}
	// A manual connect starts a fresh budget.
	c.Connect()
	d.next <- dialResult{err: errors.New("refused")}
	waitFor(t, "retry scheduled", func() bool { return len(ft.live()) == 1 })
}

func TestSendGating(t *testing.T) {
	c, d, ft := newTestClient(t, reconnect.Policy{})
	ctx := context.Background()
	f := testFrame()

	if err := c.Send(ctx, map[string]string{"type": "ping"}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("send while disconnected: %v", err)
	}
	if err := c.SendFrame(ctx, f); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("send frame while disconnected: %v", err)
	}

	conn := connectOK(t, c, d)
	if err := c.Send(ctx, Envelope{Type: TypePrompt}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if n := conn.writeCount(); n != 1 {
		t.Fatalf("expected one write, got %d", n)
	}
	var env Envelope
	if err := json.Unmarshal(conn.writes[0].Data, &env); err != nil || env.Type != TypePrompt || conn.writes[0].Type != websocket.MessageText {
		t.Fatalf("unexpected text write %+v: %v", conn.writes[0], err)
	}
	if err := c.SendFrame(ctx, f); err != nil {
		t.Fatalf("send frame: %v", err)
	}
	if n := conn.writeCount(); n != 2 || conn.writes[1].Type != websocket.MessageBinary {
		t.Fatalf("expected one binary write, got %d writes", n)
	}
	if err := c.Send(ctx, "raw"); err != nil || string(conn.writes[2].Data) != "raw" {
		t.Fatalf("string not sent verbatim: %v", err)
	}
	if err := c.SendFrameWithHeader(ctx, FrameHeader{ID: "f1", Seq: 1, Width: 4, Height: 4}, f); err != nil {
		t.Fatalf("send frame with header: %v", err)
	}
	if n := conn.writeCount(); n != 5 || conn.writes[3].Type != websocket.MessageText || conn.writes[4].Type != websocket.MessageBinary {
		t.Fatalf("header and frame not written as a pair: %d writes", n)
	}

	c.Disconnect()
	if !conn.isClosed() || conn.closeCode != websocket.StatusNormalClosure {
		t.Fatalf("transport not closed normally: code=%v", conn.closeCode)
	}
	if err := c.SendFrame(ctx, f); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("send after disconnect: %v", err)
	}
	if n := conn.writeCount(); n != 5 {
		t.Fatalf("write after disconnect: %d", n)
	}
	if len(ft.live()) != 0 {
		t.Fatalf("disconnect scheduled a retry")
	}
}

func TestSendAfterClose(t *testing.T) {
	c, d, _ := newTestClient(t, reconnect.Policy{})
	ctx := context.Background()
	conn := connectOK(t, c, d)
	c.Close()

	if err := c.Send(ctx, "x"); !errors.Is(err, ErrClosed) || !errors.Is(err, ErrNotConnected) {
		t.Fatalf("send after close: %v", err)
	}
	if err := c.SendFrame(ctx, testFrame()); !errors.Is(err, ErrClosed) {
		t.Fatalf("send frame after close: %v", err)
	}
	if err := c.SendFrameWithHeader(ctx, FrameHeader{ID: "late"}, testFrame()); !errors.Is(err, ErrClosed) {
		t.Fatalf("send frame with header after close: %v", err)
	}
	if n := conn.writeCount(); n != 0 {
		t.Fatalf("closed client wrote %d messages", n)
	}
}

func TestWriteFailureSchedulesRetry(t *testing.T) {
	c, d, ft := newTestClient(t, reconnect.Policy{})
	conn := connectOK(t, c, d)
	conn.mu.Lock()
	conn.writeErr = errors.New("broken pipe")
	conn.mu.Unlock()
	if err := c.Send(context.Background(), "x"); !errors.Is(err, ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
	if c.State() != Error || len(ft.live()) != 1 {
		t.Fatalf("state=%v live=%d", c.State(), len(ft.live()))
	}
}

func TestEventsDeliveredInOrder(t *testing.T) {
	c, d, _ := newTestClient(t, reconnect.Policy{})
	var mu sync.Mutex
	var seen []string
	c.Handle(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		switch ev.Kind {
		case EventState:
			seen = append(seen, ev.State.String())
			if ev.State == Connected {
				// Handlers may call back into the client.
				_ = c.Send(context.Background(), "hello")
			}
		case EventMessage:
			seen = append(seen, "msg:"+string(ev.Message.Data))
		}
	})

	conn := connectOK(t, c, d)
	waitFor(t, "handler write", func() bool { return conn.writeCount() == 1 })
	conn.peer(readResult{typ: websocket.MessageText, data: []byte("one")})
	conn.peer(readResult{typ: websocket.MessageText, data: []byte("two")})
	conn.peer(readResult{err: websocket.CloseError{Code: websocket.StatusNormalClosure}})
	waitState(t, c, Disconnected)

	want := []string{"connecting", "connected", "msg:one", "msg:two", "disconnected"}
	waitFor(t, "events", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == len(want)
	})
	mu.Lock()
	defer mu.Unlock()
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("events %v, want %v", seen, want)
		}
	}
}

func TestStateJSON(t *testing.T) {
	b, err := json.Marshal(Snapshot{State: Connecting})
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	_ = json.Unmarshal(b, &m)
	if m["state"] != "connecting" {
		t.Fatalf("state rendered as %v", m["state"])
	}
}
