package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/gaspardpetit/livediff/internal/capture"
	"github.com/gaspardpetit/livediff/internal/logx"
	"github.com/gaspardpetit/livediff/internal/metrics"
	"github.com/gaspardpetit/livediff/internal/reconnect"
)

// DefaultWriteTimeout bounds one transport write.
const DefaultWriteTimeout = 10 * time.Second

// Timer is a pending callback that can be cancelled.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d. time.AfterFunc is the default.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Options configure a Client.
type Options struct {
	URL          string
	Dialer       Dialer
	Policy       reconnect.Policy
	Encoder      Encoder
	WriteTimeout time.Duration
	AfterFunc    AfterFunc
}

// EventKind distinguishes the events a Client publishes.
type EventKind int

const (
	// EventState reports a state transition.
	EventState EventKind = iota
	// EventMessage reports a received message.
	EventMessage
)

// Message is one raw message received from the transport.
type Message struct {
	Type websocket.MessageType
	Data []byte
}

// Event is delivered to handlers in the order it happened.
type Event struct {
	Kind    EventKind
	State   State
	Prev    State
	Err     error
	Message Message
}

// Handler observes client events. Handlers run on the dispatcher goroutine,
// may call any Client method except Close, and must not block for long.
type Handler func(Event)

// Snapshot is a point-in-time view of the client.
type Snapshot struct {
	URL          string    `json:"url"`
	State        State     `json:"state"`
	LastError    string    `json:"last_error,omitempty"`
	Attempts     int       `json:"reconnect_attempts"`
	RetryPending bool      `json:"retry_pending"`
	ConnectedAt  time.Time `json:"connected_at,omitempty"`
}

// Client keeps at most one live connection to a realtime endpoint and
// reconnects after unplanned drops.
type Client struct {
	url          string
	dialer       Dialer
	policy       reconnect.Policy
	encoder      Encoder
	writeTimeout time.Duration
	afterFunc    AfterFunc
	log          zerolog.Logger

	mu          sync.Mutex
	state       State
	lastErr     error
	conn        Conn
	cancel      context.CancelFunc
	gen         uint64
	retry       Timer
	retrySeq    uint64
	attempts    int
	connectedAt time.Time
	handlers    []Handler
	closed      bool

	// writeMu serializes transport writes so a frame header and its payload
	// are never interleaved with another message.
	writeMu sync.Mutex

	queue  []Event
	notify chan struct{}
	done   chan struct{}
}

// NewClient returns a disconnected client. Close must be called to release it.
func NewClient(opts Options) *Client {
	c := &Client{
		url:          opts.URL,
		dialer:       opts.Dialer,
		policy:       opts.Policy,
		encoder:      opts.Encoder,
		writeTimeout: opts.WriteTimeout,
		afterFunc:    opts.AfterFunc,
		log:          logx.Component("realtime"),
		notify:       make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
	if c.dialer == nil {
		c.dialer = WSDialer{}
	}
	if c.encoder.Format == 0 && c.encoder.Quality == 0 {
		c.encoder = DefaultEncoder
	}
	if c.writeTimeout <= 0 {
		c.writeTimeout = DefaultWriteTimeout
	}
	if c.afterFunc == nil {
		c.afterFunc = realAfterFunc
	}
	metrics.SetConnectionState(Disconnected.String())
	go c.dispatch()
	return c
}

// Handle registers h for all subsequent events.
func (c *Client) Handle(h Handler) {
	c.mu.Lock()
	c.handlers = append(c.handlers, h)
	c.mu.Unlock()
}

// Connect starts a connection attempt. It does nothing when already
// connected; an attempt in progress is abandoned and replaced.
func (c *Client) Connect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.attempts = 0
	c.connectLocked()
}

func (c *Client) connectLocked() {
	c.stopRetryLocked()
	if c.state == Connected {
		return
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.gen++
	gen := c.gen
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.setStateLocked(Connecting, nil)
	c.log.Info().Str("url", c.url).Msg("connecting")
	go c.run(ctx, gen)
}

// Disconnect closes the transport, cancels any pending attempt or retry and
// moves to Disconnected. It is idempotent.
func (c *Client) Disconnect() {
	c.mu.Lock()
	conn, cancel := c.disconnectLocked()
	c.mu.Unlock()
	c.release(conn, cancel, "client disconnect")
}

// disconnectLocked detaches the transport and returns what the caller must
// release once the lock is dropped.
func (c *Client) disconnectLocked() (Conn, context.CancelFunc) {
	c.stopRetryLocked()
	c.gen++
	cancel := c.cancel
	c.cancel = nil
	conn := c.conn
	c.conn = nil
	if c.state != Disconnected {
		c.log.Info().Msg("disconnected")
		c.setStateLocked(Disconnected, nil)
	}
	return conn, cancel
}

// release closes conn with a normal closure before cancelling its context so
// the peer sees a clean close.
func (c *Client) release(conn Conn, cancel context.CancelFunc, reason string) {
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.Close(websocket.StatusNormalClosure, reason)
		c.writeMu.Unlock()
	}
	if cancel != nil {
		cancel()
	}
}

// Close disconnects and stops event delivery. Events already queued are
// delivered first. It must not be called from a Handler.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		<-c.done
		return
	}
	conn, cancel := c.disconnectLocked()
	c.closed = true
	c.mu.Unlock()
	c.release(conn, cancel, "client shutdown")
	c.wake()
	<-c.done
}

// IsConnected reports whether the state is Connected.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == Connected
}

// State returns the current state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastError returns the error recorded by the last transition to Error.
func (c *Client) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Snapshot returns the current client view.
func (c *Client) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Snapshot{
		URL:          c.url,
		State:        c.state,
		Attempts:     c.attempts,
		RetryPending: c.retry != nil,
		ConnectedAt:  c.connectedAt,
	}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	return s
}

// Send writes msg as one text message. Strings and byte slices are sent
// verbatim, anything else is JSON encoded.
func (c *Client) Send(ctx context.Context, msg any) error {
	var data []byte
	switch m := msg.(type) {
	case string:
		data = []byte(m)
	case []byte:
		data = m
	default:
		b, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("marshal message: %w", err)
		}
		data = b
	}
	return c.write(ctx, websocket.MessageText, data)
}

// SendFrame encodes f and writes it as one binary message.
func (c *Client) SendFrame(ctx context.Context, f *capture.Frame) error {
	if err := c.writable(); err != nil {
		c.log.Warn().Err(err).Uint64("seq", f.Seq).Msg("frame not sent")
		return err
	}
	data, err := c.encoder.Encode(f)
	if err != nil {
		return err
	}
	err = c.write(ctx, websocket.MessageBinary, data)
	if !errors.Is(err, ErrNotConnected) {
		metrics.RecordFrameSent(err == nil, len(data))
	}
	return err
}

// SendFrameWithHeader writes hdr as a frame message followed by the encoded
// frame, with no other write in between.
func (c *Client) SendFrameWithHeader(ctx context.Context, hdr FrameHeader, f *capture.Frame) error {
	if err := c.writable(); err != nil {
		c.log.Warn().Err(err).Str("id", hdr.ID).Msg("frame not sent")
		return err
	}
	data, err := c.encoder.Encode(f)
	if err != nil {
		return err
	}
	hdr.MIME = c.encoder.MIME()
	env, err := NewEnvelope(TypeFrame, hdr)
	if err != nil {
		return err
	}
	head, err := json.Marshal(env)
	if err != nil {
		return err
	}
	err = c.writeBatch(ctx, []Message{{Type: websocket.MessageText, Data: head}, {Type: websocket.MessageBinary, Data: data}})
	if !errors.Is(err, ErrNotConnected) {
		metrics.RecordFrameSent(err == nil, len(data))
	}
	return err
}

func (c *Client) write(ctx context.Context, typ websocket.MessageType, data []byte) error {
	return c.writeBatch(ctx, []Message{{Type: typ, Data: data}})
}

func (c *Client) writeBatch(ctx context.Context, msgs []Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	conn, gen := c.conn, c.gen
	err := c.writableLocked()
	c.mu.Unlock()
	if err != nil {
		c.log.Warn().Err(err).Msg("message not sent")
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()
	for _, m := range msgs {
		if err := conn.Write(ctx, m.Type, m.Data); err != nil {
			err = fmt.Errorf("%w: write: %v", ErrTransport, err)
			c.fail(gen, err)
			return err
		}
	}
	return nil
}

func (c *Client) writable() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writableLocked()
}

func (c *Client) writableLocked() error {
	switch {
	case c.closed:
		return ErrClosed
	case c.state != Connected || c.conn == nil:
		return ErrNotConnected
	}
	return nil
}

func (c *Client) run(ctx context.Context, gen uint64) {
	conn, err := c.dialer.Dial(ctx, c.url)

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "superseded")
		}
		return
	}
	if err != nil {
		c.failLocked(fmt.Errorf("%w: %v", ErrTransportOpenFailed, err))
		c.mu.Unlock()
		return
	}
	c.conn = conn
	c.attempts = 0
	c.connectedAt = time.Now()
	c.setStateLocked(Connected, nil)
	c.mu.Unlock()
	c.log.Info().Str("url", c.url).Msg("connected")

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			c.readFailed(gen, err)
			return
		}
		c.mu.Lock()
		if gen != c.gen {
			c.mu.Unlock()
			return
		}
		c.enqueueLocked(Event{Kind: EventMessage, State: c.state, Prev: c.state, Message: Message{Type: typ, Data: data}})
		c.mu.Unlock()
	}
}

// readFailed classifies the end of an established transport. A normal
// closure is clean; any other close code is an unclean drop; a missing close
// frame is a transport error.
func (c *Client) readFailed(gen uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	code := websocket.CloseStatus(err)
	switch {
	case code == websocket.StatusNormalClosure:
		c.detachLocked()
		c.log.Info().Msg("connection closed by peer")
		c.setStateLocked(Disconnected, nil)
	case code != -1:
		c.detachLocked()
		c.log.Warn().Int("code", int(code)).Msg("connection dropped")
		c.setStateLocked(Disconnected, nil)
		c.scheduleRetryLocked()
	default:
		c.failLocked(fmt.Errorf("%w: %v", ErrTransport, err))
	}
}

func (c *Client) fail(gen uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	c.failLocked(err)
}

// failLocked moves to Error, drops the transport and schedules a retry.
func (c *Client) failLocked(err error) {
	conn := c.detachLocked()
	if conn != nil {
		go func() { _ = conn.Close(websocket.StatusInternalError, "transport error") }()
	}
	c.log.Error().Err(err).Msg("connection error")
	c.setStateLocked(Error, err)
	c.scheduleRetryLocked()
}

// detachLocked invalidates the current generation and forgets its transport.
func (c *Client) detachLocked() Conn {
	c.gen++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	conn := c.conn
	c.conn = nil
	return conn
}

func (c *Client) scheduleRetryLocked() {
	c.stopRetryLocked()
	if c.closed {
		return
	}
	delay, ok := c.policy.Next(c.attempts)
	if !ok {
		c.log.Warn().Int("attempts", c.attempts).Msg("giving up automatic reconnection")
		return
	}
	c.attempts++
	c.retrySeq++
	seq := c.retrySeq
	c.log.Info().Dur("delay", delay).Int("attempt", c.attempts).Msg("reconnect scheduled")
	c.retry = c.afterFunc(delay, func() { c.retryFired(seq) })
}

func (c *Client) retryFired(seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.retry == nil || seq != c.retrySeq {
		return
	}
	c.retry = nil
	metrics.RecordReconnectAttempt()
	c.connectLocked()
}

func (c *Client) stopRetryLocked() {
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	c.retrySeq++
}

// setStateLocked performs a transition and queues its event in the same
// critical section.
func (c *Client) setStateLocked(s State, err error) {
	prev := c.state
	c.state = s
	c.lastErr = err
	if s != Connected {
		c.connectedAt = time.Time{}
	}
	metrics.SetConnectionState(s.String())
	c.enqueueLocked(Event{Kind: EventState, State: s, Prev: prev, Err: err})
}

func (c *Client) enqueueLocked(ev Event) {
	c.queue = append(c.queue, ev)
	c.wake()
}

func (c *Client) wake() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *Client) dispatch() {
	defer close(c.done)
	for range c.notify {
		for {
			c.mu.Lock()
			if len(c.queue) == 0 {
				closed := c.closed
				c.mu.Unlock()
				if closed {
					return
				}
				break
			}
			ev := c.queue[0]
			c.queue[0] = Event{}
			c.queue = c.queue[1:]
			handlers := c.handlers
			c.mu.Unlock()
			for _, h := range handlers {
				h(ev)
			}
		}
	}
}
