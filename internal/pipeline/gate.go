package pipeline

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gaspardpetit/livediff/internal/capture"
	"github.com/gaspardpetit/livediff/internal/metrics"
	"github.com/gaspardpetit/livediff/internal/realtime"
)

// DefaultResultTimeout clears the gate when no result arrives.
const DefaultResultTimeout = 5 * time.Second

// Ticket is one frame admitted through the gate.
type Ticket struct {
	ID     string
	Frame  *capture.Frame
	SentAt time.Time
}

// GateStats counts what went through the gate.
type GateStats struct {
	InFlight  bool   `json:"in_flight"`
	Pending   bool   `json:"pending"`
	Admitted  uint64 `json:"admitted"`
	Completed uint64 `json:"completed"`
	Dropped   uint64 `json:"dropped"`
	Timeouts  uint64 `json:"timeouts"`
}

// Gate admits at most one frame at a time. Frames offered while one is in
// flight overwrite a single pending slot; the pending frame is admitted when
// the in-flight one completes or times out.
type Gate struct {
	timeout time.Duration
	after   realtime.AfterFunc
	expired func(next *Ticket)
	newID   func() string
	now     func() time.Time

	mu      sync.Mutex
	cur     *Ticket
	timer   realtime.Timer
	pending *capture.Frame
	stats   GateStats
}

// NewGate returns an empty gate. expired is called, outside the gate lock,
// after an in-flight frame times out, with the admitted pending frame if any.
func NewGate(timeout time.Duration, after realtime.AfterFunc, expired func(next *Ticket)) *Gate {
	if timeout <= 0 {
		timeout = DefaultResultTimeout
	}
	if after == nil {
		after = func(d time.Duration, f func()) realtime.Timer { return time.AfterFunc(d, f) }
	}
	return &Gate{timeout: timeout, after: after, expired: expired, newID: uuid.NewString, now: time.Now}
}

// Offer returns a ticket when f may be sent now. Otherwise f becomes the
// pending frame, replacing and dropping any earlier one.
func (g *Gate) Offer(f *capture.Frame) *Ticket {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cur == nil {
		return g.admitLocked(f)
	}
	if g.pending != nil {
		g.stats.Dropped++
		metrics.FrameDropped()
	}
	g.pending = f
	return nil
}

// Current returns the id of the in-flight frame, or "".
func (g *Gate) Current() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cur == nil {
		return ""
	}
	return g.cur.ID
}

// Complete clears the gate when id is in flight. It returns the finished
// ticket and the pending frame admitted in its place, if any.
func (g *Gate) Complete(id string) (done, next *Ticket, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cur == nil || g.cur.ID != id {
		return nil, nil, false
	}
	done = g.cur
	g.clearLocked()
	g.stats.Completed++
	return done, g.promoteLocked(), true
}

// Abort clears the gate after a failed send of id. A frame that became
// pending during the send is dropped so it cannot be sent after a newer one.
func (g *Gate) Abort(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cur == nil || g.cur.ID != id {
		return
	}
	g.clearLocked()
	if g.pending != nil {
		g.pending = nil
		g.stats.Dropped++
		metrics.FrameDropped()
	}
}

// Reset empties the gate and the pending slot.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.clearLocked()
	g.pending = nil
}

// Stats returns the gate counters.
func (g *Gate) Stats() GateStats {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.stats
	s.InFlight = g.cur != nil
	s.Pending = g.pending != nil
	return s
}

func (g *Gate) expire(id string) {
	g.mu.Lock()
	if g.cur == nil || g.cur.ID != id {
		g.mu.Unlock()
		return
	}
	g.clearLocked()
	g.stats.Timeouts++
	next := g.promoteLocked()
	g.mu.Unlock()
	if g.expired != nil {
		g.expired(next)
	}
}

func (g *Gate) admitLocked(f *capture.Frame) *Ticket {
	t := &Ticket{ID: g.newID(), Frame: f, SentAt: g.now()}
	g.cur = t
	g.stats.Admitted++
	g.timer = g.after(g.timeout, func() { g.expire(t.ID) })
	return t
}

func (g *Gate) promoteLocked() *Ticket {
	if g.pending == nil {
		return nil
	}
	f := g.pending
	g.pending = nil
	return g.admitLocked(f)
}

func (g *Gate) clearLocked() {
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	g.cur = nil
}
