// Package relay buffers CAN frames read from the bus until the tunnel session
// can take them.
package relay

import (
	"sync"

	"github.com/kstaniek/go-can-tunnel/internal/can"
	"github.com/kstaniek/go-can-tunnel/internal/logging"
	"github.com/kstaniek/go-can-tunnel/internal/metrics"
)

type BackpressurePolicy int

const (
	// PolicyDropNewest rejects incoming frames while the queue is full.
	PolicyDropNewest BackpressurePolicy = iota
	// PolicyDropOldest evicts the oldest queued frame to make room.
	PolicyDropOldest
)

func (p BackpressurePolicy) String() string {
	if p == PolicyDropOldest {
		return "drop-oldest"
	}
	return "drop-newest"
}

// ParsePolicy maps the config spelling to a policy.
func ParsePolicy(s string) (BackpressurePolicy, bool) {
	switch s {
	case "drop-newest", "drop":
		return PolicyDropNewest, true
	case "drop-oldest":
		return PolicyDropOldest, true
	}
	return PolicyDropNewest, false
}

// Queue is a bounded FIFO between one producer (bus RX loop) and one
// consumer (session poll loop). Safe for concurrent use.
type Queue struct {
	mu     sync.Mutex
	buf    []can.Frame
	head   int
	n      int
	policy BackpressurePolicy
	ready  chan struct{}
	open   bool
}

// New creates a queue holding up to size frames.
func New(size int, policy BackpressurePolicy) *Queue {
	if size <= 0 {
		size = 1
	}
	return &Queue{
		buf:    make([]can.Frame, size),
		policy: policy,
		ready:  make(chan struct{}, 1),
		open:   true,
	}
}

// Ready is signalled (coalesced) whenever a frame is pushed.
func (q *Queue) Ready() <-chan struct{} { return q.ready }

// SetOpen gates the queue. A closed gate drops pushed frames and flushes the
// backlog; the consumer closes it while no peer is handshaked so stale bus
// traffic is not replayed to the next client.
func (q *Queue) SetOpen(open bool) {
	q.mu.Lock()
	changed := q.open != open
	q.open = open
	var flushed int
	if !open {
		flushed = q.n
		q.head, q.n = 0, 0
	}
	q.mu.Unlock()
	metrics.SetRelayDepth(q.Len())
	if changed {
		logging.L().Debug("relay_gate", "open", open, "flushed", flushed)
	}
}

// Push enqueues a frame honoring the backpressure policy. It reports whether
// the frame was accepted.
func (q *Queue) Push(fr can.Frame) bool {
	q.mu.Lock()
	if !q.open {
		q.mu.Unlock()
		metrics.IncRelayDrop()
		return false
	}
	if q.n == len(q.buf) {
		if q.policy != PolicyDropOldest {
			q.mu.Unlock()
			metrics.IncRelayDrop()
			return false
		}
		q.head = (q.head + 1) % len(q.buf)
		q.n--
		metrics.IncRelayDrop()
	}
	q.buf[(q.head+q.n)%len(q.buf)] = fr
	q.n++
	depth := q.n
	q.mu.Unlock()
	metrics.SetRelayDepth(depth)
	select {
	case q.ready <- struct{}{}:
	default:
	}
	return true
}

// Peek returns the oldest frame without removing it.
func (q *Queue) Peek() (can.Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.n == 0 {
		return can.Frame{}, false
	}
	return q.buf[q.head], true
}

// Pop removes and returns the oldest frame.
func (q *Queue) Pop() (can.Frame, bool) {
	q.mu.Lock()
	if q.n == 0 {
		q.mu.Unlock()
		return can.Frame{}, false
	}
	fr := q.buf[q.head]
	q.head = (q.head + 1) % len(q.buf)
	q.n--
	depth := q.n
	q.mu.Unlock()
	metrics.SetRelayDepth(depth)
	return fr, true
}

// Len returns the number of queued frames.
func (q *Queue) Len() int { q.mu.Lock(); n := q.n; q.mu.Unlock(); return n }

// Cap returns the queue capacity.
func (q *Queue) Cap() int { return len(q.buf) }
