// Package stream describes the reliable byte-stream socket a tunnel session runs on.
//
// A Transport is a non-blocking primitive: every method returns immediately.
// Connection setup, retransmission and flow control happen underneath it.
package stream

import (
	"errors"
	"time"
)

// ConnState is the connection state reported by a Transport.
type ConnState int

const (
	StateClosed      ConnState = iota // no listener, no connection
	StateListen                       // passive open, waiting for a peer
	StateEstablished                  // connected in both directions
	StateCloseWait                    // peer half-closed; we may still send
	StateClosing                      // local close requested, flushing
)

func (s ConnState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateListen:
		return "listen"
	case StateEstablished:
		return "established"
	case StateCloseWait:
		return "close_wait"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

var (
	// ErrBufferFull is returned by SendBuffered when the record does not fit the transmit buffer.
	ErrBufferFull = errors.New("stream: transmit buffer full")
	// ErrInvalidState is returned when the operation does not fit the connection state.
	ErrInvalidState = errors.New("stream: invalid state")
)

// Transport is the socket primitive consumed by the session.
type Transport interface {
	IsOpen() bool
	IsListening() bool
	Listen(port uint16) error
	State() ConnState
	// Close requests an orderly close; queued data is still flushed.
	Close()
	CanSend() bool
	CanRecv() bool
	// SendBuffered queues p in full or not at all. p is not retained.
	SendBuffered(p []byte) error
	// RecvBuffered copies up to len(p) buffered bytes into p.
	RecvBuffered(p []byte) (int, error)
	SetIdleTimeout(d time.Duration)
}

// Waker is signalled when a transport becomes ready. Wake must not block.
type Waker interface {
	Wake()
}

// WakerFunc adapts a function to Waker.
type WakerFunc func()

func (f WakerFunc) Wake() { f() }

// ChanWaker wakes by a non-blocking send on a buffered channel.
type ChanWaker chan struct{}

func (c ChanWaker) Wake() {
	select {
	case c <- struct{}{}:
	default:
	}
}

// Notifier is implemented by transports that can signal readiness.
// A registration replaces any earlier one for the same direction.
type Notifier interface {
	RegisterRecvWaker(Waker)
	RegisterSendWaker(Waker)
}

// RecvQueuer is implemented by transports that report how many received bytes are buffered.
type RecvQueuer interface {
	RecvQueue() int
}
