// Package asynctx funnels CAN frame writes to a bus adapter through a single
// goroutine so the tunnel poll loop never blocks on a slow device.
package asynctx

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-can-tunnel/internal/can"
)

// ErrClosed is returned by SendFrame after Close.
var ErrClosed = errors.New("async tx closed")

// Hooks customize Writer behavior per backend.
type Hooks struct {
	// OnError is called when send returns a non-nil error (frame not sent).
	OnError func(error)
	// OnAfter is called only after a successful send.
	OnAfter func()
	// OnDrop is called when the buffer is full; its returned error is returned
	// from SendFrame. If nil, the overflow is silent.
	OnDrop func() error
}

// Writer queues frames and hands them to send from one worker goroutine.
//
//	w := New(ctx, buf, sendFn, hooks)
//	w.SendFrame(frame)
//	w.Close()
type Writer struct {
	mu     sync.Mutex
	ch     chan can.Frame
	cancel context.CancelFunc
	done   chan struct{}
	send   func(can.Frame) error
	hooks  Hooks
	closed atomic.Bool
	sent   atomic.Uint64
}

// New starts a Writer with a queue of buf frames. The worker stops when
// parent is cancelled or Close is called.
func New(parent context.Context, buf int, send func(can.Frame) error, hooks Hooks) *Writer {
	ctx, cancel := context.WithCancel(parent)
	w := &Writer{
		ch:     make(chan can.Frame, buf),
		cancel: cancel,
		done:   make(chan struct{}),
		send:   send,
		hooks:  hooks,
	}
	go w.loop(ctx)
	return w
}

func (w *Writer) loop(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case fr, ok := <-w.ch:
			if !ok {
				return
			}
			if err := w.send(fr); err != nil {
				if w.hooks.OnError != nil {
					w.hooks.OnError(err)
				}
				continue
			}
			w.sent.Add(1)
			if w.hooks.OnAfter != nil {
				w.hooks.OnAfter()
			}
		case <-ctx.Done():
			return
		}
	}
}

// SendFrame queues fr or returns the OnDrop error when the queue is full.
func (w *Writer) SendFrame(fr can.Frame) error {
	if w.closed.Load() {
		return ErrClosed
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed.Load() {
		return ErrClosed
	}
	select {
	case w.ch <- fr:
		return nil
	default:
		if w.hooks.OnDrop != nil {
			return w.hooks.OnDrop()
		}
		return nil
	}
}

// Pending returns the number of queued frames.
func (w *Writer) Pending() int { return len(w.ch) }

// Sent returns the number of frames handed to send successfully.
func (w *Writer) Sent() uint64 { return w.sent.Load() }

// Close stops the worker and waits for it to exit. Queued frames are dropped.
func (w *Writer) Close() {
	if w.closed.Swap(true) {
		return
	}
	w.cancel()
	w.mu.Lock()
	close(w.ch)
	w.mu.Unlock()
	<-w.done
}
