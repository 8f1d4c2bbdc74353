package asynctx

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kstaniek/go-can-tunnel/internal/can"
)

var (
	errOverflow = errors.New("overflow")
	errSendFail = errors.New("send fail")
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWriterSendsAndCounts(t *testing.T) {
	var after atomic.Int64
	w := New(context.Background(), 4, func(can.Frame) error { return nil }, Hooks{OnAfter: func() { after.Add(1) }})
	defer w.Close()
	for i := 0; i < 3; i++ {
		if err := w.SendFrame(can.New(uint32(i))); err != nil {
			t.Fatalf("unexpected send error: %v", err)
		}
	}
	waitFor(t, func() bool { return w.Sent() == 3 })
	if w.Sent() != 3 || after.Load() != 3 {
		t.Fatalf("expected 3 sent & after, got sent=%d after=%d", w.Sent(), after.Load())
	}
}

func TestWriterOverflow(t *testing.T) {
	release := make(chan struct{})
	var drops atomic.Int64
	w := New(context.Background(), 1, func(can.Frame) error { <-release; return nil },
		Hooks{OnDrop: func() error { drops.Add(1); return errOverflow }})
	defer w.Close()
	defer close(release)

	// first frame is picked up by the worker which then blocks in send
	if err := w.SendFrame(can.Frame{}); err != nil {
		t.Fatalf("enqueue first: %v", err)
	}
	waitFor(t, func() bool { return w.Pending() == 0 })
	if err := w.SendFrame(can.Frame{}); err != nil {
		t.Fatalf("enqueue second: %v", err)
	}
	if err := w.SendFrame(can.Frame{}); !errors.Is(err, errOverflow) {
		t.Fatalf("expected overflow error, got %v", err)
	}
	if drops.Load() != 1 {
		t.Fatalf("expected 1 drop, got %d", drops.Load())
	}
}

func TestWriterSendError(t *testing.T) {
	var errs atomic.Int64
	w := New(context.Background(), 2, func(can.Frame) error { return errSendFail }, Hooks{OnError: func(error) { errs.Add(1) }})
	defer w.Close()
	_ = w.SendFrame(can.Frame{})
	waitFor(t, func() bool { return errs.Load() > 0 })
	if errs.Load() == 0 {
		t.Fatalf("expected error hook invocation")
	}
	if w.Sent() != 0 {
		t.Fatalf("failed send counted as sent")
	}
}

func TestWriterSendAfterClose(t *testing.T) {
	var sent atomic.Int64
	w := New(context.Background(), 2, func(can.Frame) error { sent.Add(1); return nil }, Hooks{})
	w.Close()
	before := sent.Load()
	if err := w.SendFrame(can.New(0x123)); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if sent.Load() != before {
		t.Fatalf("frame processed after close")
	}
	w.Close() // idempotent
}

func TestWriterCloseConcurrentSend(t *testing.T) {
	for i := 0; i < 100; i++ {
		w := New(context.Background(), 1, func(can.Frame) error { return nil }, Hooks{})
		done := make(chan error, 1)
		go func() { done <- w.SendFrame(can.Frame{}) }()
		time.Sleep(time.Millisecond)
		w.Close()
		if err := <-done; err != nil && !errors.Is(err, ErrClosed) {
			t.Fatalf("iteration %d: unexpected send error %v", i, err)
		}
	}
}

func TestWriterStopsOnParentCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	w := New(ctx, 1, func(can.Frame) error { return nil }, Hooks{})
	cancel()
	select {
	case <-w.done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop on cancel")
	}
	w.Close()
}
