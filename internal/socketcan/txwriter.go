//go:build linux

package socketcan

import (
	"context"
	"errors"

	"github.com/kstaniek/go-can-tunnel/internal/asynctx"
	"github.com/kstaniek/go-can-tunnel/internal/can"
	"github.com/kstaniek/go-can-tunnel/internal/logging"
	"github.com/kstaniek/go-can-tunnel/internal/metrics"
)

var ErrTxOverflow = errors.New("socketcan tx overflow")

// Dev is the minimal device surface used by the backend and TXWriter.
// Implemented by *Device in production and by fakes in tests.
type Dev interface {
	ReadFrame(*can.Frame) error
	WriteFrame(can.Frame) error
	Close() error
}

// TXWriter funnels all SocketCAN writes through a single goroutine.
type TXWriter struct{ w *asynctx.Writer }

// NewTXWriter creates a SocketCAN TXWriter with a queue of buf frames.
func NewTXWriter(parent context.Context, dev Dev, buf int) *TXWriter {
	hooks := asynctx.Hooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrSocketCANWrite)
			logging.L().Debug("socketcan_write_error", "error", err)
		},
		OnAfter: metrics.IncSocketCANTx,
		OnDrop: func() error {
			metrics.IncError(metrics.ErrSocketCANOver)
			return ErrTxOverflow
		},
	}
	return &TXWriter{w: asynctx.New(parent, buf, dev.WriteFrame, hooks)}
}

// SendFrame queues a frame for asynchronous device write (ErrTxOverflow if the queue is full).
func (t *TXWriter) SendFrame(fr can.Frame) error { return t.w.SendFrame(fr) }

// Close stops the writer and waits for the worker to exit.
func (t *TXWriter) Close() { t.w.Close() }
