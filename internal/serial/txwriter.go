package serial

import (
	"context"
	"errors"

	"github.com/kstaniek/go-can-tunnel/internal/asynctx"
	"github.com/kstaniek/go-can-tunnel/internal/can"
	"github.com/kstaniek/go-can-tunnel/internal/logging"
	"github.com/kstaniek/go-can-tunnel/internal/metrics"
)

var ErrTxOverflow = errors.New("serial tx overflow")

// TXWriter funnels all serial writes through one goroutine.
type TXWriter struct{ w *asynctx.Writer }

// NewTXWriter creates a serial TXWriter with a queue of buf frames.
func NewTXWriter(parent context.Context, sp Port, codec Codec, buf int) *TXWriter {
	send := func(fr can.Frame) error {
		b, err := codec.Encode(fr)
		if err != nil {
			return err
		}
		_, err = sp.Write(b)
		return err
	}
	hooks := asynctx.Hooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrSerialWrite)
			logging.L().Error("serial_write_error", "error", err)
		},
		OnAfter: metrics.IncSerialTx,
		OnDrop: func() error {
			metrics.IncError(metrics.ErrSerialOverflow)
			return ErrTxOverflow
		},
	}
	return &TXWriter{w: asynctx.New(parent, buf, send, hooks)}
}

// SendFrame queues a frame for asynchronous write (ErrTxOverflow if the queue is full).
func (t *TXWriter) SendFrame(fr can.Frame) error { return t.w.SendFrame(fr) }

// Close stops the writer and waits for the worker to exit.
func (t *TXWriter) Close() { t.w.Close() }
