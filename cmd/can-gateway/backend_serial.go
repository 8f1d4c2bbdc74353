package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/kstaniek/go-can-tunnel/internal/can"
	"github.com/kstaniek/go-can-tunnel/internal/metrics"
	"github.com/kstaniek/go-can-tunnel/internal/relay"
	"github.com/kstaniek/go-can-tunnel/internal/serial"
)

// sleepFn allows tests to intercept backoff sleeps.
var sleepFn = time.Sleep

// openSerialPort is a hook for tests (overridden in unit tests).
var openSerialPort = serial.Open

// initSerialBackend opens the Ampio UART adapter and launches the RX loop.
func initSerialBackend(ctx context.Context, cfg *appConfig, q *relay.Queue, l *slog.Logger, wg *sync.WaitGroup) (func(can.Frame) error, func(), error) {
	sp, err := openSerialPort(cfg.serialDev, cfg.baud, cfg.serialReadTO)
	if err != nil {
		return nil, func() {}, fmt.Errorf("open serial: %w", err)
	}
	l.Info("serial_open", "device", cfg.serialDev, "baud", cfg.baud)
	codec := serial.Codec{}
	w := serial.NewTXWriter(ctx, sp, codec, txQueueSize)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer l.Info("serial_rx_end")
		buf := make([]byte, serialReadBufSize)
		acc := bytes.NewBuffer(nil)
		backoff := rxBackoffMin
		for ctx.Err() == nil {
			n, err := sp.Read(buf)
			if n > 0 {
				acc.Write(buf[:n])
				codec.DecodeStream(acc, func(fr can.Frame) { q.Push(fr) })
				if acc.Len() == 0 && cap(acc.Bytes()) > largeBufferReclaimThreshold {
					acc = bytes.NewBuffer(nil)
				}
				backoff = rxBackoffMin
			}
			if err == nil {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			var perr *os.PathError
			if errors.As(err, &perr) {
				l.Error("serial_device_lost", "error", err)
				return
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				continue // read timeout with no data
			}
			metrics.IncError(metrics.ErrSerialRead)
			l.Warn("serial_read_error", "error", err, "backoff", backoff)
			sleepFn(backoff)
			backoff = nextBackoff(backoff)
		}
	}()
	return w.SendFrame, func() { _ = sp.Close(); w.Close() }, nil
}
