package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-can-tunnel/internal/can"
	"github.com/kstaniek/go-can-tunnel/internal/relay"
)

// initBackend selects the backend, starts its RX loop feeding q and returns
// a frame sender and cleanup. It returns an error instead of exiting the
// process so the caller can shut down gracefully.
func initBackend(ctx context.Context, cfg *appConfig, q *relay.Queue, l *slog.Logger, wg *sync.WaitGroup) (func(can.Frame) error, func(), error) {
	switch cfg.backend {
	case "serial":
		return initSerialBackend(ctx, cfg, q, l, wg)
	case "socketcan":
		return initSocketCANBackend(ctx, cfg, q, l, wg)
	default:
		return nil, func() {}, fmt.Errorf("unknown backend %q (use serial|socketcan)", cfg.backend)
	}
}

// nextBackoff doubles d up to rxBackoffMax.
func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > rxBackoffMax {
		d = rxBackoffMax
	}
	return d
}
