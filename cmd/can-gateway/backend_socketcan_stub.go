//go:build !linux

package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kstaniek/go-can-tunnel/internal/can"
	"github.com/kstaniek/go-can-tunnel/internal/relay"
	"github.com/kstaniek/go-can-tunnel/internal/socketcan"
)

func initSocketCANBackend(_ context.Context, cfg *appConfig, _ *relay.Queue, _ *slog.Logger, _ *sync.WaitGroup) (func(can.Frame) error, func(), error) {
	return nil, func() {}, fmt.Errorf("can-if %s: %w", cfg.canIf, socketcan.ErrUnsupported)
}
