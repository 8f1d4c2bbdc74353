package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/kstaniek/go-can-tunnel/internal/capture"
	"github.com/kstaniek/go-can-tunnel/internal/metrics"
	"github.com/kstaniek/go-can-tunnel/internal/relay"
)

func main() {
	cfg, showVersion, err := parseArgs(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		fs, _ := newFlagSet(defaultConfig())
		fs.SetOutput(os.Stderr)
		fs.PrintDefaults()
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if showVersion {
		fmt.Printf("can-gateway %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	l.Info("build_info", "version", version, "commit", commit, "date", date)
	if err := run(cfg, l); err != nil {
		l.Error("gateway_error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *appConfig, l *slog.Logger) error {
	mac, err := cfg.resolveMAC()
	if err != nil {
		return err
	}
	sc, err := cfg.sessionConfig(mac)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	policy, _ := relay.ParsePolicy(cfg.relayPolicy)
	q := relay.New(cfg.relayBuffer, policy)
	l.Info("relay_config", "policy", policy.String(), "buffer", q.Cap())

	send, cleanup, err := initBackend(ctx, cfg, q, l, &wg)
	if err != nil {
		return fmt.Errorf("backend init: %w", err)
	}
	defer func() { cancel(); cleanup(); wg.Wait() }()

	var cw *capture.Writer
	if cfg.capturePath != "" {
		if cw, err = capture.Create(cfg.capturePath); err != nil {
			return err
		}
		l.Info("capture_open", "path", cfg.capturePath)
		defer func() {
			if err := cw.Close(); err != nil {
				l.Warn("capture_close_failed", "error", err)
			}
			l.Info("capture_closed", "records", cw.Count())
		}()
	}

	g, err := newGateway(sc, cfg.listenHost, q, send, cw, l)
	if err != nil {
		return fmt.Errorf("session init: %w", err)
	}
	l.Info("tunnel_config",
		"port", sc.Port, "bus", sc.BusNumber, "mac", net.HardwareAddr(mac[:]).String(),
		"heartbeat", sc.HeartbeatInterval, "idle_timeout", sc.IdleTimeout, "tagged", sc.Tagged)

	done := make(chan struct{})
	go func() {
		defer close(done)
		g.run(ctx)
	}()

	if cfg.mdnsEnable {
		go advertise(ctx, cfg, g, l)
	}

	metrics.SetReadinessFunc(func() bool { return ctx.Err() == nil && g.ready() })
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sigCh:
		l.Info("shutdown_signal", "signal", s.String())
	case <-done:
	}
	cancel()
	<-done
	return nil
}

// advertise registers mDNS once the tunnel listener is bound.
func advertise(ctx context.Context, cfg *appConfig, g *gateway, l *slog.Logger) {
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	var port int
	for port == 0 {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if _, p, err := net.SplitHostPort(g.addr()); err == nil {
			port, _ = strconv.Atoi(p)
		}
	}
	cleanupMDNS, err := startMDNS(ctx, cfg, port)
	if err != nil {
		l.Warn("mdns_start_failed", "error", err)
		return
	}
	l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.mdnsName, "port", port)
	<-ctx.Done()
	cleanupMDNS()
}
