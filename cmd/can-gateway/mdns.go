package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/grandcat/zeroconf"
)

const mdnsServiceType = "_can-tunnel._tcp"

// startMDNS registers the tunnel via mDNS and returns a cleanup function.
// It is a no-op when disabled.
func startMDNS(ctx context.Context, cfg *appConfig, port int) (func(), error) {
	if !cfg.mdnsEnable {
		return func() {}, nil
	}
	instance := cfg.mdnsName
	if instance == "" {
		host, _ := os.Hostname()
		instance = fmt.Sprintf("can-gateway-%s", host)
	}
	svc, err := zeroconf.Register(instance, mdnsServiceType, "local.", port, mdnsTXT(cfg), nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		svc.Shutdown()
	}()
	return func() { close(done); svc.Shutdown(); time.Sleep(50 * time.Millisecond) }, nil
}

// mdnsTXT lists what a client needs to speak to the tunnel without probing it.
func mdnsTXT(cfg *appConfig) []string {
	return []string{
		"backend=" + cfg.backend,
		"bus=" + strconv.Itoa(cfg.bus),
		"rate=" + strconv.Itoa(cfg.dataRate),
		"tagged=" + strconv.FormatBool(cfg.tagged),
		"version=" + version,
		"commit=" + commit,
	}
}
