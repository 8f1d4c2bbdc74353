package main

import (
	"testing"
	"time"
)

func TestApplyEnvOverrides_Basic(t *testing.T) {
	base := defaultConfig()
	t.Setenv("CAN_GATEWAY_BAUD", "230400")
	t.Setenv("CAN_GATEWAY_MDNS_ENABLE", "true")
	t.Setenv("CAN_GATEWAY_SERIAL_READ_TIMEOUT", "100ms")
	t.Setenv("CAN_GATEWAY_LOG_METRICS_INTERVAL", "5s")
	t.Setenv("CAN_GATEWAY_BUS", "4")
	t.Setenv("CAN_GATEWAY_TAGGED", "yes")
	t.Setenv("CAN_GATEWAY_MAC", "aa:bb:cc:dd:ee:ff")
	if err := applyEnvOverrides(base, map[string]struct{}{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if base.baud != 230400 {
		t.Fatalf("expected baud override, got %d", base.baud)
	}
	if !base.mdnsEnable || !base.tagged {
		t.Fatalf("expected mdnsEnable and tagged true")
	}
	if base.serialReadTO != 100*time.Millisecond {
		t.Fatalf("expected serialReadTO 100ms got %v", base.serialReadTO)
	}
	if base.logMetricsEvery != 5*time.Second {
		t.Fatalf("expected logMetricsEvery 5s got %v", base.logMetricsEvery)
	}
	if base.bus != 4 || base.mac != "aa:bb:cc:dd:ee:ff" {
		t.Fatalf("bus=%d mac=%q", base.bus, base.mac)
	}
}

func TestApplyEnvOverrides_FlagPrecedence(t *testing.T) {
	base := &appConfig{baud: 115200}
	t.Setenv("CAN_GATEWAY_BAUD", "230400")
	// Simulate user passed -baud flag (so env should be ignored)
	if err := applyEnvOverrides(base, map[string]struct{}{"baud": {}}); err != nil {
		t.Fatalf("err: %v", err)
	}
	if base.baud != 115200 {
		t.Fatalf("expected baud unchanged 115200 got %d", base.baud)
	}
}

func TestApplyEnvOverrides_BadValues(t *testing.T) {
	for env, val := range map[string]string{
		"CAN_GATEWAY_RELAY_BUFFER": "notint",
		"CAN_GATEWAY_HEARTBEAT":    "soon",
	} {
		t.Run(env, func(t *testing.T) {
			t.Setenv(env, val)
			if err := applyEnvOverrides(defaultConfig(), map[string]struct{}{}); err == nil {
				t.Fatalf("expected error for %s=%s", env, val)
			}
		})
	}
}
