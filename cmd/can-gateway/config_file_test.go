package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTOML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestApplyFile(t *testing.T) {
	path := writeTOML(t, `
backend = "serial"
serial = "/dev/ttyAMA0"
port = 4900
bus = 7
mac = "02:00:00:00:00:01"
heartbeat = "500ms"
idle_timeout = "2s"
tagged = true
relay_policy = "drop-oldest"
`)
	c := defaultConfig()
	if err := applyFile(c, path, map[string]struct{}{}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if c.backend != "serial" || c.serialDev != "/dev/ttyAMA0" || c.port != 4900 || c.bus != 7 {
		t.Fatalf("values not applied: %+v", c)
	}
	if c.heartbeat != 500*time.Millisecond || c.idleTimeout != 2*time.Second || !c.tagged {
		t.Fatalf("heartbeat=%v idle=%v tagged=%v", c.heartbeat, c.idleTimeout, c.tagged)
	}
	if c.relayPolicy != "drop-oldest" || c.mac != "02:00:00:00:00:01" {
		t.Fatalf("policy=%s mac=%s", c.relayPolicy, c.mac)
	}
	// absent keys keep defaults
	if c.baud != 115200 || c.dataRate != 500 {
		t.Fatalf("defaults lost: baud=%d rate=%d", c.baud, c.dataRate)
	}
}

func TestApplyFile_FlagWins(t *testing.T) {
	path := writeTOML(t, "port = 4900\nbus = 7\n")
	c := defaultConfig()
	c.port = 6000
	if err := applyFile(c, path, map[string]struct{}{"port": {}}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if c.port != 6000 || c.bus != 7 {
		t.Fatalf("port=%d bus=%d", c.port, c.bus)
	}
}

func TestApplyFile_Errors(t *testing.T) {
	cases := map[string]string{
		"unknown key":  "colour = \"blue\"\n",
		"bad duration": "heartbeat = \"fast\"\n",
		"bad syntax":   "port = \n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if err := applyFile(defaultConfig(), writeTOML(t, body), map[string]struct{}{}); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
	if err := applyFile(defaultConfig(), filepath.Join(t.TempDir(), "missing.toml"), nil); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestParseArgs_Precedence(t *testing.T) {
	path := writeTOML(t, "bus = 1\nport = 4900\ndata_rate = 125\n")
	t.Setenv("CAN_GATEWAY_BUS", "2")
	cfg, _, err := parseArgs([]string{"-config", path, "-port", "4901"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	// flag > env > file > default
	if cfg.port != 4901 || cfg.bus != 2 || cfg.dataRate != 125 {
		t.Fatalf("port=%d bus=%d rate=%d", cfg.port, cfg.bus, cfg.dataRate)
	}

	t.Setenv("CAN_GATEWAY_CONFIG", path)
	cfg, _, err = parseArgs(nil)
	if err != nil || cfg.dataRate != 125 {
		t.Fatalf("config via env: %v rate=%d", err, cfg.dataRate)
	}
	if _, _, err := parseArgs([]string{"-config", path + ".missing"}); err == nil || !strings.Contains(err.Error(), "load config") {
		t.Fatalf("missing file: %v", err)
	}
}
