package main

import (
	"errors"
	"flag"
	"net"
	"testing"
	"time"
)

func validConfig() *appConfig {
	c := defaultConfig()
	c.backend = "serial"
	c.serialDev = "/dev/null"
	return c
}

func TestConfigValidate_OK(t *testing.T) {
	if err := validConfig().validate(); err != nil {
		t.Fatalf("expected ok got %v", err)
	}
}

func TestConfigValidate_Errors(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*appConfig)
	}{
		{"badFormat", func(c *appConfig) { c.logFormat = "xx" }},
		{"badLevel", func(c *appConfig) { c.logLevel = "nope" }},
		{"badBackend", func(c *appConfig) { c.backend = "x" }},
		{"badPolicy", func(c *appConfig) { c.relayPolicy = "kick" }},
		{"badRelayBuf", func(c *appConfig) { c.relayBuffer = 0 }},
		{"badBaud", func(c *appConfig) { c.baud = 0 }},
		{"badSerialTO", func(c *appConfig) { c.serialReadTO = 0 }},
		{"badPort", func(c *appConfig) { c.port = 70000 }},
		{"badBus", func(c *appConfig) { c.bus = 256 }},
		{"badRate", func(c *appConfig) { c.dataRate = -1 }},
		{"badMAC", func(c *appConfig) { c.mac = "zz:zz" }},
		{"longMAC", func(c *appConfig) { c.mac = "00:00:00:00:fe:80:00:00" }},
		{"macAndIf", func(c *appConfig) { c.mac = "aa:bb:cc:dd:ee:ff"; c.macIf = "eth0" }},
		{"zeroHeartbeat", func(c *appConfig) { c.heartbeat = 0 }},
		{"idleBelowHeartbeat", func(c *appConfig) { c.idleTimeout = 500 * time.Millisecond }},
		{"badGreeting", func(c *appConfig) { c.greetingSize = 0 }},
		{"badMetricsInterval", func(c *appConfig) { c.logMetricsEvery = -time.Second }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := validConfig()
			tc.mod(c)
			if err := c.validate(); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestSessionConfig(t *testing.T) {
	c := validConfig()
	c.port = 5000
	c.bus = 3
	c.dataRate = 250
	c.tagged = true
	mac := [6]byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}
	sc, err := c.sessionConfig(mac)
	if err != nil {
		t.Fatalf("session config: %v", err)
	}
	if sc.Port != 5000 || sc.BusNumber != 3 || sc.DataRate != 250 || !sc.Tagged || sc.MAC != mac {
		t.Fatalf("unexpected session config %+v", sc)
	}
	if sc.ProtocolVersion != 1 || sc.HeartbeatInterval != time.Second || sc.IdleTimeout != 3*time.Second {
		t.Fatalf("defaults not carried: %+v", sc)
	}
}

func TestResolveMAC(t *testing.T) {
	c := validConfig()
	if mac, err := c.resolveMAC(); err != nil || mac != ([6]byte{}) {
		t.Fatalf("unset mac: %v %v", mac, err)
	}

	c.mac = "AA-BB-CC-DD-EE-FF"
	mac, err := c.resolveMAC()
	if err != nil || mac != [6]byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF} {
		t.Fatalf("explicit mac: %v %v", mac, err)
	}

	c.mac = ""
	c.macIf = "eth9"
	interfaceByName = func(name string) (*net.Interface, error) {
		if name != "eth9" {
			return nil, errors.New("no such interface")
		}
		return &net.Interface{Name: name, HardwareAddr: net.HardwareAddr{2, 0, 0, 0, 0, 7}}, nil
	}
	defer func() { interfaceByName = net.InterfaceByName }()
	mac, err = c.resolveMAC()
	if err != nil || mac != [6]byte{2, 0, 0, 0, 0, 7} {
		t.Fatalf("mac-if: %v %v", mac, err)
	}
	c.macIf = "lo9"
	if _, err := c.resolveMAC(); err == nil {
		t.Fatalf("expected error for unknown interface")
	}
}

func TestParseArgs_FlagsAndVersion(t *testing.T) {
	cfg, showVersion, err := parseArgs([]string{"-backend", "serial", "-port", "5001", "-bus", "2", "-tagged"})
	if err != nil || showVersion {
		t.Fatalf("parse: %v version=%v", err, showVersion)
	}
	if cfg.port != 5001 || cfg.bus != 2 || !cfg.tagged || cfg.backend != "serial" {
		t.Fatalf("flags not applied: %+v", cfg)
	}
	if _, showVersion, err = parseArgs([]string{"-version"}); err != nil || !showVersion {
		t.Fatalf("version flag: %v %v", showVersion, err)
	}
	if _, _, err = parseArgs([]string{"-h"}); !errors.Is(err, flag.ErrHelp) {
		t.Fatalf("help: %v", err)
	}
	if _, _, err = parseArgs([]string{"-log-level", "loud"}); err == nil {
		t.Fatalf("expected validation error")
	}
}
