package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// fileConfig mirrors the flags; keys use underscores instead of dashes.
type fileConfig struct {
	Backend           string `toml:"backend"`
	Serial            string `toml:"serial"`
	Baud              int    `toml:"baud"`
	SerialReadTimeout string `toml:"serial_read_timeout"`
	CANIf             string `toml:"can_if"`

	ListenHost   string `toml:"listen_host"`
	Port         int    `toml:"port"`
	Bus          int    `toml:"bus"`
	DataRate     int    `toml:"data_rate"`
	MAC          string `toml:"mac"`
	MACIf        string `toml:"mac_if"`
	Heartbeat    string `toml:"heartbeat"`
	IdleTimeout  string `toml:"idle_timeout"`
	GreetingSize int    `toml:"greeting_size"`
	Tagged       bool   `toml:"tagged"`

	RelayBuffer int    `toml:"relay_buffer"`
	RelayPolicy string `toml:"relay_policy"`
	Capture     string `toml:"capture"`

	LogFormat          string `toml:"log_format"`
	LogLevel           string `toml:"log_level"`
	MetricsAddr        string `toml:"metrics_addr"`
	LogMetricsInterval string `toml:"log_metrics_interval"`
	MDNSEnable         bool   `toml:"mdns_enable"`
	MDNSName           string `toml:"mdns_name"`
}

// applyFile overlays the TOML file at path onto c. Keys whose flag was set
// explicitly are skipped; absent keys keep their current value.
func applyFile(c *appConfig, path string, set map[string]struct{}) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("load config %s: unknown key %q", path, undecoded[0].String())
	}

	defined := func(flagName string) bool {
		if _, ok := set[flagName]; ok {
			return false
		}
		return meta.IsDefined(strings.ReplaceAll(flagName, "-", "_"))
	}
	str := func(flagName string, dst *string, v string) {
		if defined(flagName) {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(flagName string, dst *int, v int) {
		if defined(flagName) {
			*dst = v
		}
	}
	boolean := func(flagName string, dst *bool, v bool) {
		if defined(flagName) {
			*dst = v
		}
	}
	dur := func(flagName string, dst *time.Duration, v string) error {
		if !defined(flagName) {
			return nil
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("parse %s: %w", strings.ReplaceAll(flagName, "-", "_"), err)
		}
		*dst = d
		return nil
	}

	str("backend", &c.backend, raw.Backend)
	str("serial", &c.serialDev, raw.Serial)
	num("baud", &c.baud, raw.Baud)
	str("can-if", &c.canIf, raw.CANIf)
	str("listen-host", &c.listenHost, raw.ListenHost)
	num("port", &c.port, raw.Port)
	num("bus", &c.bus, raw.Bus)
	num("data-rate", &c.dataRate, raw.DataRate)
	str("mac", &c.mac, raw.MAC)
	str("mac-if", &c.macIf, raw.MACIf)
	num("greeting-size", &c.greetingSize, raw.GreetingSize)
	boolean("tagged", &c.tagged, raw.Tagged)
	num("relay-buffer", &c.relayBuffer, raw.RelayBuffer)
	str("relay-policy", &c.relayPolicy, raw.RelayPolicy)
	str("capture", &c.capturePath, raw.Capture)
	str("log-format", &c.logFormat, raw.LogFormat)
	str("log-level", &c.logLevel, raw.LogLevel)
	str("metrics-addr", &c.metricsAddr, raw.MetricsAddr)
	boolean("mdns-enable", &c.mdnsEnable, raw.MDNSEnable)
	str("mdns-name", &c.mdnsName, raw.MDNSName)

	for _, d := range []struct {
		flag string
		dst  *time.Duration
		v    string
	}{
		{"serial-read-timeout", &c.serialReadTO, raw.SerialReadTimeout},
		{"heartbeat", &c.heartbeat, raw.Heartbeat},
		{"idle-timeout", &c.idleTimeout, raw.IdleTimeout},
		{"log-metrics-interval", &c.logMetricsEvery, raw.LogMetricsInterval},
	} {
		if err := dur(d.flag, d.dst, d.v); err != nil {
			return err
		}
	}
	return nil
}
