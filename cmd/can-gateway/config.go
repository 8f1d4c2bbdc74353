package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kstaniek/go-can-tunnel/internal/logging"
	"github.com/kstaniek/go-can-tunnel/internal/packet"
	"github.com/kstaniek/go-can-tunnel/internal/relay"
	"github.com/kstaniek/go-can-tunnel/internal/session"
)

type appConfig struct {
	configFile string

	backend      string
	serialDev    string
	baud         int
	serialReadTO time.Duration
	canIf        string

	listenHost   string
	port         int
	bus          int
	dataRate     int
	mac          string
	macIf        string
	heartbeat    time.Duration
	idleTimeout  time.Duration
	greetingSize int
	tagged       bool

	relayBuffer int
	relayPolicy string
	capturePath string

	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration
	mdnsEnable      bool
	mdnsName        string
}

func defaultConfig() *appConfig {
	sc := session.DefaultConfig()
	return &appConfig{
		backend:      "socketcan",
		serialDev:    "/dev/ttyUSB0",
		baud:         115200,
		serialReadTO: 50 * time.Millisecond,
		canIf:        "can0",
		port:         int(sc.Port),
		dataRate:     int(sc.DataRate),
		heartbeat:    sc.HeartbeatInterval,
		idleTimeout:  sc.IdleTimeout,
		greetingSize: sc.GreetingSize,
		relayBuffer:  512,
		relayPolicy:  "drop-newest",
		logFormat:    "text",
		logLevel:     "info",
	}
}

func newFlagSet(cfg *appConfig) (*flag.FlagSet, *bool) {
	fs := flag.NewFlagSet("can-gateway", flag.ContinueOnError)
	fs.StringVar(&cfg.configFile, "config", "", "Optional TOML config file (flags and env take precedence)")
	fs.StringVar(&cfg.backend, "backend", cfg.backend, "CAN backend: serial|socketcan")
	fs.StringVar(&cfg.serialDev, "serial", cfg.serialDev, "Serial device path")
	fs.IntVar(&cfg.baud, "baud", cfg.baud, "Serial baud rate")
	fs.DurationVar(&cfg.serialReadTO, "serial-read-timeout", cfg.serialReadTO, "Serial read timeout")
	fs.StringVar(&cfg.canIf, "can-if", cfg.canIf, "SocketCAN interface (when -backend=socketcan)")
	fs.StringVar(&cfg.listenHost, "listen-host", cfg.listenHost, "Address the tunnel listener binds to (empty = all)")
	fs.IntVar(&cfg.port, "port", cfg.port, "Tunnel TCP port")
	fs.IntVar(&cfg.bus, "bus", cfg.bus, "Bus number announced in identity and heartbeats")
	fs.IntVar(&cfg.dataRate, "data-rate", cfg.dataRate, "CAN bit rate in kbit/s advertised in heartbeats")
	fs.StringVar(&cfg.mac, "mac", cfg.mac, "Heartbeat MAC address (aa:bb:cc:dd:ee:ff)")
	fs.StringVar(&cfg.macIf, "mac-if", cfg.macIf, "Take the heartbeat MAC from this network interface")
	fs.DurationVar(&cfg.heartbeat, "heartbeat", cfg.heartbeat, "Heartbeat interval")
	fs.DurationVar(&cfg.idleTimeout, "idle-timeout", cfg.idleTimeout, "Drop a connection idle for this long (0 disables)")
	fs.IntVar(&cfg.greetingSize, "greeting-size", cfg.greetingSize, "Bytes of the peer greeting discarded per connection")
	fs.BoolVar(&cfg.tagged, "tagged", cfg.tagged, "Prefix records with a kind byte (peer must agree)")
	fs.IntVar(&cfg.relayBuffer, "relay-buffer", cfg.relayBuffer, "Frames buffered between the bus and the tunnel")
	fs.StringVar(&cfg.relayPolicy, "relay-policy", cfg.relayPolicy, "Relay backpressure policy: drop-newest|drop-oldest")
	fs.StringVar(&cfg.capturePath, "capture", cfg.capturePath, "Append tunnelled frames to this CBOR capture file")
	fs.StringVar(&cfg.logFormat, "log-format", cfg.logFormat, "Log format: text|json")
	fs.StringVar(&cfg.logLevel, "log-level", cfg.logLevel, "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.metricsAddr, "metrics-addr", cfg.metricsAddr, "Metrics HTTP listen address (e.g., :9100); empty disables")
	fs.DurationVar(&cfg.logMetricsEvery, "log-metrics-interval", cfg.logMetricsEvery, "If >0, periodically log metrics counters")
	fs.BoolVar(&cfg.mdnsEnable, "mdns-enable", cfg.mdnsEnable, "Advertise the tunnel via mDNS")
	fs.StringVar(&cfg.mdnsName, "mdns-name", cfg.mdnsName, "mDNS instance name (default can-gateway-<hostname>)")
	showVersion := fs.Bool("version", false, "Print version and exit")
	return fs, showVersion
}

// parseArgs resolves the configuration: defaults < config file < environment < flags.
func parseArgs(args []string) (*appConfig, bool, error) {
	cfg := defaultConfig()
	fs, showVersion := newFlagSet(cfg)
	fs.SetOutput(io.Discard)
	if err := fs.Parse(args); err != nil {
		return nil, false, err
	}
	if *showVersion {
		return cfg, true, nil
	}

	// Track which flags were explicitly set to give them precedence over env and file.
	set := map[string]struct{}{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = struct{}{} })

	path := cfg.configFile
	if _, ok := set["config"]; !ok {
		if v, ok := os.LookupEnv("CAN_GATEWAY_CONFIG"); ok && strings.TrimSpace(v) != "" {
			path = strings.TrimSpace(v)
		}
	}
	if path != "" {
		if err := applyFile(cfg, path, set); err != nil {
			return nil, false, err
		}
	}
	if err := applyEnvOverrides(cfg, set); err != nil {
		return nil, false, fmt.Errorf("environment override error: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, false, fmt.Errorf("configuration error: %w", err)
	}
	return cfg, false, nil
}

// validate performs basic semantic validation of the parsed configuration.
// It does not open devices or listeners.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	if _, err := logging.ParseLevel(c.logLevel); err != nil {
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	switch c.backend {
	case "serial", "socketcan":
	default:
		return fmt.Errorf("invalid backend: %s", c.backend)
	}
	if _, ok := relay.ParsePolicy(c.relayPolicy); !ok {
		return fmt.Errorf("invalid relay-policy: %s", c.relayPolicy)
	}
	if c.relayBuffer <= 0 {
		return fmt.Errorf("relay-buffer must be > 0 (got %d)", c.relayBuffer)
	}
	if c.baud <= 0 {
		return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
	}
	if c.serialReadTO <= 0 {
		return fmt.Errorf("serial-read-timeout must be > 0")
	}
	if c.port < 0 || c.port > 65535 {
		return fmt.Errorf("port out of range: %d", c.port)
	}
	if c.bus < 0 || c.bus > 255 {
		return fmt.Errorf("bus out of range: %d", c.bus)
	}
	if c.dataRate < 0 || c.dataRate > 65535 {
		return fmt.Errorf("data-rate out of range: %d", c.dataRate)
	}
	if c.mac != "" && c.macIf != "" {
		return errors.New("mac and mac-if are mutually exclusive")
	}
	if c.mac != "" {
		if _, err := parseMAC(c.mac); err != nil {
			return err
		}
	}
	if c.logMetricsEvery < 0 {
		return fmt.Errorf("log-metrics-interval must be >= 0")
	}
	_, err := c.sessionConfig([6]byte{})
	return err
}

// sessionConfig converts the tunnel settings; mac is the resolved heartbeat address.
func (c *appConfig) sessionConfig(mac [6]byte) (session.Config, error) {
	sc := session.DefaultConfig()
	sc.Port = uint16(c.port)
	sc.ProtocolVersion = packet.ProtocolVersion
	sc.BusNumber = uint8(c.bus)
	sc.DataRate = uint16(c.dataRate)
	sc.HeartbeatInterval = c.heartbeat
	sc.IdleTimeout = c.idleTimeout
	sc.GreetingSize = c.greetingSize
	sc.Tagged = c.tagged
	sc.MAC = mac
	if err := sc.Validate(); err != nil {
		return session.Config{}, err
	}
	return sc, nil
}

func parseMAC(s string) ([6]byte, error) {
	var out [6]byte
	hw, err := net.ParseMAC(strings.TrimSpace(s))
	if err != nil {
		return out, fmt.Errorf("invalid mac: %w", err)
	}
	if len(hw) != len(out) {
		return out, fmt.Errorf("invalid mac %q: want 6 bytes, got %d", s, len(hw))
	}
	copy(out[:], hw)
	return out, nil
}

// interfaceByName is a hook for tests.
var interfaceByName = net.InterfaceByName

// resolveMAC picks the heartbeat MAC: explicit -mac, then -mac-if. The zero
// address is used when neither is configured.
func (c *appConfig) resolveMAC() ([6]byte, error) {
	if c.mac != "" {
		return parseMAC(c.mac)
	}
	var out [6]byte
	if c.macIf == "" {
		return out, nil
	}
	ifi, err := interfaceByName(c.macIf)
	if err != nil {
		return out, fmt.Errorf("mac-if %s: %w", c.macIf, err)
	}
	if len(ifi.HardwareAddr) != len(out) {
		return out, fmt.Errorf("mac-if %s: no 6-byte hardware address", c.macIf)
	}
	copy(out[:], ifi.HardwareAddr)
	return out, nil
}

// envBinding maps one CAN_GATEWAY_* variable onto the flag it overrides.
type envBinding struct {
	flag  string
	env   string
	apply func(c *appConfig, v string) error
}

func strVal(dst func(*appConfig) *string) func(*appConfig, string) error {
	return func(c *appConfig, v string) error { *dst(c) = v; return nil }
}

func intVal(dst func(*appConfig) *int) func(*appConfig, string) error {
	return func(c *appConfig, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst(c) = n
		return nil
	}
}

func durVal(dst func(*appConfig) *time.Duration) func(*appConfig, string) error {
	return func(c *appConfig, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst(c) = d
		return nil
	}
}

// boolVal is lax: unknown spellings are ignored.
func boolVal(dst func(*appConfig) *bool) func(*appConfig, string) error {
	return func(c *appConfig, v string) error {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			*dst(c) = true
		case "0", "false", "no", "off":
			*dst(c) = false
		}
		return nil
	}
}

var envBindings = []envBinding{
	{"backend", "CAN_GATEWAY_BACKEND", strVal(func(c *appConfig) *string { return &c.backend })},
	{"serial", "CAN_GATEWAY_SERIAL", strVal(func(c *appConfig) *string { return &c.serialDev })},
	{"baud", "CAN_GATEWAY_BAUD", intVal(func(c *appConfig) *int { return &c.baud })},
	{"serial-read-timeout", "CAN_GATEWAY_SERIAL_READ_TIMEOUT", durVal(func(c *appConfig) *time.Duration { return &c.serialReadTO })},
	{"can-if", "CAN_GATEWAY_IF", strVal(func(c *appConfig) *string { return &c.canIf })},
	{"listen-host", "CAN_GATEWAY_LISTEN_HOST", strVal(func(c *appConfig) *string { return &c.listenHost })},
	{"port", "CAN_GATEWAY_PORT", intVal(func(c *appConfig) *int { return &c.port })},
	{"bus", "CAN_GATEWAY_BUS", intVal(func(c *appConfig) *int { return &c.bus })},
	{"data-rate", "CAN_GATEWAY_DATA_RATE", intVal(func(c *appConfig) *int { return &c.dataRate })},
	{"mac", "CAN_GATEWAY_MAC", strVal(func(c *appConfig) *string { return &c.mac })},
	{"mac-if", "CAN_GATEWAY_MAC_IF", strVal(func(c *appConfig) *string { return &c.macIf })},
	{"heartbeat", "CAN_GATEWAY_HEARTBEAT", durVal(func(c *appConfig) *time.Duration { return &c.heartbeat })},
	{"idle-timeout", "CAN_GATEWAY_IDLE_TIMEOUT", durVal(func(c *appConfig) *time.Duration { return &c.idleTimeout })},
	{"greeting-size", "CAN_GATEWAY_GREETING_SIZE", intVal(func(c *appConfig) *int { return &c.greetingSize })},
	{"tagged", "CAN_GATEWAY_TAGGED", boolVal(func(c *appConfig) *bool { return &c.tagged })},
	{"relay-buffer", "CAN_GATEWAY_RELAY_BUFFER", intVal(func(c *appConfig) *int { return &c.relayBuffer })},
	{"relay-policy", "CAN_GATEWAY_RELAY_POLICY", strVal(func(c *appConfig) *string { return &c.relayPolicy })},
	{"capture", "CAN_GATEWAY_CAPTURE", strVal(func(c *appConfig) *string { return &c.capturePath })},
	{"log-format", "CAN_GATEWAY_LOG_FORMAT", strVal(func(c *appConfig) *string { return &c.logFormat })},
	{"log-level", "CAN_GATEWAY_LOG_LEVEL", strVal(func(c *appConfig) *string { return &c.logLevel })},
	{"metrics-addr", "CAN_GATEWAY_METRICS", strVal(func(c *appConfig) *string { return &c.metricsAddr })},
	{"log-metrics-interval", "CAN_GATEWAY_LOG_METRICS_INTERVAL", durVal(func(c *appConfig) *time.Duration { return &c.logMetricsEvery })},
	{"mdns-enable", "CAN_GATEWAY_MDNS_ENABLE", boolVal(func(c *appConfig) *bool { return &c.mdnsEnable })},
	{"mdns-name", "CAN_GATEWAY_MDNS_NAME", strVal(func(c *appConfig) *string { return &c.mdnsName })},
}

// applyEnvOverrides maps CAN_GATEWAY_* environment variables to config fields
// unless the corresponding flag was explicitly set. Empty values are ignored.
// The first parse error is returned; later variables are still applied.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	for _, b := range envBindings {
		if _, ok := set[b.flag]; ok {
			continue
		}
		v, ok := os.LookupEnv(b.env)
		v = strings.TrimSpace(v)
		if !ok || v == "" {
			continue
		}
		if err := b.apply(c, v); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("invalid %s: %w", b.env, err)
		}
	}
	return firstErr
}
