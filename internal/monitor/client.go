// Package monitor is the remote end of a CAN tunnel: it dials a gateway,
// greets it, reads the identity header and then streams records both ways.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-can-tunnel/internal/can"
	"github.com/kstaniek/go-can-tunnel/internal/logging"
	"github.com/kstaniek/go-can-tunnel/internal/metrics"
	"github.com/kstaniek/go-can-tunnel/internal/packet"
)

const (
	defaultDialTimeout      = 3 * time.Second
	defaultHandshakeTimeout = 3 * time.Second
	defaultReadDeadline     = 5 * time.Second
	defaultFlushInterval    = 5 * time.Millisecond
	defaultBatchSize        = 64
	defaultOutBuffer        = 256
)

// Client holds one tunnel connection. Run may be called once.
type Client struct {
	addr   string
	codec  packet.Codec
	logger *slog.Logger

	dialTimeout      time.Duration
	handshakeTimeout time.Duration
	readDeadline     time.Duration
	flushInterval    time.Duration
	batchSize        int

	onFrame     func(can.Frame)
	onHeartbeat func(packet.Heartbeat)

	out   chan can.Frame
	ready chan struct{}

	mu       sync.Mutex
	identity packet.Header
	lastErr  error

	wg         sync.WaitGroup
	frames     atomic.Uint64
	heartbeats atomic.Uint64
	sent       atomic.Uint64
}

type Option func(*Client)

// WithTagged selects the tagged record layout; it must match the gateway.
func WithTagged(on bool) Option { return func(c *Client) { c.codec.Tagged = on } }

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithReadDeadline(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.readDeadline = d
		}
	}
}

func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.handshakeTimeout = d
		}
	}
}

func WithFlushInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.flushInterval = d
		}
	}
}

func WithBatchSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.batchSize = n
		}
	}
}

// OnFrame is called from the reader goroutine for every frame received.
func OnFrame(fn func(can.Frame)) Option { return func(c *Client) { c.onFrame = fn } }

// OnHeartbeat is called for every heartbeat received (tagged mode only).
func OnHeartbeat(fn func(packet.Heartbeat)) Option { return func(c *Client) { c.onHeartbeat = fn } }

func New(addr string, opts ...Option) *Client {
	c := &Client{
		addr:             addr,
		logger:           logging.L(),
		dialTimeout:      defaultDialTimeout,
		handshakeTimeout: defaultHandshakeTimeout,
		readDeadline:     defaultReadDeadline,
		flushInterval:    defaultFlushInterval,
		batchSize:        defaultBatchSize,
		out:              make(chan can.Frame, defaultOutBuffer),
		ready:            make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	c.logger = c.logger.With("component", "monitor", "gateway", addr)
	return c
}

// Ready is closed once the identity header was received.
func (c *Client) Ready() <-chan struct{} { return c.ready }

// Identity returns the gateway header once Ready is closed.
func (c *Client) Identity() (packet.Header, bool) {
	select {
	case <-c.ready:
	default:
		return packet.Header{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity, true
}

func (c *Client) LastError() error { c.mu.Lock(); defer c.mu.Unlock(); return c.lastErr }

func (c *Client) setError(err error) {
	if err == nil {
		return
	}
	metrics.IncError(mapErrToMetric(err))
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}

// Stats returns frames received, heartbeats received and frames sent.
func (c *Client) Stats() (frames, heartbeats, sent uint64) {
	return c.frames.Load(), c.heartbeats.Load(), c.sent.Load()
}

// Send queues fr for the gateway's bus. It never blocks.
func (c *Client) Send(fr can.Frame) error {
	if _, err := packet.FromCAN(fr); err != nil {
		return err
	}
	select {
	case <-c.ready:
	default:
		return ErrNotReady
	}
	select {
	case c.out <- fr:
		return nil
	default:
		return ErrOutFull
	}
}

// Run dials the gateway and streams until ctx is cancelled or the gateway
// closes the connection. A clean close returns nil.
func (c *Client) Run(ctx context.Context) error {
	d := net.Dialer{Timeout: c.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrDial, err)
		c.setError(wrap)
		return wrap
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	defer func() { _ = conn.Close() }()

	if err := c.handshake(conn); err != nil {
		wrap := fmt.Errorf("%w: %v", ErrHandshake, err)
		c.setError(wrap)
		c.logger.Warn("handshake_failed", "error", wrap)
		return wrap
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { <-ctx.Done(); _ = conn.Close() }()

	c.startWriter(ctx, conn)
	err = c.readLoop(ctx, conn)
	cancel()
	c.wg.Wait()
	frames, heartbeats, sent := c.Stats()
	c.logger.Info("monitor_summary", "frames", frames, "heartbeats", heartbeats, "sent", sent)
	return err
}

// handshake sends the greeting slot and reads the identity packet.
func (c *Client) handshake(conn net.Conn) error {
	_ = conn.SetDeadline(time.Now().Add(c.handshakeTimeout))
	defer func() { _ = conn.SetDeadline(time.Time{}) }()
	if _, err := conn.Write(make([]byte, packet.FrameSize)); err != nil {
		return fmt.Errorf("greeting: %w", err)
	}
	h, err := c.codec.ReadIdentity(conn)
	if err != nil {
		return fmt.Errorf("identity: %w", err)
	}
	if h.Version != packet.ProtocolVersion {
		c.logger.Warn("protocol_version_mismatch", "got", h.Version, "want", packet.ProtocolVersion)
	}
	c.mu.Lock()
	c.identity = h
	c.mu.Unlock()
	close(c.ready)
	c.logger.Info("gateway_identity", "version", h.Version, "bus", h.BusNumber, "client_id", h.ClientID)
	return nil
}
