// Package session implements the per-connection tunnel state machine: passive
// listen, one-time identity handshake, heartbeat cadence and frame relay.
//
// A Session is driven by a single goroutine. Poll, SendFrame, RecvFrame and
// SendHeartbeat never block and must not be called concurrently.
package session

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/kstaniek/go-can-tunnel/internal/can"
	"github.com/kstaniek/go-can-tunnel/internal/logging"
	"github.com/kstaniek/go-can-tunnel/internal/metrics"
	"github.com/kstaniek/go-can-tunnel/internal/packet"
	"github.com/kstaniek/go-can-tunnel/internal/stream"
)

// Phase is the externally visible session state.
type Phase int

const (
	PhaseListening Phase = iota
	PhaseHandshaking
	PhaseActive
	PhaseClosing
)

func (p Phase) String() string {
	switch p {
	case PhaseListening:
		return "listening"
	case PhaseHandshaking:
		return "handshaking"
	case PhaseActive:
		return "active"
	case PhaseClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Session tunnels CAN frames over one stream transport. It never closes the
// transport on its own account; it only requests a close after a peer half-close.
type Session struct {
	cfg      Config
	sock     stream.Transport
	queuer   stream.RecvQueuer
	notifier stream.Notifier
	codec    packet.Codec
	logger   *slog.Logger

	heartbeat []byte // encoded once, the record never changes
	rxBuf     []byte

	lastHeartbeat time.Time
	txStart       bool
	rxStart       bool
	phase         Phase

	peerHeartbeat   packet.Heartbeat
	peerHeartbeatAt time.Time
	lastPoll        time.Time // clock for receive-side timestamps
	bindFailing     bool
	lastErr         error
}

type Option func(*Session)

func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithNotifier injects the readiness notifier used by RegisterRecvWaker and
// RegisterSendWaker. Without it the transport is used if it implements stream.Notifier.
func WithNotifier(n stream.Notifier) Option {
	return func(s *Session) { s.notifier = n }
}

// New creates a session on t. now seeds the heartbeat cadence.
func New(t stream.Transport, cfg Config, now time.Time, opts ...Option) (*Session, error) {
	if t == nil {
		return nil, fmt.Errorf("session: nil transport")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("session config: %w", err)
	}
	s := &Session{
		cfg:           cfg,
		sock:          t,
		codec:         packet.Codec{Tagged: cfg.Tagged},
		logger:        logging.L(),
		lastHeartbeat: now,
		lastPoll:      now,
	}
	if q, ok := t.(stream.RecvQueuer); ok {
		s.queuer = q
	}
	if n, ok := t.(stream.Notifier); ok {
		s.notifier = n
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With("component", "session", "bus", cfg.BusNumber)
	s.heartbeat = s.codec.EncodeHeartbeat(packet.Heartbeat{
		MAC:       cfg.MAC,
		BusNumber: cfg.BusNumber,
		DataRate:  cfg.DataRate,
	})
	s.rxBuf = make([]byte, s.codec.RecordSize())
	t.SetIdleTimeout(cfg.IdleTimeout)
	return s, nil
}

func (s *Session) Phase() Phase                { return s.phase }
func (s *Session) Handshaked() bool            { return s.txStart && s.rxStart }
func (s *Session) IdentitySent() bool          { return s.txStart }
func (s *Session) LastHeartbeat() time.Time    { return s.lastHeartbeat }
func (s *Session) LastError() error            { return s.lastErr }
func (s *Session) Config() Config              { return s.cfg }
func (s *Session) Transport() stream.Transport { return s.sock }

// PeerHeartbeat returns the last heartbeat received from the peer (tagged mode only).
func (s *Session) PeerHeartbeat() (packet.Heartbeat, time.Time, bool) {
	return s.peerHeartbeat, s.peerHeartbeatAt, !s.peerHeartbeatAt.IsZero()
}

// Poll advances the state machine. It is called repeatedly by the host loop.
func (s *Session) Poll(now time.Time) {
	s.lastPoll = now
	if !s.sock.IsOpen() && !s.sock.IsListening() {
		// transport dropped without a half-close (idle timeout, reset): the next
		// connection needs its own handshake
		s.reset("transport_closed")
		s.listen()
	}

	// if client closes, close on our end as well
	if s.sock.State() == stream.StateCloseWait {
		s.sock.Close()
		s.reset("peer_closed")
		s.setPhase(PhaseClosing)
		return
	}

	if s.sock.CanSend() {
		if !s.txStart {
			s.sendIdentity()
		}
		if s.txStart && now.Sub(s.lastHeartbeat) >= s.cfg.HeartbeatInterval {
			if err := s.writeHeartbeat(); err != nil {
				// retried on the very next poll
				s.logger.Debug("heartbeat_failed", "error", err)
			} else {
				s.lastHeartbeat = now
			}
		}
	}
	s.setPhase(s.derivePhase())
}

func (s *Session) listen() {
	if err := s.sock.Listen(s.cfg.Port); err != nil {
		wrap := fmt.Errorf("%w: port %d: %v", ErrBind, s.cfg.Port, err)
		s.lastErr = wrap
		metrics.IncBindFailure()
		if !s.bindFailing {
			metrics.IncError(mapErrToMetric(wrap))
			s.logger.Warn("listen_failed", "port", s.cfg.Port, "error", wrap)
		} else {
			s.logger.Debug("listen_failed", "port", s.cfg.Port, "error", wrap)
		}
		s.bindFailing = true
		return
	}
	s.bindFailing = false
	s.logger.Info("session_listen", "port", s.cfg.Port)
}

func (s *Session) sendIdentity() {
	pkt := s.codec.EncodeIdentity(packet.Header{
		Version:   s.cfg.ProtocolVersion,
		BusNumber: s.cfg.BusNumber,
		ClientID:  0,
	})
	if err := s.sock.SendBuffered(pkt); err != nil {
		s.logger.Debug("identity_send_failed", "error", err)
		return
	}
	s.txStart = true
	metrics.IncHandshake()
	s.logger.Info("identity_sent", "version", s.cfg.ProtocolVersion)
}

func (s *Session) reset(reason string) {
	if s.txStart || s.rxStart {
		metrics.IncSessionReset()
		s.logger.Info("session_reset", "reason", reason)
	}
	s.txStart = false
	s.rxStart = false
}

func (s *Session) derivePhase() Phase {
	switch s.sock.State() {
	case stream.StateClosed, stream.StateListen:
		return PhaseListening
	case stream.StateClosing:
		return PhaseClosing
	}
	if s.txStart && s.rxStart {
		return PhaseActive
	}
	return PhaseHandshaking
}

func (s *Session) setPhase(p Phase) {
	if p == s.phase {
		return
	}
	s.logger.Debug("session_phase", "from", s.phase.String(), "to", p.String())
	s.phase = p
	metrics.SetSessionActive(p == PhaseActive)
}

// SendHeartbeat sends one heartbeat now.
//
// Note: this doesn't reset the heartbeat interval.
func (s *Session) SendHeartbeat() error {
	if !s.txStart {
		return ErrHandshakeIncomplete
	}
	if !s.sock.CanSend() {
		return ErrNotWritable
	}
	return s.writeHeartbeat()
}

func (s *Session) writeHeartbeat() error {
	if err := s.sock.SendBuffered(s.heartbeat); err != nil {
		return fmt.Errorf("%w: heartbeat: %w", ErrSend, err)
	}
	metrics.IncHeartbeat()
	return nil
}

// SendFrame queues one CAN frame for the peer. Frames the wire layout cannot
// carry fail with packet.ErrUnrepresentable before any I/O is attempted.
func (s *Session) SendFrame(fr can.Frame) error {
	wf, err := packet.FromCAN(fr)
	if err != nil {
		return err
	}
	if !s.txStart {
		return ErrHandshakeIncomplete
	}
	if !s.sock.CanSend() {
		return ErrNotWritable
	}
	if err := s.sock.SendBuffered(s.codec.EncodeFrame(wf)); err != nil {
		wrap := fmt.Errorf("%w: %w", ErrSend, err)
		s.lastErr = wrap
		return wrap
	}
	metrics.IncTunnelTx()
	return nil
}

// RecvFrame returns at most one frame from the peer. ok is false when nothing
// complete is available; that is not an error.
func (s *Session) RecvFrame() (fr can.Frame, ok bool, err error) {
	if !s.sock.CanRecv() {
		return fr, false, nil
	}
	if !s.rxStart {
		return fr, false, s.discardGreeting()
	}

	size := s.codec.RecordSize()
	if !s.buffered(size) {
		return fr, false, nil
	}
	buf := s.rxBuf[:size]
	n, err := s.sock.RecvBuffered(buf)
	if err != nil {
		wrap := fmt.Errorf("%w: %w", ErrRecv, err)
		s.lastErr = wrap
		metrics.IncError(mapErrToMetric(wrap))
		return fr, false, wrap
	}
	rec, err := s.codec.DecodeRecord(buf[:n])
	if err != nil {
		s.logger.Debug("record_discarded", "bytes", n, "error", err)
		return fr, false, nil
	}
	if rec.Kind == packet.KindHeartbeat {
		s.peerHeartbeat = rec.Heartbeat
		s.peerHeartbeatAt = s.lastPoll
		metrics.IncPeerHeartbeat()
		return fr, false, nil
	}
	metrics.IncTunnelRx()
	return rec.Frame.CAN(), true, nil
}

// discardGreeting consumes the peer's first slot exactly once so later reads
// stay aligned to record boundaries.
func (s *Session) discardGreeting() error {
	if !s.buffered(s.cfg.GreetingSize) {
		return nil
	}
	n, err := s.sock.RecvBuffered(make([]byte, s.cfg.GreetingSize))
	if err != nil {
		wrap := fmt.Errorf("%w: greeting: %w", ErrRecv, err)
		s.lastErr = wrap
		return wrap
	}
	s.rxStart = true
	s.logger.Debug("greeting_discarded", "bytes", n)
	s.setPhase(s.derivePhase())
	return nil
}

// buffered reports whether n bytes can be read in one go. Transports without
// a receive queue report are read optimistically.
func (s *Session) buffered(n int) bool {
	if s.queuer == nil {
		return true
	}
	return s.queuer.RecvQueue() >= n
}

// RegisterRecvWaker registers w to be woken when the transport becomes readable.
func (s *Session) RegisterRecvWaker(w stream.Waker) error {
	if s.notifier == nil {
		return ErrNoNotifier
	}
	s.notifier.RegisterRecvWaker(w)
	return nil
}

// RegisterSendWaker registers w to be woken when the transport becomes writable.
func (s *Session) RegisterSendWaker(w stream.Waker) error {
	if s.notifier == nil {
		return ErrNoNotifier
	}
	s.notifier.RegisterSendWaker(w)
	return nil
}
