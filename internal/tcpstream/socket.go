// Package tcpstream implements stream.Transport on top of a TCP listener.
//
// A Socket accepts one connection per Listen call, like an embedded TCP
// socket: while a peer is connected nobody else is accepted, and once the
// connection is gone the owner has to Listen again. Reads and writes go
// through bounded buffers filled and drained by background goroutines so
// every Transport method returns immediately.
package tcpstream

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/kstaniek/go-can-tunnel/internal/logging"
	"github.com/kstaniek/go-can-tunnel/internal/stream"
)

const (
	defaultRxBuffer = 4096
	defaultTxBuffer = 4096
	ioChunk         = 1024
	closeFlushLimit = 2 * time.Second
)

// Socket is a non-blocking TCP transport. Safe for concurrent use.
type Socket struct {
	mu   sync.Mutex
	cond *sync.Cond

	host   string
	rxCap  int
	txCap  int
	logger *slog.Logger
	now    func() time.Time

	state ConnState
	gen   uint64 // bumped on every teardown; stale goroutines compare and exit
	ln    net.Listener
	conn  net.Conn
	rx    bytes.Buffer
	tx    bytes.Buffer

	idle       time.Duration
	lastActive time.Time

	ephemeral int // port picked by the first Listen(0), reused after

	recvWaker stream.Waker
	sendWaker stream.Waker
}

// ConnState is re-exported for readability at call sites.
type ConnState = stream.ConnState

type Option func(*Socket)

// WithHost sets the address the listener binds to (default all interfaces).
func WithHost(h string) Option { return func(s *Socket) { s.host = h } }

func WithBufferSizes(rx, tx int) Option {
	return func(s *Socket) {
		if rx > 0 {
			s.rxCap = rx
		}
		if tx > 0 {
			s.txCap = tx
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Socket) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the clock used for the idle timeout.
func WithClock(now func() time.Time) Option {
	return func(s *Socket) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a closed socket.
func New(opts ...Option) *Socket {
	s := &Socket{
		rxCap:  defaultRxBuffer,
		txCap:  defaultTxBuffer,
		logger: logging.L(),
		now:    time.Now,
		state:  stream.StateClosed,
	}
	s.cond = sync.NewCond(&s.mu)
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With("component", "tcpstream")
	return s
}

var _ stream.Transport = (*Socket)(nil)
var _ stream.Notifier = (*Socket)(nil)
var _ stream.RecvQueuer = (*Socket)(nil)

// Addr returns the bound listener or local connection address, or "" when closed.
func (s *Socket) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.ln != nil:
		return s.ln.Addr().String()
	case s.conn != nil:
		return s.conn.LocalAddr().String()
	}
	return ""
}

// RemoteAddr returns the connected peer address, or "".
func (s *Socket) RemoteAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return ""
	}
	return s.conn.RemoteAddr().String()
}

// Listen binds the port and accepts exactly one connection in the background.
// Port 0 binds an ephemeral port once; later Listen(0) calls rebind that same
// port so the advertised service address stays valid across connections.
func (s *Socket) Listen(port uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stream.StateClosed {
		return fmt.Errorf("%w: listen in state %s", stream.ErrInvalidState, s.state)
	}
	p := int(port)
	if p == 0 {
		p = s.ephemeral
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(s.host, strconv.Itoa(p)))
	if err != nil {
		return err
	}
	if port == 0 && s.ephemeral == 0 {
		if ta, ok := ln.Addr().(*net.TCPAddr); ok {
			s.ephemeral = ta.Port
		}
	}
	s.gen++
	s.ln = ln
	s.state = stream.StateListen
	s.rx.Reset()
	s.tx.Reset()
	go s.accept(ln, s.gen)
	return nil
}

func (s *Socket) accept(ln net.Listener, gen uint64) {
	conn, err := ln.Accept()
	_ = ln.Close() // one connection per listen
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	s.ln = nil
	if err != nil {
		s.state = stream.StateClosed
		s.mu.Unlock()
		s.logger.Warn("accept_failed", "error", err)
		return
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(30 * time.Second)
	}
	s.conn = conn
	s.state = stream.StateEstablished
	s.lastActive = s.now()
	w := s.sendWaker
	s.mu.Unlock()

	s.logger.Info("peer_connected", "remote", conn.RemoteAddr().String())
	go s.reader(conn, gen)
	go s.writer(conn, gen)
	wake(w)
}

func (s *Socket) reader(conn net.Conn, gen uint64) {
	buf := make([]byte, ioChunk)
	for {
		s.mu.Lock()
		for gen == s.gen && s.rx.Len() >= s.rxCap {
			s.cond.Wait()
		}
		if gen != s.gen {
			s.mu.Unlock()
			return
		}
		room := min(s.rxCap-s.rx.Len(), len(buf))
		s.mu.Unlock()

		n, err := conn.Read(buf[:room])

		s.mu.Lock()
		if gen != s.gen {
			s.mu.Unlock()
			return
		}
		var w stream.Waker
		if n > 0 {
			s.rx.Write(buf[:n])
			s.lastActive = s.now()
			w = s.recvWaker
		}
		if err != nil {
			if errors.Is(err, io.EOF) && s.state == stream.StateEstablished {
				s.state = stream.StateCloseWait
				s.logger.Info("peer_half_closed")
			} else if s.state != stream.StateClosing {
				s.logger.Warn("conn_read_error", "error", err)
				s.abortLocked()
			}
			rw, sw := s.recvWaker, s.sendWaker
			s.mu.Unlock()
			wake(rw)
			wake(sw)
			return
		}
		s.mu.Unlock()
		wake(w)
	}
}

func (s *Socket) writer(conn net.Conn, gen uint64) {
	chunk := make([]byte, ioChunk)
	for {
		s.mu.Lock()
		for gen == s.gen && s.tx.Len() == 0 && s.state != stream.StateClosing {
			s.cond.Wait()
		}
		if gen != s.gen {
			s.mu.Unlock()
			return
		}
		if s.tx.Len() == 0 { // closing and flushed
			s.finishCloseLocked()
			s.mu.Unlock()
			return
		}
		n := copy(chunk, s.tx.Bytes())
		closing := s.state == stream.StateClosing
		s.mu.Unlock()

		if closing {
			_ = conn.SetWriteDeadline(time.Now().Add(closeFlushLimit))
		}
		wn, err := conn.Write(chunk[:n])

		s.mu.Lock()
		if gen != s.gen {
			s.mu.Unlock()
			return
		}
		s.tx.Next(wn)
		if wn > 0 {
			s.lastActive = s.now()
		}
		w := s.sendWaker
		if err != nil {
			s.logger.Warn("conn_write_error", "error", err)
			s.abortLocked()
			rw := s.recvWaker
			s.mu.Unlock()
			wake(rw)
			wake(w)
			return
		}
		s.mu.Unlock()
		wake(w)
	}
}

// finishCloseLocked sends FIN after the transmit buffer drained and releases the connection.
func (s *Socket) finishCloseLocked() {
	if tcp, ok := s.conn.(*net.TCPConn); ok {
		_ = tcp.CloseWrite()
	}
	s.abortLocked()
}

// abortLocked drops the connection or listener immediately.
func (s *Socket) abortLocked() {
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	if s.ln != nil {
		_ = s.ln.Close()
		s.ln = nil
	}
	s.gen++
	s.state = stream.StateClosed
	s.rx.Reset()
	s.tx.Reset()
	s.cond.Broadcast()
}

// checkIdleLocked aborts a connection that saw no traffic for the idle timeout.
func (s *Socket) checkIdleLocked() {
	if s.idle <= 0 || s.conn == nil {
		return
	}
	if s.now().Sub(s.lastActive) > s.idle {
		s.logger.Warn("idle_timeout", "idle", s.idle, "state", s.state.String())
		s.abortLocked()
	}
}

// Close requests an orderly close. A listener is dropped at once; a
// connection flushes queued bytes first and then sends FIN.
func (s *Socket) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case stream.StateListen:
		s.abortLocked()
	case stream.StateEstablished, stream.StateCloseWait:
		s.state = stream.StateClosing
		s.cond.Broadcast()
	}
}

// Abort drops any listener or connection without flushing.
func (s *Socket) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.abortLocked()
}

func (s *Socket) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkIdleLocked()
	return s.state
}

func (s *Socket) IsOpen() bool {
	return s.State() != stream.StateClosed
}

func (s *Socket) IsListening() bool {
	return s.State() == stream.StateListen
}

func (s *Socket) CanSend() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkIdleLocked()
	return maySend(s.state) && s.tx.Len() < s.txCap
}

func (s *Socket) CanRecv() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rx.Len() > 0
}

// RecvQueue returns the number of received bytes waiting to be read.
func (s *Socket) RecvQueue() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rx.Len()
}

func (s *Socket) SendBuffered(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !maySend(s.state) {
		return fmt.Errorf("%w: send in state %s", stream.ErrInvalidState, s.state)
	}
	if s.txCap-s.tx.Len() < len(p) {
		return stream.ErrBufferFull
	}
	s.tx.Write(p)
	s.cond.Broadcast()
	return nil
}

// RecvBuffered reads buffered bytes. It returns io.EOF once the peer closed
// and everything was consumed.
func (s *Socket) RecvBuffered(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rx.Len() == 0 {
		switch s.state {
		case stream.StateEstablished:
			return 0, nil
		case stream.StateCloseWait, stream.StateClosing:
			return 0, io.EOF
		default:
			return 0, fmt.Errorf("%w: recv in state %s", stream.ErrInvalidState, s.state)
		}
	}
	n, _ := s.rx.Read(p)
	s.cond.Broadcast()
	return n, nil
}

func (s *Socket) SetIdleTimeout(d time.Duration) {
	s.mu.Lock()
	s.idle = d
	s.mu.Unlock()
}

// RegisterRecvWaker replaces the waker signalled when bytes arrive.
func (s *Socket) RegisterRecvWaker(w stream.Waker) {
	s.mu.Lock()
	s.recvWaker = w
	s.mu.Unlock()
}

// RegisterSendWaker replaces the waker signalled when transmit space frees up.
func (s *Socket) RegisterSendWaker(w stream.Waker) {
	s.mu.Lock()
	s.sendWaker = w
	s.mu.Unlock()
}

func maySend(st ConnState) bool {
	return st == stream.StateEstablished || st == stream.StateCloseWait
}

func wake(w stream.Waker) {
	if w != nil {
		w.Wake()
	}
}
