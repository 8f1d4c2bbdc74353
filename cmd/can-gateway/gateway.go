package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/kstaniek/go-can-tunnel/internal/can"
	"github.com/kstaniek/go-can-tunnel/internal/capture"
	"github.com/kstaniek/go-can-tunnel/internal/metrics"
	"github.com/kstaniek/go-can-tunnel/internal/packet"
	"github.com/kstaniek/go-can-tunnel/internal/relay"
	"github.com/kstaniek/go-can-tunnel/internal/session"
	"github.com/kstaniek/go-can-tunnel/internal/stream"
	"github.com/kstaniek/go-can-tunnel/internal/tcpstream"
)

// gateway drives one tunnel session from a single goroutine: bus frames come
// out of the relay queue, peer frames go to the backend sender.
type gateway struct {
	sess   *session.Session
	sock   *tcpstream.Socket
	queue  *relay.Queue
	send   func(can.Frame) error
	capw   *capture.Writer // nil when capture is off
	logger *slog.Logger
	wake   stream.ChanWaker
	now    func() time.Time
}

func newGateway(sc session.Config, host string, q *relay.Queue, send func(can.Frame) error, cw *capture.Writer, l *slog.Logger) (*gateway, error) {
	sock := tcpstream.New(tcpstream.WithHost(host), tcpstream.WithLogger(l))
	g := &gateway{
		sock:   sock,
		queue:  q,
		send:   send,
		capw:   cw,
		logger: l.With("component", "gateway"),
		wake:   make(stream.ChanWaker, 1),
		now:    time.Now,
	}
	sess, err := session.New(sock, sc, g.now(), session.WithLogger(l))
	if err != nil {
		return nil, err
	}
	if err := sess.RegisterRecvWaker(g.wake); err != nil {
		return nil, err
	}
	if err := sess.RegisterSendWaker(g.wake); err != nil {
		return nil, err
	}
	g.sess = sess
	q.SetOpen(false)
	return g, nil
}

// addr returns the bound tunnel address once the first listen succeeded.
func (g *gateway) addr() string { return g.sock.Addr() }

func (g *gateway) ready() bool { return g.sock.IsOpen() }

// run loops until ctx is cancelled, then closes the connection and waits
// briefly for queued bytes to flush.
func (g *gateway) run(ctx context.Context) {
	t := time.NewTicker(pollInterval)
	defer t.Stop()
	for {
		g.step(g.now())
		select {
		case <-ctx.Done():
			g.shutdown()
			return
		case <-g.wake:
		case <-g.queue.Ready():
		case <-t.C:
		}
	}
}

func (g *gateway) shutdown() {
	g.sock.Close()
	deadline := time.Now().Add(500 * time.Millisecond)
	for g.sock.IsOpen() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	g.sock.Abort()
	metrics.SetSessionActive(false)
	g.logger.Info("gateway_stopped")
}

func (g *gateway) step(now time.Time) {
	g.sess.Poll(now)
	// bus traffic is only worth keeping while a peer got its identity
	g.queue.SetOpen(g.sess.IdentitySent())
	g.toPeer(now)
	g.fromPeer(now)
}

func (g *gateway) toPeer(now time.Time) {
	for {
		fr, ok := g.queue.Peek()
		if !ok {
			return
		}
		err := g.sess.SendFrame(fr)
		if errors.Is(err, packet.ErrUnrepresentable) {
			g.queue.Pop()
			g.logger.Debug("frame_unrepresentable", "frame", fr.String())
			continue
		}
		if err != nil {
			// not writable or buffer full: the frame stays queued
			if !errors.Is(err, session.ErrNotWritable) && !errors.Is(err, stream.ErrBufferFull) {
				g.logger.Debug("tunnel_send_failed", "error", err)
			}
			return
		}
		g.queue.Pop()
		g.record(capture.DirBusToPeer, fr, now)
	}
}

func (g *gateway) fromPeer(now time.Time) {
	for i := 0; i < maxRecvPerStep; i++ {
		before := g.sock.RecvQueue()
		fr, ok, err := g.sess.RecvFrame()
		if err != nil {
			g.logger.Debug("tunnel_recv_failed", "error", err)
			return
		}
		if !ok {
			if g.sock.RecvQueue() == before {
				return // nothing consumed, wait for more bytes
			}
			continue
		}
		if err := g.send(fr); err != nil {
			g.logger.Debug("bus_send_failed", "frame", fr.String(), "error", err)
			continue
		}
		g.record(capture.DirPeerToBus, fr, now)
	}
}

func (g *gateway) record(dir capture.Direction, fr can.Frame, at time.Time) {
	if g.capw == nil {
		return
	}
	if err := g.capw.Write(dir, fr, at); err != nil {
		metrics.IncError(metrics.ErrCapture)
		g.logger.Warn("capture_write_failed", "error", err)
	}
}
