package monitor

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/kstaniek/go-can-tunnel/internal/can"
	"github.com/kstaniek/go-can-tunnel/internal/logging"
	"github.com/kstaniek/go-can-tunnel/internal/packet"
	"github.com/kstaniek/go-can-tunnel/internal/session"
	"github.com/kstaniek/go-can-tunnel/internal/tcpstream"
)

// tunnel is a minimal gateway: one session on a loopback socket, polled
// from a single goroutine.
type tunnel struct {
	sock    *tcpstream.Socket
	toBus   chan can.Frame
	fromBus chan can.Frame
}

func startTunnel(t *testing.T, tagged bool) *tunnel {
	t.Helper()
	cfg := session.DefaultConfig()
	cfg.Port = 0
	cfg.BusNumber = 2
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.IdleTimeout = 0
	cfg.Tagged = tagged
	tn := &tunnel{
		sock:    tcpstream.New(tcpstream.WithHost("127.0.0.1"), tcpstream.WithLogger(logging.Discard())),
		toBus:   make(chan can.Frame, 8),
		fromBus: make(chan can.Frame, 8),
	}
	sess, err := session.New(tn.sock, cfg, time.Now(), session.WithLogger(logging.Discard()))
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		var pending *can.Frame
		for ctx.Err() == nil {
			sess.Poll(time.Now())
			if pending == nil {
				select {
				case fr := <-tn.fromBus:
					pending = &fr
				default:
				}
			}
			if pending != nil && sess.SendFrame(*pending) == nil {
				pending = nil
			}
			if fr, ok, _ := sess.RecvFrame(); ok {
				tn.toBus <- fr
			}
			time.Sleep(time.Millisecond)
		}
	}()
	t.Cleanup(func() { cancel(); <-done; tn.sock.Abort() })
	deadline := time.Now().Add(2 * time.Second)
	for tn.sock.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatalf("tunnel never listened")
		}
		time.Sleep(time.Millisecond)
	}
	return tn
}

func TestClient_Tagged(t *testing.T) {
	tn := startTunnel(t, true)
	frames := make(chan can.Frame, 8)
	heartbeats := make(chan packet.Heartbeat, 64)
	c := New(tn.sock.Addr(),
		WithTagged(true),
		WithLogger(logging.Discard()),
		WithReadDeadline(50*time.Millisecond),
		OnFrame(func(fr can.Frame) { frames <- fr }),
		OnHeartbeat(func(hb packet.Heartbeat) {
			select {
			case heartbeats <- hb:
			default:
			}
		}),
	)
	if err := c.Send(can.New(0x1)); !errors.Is(err, ErrNotReady) {
		t.Fatalf("send before identity: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()

	select {
	case <-c.Ready():
	case <-time.After(2 * time.Second):
		t.Fatalf("no identity")
	}
	if h, ok := c.Identity(); !ok || h.BusNumber != 2 || h.Version != packet.ProtocolVersion {
		t.Fatalf("identity %+v %v", h, ok)
	}

	// client -> bus
	if err := c.Send(can.New(0x1ABCDE, 4, 5)); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case fr := <-tn.toBus:
		if fr.ID() != 0x1ABCDE || !fr.Extended() || fr.Len != 2 {
			t.Fatalf("bus got %v", fr)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("frame never reached the bus")
	}

	// bus -> client
	tn.fromBus <- can.New(0x7FF, 1)
	select {
	case fr := <-frames:
		if fr.ID() != 0x7FF || fr.Len != 1 {
			t.Fatalf("client got %v", fr)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("frame never reached the client")
	}

	select {
	case hb := <-heartbeats:
		if hb.BusNumber != 2 || hb.DataRate != 500 {
			t.Fatalf("heartbeat %+v", hb)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no heartbeat")
	}

	cancel()
	if err := <-runErr; err != nil {
		t.Fatalf("run: %v", err)
	}
	gotFrames, gotHB, sent := c.Stats()
	if gotFrames != 1 || gotHB == 0 || sent != 1 {
		t.Fatalf("stats frames=%d heartbeats=%d sent=%d", gotFrames, gotHB, sent)
	}
}

func TestClient_UntaggedSeesHeartbeatsAsFrames(t *testing.T) {
	tn := startTunnel(t, false)
	frames := make(chan can.Frame, 64)
	c := New(tn.sock.Addr(), WithLogger(logging.Discard()), OnFrame(func(fr can.Frame) {
		select {
		case frames <- fr:
		default:
		}
	}))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	select {
	case <-frames:
	case <-time.After(2 * time.Second):
		t.Fatalf("no slot received")
	}
	if _, hb, _ := c.Stats(); hb != 0 {
		t.Fatalf("untagged stream cannot report heartbeats, got %d", hb)
	}
}

func TestClient_SendRejectsUnrepresentable(t *testing.T) {
	c := New("127.0.0.1:1", WithLogger(logging.Discard()))
	fd := can.New(0x10)
	fd.Len = 12
	if err := c.Send(fd); !errors.Is(err, packet.ErrUnrepresentable) {
		t.Fatalf("fd frame: %v", err)
	}
}

func TestClient_DialError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	c := New(addr, WithLogger(logging.Discard()))
	err = c.Run(context.Background())
	if !errors.Is(err, ErrDial) {
		t.Fatalf("want ErrDial, got %v", err)
	}
	if !errors.Is(c.LastError(), ErrDial) {
		t.Fatalf("last error %v", c.LastError())
	}
}

func TestClient_HandshakeTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			defer conn.Close()
			time.Sleep(time.Second) // never sends an identity
		}
	}()
	c := New(ln.Addr().String(), WithLogger(logging.Discard()), WithHandshakeTimeout(100*time.Millisecond))
	if err := c.Run(context.Background()); !errors.Is(err, ErrHandshake) {
		t.Fatalf("want ErrHandshake, got %v", err)
	}
}

func TestClient_RecordSplitAcrossReadDeadline(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	var codec packet.Codec
	first := codec.EncodeFrame(packet.Frame{ID: 0x111, DLC: 1, Data: [8]byte{0xAA}})
	second := codec.EncodeFrame(packet.Frame{ID: 0x222, DLC: 1, Data: [8]byte{0xBB}})
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = conn.Read(make([]byte, packet.FrameSize)) // greeting
		_, _ = conn.Write(codec.EncodeIdentity(packet.Header{Version: packet.ProtocolVersion, BusNumber: 1}))
		_, _ = conn.Write(first[:7])
		time.Sleep(150 * time.Millisecond) // three read deadlines expire mid-record
		_, _ = conn.Write(append(first[7:], second...))
	}()

	var ids []uint32
	c := New(ln.Addr().String(),
		WithLogger(logging.Discard()),
		WithReadDeadline(50*time.Millisecond),
		OnFrame(func(fr can.Frame) { ids = append(ids, fr.ID()) }),
	)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(ids) != 2 || ids[0] != 0x111 || ids[1] != 0x222 {
		t.Fatalf("frame ids %#x, want [0x111 0x222]", ids)
	}
}
