package session

import (
	"bytes"
	"time"

	"github.com/kstaniek/go-can-tunnel/internal/stream"
)

// fakeTransport is a scripted in-memory stream.Transport.
type fakeTransport struct {
	state     stream.ConnState
	listenErr error
	sendErr   error
	recvErr   error
	full      bool

	listens int
	closes  int
	idle    time.Duration
	sent    [][]byte
	rx      bytes.Buffer
}

func (f *fakeTransport) IsOpen() bool                   { return f.state != stream.StateClosed }
func (f *fakeTransport) IsListening() bool              { return f.state == stream.StateListen }
func (f *fakeTransport) State() stream.ConnState        { return f.state }
func (f *fakeTransport) SetIdleTimeout(d time.Duration) { f.idle = d }
func (f *fakeTransport) CanRecv() bool                  { return f.rx.Len() > 0 }

func (f *fakeTransport) Listen(uint16) error {
	f.listens++
	if f.listenErr != nil {
		return f.listenErr
	}
	f.state = stream.StateListen
	return nil
}

func (f *fakeTransport) Close() {
	f.closes++
	if f.state == stream.StateListen {
		f.state = stream.StateClosed
		return
	}
	f.state = stream.StateClosing
}

func (f *fakeTransport) CanSend() bool {
	return (f.state == stream.StateEstablished || f.state == stream.StateCloseWait) && !f.full
}

func (f *fakeTransport) SendBuffered(p []byte) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	if f.full {
		return stream.ErrBufferFull
	}
	f.sent = append(f.sent, append([]byte(nil), p...))
	return nil
}

func (f *fakeTransport) RecvBuffered(p []byte) (int, error) {
	if f.recvErr != nil {
		return 0, f.recvErr
	}
	if f.rx.Len() == 0 {
		return 0, nil
	}
	return f.rx.Read(p)
}

// queuedTransport additionally reports its receive queue.
type queuedTransport struct{ *fakeTransport }

func (q queuedTransport) RecvQueue() int { return q.rx.Len() }

type fakeNotifier struct {
	recv, send stream.Waker
}

func (n *fakeNotifier) RegisterRecvWaker(w stream.Waker) { n.recv = w }
func (n *fakeNotifier) RegisterSendWaker(w stream.Waker) { n.send = w }
