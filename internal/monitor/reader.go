package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/kstaniek/go-can-tunnel/internal/metrics"
	"github.com/kstaniek/go-can-tunnel/internal/packet"
)

// readLoop decodes records until the gateway closes or ctx ends. Read
// deadlines only let the loop notice cancellation; a quiet link is not an error.
// Bytes of a record split across a deadline are kept, so slots stay aligned.
func (c *Client) readLoop(ctx context.Context, conn net.Conn) error {
	slot := make([]byte, c.codec.RecordSize())
	filled := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		_ = conn.SetReadDeadline(time.Now().Add(c.readDeadline))
		n, err := conn.Read(slot[filled:])
		filled += n
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if errors.Is(err, io.EOF) {
				if filled > 0 {
					metrics.IncIncomplete()
					c.logger.Debug("record_truncated", "bytes", filled)
				}
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			wrap := fmt.Errorf("%w: %v", ErrConnRead, err)
			c.setError(wrap)
			return wrap
		}
		if filled < len(slot) {
			continue
		}
		filled = 0
		rec, err := c.codec.DecodeRecord(slot)
		if err != nil {
			c.logger.Debug("record_skipped", "error", err)
			continue
		}
		c.dispatch(rec)
	}
}

func (c *Client) dispatch(rec packet.Record) {
	switch rec.Kind {
	case packet.KindHeartbeat:
		c.heartbeats.Add(1)
		if c.onHeartbeat != nil {
			c.onHeartbeat(rec.Heartbeat)
		}
	default:
		c.frames.Add(1)
		if c.onFrame != nil {
			c.onFrame(rec.Frame.CAN())
		}
	}
}
