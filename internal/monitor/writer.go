package monitor

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/kstaniek/go-can-tunnel/internal/can"
	"github.com/kstaniek/go-can-tunnel/internal/packet"
)

// startWriter launches the goroutine pushing queued frames to the gateway in batches.
func (c *Client) startWriter(ctx context.Context, conn net.Conn) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		t := time.NewTicker(c.flushInterval)
		defer t.Stop()
		payload := make([]byte, 0, c.batchSize*c.codec.RecordSize())
		n := 0
		flush := func() error {
			if n == 0 {
				return nil
			}
			_, err := conn.Write(payload)
			payload, n = payload[:0], 0
			if err != nil {
				wrap := fmt.Errorf("%w: %v", ErrConnWrite, err)
				c.setError(wrap)
				return wrap
			}
			return nil
		}
		add := func(fr can.Frame) {
			wf, err := packet.FromCAN(fr)
			if err != nil {
				return // Send already rejected these
			}
			payload = append(payload, c.codec.EncodeFrame(wf)...)
			n++
			c.sent.Add(1)
		}
		for {
			select {
			case fr := <-c.out:
				add(fr)
				if n >= c.batchSize {
					if err := flush(); err != nil {
						return
					}
				}
			case <-t.C:
				if err := flush(); err != nil {
					return
				}
			case <-ctx.Done():
				_ = flush()
				return
			}
		}
	}()
}
