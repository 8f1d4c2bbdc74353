// Command can-monitor connects to a CAN tunnel gateway and prints what it relays.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kstaniek/go-can-tunnel/internal/can"
	"github.com/kstaniek/go-can-tunnel/internal/capture"
	"github.com/kstaniek/go-can-tunnel/internal/logging"
	"github.com/kstaniek/go-can-tunnel/internal/monitor"
	"github.com/kstaniek/go-can-tunnel/internal/packet"
)

type options struct {
	addr        string
	discover    bool
	discoverTO  time.Duration
	tagged      bool
	capturePath string
	send        frameList
	logFormat   string
	logLevel    string
}

func parseOptions(args []string) (*options, error) {
	o := &options{}
	fs := flag.NewFlagSet("can-monitor", flag.ContinueOnError)
	fs.StringVar(&o.addr, "addr", fmt.Sprintf("127.0.0.1:%d", packet.DefaultPort), "Gateway address host:port")
	fs.BoolVar(&o.discover, "discover", false, "Find the gateway via mDNS instead of -addr")
	fs.DurationVar(&o.discoverTO, "discover-timeout", 3*time.Second, "How long to browse for gateways")
	fs.BoolVar(&o.tagged, "tagged", false, "Gateway runs with tagged records")
	fs.StringVar(&o.capturePath, "capture", "", "Append received frames to this CBOR capture file")
	fs.Var(&o.send, "send", "Frame to inject after connecting, cansend syntax (repeatable)")
	fs.StringVar(&o.logFormat, "log-format", "text", "Log format: text|json")
	fs.StringVar(&o.logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if _, err := logging.ParseLevel(o.logLevel); err != nil {
		return nil, err
	}
	return o, nil
}

func main() {
	o, err := parseOptions(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	lvl, _ := logging.ParseLevel(o.logLevel)
	l := logging.New(o.logFormat, lvl, os.Stderr).With("app", "can-monitor")
	logging.Set(l)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, o, l); err != nil {
		l.Error("monitor_error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, o *options, l *slog.Logger) error {
	addr := o.addr
	if o.discover {
		gw, err := discover(ctx, o.discoverTO)
		if err != nil {
			return err
		}
		l.Info("gateway_discovered", "instance", gw.instance, "addr", gw.addr, "txt", gw.txt)
		addr = gw.addr
	}

	var cw *capture.Writer
	if o.capturePath != "" {
		var err error
		if cw, err = capture.Create(o.capturePath); err != nil {
			return err
		}
		defer func() { _ = cw.Close() }()
	}

	c := monitor.New(addr,
		monitor.WithTagged(o.tagged),
		monitor.WithLogger(l),
		monitor.OnFrame(func(fr can.Frame) {
			l.Info("frame", "id", fmt.Sprintf("0x%X", fr.ID()), "ext", fr.Extended(), "rtr", fr.Remote(), "len", fr.Len, "data", fmt.Sprintf("% X", fr.Payload()))
			if cw != nil {
				if err := cw.Write(capture.DirBusToPeer, fr, time.Now()); err != nil {
					l.Warn("capture_write_failed", "error", err)
				}
			}
		}),
		monitor.OnHeartbeat(func(hb packet.Heartbeat) {
			l.Info("heartbeat", "mac", hb.HardwareAddr().String(), "bus", hb.BusNumber, "rate_kbps", hb.DataRate)
		}),
	)

	if len(o.send) > 0 {
		go inject(ctx, c, o.send, cw, l)
	}
	return c.Run(ctx)
}

// inject queues the -send frames once the gateway identified itself.
func inject(ctx context.Context, c *monitor.Client, frames []can.Frame, cw *capture.Writer, l *slog.Logger) {
	select {
	case <-c.Ready():
	case <-ctx.Done():
		return
	}
	for _, fr := range frames {
		if err := c.Send(fr); err != nil {
			l.Warn("send_failed", "frame", fr.String(), "error", err)
			continue
		}
		if cw != nil {
			_ = cw.Write(capture.DirPeerToBus, fr, time.Now())
		}
		l.Info("frame_sent", "frame", fr.String())
	}
}
