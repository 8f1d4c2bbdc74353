package session

import (
	"errors"
	"fmt"

	"github.com/kstaniek/go-can-tunnel/internal/metrics"
	"github.com/kstaniek/go-can-tunnel/internal/packet"
)

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrBind       = errors.New("bind")
	ErrSend       = errors.New("send")
	ErrRecv       = errors.New("recv")
	ErrNoNotifier = errors.New("transport has no readiness notifier")

	ErrNotWritable         = fmt.Errorf("%w: transport not writable", ErrSend)
	ErrHandshakeIncomplete = fmt.Errorf("%w: identity not sent", ErrSend)
)

// mapErrToMetric maps wrapped sentinel errors to metrics labels.
func mapErrToMetric(err error) string {
	switch {
	case errors.Is(err, ErrBind):
		return metrics.ErrTunnelBind
	case errors.Is(err, ErrRecv), errors.Is(err, packet.ErrIncomplete):
		return metrics.ErrTunnelRead
	case errors.Is(err, ErrSend):
		return metrics.ErrTunnelWrite
	default:
		return "other"
	}
}
