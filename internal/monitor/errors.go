package monitor

import (
	"errors"

	"github.com/kstaniek/go-can-tunnel/internal/metrics"
)

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrDial      = errors.New("dial")
	ErrHandshake = errors.New("handshake")
	ErrConnRead  = errors.New("conn_read")
	ErrConnWrite = errors.New("conn_write")
	ErrOutFull   = errors.New("outgoing queue full")
	ErrNotReady  = errors.New("identity not received")
)

// mapErrToMetric maps wrapped sentinel errors to metrics labels.
func mapErrToMetric(err error) string {
	switch {
	case errors.Is(err, ErrConnRead):
		return metrics.ErrTunnelRead
	case errors.Is(err, ErrConnWrite):
		return metrics.ErrTunnelWrite
	case errors.Is(err, ErrHandshake):
		return metrics.ErrHandshake
	case errors.Is(err, ErrDial):
		return metrics.ErrTunnelBind
	default:
		return "other"
	}
}
