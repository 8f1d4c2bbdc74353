//go:build !linux

package socketcan

import "errors"

// ErrUnsupported is returned by the gateway's socketcan backend off Linux; AF_CAN only exists there.
var ErrUnsupported = errors.New("socketcan: AF_CAN requires linux")
