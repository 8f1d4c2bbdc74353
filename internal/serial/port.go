package serial

import (
	"errors"
	"fmt"
	"time"

	"github.com/tarm/serial"
)

// Port is the part of a serial device the backend needs; fakes stand in for it in tests.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

var ErrBadPortConfig = errors.New("serial: invalid port config")

// Open opens the adapter device raw, 8N1. A zero readTimeout blocks reads
// until data arrives, which stalls shutdown of the RX loop.
func Open(name string, baud int, readTimeout time.Duration) (Port, error) {
	if name == "" || baud <= 0 {
		return nil, fmt.Errorf("%w: device %q baud %d", ErrBadPortConfig, name, baud)
	}
	p, err := serial.OpenPort(&serial.Config{
		Name:        name,
		Baud:        baud,
		ReadTimeout: readTimeout,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	return p, nil
}
