package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/kstaniek/go-can-tunnel/internal/packet"
)

// Config bundles the per-gateway constants a session runs with.
type Config struct {
	Port              uint16
	ProtocolVersion   uint8
	BusNumber         uint8
	HeartbeatInterval time.Duration
	// IdleTimeout is handed to the transport at construction; zero disables it.
	IdleTimeout time.Duration
	MAC         [6]byte
	DataRate    uint16 // kbit/s, advertised in heartbeats
	// GreetingSize is the number of bytes discarded once per connection
	// before frame decoding starts.
	GreetingSize int
	// Tagged enables the record-kind byte in front of every slot.
	Tagged bool
}

// DefaultConfig returns the protocol defaults.
func DefaultConfig() Config {
	return Config{
		Port:              packet.DefaultPort,
		ProtocolVersion:   packet.ProtocolVersion,
		HeartbeatInterval: packet.HeartbeatInterval,
		IdleTimeout:       3 * time.Second,
		DataRate:          500,
		GreetingSize:      packet.FrameSize,
	}
}

// Validate checks value ranges only.
func (c Config) Validate() error {
	if c.HeartbeatInterval <= 0 {
		return errors.New("heartbeat interval must be > 0")
	}
	if c.IdleTimeout < 0 {
		return errors.New("idle timeout must be >= 0")
	}
	if c.IdleTimeout > 0 && c.IdleTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("idle timeout %v must exceed heartbeat interval %v", c.IdleTimeout, c.HeartbeatInterval)
	}
	if c.GreetingSize <= 0 || c.GreetingSize > packet.IdentitySize+packet.FrameSize {
		return fmt.Errorf("greeting size out of range: %d", c.GreetingSize)
	}
	return nil
}
