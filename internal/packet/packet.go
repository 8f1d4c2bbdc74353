package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/kstaniek/go-can-tunnel/internal/can"
)

// Protocol defaults.
const (
	DefaultPort       uint16 = 4876
	ProtocolVersion   uint8  = 1
	HeartbeatInterval        = time.Second
)

// Record widths. All layouts are fixed; there are no length prefixes.
const (
	HeaderSize    = 6                      // version(1) + bus(1) + client id(4)
	FrameSize     = 14                     // id(4) + flags(1) + dlc(1) + data(8)
	HeartbeatSize = FrameSize              // shares the frame slot
	IdentitySize  = HeaderSize + FrameSize // header + zero-filled frame slot
)

// Frame flag bits.
const (
	FlagExtended uint8 = 0x01
	FlagRemote   uint8 = 0x02
)

var (
	// ErrIncomplete is returned when a buffer does not hold exactly one record.
	ErrIncomplete = errors.New("packet: incomplete record")
	// ErrUnrepresentable is returned for CAN frames the wire layout cannot carry.
	ErrUnrepresentable = errors.New("packet: frame not representable")
)

// Header opens every connection (identity packet).
type Header struct {
	Version   uint8
	BusNumber uint8
	ClientID  uint32
}

// Put writes the header into b, which must hold HeaderSize bytes.
func (h Header) Put(b []byte) {
	_ = b[HeaderSize-1]
	b[0] = h.Version
	b[1] = h.BusNumber
	binary.BigEndian.PutUint32(b[2:6], h.ClientID)
}

// ParseHeader decodes a header from exactly HeaderSize bytes.
func ParseHeader(b []byte) (Header, error) {
	if len(b) != HeaderSize {
		return Header{}, fmt.Errorf("%w: header %d bytes", ErrIncomplete, len(b))
	}
	return Header{
		Version:   b[0],
		BusNumber: b[1],
		ClientID:  binary.BigEndian.Uint32(b[2:6]),
	}, nil
}

// Frame is one classic CAN frame as laid out on the wire.
type Frame struct {
	ID    uint32
	Flags uint8
	DLC   uint8
	Data  [8]byte
}

func (f Frame) Extended() bool { return f.Flags&FlagExtended != 0 }
func (f Frame) Remote() bool   { return f.Flags&FlagRemote != 0 }

// Put writes the frame into b, which must hold FrameSize bytes.
func (f Frame) Put(b []byte) {
	_ = b[FrameSize-1]
	binary.BigEndian.PutUint32(b[0:4], f.ID)
	b[4] = f.Flags
	b[5] = f.DLC
	copy(b[6:14], f.Data[:])
}

// ParseFrame decodes a frame from exactly FrameSize bytes.
func ParseFrame(b []byte) (Frame, error) {
	var f Frame
	if len(b) != FrameSize {
		return f, fmt.Errorf("%w: frame %d bytes", ErrIncomplete, len(b))
	}
	f.ID = binary.BigEndian.Uint32(b[0:4])
	f.Flags = b[4]
	f.DLC = b[5]
	copy(f.Data[:], b[6:14])
	return f, nil
}

// FromCAN converts a gateway frame into its wire record. Error frames, FD
// payloads and identifiers outside their 11/29-bit range are rejected.
func FromCAN(cf can.Frame) (Frame, error) {
	var f Frame
	switch {
	case cf.IsError():
		return f, fmt.Errorf("%w: error frame 0x%X", ErrUnrepresentable, cf.CANID)
	case cf.Len > can.MaxClassicLen:
		return f, fmt.Errorf("%w: length %d", ErrUnrepresentable, cf.Len)
	}
	raw := cf.CANID &^ (can.CAN_EFF_FLAG | can.CAN_RTR_FLAG | can.CAN_ERR_FLAG)
	if cf.Extended() {
		f.Flags |= FlagExtended
	} else if raw > can.CAN_SFF_MASK {
		return f, fmt.Errorf("%w: standard id 0x%X", ErrUnrepresentable, raw)
	}
	if cf.Remote() {
		f.Flags |= FlagRemote
	}
	f.ID = raw
	f.DLC = cf.Len
	copy(f.Data[:], cf.Data[:cf.Len])
	return f, nil
}

// CAN converts the wire record into a gateway frame. DLC values above 8 are
// clamped to 8 (classic CAN semantics for DLC 9..15).
func (f Frame) CAN() can.Frame {
	var cf can.Frame
	if f.Extended() {
		cf.CANID = (f.ID & can.CAN_EFF_MASK) | can.CAN_EFF_FLAG
	} else {
		cf.CANID = f.ID & can.CAN_SFF_MASK
	}
	if f.Remote() {
		cf.CANID |= can.CAN_RTR_FLAG
	}
	n := f.DLC
	if n > can.MaxClassicLen {
		n = can.MaxClassicLen
	}
	cf.Len = n
	copy(cf.Data[:n], f.Data[:n])
	return cf
}

// Heartbeat is the periodic liveness record. It occupies a frame slot.
type Heartbeat struct {
	MAC       [6]byte
	BusNumber uint8
	DataRate  uint16 // kbit/s
}

// HardwareAddr returns the MAC as a net.HardwareAddr.
func (hb Heartbeat) HardwareAddr() net.HardwareAddr {
	return net.HardwareAddr(append([]byte(nil), hb.MAC[:]...))
}

// Put writes the heartbeat into b, which must hold HeartbeatSize bytes.
// Bytes 9..13 are reserved and written as zero.
func (hb Heartbeat) Put(b []byte) {
	_ = b[HeartbeatSize-1]
	copy(b[0:6], hb.MAC[:])
	b[6] = hb.BusNumber
	binary.BigEndian.PutUint16(b[7:9], hb.DataRate)
	clear(b[9:HeartbeatSize])
}

// ParseHeartbeat decodes a heartbeat from exactly HeartbeatSize bytes.
func ParseHeartbeat(b []byte) (Heartbeat, error) {
	var hb Heartbeat
	if len(b) != HeartbeatSize {
		return hb, fmt.Errorf("%w: heartbeat %d bytes", ErrIncomplete, len(b))
	}
	copy(hb.MAC[:], b[0:6])
	hb.BusNumber = b[6]
	hb.DataRate = binary.BigEndian.Uint16(b[7:9])
	return hb, nil
}
