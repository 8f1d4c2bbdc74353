package can

import "fmt"

// SocketCAN flag bits for can_id (same values as <linux/can.h>)
const (
	CAN_EFF_FLAG = 0x80000000
	CAN_RTR_FLAG = 0x40000000
	CAN_ERR_FLAG = 0x20000000
	CAN_SFF_MASK = 0x7FF
	CAN_EFF_MASK = 0x1FFFFFFF
)

// MaxClassicLen is the payload limit of a classic (non-FD) CAN frame.
const MaxClassicLen = 8

// Frame is the CAN frame value passed between bus adapters and the tunnel session.
// CANID carries EFF/RTR/ERR flags in its upper bits like SocketCAN.
// Len is the payload length; only the first Len bytes of Data are valid.
// Data is sized for CAN FD so adapters can hand over anything they read; the
// tunnel wire format only carries classic frames.
type Frame struct {
	CANID uint32
	Len   uint8
	Data  [64]byte
}

// ID returns the identifier without flag bits.
func (f Frame) ID() uint32 {
	if f.Extended() {
		return f.CANID & CAN_EFF_MASK
	}
	return f.CANID & CAN_SFF_MASK
}

func (f Frame) Extended() bool { return f.CANID&CAN_EFF_FLAG != 0 }
func (f Frame) Remote() bool   { return f.CANID&CAN_RTR_FLAG != 0 }
func (f Frame) IsError() bool  { return f.CANID&CAN_ERR_FLAG != 0 }

// Payload returns the valid payload bytes.
func (f *Frame) Payload() []byte {
	n := int(f.Len)
	if n > len(f.Data) {
		n = len(f.Data)
	}
	return f.Data[:n]
}

func (f Frame) String() string {
	return fmt.Sprintf("0x%X[%d] % X", f.ID(), f.Len, f.Payload())
}

// New builds a frame from an identifier and payload. Identifiers above the
// 11-bit range are marked extended.
func New(id uint32, data ...byte) Frame {
	var f Frame
	if id > CAN_SFF_MASK {
		f.CANID = (id & CAN_EFF_MASK) | CAN_EFF_FLAG
	} else {
		f.CANID = id
	}
	f.Len = uint8(copy(f.Data[:], data))
	return f
}

func (f Frame) CopyShallow() Frame { // handy for tests
	var g Frame
	g.CANID, g.Len = f.CANID, f.Len
	copy(g.Data[:], f.Data[:])
	return g
}
