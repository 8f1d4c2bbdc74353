//go:build linux

package socketcan

import (
	"encoding/binary"
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/kstaniek/go-can-tunnel/internal/can"
)

// Device is a raw AF_CAN socket bound to one interface (classic frames only).
type Device struct {
	fd    int
	iface string
}

// Open binds a raw CAN socket to iface (e.g. can0, vcan0).
func Open(iface string) (*Device, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("socket(AF_CAN): %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, 0); err != nil && err != unix.ENOPROTOOPT {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("disable CAN FD: %w", err)
	}
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("if %q: %w", iface, err)
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: ifi.Index}); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind(can@%s): %w", iface, err)
	}
	return &Device{fd: fd, iface: iface}, nil
}

func (d *Device) Close() error { return unix.Close(d.fd) }

// ReadFrame reads one struct can_frame:
//
//	can_id  u32 [0:4] (EFF/RTR/ERR flags included, host order)
//	can_dlc u8  [4]
//	pad     3B  [5:8]
//	data    8B  [8:16]
func (d *Device) ReadFrame(fr *can.Frame) error {
	var buf [unix.CAN_MTU]byte
	n, err := unix.Read(d.fd, buf[:])
	if err != nil {
		return err
	}
	if n != unix.CAN_MTU {
		return fmt.Errorf("%s: short read %d", d.iface, n)
	}
	// little-endian hosts only; switch to BigEndian for BE targets
	fr.CANID = binary.LittleEndian.Uint32(buf[0:4])
	fr.Len = min(buf[4], can.MaxClassicLen)
	copy(fr.Data[:], buf[8:8+fr.Len])
	return nil
}

// WriteFrame writes one classic frame.
func (d *Device) WriteFrame(fr can.Frame) error {
	if fr.Len > can.MaxClassicLen {
		return fmt.Errorf("%s: length %d exceeds classic CAN", d.iface, fr.Len)
	}
	var buf [unix.CAN_MTU]byte
	binary.LittleEndian.PutUint32(buf[0:4], fr.CANID)
	buf[4] = fr.Len
	copy(buf[8:], fr.Data[:fr.Len])
	_, err := unix.Write(d.fd, buf[:])
	return err
}
