package packet

import (
	"errors"
	"fmt"
	"io"

	"github.com/kstaniek/go-can-tunnel/internal/metrics"
)

// Kind tells a frame slot apart from a heartbeat slot in tagged mode.
type Kind uint8

const (
	KindUnknown   Kind = 0x00
	KindFrame     Kind = 0x01
	KindHeartbeat Kind = 0x02
)

func (k Kind) String() string {
	switch k {
	case KindFrame:
		return "frame"
	case KindHeartbeat:
		return "heartbeat"
	default:
		return fmt.Sprintf("kind(0x%02X)", uint8(k))
	}
}

// ErrUnknownKind is returned in tagged mode for an unrecognised kind byte.
var ErrUnknownKind = errors.New("packet: unknown record kind")

// Record is one decoded slot following the identity packet.
type Record struct {
	Kind      Kind
	Frame     Frame
	Heartbeat Heartbeat
}

// Codec builds and parses wire records. Stateless and safe for concurrent use.
//
// With Tagged unset every slot is FrameSize bytes and a heartbeat cannot be
// told apart from a frame; decoders report every slot as KindFrame. With
// Tagged set each slot carries a leading kind byte.
type Codec struct {
	Tagged bool
}

// RecordSize is the width of one slot after the identity packet.
func (c Codec) RecordSize() int {
	if c.Tagged {
		return FrameSize + 1
	}
	return FrameSize
}

// EncodeIdentity returns the identity packet: header followed by a zeroed frame slot.
// The identity packet is never tagged.
func (c Codec) EncodeIdentity(h Header) []byte {
	b := make([]byte, IdentitySize)
	h.Put(b[:HeaderSize])
	return b
}

// EncodeFrame returns one frame slot.
func (c Codec) EncodeFrame(f Frame) []byte {
	b, body := c.slot(KindFrame)
	f.Put(body)
	return b
}

// EncodeHeartbeat returns one heartbeat slot.
func (c Codec) EncodeHeartbeat(hb Heartbeat) []byte {
	b, body := c.slot(KindHeartbeat)
	hb.Put(body)
	return b
}

func (c Codec) slot(k Kind) (b, body []byte) {
	b = make([]byte, c.RecordSize())
	if c.Tagged {
		b[0] = byte(k)
		return b, b[1:]
	}
	return b, b
}

// DecodeRecord parses exactly one slot.
func (c Codec) DecodeRecord(b []byte) (Record, error) {
	var r Record
	if len(b) != c.RecordSize() {
		metrics.IncIncomplete()
		return r, fmt.Errorf("%w: slot %d bytes, want %d", ErrIncomplete, len(b), c.RecordSize())
	}
	r.Kind = KindFrame
	if c.Tagged {
		r.Kind = Kind(b[0])
		b = b[1:]
	}
	var err error
	switch r.Kind {
	case KindFrame:
		r.Frame, err = ParseFrame(b)
	case KindHeartbeat:
		r.Heartbeat, err = ParseHeartbeat(b)
	default:
		metrics.IncMalformed()
		return r, fmt.Errorf("%w: 0x%02X", ErrUnknownKind, uint8(r.Kind))
	}
	return r, err
}

// ReadIdentity reads the identity packet that opens a connection and returns its header.
func (c Codec) ReadIdentity(r io.Reader) (Header, error) {
	var b [IdentitySize]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return Header{}, err
	}
	return ParseHeader(b[:HeaderSize])
}

// Decode reads exactly one slot from r.
// It returns io.EOF if called at a clean slot boundary and no more data is available.
func (c Codec) Decode(r io.Reader) (Record, error) {
	b := make([]byte, c.RecordSize())
	if _, err := io.ReadFull(r, b); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			metrics.IncIncomplete()
			return Record{}, fmt.Errorf("packet decode: %w", ErrIncomplete)
		}
		return Record{}, err
	}
	return c.DecodeRecord(b)
}
