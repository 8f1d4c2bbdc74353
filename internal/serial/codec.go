// Package serial is the CAN bus adapter for Ampio-style UART gateways:
// frames travel as [0x2D 0xD4 len payload... checksum] envelopes.
package serial

import (
	"bytes"
	"encoding/binary"
	"errors"

	"github.com/kstaniek/go-can-tunnel/internal/can"
	"github.com/kstaniek/go-can-tunnel/internal/metrics"
)

const (
	preamble0 = 0x2D
	preamble1 = 0xD4

	insSendExt = 2 // INS: CAN UART send with extended id

	// envelope length byte = body + checksum, body = id(4) + payload(0..8) on RX
	minRxLen = 4 + 0 + 1
	maxRxLen = 4 + 8 + 1

	compactFloor = 1024
)

// ErrFrameTooLong is returned by Encode for payloads that do not fit a classic frame.
var ErrFrameTooLong = errors.New("serial: payload longer than 8 bytes")

type Codec struct{}

// envelope wraps body as [0x2D, 0xD4, len+1, body..., checksum] where
// checksum = 0x2D + (len+1) + sum(body) mod 256.
func envelope(body []byte) []byte {
	n := len(body)
	out := make([]byte, n+4)
	out[0] = preamble0
	out[1] = preamble1
	out[2] = byte(n + 1)
	sum := out[2] + preamble0
	for i, b := range body {
		out[3+i] = b
		sum += b
	}
	out[3+n] = sum
	return out
}

// Encode builds the TX envelope: INS(1) + FLAGS(1) + ID(4) + PAYLOAD.
func (Codec) Encode(f can.Frame) ([]byte, error) {
	if f.Len > can.MaxClassicLen {
		return nil, ErrFrameTooLong
	}
	body := make([]byte, 6+int(f.Len))
	body[0] = insSendExt
	body[1] = 0x80 | f.Len // classic frame marker + DLC
	binary.BigEndian.PutUint32(body[2:6], f.ID())
	copy(body[6:], f.Data[:f.Len])
	return envelope(body), nil
}

// compact drops the consumed prefix of b once unread bytes are a small share of
// the backing array, so garbage bursts do not pin memory.
func compact(b *bytes.Buffer) {
	data := b.Bytes()
	if len(data) < compactFloor || len(data)*4 >= cap(data) {
		return
	}
	keep := append([]byte(nil), data...)
	b.Reset()
	_, _ = b.Write(keep)
}

// DecodeStream consumes complete RX envelopes from in and emits one frame per
// envelope via out. Partial envelopes stay in the buffer; garbage and bad
// checksums are skipped one byte at a time until the stream resyncs.
//
// RX envelope: 2D D4 | len | id(4, BE) | payload(0..8) | checksum
func (Codec) DecodeStream(in *bytes.Buffer, out func(can.Frame)) {
	marker := []byte{preamble0, preamble1}
	for {
		compact(in)
		data := in.Bytes()
		if len(data) < 3 {
			return
		}
		i := bytes.Index(data, marker)
		if i < 0 {
			// keep the last byte, it may be the first half of a preamble
			last := data[len(data)-1]
			in.Reset()
			_ = in.WriteByte(last)
			return
		}
		if i > 0 {
			in.Next(i)
			continue
		}
		ln := int(data[2])
		if ln < minRxLen || ln > maxRxLen {
			metrics.IncMalformed()
			in.Next(1)
			continue
		}
		total := 3 + ln
		if len(data) < total {
			return
		}
		sum := byte(preamble0) + data[2]
		for _, b := range data[3 : total-1] {
			sum += b
		}
		if sum != data[total-1] {
			metrics.IncMalformed()
			in.Next(1)
			continue
		}
		payload := data[7 : total-1]
		var f can.Frame
		f.CANID = binary.BigEndian.Uint32(data[3:7])&can.CAN_EFF_MASK | can.CAN_EFF_FLAG
		f.Len = uint8(copy(f.Data[:], payload))
		out(f)
		metrics.IncSerialRx()
		in.Next(total)
	}
}
