// Package capture records tunnelled CAN traffic as a stream of CBOR records.
package capture

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/kstaniek/go-can-tunnel/internal/can"
)

// Direction of a captured frame relative to the gateway.
type Direction string

const (
	DirBusToPeer Direction = "bus>peer"
	DirPeerToBus Direction = "peer>bus"
)

// Record is one captured frame.
type Record struct {
	Time  time.Time `cbor:"1,keyasint"`
	Dir   Direction `cbor:"2,keyasint"`
	CANID uint32    `cbor:"3,keyasint"`
	Data  []byte    `cbor:"4,keyasint"`
}

// Frame rebuilds the captured frame.
func (r Record) Frame() can.Frame {
	f := can.Frame{CANID: r.CANID}
	f.Len = uint8(copy(f.Data[:], r.Data))
	return f
}

var encMode = func() cbor.EncMode {
	em, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// Writer appends records to an io.Writer. Safe for concurrent use.
type Writer struct {
	mu    sync.Mutex
	bw    *bufio.Writer
	enc   *cbor.Encoder
	c     io.Closer
	count uint64
}

// NewWriter wraps w; if w is an io.Closer, Close closes it.
func NewWriter(w io.Writer) *Writer {
	bw := bufio.NewWriter(w)
	cw := &Writer{bw: bw, enc: encMode.NewEncoder(bw)}
	if c, ok := w.(io.Closer); ok {
		cw.c = c
	}
	return cw
}

// Create opens path for appending.
func Create(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("capture open: %w", err)
	}
	return NewWriter(f), nil
}

// Write records one frame.
func (w *Writer) Write(dir Direction, fr can.Frame, at time.Time) error {
	rec := Record{Time: at.UTC(), Dir: dir, CANID: fr.CANID, Data: append([]byte(nil), fr.Payload()...)}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enc.Encode(rec); err != nil {
		return fmt.Errorf("capture encode: %w", err)
	}
	w.count++
	return nil
}

// Count returns the number of records written.
func (w *Writer) Count() uint64 { w.mu.Lock(); defer w.mu.Unlock(); return w.count }

// Flush pushes buffered records to the underlying writer.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.bw.Flush()
}

// Close flushes and closes the underlying file.
func (w *Writer) Close() error {
	err := w.Flush()
	if w.c != nil {
		if cerr := w.c.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Reader decodes records written by Writer.
type Reader struct {
	dec *cbor.Decoder
}

func NewReader(r io.Reader) *Reader { return &Reader{dec: cbor.NewDecoder(r)} }

// Next returns the next record or io.EOF at the end of the stream.
func (r *Reader) Next() (Record, error) {
	var rec Record
	if err := r.dec.Decode(&rec); err != nil {
		if errors.Is(err, io.EOF) {
			return rec, io.EOF
		}
		return rec, fmt.Errorf("capture decode: %w", err)
	}
	return rec, nil
}
