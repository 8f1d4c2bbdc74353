package capture

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kstaniek/go-can-tunnel/internal/can"
)

func TestWriterReaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	t0 := time.Date(2026, 1, 2, 3, 4, 5, 6000, time.UTC)
	frames := []can.Frame{can.New(0x123, 1, 2, 3), can.New(0x18FF50E5)}
	if err := w.Write(DirBusToPeer, frames[0], t0); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Write(DirPeerToBus, frames[1], t0.Add(time.Millisecond)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if w.Count() != 2 {
		t.Fatalf("count %d", w.Count())
	}

	r := NewReader(&buf)
	for i, want := range frames {
		rec, err := r.Next()
		if err != nil {
			t.Fatalf("next %d: %v", i, err)
		}
		got := rec.Frame()
		if got.CANID != want.CANID || !bytes.Equal(got.Payload(), want.Payload()) {
			t.Fatalf("record %d: got %v want %v", i, got, want)
		}
	}
	if _, err := r.Next(); err != io.EOF {
		t.Fatalf("want io.EOF, got %v", err)
	}
}

func TestCreateAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.cbor")
	at := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 2; i++ {
		w, err := Create(path)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := w.Write(DirBusToPeer, can.New(uint32(0x100+i)), at); err != nil {
			t.Fatalf("write: %v", err)
		}
		if err := w.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
	}
	data, err := readFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	r := NewReader(bytes.NewReader(data))
	var n int
	for {
		rec, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if !rec.Time.Equal(at) || rec.Dir != DirBusToPeer {
			t.Fatalf("record %d: %+v", n, rec)
		}
		n++
	}
	if n != 2 {
		t.Fatalf("expected 2 records after append, got %d", n)
	}
}

func readFile(path string) ([]byte, error) { return os.ReadFile(path) }
