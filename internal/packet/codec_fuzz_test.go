package packet

import "testing"

// FuzzFrameRoundTrip checks decode(encode(f)) == f for arbitrary field values.
func FuzzFrameRoundTrip(f *testing.F) {
	f.Add(uint32(0x123), uint8(0), uint8(3), []byte{1, 2, 3})
	f.Add(uint32(0x1FFFFFFF), FlagExtended|FlagRemote, uint8(8), []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF})
	f.Fuzz(func(t *testing.T, id uint32, flags, dlc uint8, data []byte) {
		in := Frame{ID: id, Flags: flags, DLC: dlc}
		copy(in.Data[:], data)
		c := Codec{}
		r, err := c.DecodeRecord(c.EncodeFrame(in))
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if r.Frame != in {
			t.Fatalf("round trip mismatch got %+v want %+v", r.Frame, in)
		}
	})
}

// FuzzDecodeRecord ensures arbitrary input never panics.
func FuzzDecodeRecord(f *testing.F) {
	f.Add([]byte{0, 0, 0, 1, 0}, false)
	f.Add(make([]byte, FrameSize+1), true)
	f.Fuzz(func(t *testing.T, data []byte, tagged bool) {
		_, _ = Codec{Tagged: tagged}.DecodeRecord(data)
	})
}
