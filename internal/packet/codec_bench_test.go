package packet

import "testing"

func BenchmarkCodec_EncodeFrame(b *testing.B) {
	c := Codec{}
	f := mkFrame(0x1ABCDEF0, FlagExtended, 1, 2, 3, 4, 5, 6, 7, 8)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_ = c.EncodeFrame(f)
	}
}

func BenchmarkCodec_DecodeRecord(b *testing.B) {
	c := Codec{Tagged: true}
	wire := c.EncodeFrame(mkFrame(0x123, 0, 1, 2, 3))
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = c.DecodeRecord(wire)
	}
}
