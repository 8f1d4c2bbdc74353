package main

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/kstaniek/go-can-tunnel/internal/can"
)

// parseFrame accepts cansend syntax: <id>#<hex data> or <id>#R for a remote
// frame. Eight hex digits of id select the extended format.
func parseFrame(s string) (can.Frame, error) {
	var fr can.Frame
	idPart, dataPart, ok := strings.Cut(strings.TrimSpace(s), "#")
	if !ok {
		return fr, fmt.Errorf("frame %q: missing '#'", s)
	}
	id, err := strconv.ParseUint(idPart, 16, 32)
	if err != nil {
		return fr, fmt.Errorf("frame %q: bad id: %w", s, err)
	}
	switch {
	case len(idPart) == 8:
		if id > can.CAN_EFF_MASK {
			return fr, fmt.Errorf("frame %q: extended id out of range", s)
		}
		fr.CANID = uint32(id) | can.CAN_EFF_FLAG
	case len(idPart) <= 3 && id <= can.CAN_SFF_MASK:
		fr.CANID = uint32(id)
	default:
		return fr, fmt.Errorf("frame %q: id must be 3 (standard) or 8 (extended) hex digits", s)
	}
	if strings.EqualFold(dataPart, "R") {
		fr.CANID |= can.CAN_RTR_FLAG
		return fr, nil
	}
	data, err := hex.DecodeString(strings.ReplaceAll(dataPart, ".", ""))
	if err != nil {
		return fr, fmt.Errorf("frame %q: bad data: %w", s, err)
	}
	if len(data) > can.MaxClassicLen {
		return fr, fmt.Errorf("frame %q: %d data bytes, max %d", s, len(data), can.MaxClassicLen)
	}
	fr.Len = uint8(copy(fr.Data[:], data))
	return fr, nil
}

// frameList collects repeated -send flags.
type frameList []can.Frame

func (l *frameList) String() string {
	parts := make([]string, len(*l))
	for i, fr := range *l {
		parts[i] = fr.String()
	}
	return strings.Join(parts, ",")
}

func (l *frameList) Set(v string) error {
	fr, err := parseFrame(v)
	if err != nil {
		return err
	}
	*l = append(*l, fr)
	return nil
}
