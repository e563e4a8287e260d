package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// decodeFloat turns a 4-byte register payload into a finite float64. Short
// payloads and non-finite values are rejected outright; a failed decode must
// never surface as zero.
func decodeFloat(data []byte, order string) (float64, error) {
	if len(data) < 4 {
		return 0, fmt.Errorf("%w: insufficient data (%d bytes)", ErrValue, len(data))
	}
	b := reorder32(data[:4], order)
	f := math.Float32frombits(binary.BigEndian.Uint32(b))
	v := float64(f)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: non-finite value", ErrValue)
	}
	return v, nil
}

// reorder32 returns a 4-byte slice reordered per byte-order string.
// Supported orders: "ABCD" (default), "DCBA", "BADC" (byte swap within
// words), "CDAB" (word swap).
func reorder32(in []byte, order string) []byte {
	var out [4]byte
	if len(in) < 4 {
		return append([]byte{}, in...)
	}
	switch strings.ToUpper(strings.TrimSpace(order)) {
	case "", "ABCD":
		copy(out[:], in[:4])
	case "DCBA":
		out[0], out[1], out[2], out[3] = in[3], in[2], in[1], in[0]
	case "BADC":
		out[0], out[1], out[2], out[3] = in[1], in[0], in[3], in[2]
	case "CDAB":
		out[0], out[1], out[2], out[3] = in[2], in[3], in[0], in[1]
	default:
		copy(out[:], in[:4])
	}
	return out[:]
}
