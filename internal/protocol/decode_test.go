package protocol

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func floatBytes(f float32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, math.Float32bits(f))
	return b
}

func TestDecodeFloat(t *testing.T) {
	v, err := decodeFloat(floatBytes(47.2), "ABCD")
	require.NoError(t, err)
	require.InDelta(t, 47.2, v, 0.001)

	v, err = decodeFloat(floatBytes(-12.5), "")
	require.NoError(t, err)
	require.InDelta(t, -12.5, v, 0.001)
}

func TestDecodeFloatRejectsNaNAndInf(t *testing.T) {
	_, err := decodeFloat(floatBytes(float32(math.NaN())), "ABCD")
	require.ErrorIs(t, err, ErrValue)

	_, err = decodeFloat(floatBytes(float32(math.Inf(1))), "ABCD")
	require.ErrorIs(t, err, ErrValue)
}

func TestDecodeFloatRejectsShortPayload(t *testing.T) {
	_, err := decodeFloat([]byte{0x42, 0x3c}, "ABCD")
	require.ErrorIs(t, err, ErrValue)

	_, err = decodeFloat(nil, "ABCD")
	require.ErrorIs(t, err, ErrValue)
}

func TestDecodeFloatWordOrders(t *testing.T) {
	abcd := floatBytes(47.2)
	cdab := []byte{abcd[2], abcd[3], abcd[0], abcd[1]}
	v, err := decodeFloat(cdab, "CDAB")
	require.NoError(t, err)
	require.InDelta(t, 47.2, v, 0.001)

	dcba := []byte{abcd[3], abcd[2], abcd[1], abcd[0]}
	v, err = decodeFloat(dcba, "DCBA")
	require.NoError(t, err)
	require.InDelta(t, 47.2, v, 0.001)
}

func TestGroupRunsPacksContiguousSpans(t *testing.T) {
	runs := groupRuns([]int{1100, 1104, 1102})
	require.Len(t, runs, 1)
	require.Equal(t, 1100, runs[0].start)
	require.Equal(t, 1104, runs[0].end)
	require.Equal(t, []int{1100, 1102, 1104}, runs[0].addrs)
}

func TestGroupRunsSplitsWideSpans(t *testing.T) {
	runs := groupRuns([]int{100, 5000})
	require.Len(t, runs, 2)
}

func TestGroupRunsDropsOutOfRangeAddresses(t *testing.T) {
	// element-adjusted addresses can exceed the 16-bit register space; the
	// transport cannot request those and they must surface as skipped
	runs := groupRuns([]int{1100, 251100})
	require.Len(t, runs, 1)
	require.Equal(t, []int{1100}, runs[0].addrs)
}

func TestClassify(t *testing.T) {
	err := classify(1100, errors.New("dial tcp: connection refused"))
	require.ErrorIs(t, err, ErrUnreachable)
}
