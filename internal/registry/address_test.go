package registry

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAdjustAddressAllElements(t *testing.T) {
	base := 1100
	for p := 0; p < 26; p++ {
		element := string(rune('A' + p))
		got, err := AdjustAddress(base, element)
		require.NoError(t, err, "element %s", element)

		want := base
		if p > 0 {
			want, err = strconv.Atoi(strconv.Itoa(p) + strconv.Itoa(base))
			require.NoError(t, err)
		}
		require.Equal(t, want, got, "element %s", element)
	}
}

func TestAdjustAddressKnownCases(t *testing.T) {
	cases := []struct {
		base    int
		element string
		want    int
	}{
		{1100, "A", 1100},
		{1100, "B", 11100},
		{1100, "C", 21100},
		{1100, "Z", 251100},
		{42, "c", 242}, // lowercase accepted
	}
	for _, tc := range cases {
		got, err := AdjustAddress(tc.base, tc.element)
		require.NoError(t, err)
		require.Equal(t, tc.want, got)
	}
}

func TestAdjustAddressRejectsInvalidElements(t *testing.T) {
	for _, element := range []string{"", "AA", "1", "-", "é"} {
		_, err := AdjustAddress(1100, element)
		require.Error(t, err, "element %q", element)
	}
	_, err := AdjustAddress(-1, "A")
	require.Error(t, err)
}
