package registry

import (
	"fmt"
	"strconv"
	"strings"
)

// AdjustAddress computes the protocol address to read for a register on a
// given element. Element "A" (position 0) uses the base number unchanged;
// the element at position p (B=1, C=2, ...) uses the decimal concatenation
// of p followed by the base number, e.g. base 1100 on element "C" reads
// address 21100.
func AdjustAddress(base int, element string) (int, error) {
	if base < 0 {
		return 0, fmt.Errorf("negative base address %d", base)
	}
	e := strings.ToUpper(strings.TrimSpace(element))
	if len(e) != 1 || e[0] < 'A' || e[0] > 'Z' {
		return 0, fmt.Errorf("invalid element %q", element)
	}
	p := int(e[0] - 'A')
	if p == 0 {
		return base, nil
	}
	adjusted, err := strconv.Atoi(strconv.Itoa(p) + strconv.Itoa(base))
	if err != nil {
		return 0, fmt.Errorf("adjust address %d element %s: %w", base, e, err)
	}
	return adjusted, nil
}
