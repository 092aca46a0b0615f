package contracts

import (
	"fmt"
	"strconv"
)

// MicroPerAIM is the number of micro units per whole AIM.
const MicroPerAIM = 1_000_000

// ParseMicroAmount parses a decimal-integer string into a micro amount.
// Amounts cross every wire boundary as strings, never floats.
func ParseMicroAmount(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("amount is empty")
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("amount %q is not a decimal integer", s)
	}
	return n, nil
}

// FormatMicroAmount renders a micro amount as its wire string.
func FormatMicroAmount(n int64) string {
	return strconv.FormatInt(n, 10)
}
