package events

import (
	"math/big"
	"strconv"
	"strings"
)

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func formatBool(v bool) string { return strconv.FormatBool(v) }

// setIf records key only when value is non-empty after trimming.
func setIf(attrs map[string]string, key, value string) {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		attrs[key] = trimmed
	}
}
