package util

import "strings"

// NormalizeInput trims surrounding whitespace and strips NUL bytes from client text.
func NormalizeInput(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, "\x00", ""))
}
