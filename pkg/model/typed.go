package model

import (
	"strconv"
	"strings"
)

// Typed coerces a textual value to int, then float, falling back to the string itself.
func Typed(s string) any {
	t := strings.TrimSpace(s)
	if i, err := strconv.Atoi(t); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(t, 64); err == nil {
		return f
	}
	return s
}
