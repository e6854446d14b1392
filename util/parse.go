package util

import (
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
)

func ParseInt(str string, fallback int) int {
	if v, err := strconv.Atoi(str); err == nil {
		return v
	}
	return fallback
}

func ParseBool(str string, fallback bool) bool {
	if v, err := strconv.ParseBool(str); err == nil {
		return v
	}
	return fallback
}

// ParseBytes accepts plain integers or human sizes such as "64MiB" or "1 GB".
func ParseBytes(str string, fallback uint64) uint64 {
	str = strings.TrimSpace(str)
	if str == "" {
		return fallback
	}
	if v, err := humanize.ParseBytes(str); err == nil {
		return v
	}
	return fallback
}
