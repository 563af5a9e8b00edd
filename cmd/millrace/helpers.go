package main

import (
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
)

// shortID trims a UUID to its first segment for table display.
func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

func formatBytes(n int64) string {
	if n < 0 {
		return "-"
	}
	return humanize.Bytes(uint64(n))
}

// formatAge renders an API timestamp as a relative age ("3 minutes ago").
func formatAge(stamp string) string {
	if stamp == "" {
		return "-"
	}
	parsed, err := time.Parse(time.RFC3339Nano, stamp)
	if err != nil {
		return stamp
	}
	return humanize.Time(parsed)
}

func formatCount(n int) string {
	return strconv.Itoa(n)
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
