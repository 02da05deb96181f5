// Package utils holds small helpers shared by the services and handlers.
package utils

import "strconv"

var sizeUnits = []string{"B", "KB", "MB", "GB", "TB", "PB", "EB"}

// FormatFileSize renders size in binary units with at most two decimals,
// trailing zeros dropped: 1536 -> "1.5 KB", 1048576 -> "1 MB". Negative sizes
// render as "0 B".
func FormatFileSize(size int64) string {
	if size <= 0 {
		return "0 B"
	}
	v := float64(size)
	unit := 0
	for v >= 1024 && unit < len(sizeUnits)-1 {
		v /= 1024
		unit++
	}
	return strconv.FormatFloat(roundTo(v, 2), 'f', -1, 64) + " " + sizeUnits[unit]
}

func roundTo(v float64, decimals int) float64 {
	p := 1.0
	for range decimals {
		p *= 10
	}
	return float64(int64(v*p+0.5)) / p
}
