// Package pacing spaces sends inside a page and picks send times within daily windows.
package pacing

import "time"

// Offset returns the scheduled offset of the k-th recipient (0-based) of a page.
func Offset(k int, interval time.Duration) time.Duration {
	if k <= 0 {
		return 0
	}
	return time.Duration(k) * interval
}

// Offsets returns the offsets of all n recipients of a page.
func Offsets(n int, interval time.Duration) []time.Duration {
	if n <= 0 {
		return nil
	}
	offsets := make([]time.Duration, n)
	for k := range offsets {
		offsets[k] = Offset(k, interval)
	}
	return offsets
}

// InterBatchDelay returns max(1, floor(n*p/2)) seconds for a page of n recipients.
// It is shorter than the time needed to drain the page, so consecutive pages overlap.
func InterBatchDelay(n int, interval time.Duration) time.Duration {
	seconds := int64(n) * int64(interval/time.Second) / 2
	if seconds < 1 {
		seconds = 1
	}
	return time.Duration(seconds) * time.Second
}
