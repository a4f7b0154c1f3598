package device

import "time"

// gcd returns the greatest common divisor of two positive integers.
func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// resolvePollingInterval folds the declared intervals (milliseconds) into
// their GCD, seeded with the first positive value and applied left to
// right. Non-positive values are ignored. Returns fallback when nothing
// positive remains.
//
// Polling at the GCD lets every device be polled at (a multiple of) its
// declared cadence by a single timer.
func resolvePollingInterval(intervals []int, fallback time.Duration) time.Duration {
	result := 0
	for _, v := range intervals {
		if v <= 0 {
			continue
		}
		if result == 0 {
			result = v
			continue
		}
		result = gcd(result, v)
	}
	if result == 0 {
		return fallback
	}
	return time.Duration(result) * time.Millisecond
}
