package job

import "time"

// Backoff returns the retry delay for the given attempt number:
// min(base * 2^attempt, max). Monotonic in attempt and capped at max.
// attempt is the number of attempts already made (1 for the first retry).
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max || d < 0 { // overflow guard
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
