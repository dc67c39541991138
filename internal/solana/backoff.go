package solana

import "time"

// Default retry policy shared by the watcher and the metadata resolver.
const (
	DefaultMaxRetries = 5
	DefaultRetryDelay = 1 * time.Second
	DefaultMaxDelay   = 30 * time.Second
)

// BackoffDelay returns base * 2^(attempt-1), capped at maxDelay when maxDelay > 0.
// Attempts below 1 are treated as 1.
func BackoffDelay(base, maxDelay time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if maxDelay > 0 && delay >= maxDelay {
			return maxDelay
		}
		// overflow guard for uncapped policies
		if delay <= 0 {
			return time.Duration(1<<63 - 1)
		}
	}
	if maxDelay > 0 && delay > maxDelay {
		return maxDelay
	}
	return delay
}
