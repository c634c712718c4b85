package job

import "time"

// Queue names. Each queue owns a retry policy, a retention policy, and a
// throughput cap, tuned to its failure profile.
const (
	QueueDocuments     = "documents"
	QueuePayouts       = "payouts"
	QueueConfirmations = "payment-confirmations"
)

// QueueConfig is the per-queue policy set.
type QueueConfig struct {
	Name string

	// Concurrency bounds the number of in-flight handlers for this queue.
	Concurrency int

	// RatePerSecond and Burst cap total job starts independent of concurrency,
	// protecting downstream systems from bursts.
	RatePerSecond float64
	Burst         int

	// Retry policy: exponential backoff from BaseDelay capped at MaxDelay,
	// up to MaxAttempts executions.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// JobTimeout bounds a single handler invocation.
	JobTimeout time.Duration

	// Retention: completed jobs are kept briefly for operational visibility,
	// failed jobs much longer for audit.
	CompletedRetention time.Duration
	FailedRetention    time.Duration
}

// RetryDelay returns the backoff delay after the given attempt count.
func (c QueueConfig) RetryDelay(attempts int) time.Duration {
	return Backoff(c.BaseDelay, c.MaxDelay, attempts)
}

// DefaultQueues returns the production queue set.
//
// Documents retry rarely and briefly: failures are usually permanent
// validation errors. Payouts retry more and longer: failures are usually
// transient gateway or network issues.
func DefaultQueues() []QueueConfig {
	return []QueueConfig{
		{
			Name:               QueueDocuments,
			Concurrency:        4,
			RatePerSecond:      10,
			Burst:              10,
			MaxAttempts:        2,
			BaseDelay:          15 * time.Second,
			MaxDelay:           2 * time.Minute,
			JobTimeout:         30 * time.Second,
			CompletedRetention: 24 * time.Hour,
			FailedRetention:    90 * 24 * time.Hour,
		},
		{
			Name:               QueuePayouts,
			Concurrency:        2,
			RatePerSecond:      2,
			Burst:              2,
			MaxAttempts:        5,
			BaseDelay:          time.Minute,
			MaxDelay:           15 * time.Minute,
			JobTimeout:         time.Minute,
			CompletedRetention: 7 * 24 * time.Hour,
			FailedRetention:    365 * 24 * time.Hour,
		},
		{
			Name:               QueueConfirmations,
			Concurrency:        2,
			RatePerSecond:      5,
			Burst:              5,
			MaxAttempts:        5,
			BaseDelay:          30 * time.Second,
			MaxDelay:           10 * time.Minute,
			JobTimeout:         30 * time.Second,
			CompletedRetention: 7 * 24 * time.Hour,
			FailedRetention:    365 * 24 * time.Hour,
		},
	}
}
