package engine

import "time"

// retryDecision is the outcome of applying the retry policy to a failed attempt.
type retryDecision struct {
	retry bool
	delay time.Duration
}

// decideRetry is a stateless function of the attempt count and the task's
// retry configuration. A task that has used attempts executions is retried
// while attempts <= maxRetries, with exponential backoff doubling from
// baseDelay and capped at backoffCap.
func decideRetry(attempts, maxRetries int, baseDelay, backoffCap time.Duration) retryDecision {
	if attempts > maxRetries {
		return retryDecision{}
	}
	return retryDecision{retry: true, delay: backoffDelay(attempts, baseDelay, backoffCap)}
}

// backoffDelay computes min(backoffCap, base * 2^(attempts-1)), guarding
// against shift overflow for large attempt counts.
func backoffDelay(attempts int, base, backoffCap time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	shift := attempts - 1
	if shift < 0 {
		shift = 0
	}
	// 2^62 already exceeds any representable duration.
	if shift > 62 {
		return backoffCap
	}
	d := base << uint(shift)
	if d <= 0 || d > backoffCap {
		return backoffCap
	}
	return d
}
