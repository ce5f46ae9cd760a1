package utils

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Retry runs operation up to attempts times, waiting a constant interval
// between failures. The last error is returned when all attempts fail.
func Retry(operation func() error, attempts uint64, wait time.Duration) error {
	if attempts == 0 {
		attempts = 1
	}
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(wait), attempts-1)
	return backoff.Retry(operation, policy)
}
