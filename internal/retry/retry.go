// Package retry implements bounded retries with exponential backoff and
// jitter. Webhook delivery and gateway calls use it for transient failures;
// errors wrapped with Permanent abort the loop immediately.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"
)

// PermanentError marks an error that retrying cannot fix, such as a 4xx
// response from a subscriber endpoint.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so Do returns it without further attempts.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Do invokes fn until it succeeds, up to maxAttempts times. Between
// attempts it sleeps baseDelay doubled per attempt with ±25% jitter, and
// returns early if ctx is cancelled or fn returns a *PermanentError.
// maxAttempts below 1 is treated as 1.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var err error
	delay := baseDelay

	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}

		if attempt == maxAttempts-1 {
			break
		}

		jitter := delay / 4
		sleep := delay - jitter + randDuration(2*jitter+1)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}

		delay *= 2
	}

	return err
}

// randDuration returns a uniform duration in [0, n) from crypto/rand. The
// jitter does not need to be cryptographic, but this avoids seeding math/rand
// and the amounts are tiny.
func randDuration(n time.Duration) time.Duration {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	v := binary.LittleEndian.Uint64(b[:]) >> 1
	return time.Duration(v % uint64(n)) //nolint:gosec // n>0 bounds the modulus
}
