package util

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff"
)

// Retrier is a wrapper around "github.com/cenkalti/backoff".ExponentialBackOff
// which bounds the number of attempts and lets the caller decide which
// errors are worth retrying.
type Retrier struct {
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
	MaxElapsedTime      time.Duration
	MaxTries            int
	ShouldRetry         func(err error) bool
	Notify              func(err error, d time.Duration)
	backoff             backoff.BackOff
}

// NewRetrier creates a new Retrier instance using default values.
func NewRetrier() *Retrier {
	// based on https://github.com/cenkalti/backoff/blob/master/exponential.go#L74
	return &Retrier{
		InitialInterval:     time.Millisecond * 500,
		MaxInterval:         time.Second * 30,
		Multiplier:          1.5,
		RandomizationFactor: 0.5,
		MaxElapsedTime:      time.Minute * 5,
		MaxTries:            3,
		ShouldRetry:         nil,
	}
}

// Retry calls f until it does not return an error, the error is not retryable,
// the attempts are exhausted, or ctx is done. The last error from f is returned.
func (r *Retrier) Retry(ctx context.Context, f func() error) error {
	b := backoff.WithContext(r.withTries(), ctx)
	err := backoff.RetryNotify(func() error { return r.checkErr(f()) }, b, r.notify)

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}

func (r *Retrier) notify(err error, d time.Duration) {
	if r.Notify != nil {
		r.Notify(err, d)
	}
}

func (r *Retrier) checkErr(err error) error {
	switch {
	case err != nil && r.ShouldRetry != nil && !r.ShouldRetry(err):
		return &backoff.PermanentError{Err: err}
	case err != nil:
		return err
	default:
		return nil
	}
}

func (r *Retrier) withTries() backoff.BackOff {
	r.backoff = &backoff.ExponentialBackOff{
		InitialInterval:     r.InitialInterval,
		MaxInterval:         r.MaxInterval,
		Multiplier:          r.Multiplier,
		RandomizationFactor: r.RandomizationFactor,
		MaxElapsedTime:      r.MaxElapsedTime,
		Clock:               backoff.SystemClock,
	}
	r.backoff.Reset()

	max := r.MaxTries - 1
	if max < 0 {
		max = 0
	}

	// Cap the number of retry attempts.
	return backoff.WithMaxRetries(r.backoff, uint64(max))
}
