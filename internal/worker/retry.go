package worker

import (
	"time"

	"github.com/pkg/errors"
)

// RetryPolicy defines how failed activities are retried
type RetryPolicy struct {
	MaxRetries      int           `mapstructure:"max_retries"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	BackoffFactor   float64       `mapstructure:"backoff_factor"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
}

// DefaultRetryPolicy returns the policy used when none is configured
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:      3,
		InitialInterval: 1 * time.Second,
		BackoffFactor:   2.0,
		MaxInterval:     30 * time.Second,
	}
}

// Backoff returns the delay before retry number n (1-based).
func (p RetryPolicy) Backoff(n int) time.Duration {
	if n < 1 || p.InitialInterval <= 0 {
		return 0
	}
	factor := p.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	d := float64(p.InitialInterval)
	for i := 1; i < n; i++ {
		d *= factor
		if p.MaxInterval > 0 && d >= float64(p.MaxInterval) {
			return p.MaxInterval
		}
	}
	if p.MaxInterval > 0 && time.Duration(d) > p.MaxInterval {
		return p.MaxInterval
	}
	return time.Duration(d)
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

func isPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}
