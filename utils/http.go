package utils

import (
	"context"
	"net/http"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"
)

const RequestTimeout = 30 * time.Second

// NewHTTPClient returns a client sharing one connection pool with a total
// deadline per request. A nil base uses a clone of the default transport.
func NewHTTPClient(base http.RoundTripper) *http.Client {
	if base == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.MaxIdleConnsPerHost = 32
		base = t
	}
	return &http.Client{
		Transport: base,
		Timeout:   RequestTimeout,
	}
}

// RetryPolicy bounds an exponential backoff with jitter.
type RetryPolicy struct {
	Attempts uint64
	Base     time.Duration
	Cap      time.Duration
}

var DefaultRetryPolicy = RetryPolicy{
	Attempts: 5,
	Base:     250 * time.Millisecond,
	Cap:      5 * time.Second,
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Base
	b.MaxInterval = p.Cap
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0

	// WithMaxRetries treats zero as unbounded
	if p.Attempts <= 1 {
		return backoff.WithContext(&backoff.StopBackOff{}, ctx)
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, p.Attempts-1), ctx)
}

// Retry runs op until it succeeds, returns a Permanent error, the attempts are
// exhausted or ctx is done. The last error is returned.
func (p RetryPolicy) Retry(ctx context.Context, logger *zap.Logger, op func() error) error {
	err := backoff.RetryNotify(op, p.backOff(ctx), func(err error, wait time.Duration) {
		logger.Debug("retrying", zap.Error(err), zap.Duration("wait", wait))
	})
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
