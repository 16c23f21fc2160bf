package agent

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// maxCapabilityRetries bounds the exponential-backoff retry loop wrapping
// a single external capability call. It guards against transient I/O
// failures (a validator subprocess briefly unavailable, a converter
// racing a slow filesystem) and is unrelated to the workflow's own
// correction-attempt counter.
const maxCapabilityRetries = 2

func newCapabilityBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	return backoff.WithContext(backoff.WithMaxRetries(b, maxCapabilityRetries), ctx)
}

// retryCapability runs fn, retrying transient failures with exponential
// backoff before surfacing the final error to the caller.
func retryCapability(ctx context.Context, fn func() error) error {
	return backoff.Retry(fn, newCapabilityBackoff(ctx))
}
