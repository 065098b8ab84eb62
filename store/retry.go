package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// maxAttempts is the retry budget for transient storage errors.
const maxAttempts = 8

// retryBackoff builds a bounded exponential backoff, defaulting to 8
// tries total, using cenkalti/backoff/v4's exponential curve capped to
// maxAttempts.
func retryBackoff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 50 * time.Millisecond
	return backoff.WithMaxRetries(eb, maxAttempts-1)
}

// Getter is the read half of Endpoint, narrow enough that callers can pass
// chunk.Endpoint values (which carry no TryGetSize) through as well as a
// full Endpoint.
type Getter interface {
	Get(path string) ([]byte, error)
}

// Putter is the write half of Endpoint, for the same reason as Getter.
type Putter interface {
	Put(path string, data []byte) error
}

// EnsureGet retries Get against transient errors, but returns ErrNotFound
// immediately without retrying since it is not transient.
func EnsureGet(ep Getter, path string) ([]byte, error) {
	var data []byte
	op := func() error {
		d, err := ep.Get(path)
		if err != nil {
			return err
		}
		data = d
		return nil
	}
	notify := func(err error, d time.Duration) {}
	err := backoff.RetryNotify(func() error {
		err := op()
		if errors.Is(err, ErrNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}, retryBackoff(), notify)
	if err != nil {
		return nil, fmt.Errorf("store: get %s: %w", path, err)
	}
	return data, nil
}

// EnsurePut retries Put against transient errors.
func EnsurePut(ep Putter, path string, data []byte) error {
	err := backoff.Retry(func() error {
		return ep.Put(path, data)
	}, retryBackoff())
	if err != nil {
		return fmt.Errorf("store: put %s: %w", path, err)
	}
	return nil
}
