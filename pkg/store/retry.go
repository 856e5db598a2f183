package store

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// DefaultMaxTries bounds RetryOnConflict when callers pass zero.
const DefaultMaxTries = 5

// RetryOnConflict runs attempt until it succeeds, fails with an error other
// than ErrConflict, or maxTries attempts have been made. Each attempt must
// re-read the documents it writes so that its expected versions are fresh.
func RetryOnConflict[T any](ctx context.Context, maxTries uint, attempt func() (T, error)) (T, error) {
	if maxTries == 0 {
		maxTries = DefaultMaxTries
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 10 * time.Millisecond
	eb.MaxInterval = 200 * time.Millisecond

	return backoff.Retry(ctx, func() (T, error) {
		v, err := attempt()
		if err != nil && !errors.Is(err, ErrConflict) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(eb), backoff.WithMaxTries(maxTries))
}
