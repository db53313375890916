package store

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, InitialInterval: 50 * time.Millisecond, MaxInterval: 2 * time.Second}
}

func (p RetryPolicy) merge(override RetryPolicy) RetryPolicy {
	if override.MaxAttempts > 0 {
		p.MaxAttempts = override.MaxAttempts
	}
	if override.InitialInterval > 0 {
		p.InitialInterval = override.InitialInterval
	}
	if override.MaxInterval > 0 {
		p.MaxInterval = override.MaxInterval
	}
	return p
}

type retrier struct {
	policy    RetryPolicy
	transient func(error) bool
	logger    *zap.Logger
	observer  RetryObserver
}

func newRetrier(opts Options, transient func(error) bool) *retrier {
	return &retrier{policy: opts.Retry, transient: transient, logger: opts.Logger, observer: opts.Observer}
}

// run executes fn, retrying transient failures with exponential backoff.
// Anything that is not a domain error comes back as a *PersistenceError.
func (r *retrier) run(ctx context.Context, op string, fn func(context.Context) error) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = r.policy.InitialInterval
	exp.MaxInterval = r.policy.MaxInterval

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := fn(ctx)
		if err != nil && !r.transient(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(exp),
		backoff.WithMaxTries(uint(r.policy.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.logger.Warn("store operation failed, retrying", zap.String("op", op), zap.Duration("backoff", next), zap.Error(err))
			if r.observer != nil {
				r.observer.StoreRetry(op)
			}
		}),
	)
	if err == nil {
		return nil
	}
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Unwrap()
	}
	return classify(op, err)
}

func classify(op string, err error) error {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrTerminalState),
		errors.Is(err, ErrPersistence),
		errors.Is(err, context.Canceled):
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}
