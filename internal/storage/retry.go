package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// retryPolicy bounds how often and how patiently a statement is retried.
type retryPolicy struct {
	retries   int
	baseDelay time.Duration
}

// auditRetry rides out a failover or a recycled connection on audit appends.
var auditRetry = retryPolicy{retries: 2, baseDelay: 20 * time.Millisecond}

// isRetriable reports whether err means the statement did not take effect
// and may be sent again: the driver says so, or the server rejected it for
// a transient reason (serialization, deadlock, shutdown, connection class 08).
func isRetriable(err error) bool {
	if err == nil {
		return false
	}
	if pgconn.SafeToRetry(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001", "40P01", "57P01", "57P02", "57P03":
		return true
	}
	return strings.HasPrefix(pgErr.Code, "08")
}

// withRetry runs fn, retrying transient failures with jittered exponential
// backoff. Context cancellation stops the wait between attempts.
func withRetry(ctx context.Context, p retryPolicy, fn func() error) error {
	delay := p.baseDelay
	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(); !isRetriable(err) || attempt == p.retries {
			return err
		}
		wait := delay
		if delay > 0 {
			wait += time.Duration(rand.Int64N(int64(delay))) //nolint:gosec // jitter
		}
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(wait):
		}
		delay *= 2
	}
}
