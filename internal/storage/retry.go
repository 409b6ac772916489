package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"machinewatch/internal/logger"
	"machinewatch/internal/metrics"
)

const (
	retryMultiplier          = 2
	retryRandomizationFactor = 0.2
)

// RetryPolicy bounds how often a conflicting transaction is re-run
type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultRetryPolicy matches the shipped configuration defaults
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 5,
	BaseBackoff: 20 * time.Millisecond,
	MaxBackoff:  500 * time.Millisecond,
}

// BackOff returns a fresh exponential schedule starting at BaseBackoff and
// capped at MaxBackoff, with jitter.
func (p RetryPolicy) BackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.BaseBackoff
	if bo.InitialInterval <= 0 {
		bo.InitialInterval = DefaultRetryPolicy.BaseBackoff
	}
	bo.MaxInterval = p.MaxBackoff
	if bo.MaxInterval < bo.InitialInterval {
		bo.MaxInterval = max(DefaultRetryPolicy.MaxBackoff, bo.InitialInterval)
	}
	bo.Multiplier = retryMultiplier
	bo.RandomizationFactor = retryRandomizationFactor
	bo.Reset()
	return bo
}

func (p RetryPolicy) attempts() uint {
	if p.MaxAttempts < 1 {
		return 1
	}
	return uint(p.MaxAttempts)
}

// RetryTx runs fn in a transaction, re-running the whole unit while it fails
// with a retryable error. fn must recompute everything from what it reads
// inside the transaction.
func RetryTx(ctx context.Context, store Store, policy RetryPolicy, op string, fn func(tx Tx) error) error {
	log := logger.WithComponent("storage")
	maxTries := policy.attempts()

	var tries uint
	operation := func() (struct{}, error) {
		if err := ctx.Err(); err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		tries++

		err := store.InTx(ctx, fn)
		if err == nil {
			if tries > 1 {
				metrics.TxRetrySuccess.WithLabelValues(op).Inc()
			}
			return struct{}{}, nil
		}
		if !IsRetryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		metrics.TxConflicts.WithLabelValues(op).Inc()
		return struct{}{}, err
	}

	notify := func(err error, delay time.Duration) {
		log.Debug().
			Err(err).
			Str("op", op).
			Uint("attempt", tries).
			Uint("max_attempts", maxTries).
			Dur("backoff", delay).
			Msg("transaction conflict, retrying")
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy.BackOff()),
		backoff.WithMaxTries(maxTries),
		backoff.WithNotify(notify),
	)
	if err == nil || !IsRetryable(err) {
		return err
	}

	log.Warn().
		Err(err).
		Str("op", op).
		Uint("attempts", tries).
		Msg("transaction failed after retries")
	return fmt.Errorf("%s: giving up after %d attempts: %w", op, tries, err)
}
