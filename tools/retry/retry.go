package retry

import (
	"context"
	"time"

	"PPRealtime/logger"
	"PPRealtime/tools/errs"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Policy bounds the retry window for infrastructure calls.
type Policy struct {
	Initial    time.Duration
	Max        time.Duration
	MaxElapsed time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		Initial:    50 * time.Millisecond,
		Max:        500 * time.Millisecond,
		MaxElapsed: 2 * time.Second,
	}
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	b.MaxInterval = p.Max
	b.MaxElapsedTime = p.MaxElapsed
	b.RandomizationFactor = 0.2
	b.Reset()
	return backoff.WithContext(b, ctx)
}

// Do runs op until it succeeds, returns a non-infrastructure error, or the
// policy window is exhausted. Exhaustion is reported as TryAgain wrapping the
// last failure.
func Do(ctx context.Context, p Policy, name string, op func(ctx context.Context) error) error {
	attempt := 0
	var last error
	err := backoff.Retry(func() error {
		attempt++
		err := op(ctx)
		if err == nil {
			return nil
		}
		last = err
		if !errs.IsInfra(err) {
			return backoff.Permanent(err)
		}
		logger.Debug("[retry] infra failure", zap.String("op", name), zap.Int("attempt", attempt), zap.Error(err))
		return err
	}, p.backOff(ctx))
	if err == nil {
		return nil
	}
	if last != nil && !errs.IsInfra(last) {
		return last
	}
	logger.Warn("[retry] giving up", zap.String("op", name), zap.Int("attempts", attempt), zap.Error(err))
	return errs.ErrTryAgain.WrapMsg(name, "cause", err)
}
