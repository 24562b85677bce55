package controller

import (
	"context"

	"github.com/cuemby/foreman/internal/fleet"
)

// retryTransient runs fn up to cfg.LaunchRetryMaxAttempts times,
// sleeping a bounded exponential backoff (doubling from
// LaunchRetryBaseDelay, capped at LaunchRetryMaxDelay) between
// attempts, as long as the error it returns classifies as transient
// (unavailable or internal). A non-transient error (invalid-argument,
// exhausted, ...) returns immediately — retrying a permanent rejection
// wastes the ceiling on a request that will never succeed.
//
// The final error is always surfaced as unavailable, except when every
// attempt already came back unavailable: a dependency that stays
// unavailable through the whole backoff ceiling is promoted to
// exhausted, matching fleet.ErrorKind's documented "re-classify upward"
// contract (internal/fleet/errors.go).
func (c *Controller) retryTransient(ctx context.Context, op string, fn func() error) error {
	attempts := c.cfg.LaunchRetryMaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	delay := c.cfg.LaunchRetryBaseDelay

	var err error
	allUnavailable := true
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !retriableKind(fleet.KindOf(err)) {
			return err
		}
		if fleet.KindOf(err) != fleet.ErrUnavailable {
			allUnavailable = false
		}
		if attempt == attempts {
			break
		}
		c.logger.Warn().Err(err).Str("op", op).Int("attempt", attempt).Int("max_attempts", attempts).Msg("transient failure, retrying")

		select {
		case <-ctx.Done():
			return err
		case <-c.clock.After(delay):
		}
		delay *= 2
		if delay > c.cfg.LaunchRetryMaxDelay {
			delay = c.cfg.LaunchRetryMaxDelay
		}
	}

	fe, ok := err.(*fleet.FleetError)
	if !ok {
		return fleet.NewError(fleet.ErrUnavailable, "%s: %v", op, err)
	}
	if !allUnavailable {
		return fleet.NewError(fleet.ErrUnavailable, "%s: %s", op, fe.Message).WithField("original-kind", string(fe.Kind))
	}
	return fleet.NewError(fleet.ErrExhausted, "%s: still unavailable after %d attempts: %s", op, attempts, fe.Message)
}

func retriableKind(kind fleet.ErrorKind) bool {
	switch kind {
	case fleet.ErrUnavailable, fleet.ErrInternal:
		return true
	default:
		return false
	}
}
