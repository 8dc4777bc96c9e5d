package util

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

// Supervise runs iterate every interval until ctx is cancelled. When iterate
// returns an error the next run is delayed by capped exponential backoff
// instead of the regular interval; a successful run resets the backoff.
func Supervise(ctx context.Context, name string, interval time.Duration, iterate func(context.Context) error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = interval
	bo.MaxInterval = 10 * interval
	bo.MaxElapsedTime = 0 // never give up

	for {
		wait := interval

		if err := iterate(ctx); err != nil {
			wait = bo.NextBackOff()
			log.Error().Err(err).Str("service", name).Dur("retryIn", wait).Msg("iteration failed")
		} else {
			bo.Reset()
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}
