package app

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/xoelrdgz/logjail/internal/ports"
)

// SelfCheck waits delay and then reloads once. Callers treat any error as
// fatal.
func SelfCheck(ctx context.Context, reloader ports.Reloader, delay time.Duration) error {
	if delay > 0 {
		log.Info().Dur("delay", delay).Str("mechanism", reloader.Mechanism()).Msg("Waiting before reload self-check")
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}

	if err := reloader.Reload(ctx); err != nil {
		return fmt.Errorf("startup reload self-check: %w", err)
	}
	log.Info().Str("mechanism", reloader.Mechanism()).Msg("Reload self-check passed")
	return nil
}
