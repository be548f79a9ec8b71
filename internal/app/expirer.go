package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/xoelrdgz/logjail/internal/domain"
	"github.com/xoelrdgz/logjail/internal/ports"
)

type ExpirerConfig struct {
	TTL      time.Duration // zero disables expiry
	Interval time.Duration
	Now      func() time.Time
}

// Expirer periodically drops bans older than TTL and reloads the server
// once per batch.
type Expirer struct {
	notifier

	store    ports.DenyListStore
	ttl      time.Duration
	interval time.Duration
	now      func() time.Time
}

func NewExpirer(store ports.DenyListStore, reloader ports.Reloader, stats *domain.RuntimeStats, config ExpirerConfig) *Expirer {
	if config.Interval <= 0 {
		config.Interval = time.Minute
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if stats == nil {
		stats = domain.NewRuntimeStats()
	}
	return &Expirer{
		notifier: notifier{reloader: reloader, stats: stats},
		store:    store,
		ttl:      config.TTL,
		interval: config.Interval,
		now:      config.Now,
	}
}

func (e *Expirer) Enabled() bool {
	return e.ttl > 0
}

func (e *Expirer) Interval() time.Duration {
	return e.interval
}

// Tick runs one expiry pass and returns the keys it removed.
func (e *Expirer) Tick(ctx context.Context) ([]string, error) {
	if !e.Enabled() {
		return nil, nil
	}

	now := e.now()
	e.stats.RecordExpiryTick(now)

	removed, err := e.store.RemoveExpired(ctx, now, e.ttl)
	if err != nil {
		log.Error().Err(err).Str("file", e.store.Path()).Dur("ttl", e.ttl).Msg("Expiry pass failed")
		return nil, err
	}
	if len(removed) == 0 {
		return nil, nil
	}

	e.stats.RecordUnbans(len(removed))
	reason := fmt.Sprintf("ban older than %s", e.ttl)
	for _, key := range removed {
		e.publish(domain.NewBanEvent(domain.BanEventUnban, key, reason))
	}
	log.Info().Strs("clients", removed).Str("file", e.store.Path()).Msg("Expired bans removed")

	_ = e.reload(ctx, "expire "+strings.Join(removed, ","))
	return removed, nil
}

// Run ticks every Interval until ctx is cancelled. A tick in progress is
// finished; no new one starts after cancellation. Returns immediately when
// no TTL is configured.
func (e *Expirer) Run(ctx context.Context) error {
	if !e.Enabled() {
		log.Info().Msg("No ban TTL configured, expirer disabled")
		return nil
	}

	log.Info().Dur("ttl", e.ttl).Dur("interval", e.interval).Str("file", e.store.Path()).Msg("Expirer started")

	tickCtx := context.WithoutCancel(ctx)
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Expirer stopping")
			return nil
		case <-ticker.C:
			if ctx.Err() != nil {
				return nil
			}
			_, _ = e.Tick(tickCtx)
		}
	}
}
