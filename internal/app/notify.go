package app

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/xoelrdgz/logjail/internal/domain"
	"github.com/xoelrdgz/logjail/internal/ports"
)

// notifier fans deny-list changes out to subscribers and signals the
// server. Shared by the detector and the expirer.
type notifier struct {
	reloader ports.Reloader
	stats    *domain.RuntimeStats

	mu              sync.RWMutex
	subscribers     []ports.BanSubscriber
	reloadObservers []ports.ReloadObserver
}

func (n *notifier) AddSubscriber(sub ports.BanSubscriber) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subscribers = append(n.subscribers, sub)
}

func (n *notifier) AddReloadObserver(obs ports.ReloadObserver) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reloadObservers = append(n.reloadObservers, obs)
}

func (n *notifier) publish(event *domain.BanEvent) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, sub := range n.subscribers {
		sub.OnBanEvent(event)
	}
}

// reload signals the server once. Failures are logged and counted; the
// deny list is already written and takes effect on the next good reload.
func (n *notifier) reload(ctx context.Context, trigger string) error {
	if n.reloader == nil {
		return nil
	}
	err := n.reloader.Reload(ctx)

	n.mu.RLock()
	for _, obs := range n.reloadObservers {
		obs.ObserveReload(n.reloader.Mechanism(), err)
	}
	n.mu.RUnlock()

	if err != nil {
		if n.stats != nil {
			n.stats.RecordReloadFailure()
		}
		log.Error().Err(err).Str("mechanism", n.reloader.Mechanism()).Str("trigger", trigger).
			Msg("Server reload failed, deny list change pending until next reload")
		return err
	}
	log.Info().Str("mechanism", n.reloader.Mechanism()).Str("trigger", trigger).Msg("Server reloaded")
	return nil
}
