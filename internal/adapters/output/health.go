package output

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/xoelrdgz/logjail/internal/domain"
	"github.com/xoelrdgz/logjail/internal/ports"
)

type HealthStatus struct {
	Healthy        bool      `json:"healthy"`
	Status         string    `json:"status"`
	ActiveBans     int       `json:"active_bans"`
	TrackedClients int       `json:"tracked_clients"`
	LinesProcessed int64     `json:"lines_processed"`
	ParseErrors    int64     `json:"parse_errors"`
	ReloadFailures int64     `json:"reload_failures"`
	LastExpiryTick time.Time `json:"last_expiry_tick"`
	UptimeSeconds  float64   `json:"uptime_seconds"`
	Reason         string    `json:"reason,omitempty"`
}

// HealthChecker reports whether the deny list is usable and the expirer is
// still ticking. Results are cached for CheckInterval so that probes do not
// contend for the deny-list lock.
type HealthChecker struct {
	store          ports.DenyListStore
	stats          *domain.RuntimeStats
	expiryInterval time.Duration
	now            func() time.Time

	lastCheck     HealthStatus
	lastCheckTime time.Time
	lastCheckMu   sync.RWMutex
	checkInterval time.Duration
}

type HealthCheckerConfig struct {
	CheckInterval  time.Duration
	ExpiryInterval time.Duration // zero when the expirer is not running in-process
}

func DefaultHealthCheckerConfig() HealthCheckerConfig {
	return HealthCheckerConfig{
		CheckInterval: 5 * time.Second,
	}
}

func NewHealthChecker(store ports.DenyListStore, stats *domain.RuntimeStats, config HealthCheckerConfig) *HealthChecker {
	return &HealthChecker{
		store:          store,
		stats:          stats,
		expiryInterval: config.ExpiryInterval,
		checkInterval:  config.CheckInterval,
		now:            time.Now,
	}
}

func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	h.lastCheckMu.RLock()
	if !h.lastCheckTime.IsZero() && h.now().Sub(h.lastCheckTime) < h.checkInterval {
		cached := h.lastCheck
		h.lastCheckMu.RUnlock()
		return cached
	}
	h.lastCheckMu.RUnlock()

	status := h.performCheck(ctx)

	h.lastCheckMu.Lock()
	h.lastCheck = status
	h.lastCheckTime = h.now()
	h.lastCheckMu.Unlock()

	return status
}

func (h *HealthChecker) performCheck(ctx context.Context) HealthStatus {
	var status HealthStatus
	if h.stats != nil {
		snap := h.stats.Snapshot()
		status.TrackedClients = snap.TrackedClients
		status.LinesProcessed = snap.LinesProcessed
		status.ParseErrors = snap.ParseErrors
		status.ReloadFailures = snap.ReloadFailures
		status.LastExpiryTick = snap.LastExpiryTick
		status.UptimeSeconds = snap.Uptime.Seconds()
	}

	records, err := h.store.List(ctx)
	switch {
	case errors.Is(err, domain.ErrConfigCorruption):
		status.Status = "CORRUPT"
		status.Reason = err.Error()
		return status
	case errors.Is(err, domain.ErrLockTimeout):
		status.Status = "LOCKED"
		status.Reason = err.Error()
		return status
	case err != nil:
		status.Status = "ERROR"
		status.Reason = err.Error()
		return status
	}
	status.ActiveBans = len(records)

	if h.expiryInterval > 0 && h.stats != nil {
		started := h.stats.Snapshot().StartTime
		last := status.LastExpiryTick
		if last.IsZero() {
			last = started
		}
		if idle := h.now().Sub(last); idle > 3*h.expiryInterval {
			status.Status = "STALLED"
			status.Reason = "expirer has not ticked for " + idle.Round(time.Second).String()
			return status
		}
	}

	status.Healthy = true
	status.Status = "HEALTHY"
	return status
}

func (h *HealthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := h.Check(ctx)

	w.Header().Set("Content-Type", "application/json")
	if status.Healthy {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(status)
}
