// Package detection implements the sliding-window side of ban detection.
//
// WindowCounter keeps, per (client, status code), the timestamps of the
// qualifying events that are still inside the policy window. Eviction is
// driven by wall-clock time at the moment of each new event, so a burst of
// old (batched or replayed) lines cannot inflate a count.
//
// Memory Management:
//   - LRU bound on tracked (client, status) pairs
//   - Periodic sweep of pairs whose newest event left the window
//
// Thread Safety: All methods are safe for concurrent access.
package detection

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/xoelrdgz/logjail/internal/domain"
	"github.com/xoelrdgz/logjail/pkg/lru"
)

// DefaultMaxTrackedWindows bounds the number of (client, status) pairs held
// in memory when no explicit limit is configured.
const DefaultMaxTrackedWindows = 100000

type windowKey struct {
	client string
	status int
}

// eventWindow holds timestamps oldest first, never decreasing.
type eventWindow struct {
	times []time.Time
}

func (w *eventWindow) insert(ts time.Time) {
	n := len(w.times)
	if n == 0 || !ts.Before(w.times[n-1]) {
		w.times = append(w.times, ts)
		return
	}
	idx := sort.Search(n, func(i int) bool { return w.times[i].After(ts) })
	w.times = append(w.times, time.Time{})
	copy(w.times[idx+1:], w.times[idx:])
	w.times[idx] = ts
}

// evictBefore drops every timestamp strictly older than cutoff.
func (w *eventWindow) evictBefore(cutoff time.Time) {
	idx := sort.Search(len(w.times), func(i int) bool { return !w.times[i].Before(cutoff) })
	if idx == 0 {
		return
	}
	w.times = append(w.times[:0], w.times[idx:]...)
}

func (w *eventWindow) newest() time.Time {
	if len(w.times) == 0 {
		return time.Time{}
	}
	return w.times[len(w.times)-1]
}

// WindowConfig configures a WindowCounter.
type WindowConfig struct {
	MaxTracked    int                 // LRU bound on (client, status) pairs
	SweepInterval time.Duration       // 0 disables the background sweep
	Now           func() time.Time    // clock, time.Now when nil
	OnEvict       func(client string) // called when the LRU drops a pair
}

// WindowCounter counts qualifying events per (client, status code).
type WindowCounter struct {
	policy  *domain.Policy
	now     func() time.Time
	mu      sync.Mutex
	windows *lru.Cache[windowKey, *eventWindow]

	sweepInterval time.Duration
	stopSweep     chan struct{}
	stopOnce      sync.Once
}

func NewWindowCounter(policy *domain.Policy, config WindowConfig) *WindowCounter {
	if config.MaxTracked <= 0 {
		config.MaxTracked = DefaultMaxTrackedWindows
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	onEvict := func(k windowKey, _ *eventWindow) {
		log.Debug().Str("client", k.client).Int("status", k.status).Msg("Window evicted (tracking limit reached)")
		if config.OnEvict != nil {
			config.OnEvict(k.client)
		}
	}

	return &WindowCounter{
		policy:        policy,
		now:           config.Now,
		windows:       lru.New(config.MaxTracked, onEvict),
		sweepInterval: config.SweepInterval,
		stopSweep:     make(chan struct{}),
	}
}

// Record adds one event for (clientKey, statusCode) and returns how many
// events of that pair lie within [now - window, now]. Status codes absent
// from the policy are not tracked and yield 0.
//
// Timestamps later than now are clamped to now; timestamps that arrive out
// of order are inserted at their sorted position.
func (c *WindowCounter) Record(clientKey string, statusCode int, ts time.Time) int {
	rule, ok := c.policy.Rule(statusCode)
	if !ok {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if ts.After(now) {
		ts = now
	}

	key := windowKey{client: clientKey, status: statusCode}
	w := c.windows.GetOrCreate(key, func() *eventWindow { return &eventWindow{} })
	w.insert(ts)
	w.evictBefore(now.Add(-rule.Window))
	return len(w.times)
}

// Tracked returns the number of (client, status) pairs in memory.
func (c *WindowCounter) Tracked() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.windows.Len()
}

// Sweep drops pairs whose newest event is already outside their window.
// Such a pair would count 0 on its next event anyway.
func (c *WindowCounter) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	return c.windows.RemoveIf(func(k windowKey, w *eventWindow) bool {
		rule, ok := c.policy.Rule(k.status)
		if !ok {
			return true
		}
		return w.newest().Before(now.Add(-rule.Window))
	})
}

// StartSweeper runs Sweep every SweepInterval until ctx is cancelled or
// Stop is called. It is a no-op when the interval is zero.
func (c *WindowCounter) StartSweeper(ctx context.Context) {
	if c.sweepInterval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(c.sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopSweep:
				return
			case <-ticker.C:
				if n := c.Sweep(); n > 0 {
					log.Debug().Int("removed", n).Int("tracked", c.Tracked()).Msg("Swept idle windows")
				}
			}
		}
	}()
}

// Stop halts the sweeper. Idempotent.
func (c *WindowCounter) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopSweep)
	})
}
