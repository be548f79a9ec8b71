package detection

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xoelrdgz/logjail/internal/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 12, 28, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testPolicy() *domain.Policy {
	return domain.NewPolicy(map[int]domain.Rule{
		429: {Limit: 2, Window: 60 * time.Second},
		404: {Limit: 5, Window: 10 * time.Second},
	})
}

func TestWindowCounter_CountsWithinWindow(t *testing.T) {
	clock := newFakeClock()
	counter := NewWindowCounter(testPolicy(), WindowConfig{Now: clock.Now})

	assert.Equal(t, 1, counter.Record("10.0.0.5", 429, clock.Now()))
	clock.Advance(5 * time.Second)
	assert.Equal(t, 2, counter.Record("10.0.0.5", 429, clock.Now()))
	clock.Advance(5 * time.Second)
	assert.Equal(t, 3, counter.Record("10.0.0.5", 429, clock.Now()))
}

func TestWindowCounter_EvictsOnNewEvent(t *testing.T) {
	clock := newFakeClock()
	counter := NewWindowCounter(testPolicy(), WindowConfig{Now: clock.Now})

	assert.Equal(t, 1, counter.Record("10.0.0.5", 429, clock.Now()))
	clock.Advance(70 * time.Second)
	assert.Equal(t, 1, counter.Record("10.0.0.5", 429, clock.Now()))
}

func TestWindowCounter_BoundaryIsInclusive(t *testing.T) {
	clock := newFakeClock()
	counter := NewWindowCounter(testPolicy(), WindowConfig{Now: clock.Now})

	first := clock.Now()
	counter.Record("10.0.0.5", 429, first)
	clock.Advance(60 * time.Second)
	assert.Equal(t, 2, counter.Record("10.0.0.5", 429, clock.Now()), "event exactly at now-window stays")

	clock.Advance(time.Nanosecond)
	assert.Equal(t, 2, counter.Record("10.0.0.5", 429, clock.Now()), "first event now older than the window")
}

func TestWindowCounter_EvictionUsesWallClock(t *testing.T) {
	clock := newFakeClock()
	counter := NewWindowCounter(testPolicy(), WindowConfig{Now: clock.Now})

	old := clock.Now().Add(-2 * time.Minute)
	assert.Equal(t, 0, counter.Record("10.0.0.5", 429, old), "historical line is outside the window at call time")
	assert.Equal(t, 0, counter.Record("10.0.0.5", 429, old.Add(time.Second)))
	assert.Equal(t, 1, counter.Record("10.0.0.5", 429, clock.Now()))
}

func TestWindowCounter_OutOfOrderAndFutureTimestamps(t *testing.T) {
	clock := newFakeClock()
	counter := NewWindowCounter(testPolicy(), WindowConfig{Now: clock.Now})

	now := clock.Now()
	counter.Record("10.0.0.5", 429, now.Add(-10*time.Second))
	counter.Record("10.0.0.5", 429, now.Add(-30*time.Second))
	assert.Equal(t, 3, counter.Record("10.0.0.5", 429, now.Add(time.Hour)))

	clock.Advance(35 * time.Second)
	assert.Equal(t, 3, counter.Record("10.0.0.5", 429, clock.Now()), "the -30s event left the window, the clamped one did not")
}

func TestWindowCounter_IndependentKeys(t *testing.T) {
	clock := newFakeClock()
	counter := NewWindowCounter(testPolicy(), WindowConfig{Now: clock.Now})

	counter.Record("10.0.0.5", 429, clock.Now())
	counter.Record("10.0.0.5", 429, clock.Now())
	counter.Record("10.0.0.5", 404, clock.Now())

	assert.Equal(t, 1, counter.Record("10.0.0.6", 429, clock.Now()))
	assert.Equal(t, 3, counter.Record("10.0.0.5", 429, clock.Now()))
	assert.Equal(t, 2, counter.Record("10.0.0.5", 404, clock.Now()))
}

func TestWindowCounter_UntrackedStatus(t *testing.T) {
	counter := NewWindowCounter(testPolicy(), WindowConfig{})
	assert.Equal(t, 0, counter.Record("10.0.0.5", 200, time.Now()))
	assert.Equal(t, 0, counter.Tracked())
}

// The returned count must always equal a brute-force count of the
// timestamps recorded so far that lie in [now-window, now].
func TestWindowCounter_MatchesReferenceCount(t *testing.T) {
	clock := newFakeClock()
	counter := NewWindowCounter(testPolicy(), WindowConfig{Now: clock.Now})
	rng := rand.New(rand.NewSource(42))
	window := 10 * time.Second

	var recorded []time.Time
	for i := 0; i < 500; i++ {
		clock.Advance(time.Duration(rng.Intn(3000)) * time.Millisecond)
		now := clock.Now()
		ts := now.Add(-time.Duration(rng.Intn(15000)) * time.Millisecond)
		recorded = append(recorded, ts)

		want := 0
		for _, r := range recorded {
			if !r.Before(now.Add(-window)) && !r.After(now) {
				want++
			}
		}
		require.Equal(t, want, counter.Record("10.0.0.9", 404, ts), "event %d", i)
	}
}

func TestWindowCounter_LRUBound(t *testing.T) {
	var evicted []string
	counter := NewWindowCounter(testPolicy(), WindowConfig{
		MaxTracked: 2,
		OnEvict:    func(client string) { evicted = append(evicted, client) },
	})

	now := time.Now()
	counter.Record("a", 429, now)
	counter.Record("b", 429, now)
	counter.Record("c", 429, now)

	assert.Equal(t, 2, counter.Tracked())
	assert.Equal(t, []string{"a"}, evicted)
	assert.Equal(t, 1, counter.Record("a", 429, now), "evicted pair starts from scratch")
}

func TestWindowCounter_Sweep(t *testing.T) {
	clock := newFakeClock()
	counter := NewWindowCounter(testPolicy(), WindowConfig{Now: clock.Now})

	counter.Record("idle", 404, clock.Now())
	counter.Record("busy", 429, clock.Now())
	clock.Advance(30 * time.Second)

	assert.Equal(t, 1, counter.Sweep(), "404 window is 10s, 429 window is 60s")
	assert.Equal(t, 1, counter.Tracked())
	assert.Equal(t, 2, counter.Record("busy", 429, clock.Now()))
}

func TestWindowCounter_SweeperStops(t *testing.T) {
	counter := NewWindowCounter(testPolicy(), WindowConfig{SweepInterval: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	counter.StartSweeper(ctx)
	counter.Stop()
	counter.Stop()
}

func TestEvaluate_StrictGreaterThan(t *testing.T) {
	policy := testPolicy()

	assert.False(t, Evaluate(429, 2, policy), "count equal to limit does not ban")
	assert.True(t, Evaluate(429, 3, policy), "limit+1 bans")
	assert.False(t, Evaluate(200, 1000, policy), "untracked status never bans")

	zero := domain.NewPolicy(map[int]domain.Rule{403: {Limit: 0, Window: time.Second}})
	assert.True(t, Evaluate(403, 1, zero), "limit 0 bans on the first event")
}

func BenchmarkWindowCounter_Record(b *testing.B) {
	counter := NewWindowCounter(testPolicy(), WindowConfig{})
	now := time.Now()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		counter.Record("192.168.1.1", 404, now)
	}
}
