package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/xoelrdgz/logjail/internal/adapters/detection"
	"github.com/xoelrdgz/logjail/internal/domain"
	"github.com/xoelrdgz/logjail/internal/ports"
	"github.com/xoelrdgz/logjail/pkg/sanitize"
)

// Outcome is what happened to one log line.
type Outcome string

const (
	OutcomeParseError    Outcome = "parse_error"
	OutcomeIgnored       Outcome = "ignored"
	OutcomeCounted       Outcome = "counted"
	OutcomeBanned        Outcome = "banned"
	OutcomeAlreadyBanned Outcome = "already_banned"
	OutcomeStoreError    Outcome = "store_error"
)

type DetectorConfig struct {
	MaxTracked    int
	SweepInterval time.Duration
	Now           func() time.Time

	// Parse warnings beyond this rate are counted but not logged.
	ParseLogRate  rate.Limit
	ParseLogBurst int
}

func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		MaxTracked:    detection.DefaultMaxTrackedWindows,
		SweepInterval: time.Minute,
		ParseLogRate:  rate.Every(time.Second),
		ParseLogBurst: 10,
	}
}

// Detector turns log lines into bans. Lines are handled strictly one at a
// time in arrival order.
type Detector struct {
	notifier

	source  ports.LineSource
	parser  ports.LineParser
	policy  *domain.Policy
	windows *detection.WindowCounter
	store   ports.DenyListStore
	now     func() time.Time

	observers []ports.ProcessingObserver

	parseLogLimiter *rate.Limiter
	suppressed      atomic.Int64

	running bool
	mu      sync.Mutex
}

func NewDetector(
	source ports.LineSource,
	parser ports.LineParser,
	policy *domain.Policy,
	store ports.DenyListStore,
	reloader ports.Reloader,
	stats *domain.RuntimeStats,
	config DetectorConfig,
) *Detector {
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.ParseLogRate == 0 {
		config.ParseLogRate = rate.Every(time.Second)
	}
	if config.ParseLogBurst <= 0 {
		config.ParseLogBurst = 10
	}
	if stats == nil {
		stats = domain.NewRuntimeStats()
	}

	windows := detection.NewWindowCounter(policy, detection.WindowConfig{
		MaxTracked:    config.MaxTracked,
		SweepInterval: config.SweepInterval,
		Now:           config.Now,
		OnEvict:       func(string) { stats.RecordWindowEvict() },
	})

	return &Detector{
		notifier:        notifier{reloader: reloader, stats: stats},
		source:          source,
		parser:          parser,
		policy:          policy,
		windows:         windows,
		store:           store,
		now:             config.Now,
		parseLogLimiter: rate.NewLimiter(config.ParseLogRate, config.ParseLogBurst),
	}
}

func (d *Detector) AddObserver(obs ports.ProcessingObserver) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observers = append(d.observers, obs)
}

// Windows exposes the counter for inspection.
func (d *Detector) Windows() *detection.WindowCounter {
	return d.windows
}

// Run reads lines until ctx is cancelled or the source closes. A line
// already taken from the source is always processed to completion.
func (d *Detector) Run(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return errors.New("detector already running")
	}
	d.running = true
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
	}()

	d.windows.StartSweeper(ctx)
	defer d.windows.Stop()

	lines, errs := d.source.Start(ctx)
	defer func() {
		if err := d.source.Stop(); err != nil {
			log.Error().Err(err).Msg("Error stopping log source")
		}
	}()

	log.Info().Ints("statuses", d.policy.Codes()).Str("format", d.parser.Format()).
		Str("denylist", d.store.Path()).Msg("Detector started")

	// Side effects of a dequeued line outlive shutdown.
	procCtx := context.WithoutCancel(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Detector stopping")
			return nil
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			log.Error().Err(err).Msg("Error reading log")
		case line, ok := <-lines:
			if !ok {
				log.Info().Msg("Log source closed")
				return nil
			}
			d.Process(procCtx, line)
		}
	}
}

// Process handles one raw log line.
func (d *Detector) Process(ctx context.Context, line string) Outcome {
	outcome := d.process(ctx, line)

	d.mu.Lock()
	observers := d.observers
	d.mu.Unlock()
	for _, obs := range observers {
		obs.IncrementLinesProcessedByResult(string(outcome))
	}
	return outcome
}

func (d *Detector) process(ctx context.Context, line string) Outcome {
	rec, err := d.parser.Parse(line)
	if err != nil {
		d.stats.RecordParseError()
		d.logParseError(line, err)
		return OutcomeParseError
	}

	now := d.now()
	d.stats.RecordLine(now)

	rule, tracked := d.policy.Rule(rec.StatusCode)
	if !tracked {
		return OutcomeIgnored
	}

	count := d.windows.Record(rec.ClientKey, rec.StatusCode, rec.Timestamp)
	d.stats.SetTrackedClients(d.windows.Tracked())

	if !detection.Evaluate(rec.StatusCode, count, d.policy) {
		return OutcomeCounted
	}

	logCtx := log.With().
		Str("client", rec.ClientKey).
		Int("status", rec.StatusCode).
		Int("count", count).
		Int("limit", rule.Limit).
		Dur("window", rule.Window).
		Str("file", d.store.Path()).
		Logger()

	inserted, err := d.store.AddIfAbsent(ctx, rec.ClientKey, now)
	if err != nil {
		logCtx.Error().Err(err).Msg("Failed to add ban")
		return OutcomeStoreError
	}
	if !inserted {
		logCtx.Debug().Msg("Client already banned")
		return OutcomeAlreadyBanned
	}

	d.stats.RecordBan()
	logCtx.Warn().Msg("Client banned")

	event := domain.NewBanEvent(domain.BanEventBan, rec.ClientKey,
		fmt.Sprintf("%d responses with status %d within %s", count, rec.StatusCode, rule.Window))
	event.StatusCode = rec.StatusCode
	event.Count = count
	event.Limit = rule.Limit
	event.Window = rule.Window.String()
	d.publish(event)

	_ = d.reload(ctx, "ban "+rec.ClientKey)
	return OutcomeBanned
}

func (d *Detector) logParseError(line string, err error) {
	if !d.parseLogLimiter.Allow() {
		d.suppressed.Add(1)
		return
	}
	ev := log.Warn().Err(err).Str("line", sanitize.ForLog(line, 256))
	if n := d.suppressed.Swap(0); n > 0 {
		ev = ev.Int64("suppressed", n)
	}
	ev.Msg("Skipping malformed log line")
}
