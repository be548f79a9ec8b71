package domain

import (
	"sync/atomic"
	"time"
)

// StatsSnapshot is a point-in-time copy of RuntimeStats.
type StatsSnapshot struct {
	LinesProcessed int64
	ParseErrors    int64
	Bans           int64
	Unbans         int64
	ReloadFailures int64
	TrackedClients int
	WindowEvicts   int64
	LastLine       time.Time
	LastExpiryTick time.Time
	StartTime      time.Time
	Uptime         time.Duration
}

// RuntimeStats is shared by the detector and expirer for the health
// endpoint. All methods are safe for concurrent use.
type RuntimeStats struct {
	linesProcessed atomic.Int64
	parseErrors    atomic.Int64
	bans           atomic.Int64
	unbans         atomic.Int64
	reloadFailures atomic.Int64
	trackedClients atomic.Int64
	windowEvicts   atomic.Int64
	lastLine       atomic.Int64
	lastExpiryTick atomic.Int64
	startTime      time.Time
}

func NewRuntimeStats() *RuntimeStats {
	return &RuntimeStats{startTime: time.Now()}
}

func (s *RuntimeStats) RecordLine(at time.Time) {
	s.linesProcessed.Add(1)
	s.lastLine.Store(at.UnixNano())
}

func (s *RuntimeStats) RecordParseError()    { s.parseErrors.Add(1) }
func (s *RuntimeStats) RecordBan()           { s.bans.Add(1) }
func (s *RuntimeStats) RecordUnbans(n int)   { s.unbans.Add(int64(n)) }
func (s *RuntimeStats) RecordReloadFailure() { s.reloadFailures.Add(1) }
func (s *RuntimeStats) RecordWindowEvict()   { s.windowEvicts.Add(1) }

func (s *RuntimeStats) SetTrackedClients(n int) {
	s.trackedClients.Store(int64(n))
}

func (s *RuntimeStats) RecordExpiryTick(at time.Time) {
	s.lastExpiryTick.Store(at.UnixNano())
}

func (s *RuntimeStats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		LinesProcessed: s.linesProcessed.Load(),
		ParseErrors:    s.parseErrors.Load(),
		Bans:           s.bans.Load(),
		Unbans:         s.unbans.Load(),
		ReloadFailures: s.reloadFailures.Load(),
		TrackedClients: int(s.trackedClients.Load()),
		WindowEvicts:   s.windowEvicts.Load(),
		LastLine:       unixNanoOrZero(s.lastLine.Load()),
		LastExpiryTick: unixNanoOrZero(s.lastExpiryTick.Load()),
		StartTime:      s.startTime,
		Uptime:         time.Since(s.startTime),
	}
}

func unixNanoOrZero(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
