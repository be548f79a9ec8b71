package ports

import "github.com/xoelrdgz/logjail/internal/domain"

// BanSubscriber is notified after every deny-list mutation has been written.
// Implementations should return quickly; they run on the detector's or
// expirer's goroutine.
type BanSubscriber interface {
	OnBanEvent(event *domain.BanEvent)
}

// ProcessingObserver records the outcome of every processed log line.
type ProcessingObserver interface {
	// IncrementLinesProcessedByResult records the result of processing a line.
	//
	// Parameters:
	//   - result: one of the detector outcomes ("parse_error", "ignored",
	//     "counted", "banned", "already_banned", "store_error")
	//
	// Thread Safety: Implementations MUST be safe for concurrent calls.
	IncrementLinesProcessedByResult(result string)
}

// ReloadObserver records the outcome of every reload attempt.
type ReloadObserver interface {
	ObserveReload(mechanism string, err error)
}
