// Package ports defines the interfaces between the detection core and the
// infrastructure it drives (log source, deny-list file, server reload).
//
// Design Principles:
//   - Interfaces are small and focused
//   - Dependencies flow inward (internal/domain has no external dependencies)
//   - Implementations live in internal/adapters/
package ports

import (
	"context"
	"time"

	"github.com/xoelrdgz/logjail/internal/domain"
)

// DenyListStore is the single writer of the deny-list file.
//
// Implementations:
//   - denylist.FileStore: nginx geo block guarded by an advisory file lock
//
// Thread Safety: Implementations MUST be safe for concurrent calls from the
// same process AND from other processes that open the same file through
// their own store instance. Every mutation is one read-modify-write critical
// section.
type DenyListStore interface {
	// AddIfAbsent appends a ban for clientKey stamped with now.
	//
	// Returns:
	//   - true if a record was written
	//   - false with no write if clientKey was already banned
	//   - domain.ErrConfigCorruption if the file is missing or unframed
	//   - domain.ErrLockTimeout if the lock could not be taken in time
	AddIfAbsent(ctx context.Context, clientKey string, now time.Time) (bool, error)

	// RemoveExpired drops every record with created_at + ttl < now and
	// returns the removed keys. The file is only rewritten when at least
	// one record was removed.
	RemoveExpired(ctx context.Context, now time.Time, ttl time.Duration) ([]string, error)

	// Contains reports whether clientKey is currently banned. Read-only.
	Contains(ctx context.Context, clientKey string) (bool, error)

	// Remove deletes the record for clientKey, if any.
	Remove(ctx context.Context, clientKey string) (bool, error)

	// List returns all records in file order.
	List(ctx context.Context) ([]domain.BanRecord, error)

	// Path returns the location of the deny-list file.
	Path() string
}
