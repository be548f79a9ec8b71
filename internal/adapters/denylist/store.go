package denylist

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/renameio/v2"
	"github.com/rs/zerolog/log"

	"github.com/xoelrdgz/logjail/internal/domain"
	"github.com/xoelrdgz/logjail/pkg/sanitize"
)

// StoreConfig configures a FileStore.
type StoreConfig struct {
	Path        string        // deny-list file read by the web server
	LockPath    string        // advisory lock file (default: Path + ".lock")
	LockTimeout time.Duration // bounded wait for the lock (default: 5s)
	RetryDelay  time.Duration // poll interval while the lock is busy (default: 50ms)
	Weight      string        // value written for each ban (default: "1")
	InPlace     bool          // rewrite through the existing inode instead of rename
}

// LockObserver receives how long each lock acquisition waited.
type LockObserver interface {
	ObserveLockWait(op string, seconds float64)
}

// FileStore implements ports.DenyListStore on a flat nginx include file.
//
// Mutual exclusion is two-level: a mutex serialises goroutines of this
// process and an flock(2) on LockPath serialises processes. The lock is
// taken before the file is read and released after the new contents are
// durable, so a ban and an expiry can never lose each other's edit.
//
// The lock lives on a separate file because an atomic rename replaces the
// deny list's inode, and a lock on the old inode would protect nothing.
type FileStore struct {
	cfg      StoreConfig
	mu       sync.Mutex
	lock     *flock.Flock
	observer LockObserver
}

func NewFileStore(cfg StoreConfig) *FileStore {
	if cfg.LockPath == "" {
		cfg.LockPath = cfg.Path + ".lock"
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 5 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 50 * time.Millisecond
	}
	if cfg.Weight == "" {
		cfg.Weight = "1"
	}
	return &FileStore{
		cfg:  cfg,
		lock: flock.New(cfg.LockPath),
	}
}

func (s *FileStore) SetLockObserver(o LockObserver) {
	s.observer = o
}

func (s *FileStore) Path() string {
	return s.cfg.Path
}

// acquire takes the process mutex and the file lock. The returned release
// function must be called exactly once.
func (s *FileStore) acquire(ctx context.Context, op string, exclusive bool) (func(), error) {
	start := time.Now()
	s.mu.Lock()

	lockCtx, cancel := context.WithTimeout(ctx, s.cfg.LockTimeout)
	defer cancel()

	var (
		ok  bool
		err error
	)
	if exclusive {
		ok, err = s.lock.TryLockContext(lockCtx, s.cfg.RetryDelay)
	} else {
		ok, err = s.lock.TryRLockContext(lockCtx, s.cfg.RetryDelay)
	}
	if s.observer != nil {
		s.observer.ObserveLockWait(op, time.Since(start).Seconds())
	}
	if !ok {
		s.mu.Unlock()
		if err == nil || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s after %s", domain.ErrLockTimeout, s.cfg.LockPath, s.cfg.LockTimeout)
		}
		return nil, fmt.Errorf("lock %s: %w", s.cfg.LockPath, err)
	}

	return func() {
		if err := s.lock.Unlock(); err != nil {
			log.Error().Err(err).Str("file", s.cfg.LockPath).Msg("Failed to release deny list lock")
		}
		s.mu.Unlock()
	}, nil
}

func (s *FileStore) load() (*Document, error) {
	data, err := os.ReadFile(s.cfg.Path)
	if err != nil {
		reason := "unreadable"
		if errors.Is(err, fs.ErrNotExist) {
			reason = "file missing"
		}
		return nil, &domain.CorruptionError{Path: s.cfg.Path, Reason: reason, Err: err}
	}
	return ParseDocument(s.cfg.Path, data)
}

func (s *FileStore) write(doc *Document) error {
	data := doc.Bytes()
	if s.cfg.InPlace {
		return writeInPlace(s.cfg.Path, data)
	}
	if err := renameio.WriteFile(s.cfg.Path, data, 0o644, renameio.WithExistingPermissions()); err != nil {
		return fmt.Errorf("write deny list %s: %w", s.cfg.Path, err)
	}
	return nil
}

// writeInPlace keeps the inode, for deny lists bind-mounted as single files
// into the server container.
func writeInPlace(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return fmt.Errorf("open deny list %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write deny list %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync deny list %s: %w", path, err)
	}
	return f.Close()
}

// update runs fn on the current document inside one exclusive critical
// section and writes the result back when fn reports a change.
func (s *FileStore) update(ctx context.Context, op string, fn func(*Document) bool) error {
	release, err := s.acquire(ctx, op, true)
	if err != nil {
		return err
	}
	defer release()

	doc, err := s.load()
	if err != nil {
		return err
	}
	if !fn(doc) {
		return nil
	}
	return s.write(doc)
}

func (s *FileStore) view(ctx context.Context, op string) (*Document, error) {
	release, err := s.acquire(ctx, op, false)
	if err != nil {
		return nil, err
	}
	defer release()
	return s.load()
}

func canonicalKey(clientKey string) (string, error) {
	key, err := sanitize.ClientKey(clientKey)
	if err != nil {
		return "", fmt.Errorf("%w %q: %v", domain.ErrInvalidClientKey, sanitize.ForLog(clientKey, 64), err)
	}
	if directives[strings.ToLower(key)] {
		return "", fmt.Errorf("%w %q: reserved directive name", domain.ErrInvalidClientKey, key)
	}
	return key, nil
}

func (s *FileStore) AddIfAbsent(ctx context.Context, clientKey string, now time.Time) (bool, error) {
	key, err := canonicalKey(clientKey)
	if err != nil {
		return false, err
	}

	// Cheap shared-lock check first: repeat offenders are the common case
	// once a client is banned and keeps hitting the server.
	if present, err := s.Contains(ctx, key); err != nil || present {
		return false, err
	}

	inserted := false
	err = s.update(ctx, "add", func(doc *Document) bool {
		if doc.Contains(key) {
			return false
		}
		doc.Append(domain.BanRecord{ClientKey: key, Weight: s.cfg.Weight, CreatedAt: time.Unix(now.Unix(), 0)})
		inserted = true
		return true
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}

func (s *FileStore) RemoveExpired(ctx context.Context, now time.Time, ttl time.Duration) ([]string, error) {
	if ttl <= 0 {
		return nil, nil
	}
	var removed []string
	err := s.update(ctx, "expire", func(doc *Document) bool {
		for _, rec := range doc.RemoveFunc(func(rec domain.BanRecord) bool { return rec.Expired(now, ttl) }) {
			removed = append(removed, rec.ClientKey)
		}
		return len(removed) > 0
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

func (s *FileStore) Contains(ctx context.Context, clientKey string) (bool, error) {
	key, err := canonicalKey(clientKey)
	if err != nil {
		return false, err
	}
	doc, err := s.view(ctx, "contains")
	if err != nil {
		return false, err
	}
	return doc.Contains(key), nil
}

func (s *FileStore) Remove(ctx context.Context, clientKey string) (bool, error) {
	key, err := canonicalKey(clientKey)
	if err != nil {
		return false, err
	}
	removed := false
	err = s.update(ctx, "remove", func(doc *Document) bool {
		removed = len(doc.RemoveFunc(func(rec domain.BanRecord) bool { return sameClient(rec.ClientKey, key) })) > 0
		return removed
	})
	return removed, err
}

func (s *FileStore) List(ctx context.Context) ([]domain.BanRecord, error) {
	doc, err := s.view(ctx, "list")
	if err != nil {
		return nil, err
	}
	return doc.Records(), nil
}

// Init creates the deny list from template when it does not exist yet.
// It reports whether a file was created.
func (s *FileStore) Init(ctx context.Context, template string) (bool, error) {
	if template == "" {
		template = DefaultTemplate
	}
	if _, err := ParseDocument(s.cfg.Path, []byte(template)); err != nil {
		return false, fmt.Errorf("deny list template: %w", err)
	}

	release, err := s.acquire(ctx, "init", true)
	if err != nil {
		return false, err
	}
	defer release()

	f, err := os.OpenFile(s.cfg.Path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("create deny list %s: %w", s.cfg.Path, err)
	}
	if _, err := f.WriteString(template); err != nil {
		f.Close()
		return false, fmt.Errorf("write deny list %s: %w", s.cfg.Path, err)
	}
	return true, f.Close()
}
