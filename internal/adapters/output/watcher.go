package output

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/xoelrdgz/logjail/internal/domain"
	"github.com/xoelrdgz/logjail/internal/ports"
)

// DefaultDebounce batches the burst of events one atomic rewrite produces.
const DefaultDebounce = 200 * time.Millisecond

// DenyListWatcher re-reads the deny list whenever it changes on disk,
// whichever process changed it, and hands the records to OnChange.
//
// The parent directory is watched rather than the file: an atomic rewrite
// replaces the file's inode and a watch on the old one would go silent.
type DenyListWatcher struct {
	store    ports.DenyListStore
	onChange func([]domain.BanRecord)
	debounce time.Duration

	watcher *fsnotify.Watcher
	target  string
	started atomic.Bool

	timerMu sync.Mutex
	timer   *time.Timer

	done    chan struct{}
	stopped chan struct{}
}

func NewDenyListWatcher(store ports.DenyListStore, onChange func([]domain.BanRecord)) (*DenyListWatcher, error) {
	target, err := filepath.Abs(store.Path())
	if err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(filepath.Dir(target)); err != nil {
		w.Close()
		return nil, err
	}
	return &DenyListWatcher{
		store:    store,
		onChange: onChange,
		debounce: DefaultDebounce,
		watcher:  w,
		target:   target,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}, nil
}

// SetDebounce must be called before Start.
func (w *DenyListWatcher) SetDebounce(d time.Duration) {
	w.debounce = d
}

// Start refreshes once immediately, then on every change until ctx is done
// or Close is called.
func (w *DenyListWatcher) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	w.refresh(ctx)
	go w.eventLoop(ctx)
}

func (w *DenyListWatcher) Close() error {
	select {
	case <-w.done:
		return nil
	default:
	}
	close(w.done)
	err := w.watcher.Close()
	if w.started.Load() {
		<-w.stopped
	}

	w.timerMu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timerMu.Unlock()
	return err
}

func (w *DenyListWatcher) eventLoop(ctx context.Context) {
	defer close(w.stopped)

	for {
		select {
		case <-w.done:
			return
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.target {
				continue
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) ||
				event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove) {
				w.schedule(ctx)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Str("file", w.target).Msg("Deny list watcher error")
		}
	}
}

func (w *DenyListWatcher) schedule(ctx context.Context) {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() { w.refresh(ctx) })
}

func (w *DenyListWatcher) refresh(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	records, err := w.store.List(ctx)
	if err != nil {
		level := log.Warn()
		if errors.Is(err, domain.ErrConfigCorruption) {
			level = log.Error()
		}
		level.Err(err).Str("file", w.target).Msg("Failed to read deny list after change")
		return
	}
	log.Debug().Int("bans", len(records)).Str("file", w.target).Msg("Deny list changed")
	w.onChange(records)
}
