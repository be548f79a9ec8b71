// Package output provides the observable side of logjail: Prometheus
// metrics, the /ready health endpoint, the JSON-lines ban event stream and
// the deny-list watcher.
//
// Thread Safety: every type here is safe for concurrent use.
package output

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/xoelrdgz/logjail/internal/domain"
)

// EventWriter appends ban and unban events as JSON lines.
//
// Writes are buffered (64KB) and flushed every second, on Flush and on
// Close.
type EventWriter struct {
	bufWriter *bufio.Writer
	file      *os.File      // nil for stdout
	mu        sync.Mutex    // protects writes
	encoder   *json.Encoder // reused encoder
	stopFlush chan struct{}
	closeOnce sync.Once
}

type EventWriterConfig struct {
	FilePath string // output file path (empty for discard)
	Stdout   bool   // write to stdout
}

// NewEventWriter opens the event destination.
//
// Output Priority:
//  1. Stdout if config.Stdout is true
//  2. File if config.FilePath is set (appended, mode 0600)
//  3. io.Discard otherwise
func NewEventWriter(config EventWriterConfig) (*EventWriter, error) {
	var writer io.Writer
	var file *os.File

	switch {
	case config.Stdout:
		writer = os.Stdout
	case config.FilePath != "":
		var err error
		file, err = os.OpenFile(config.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, err
		}
		writer = file
	default:
		writer = io.Discard
	}

	return newEventWriter(writer, file), nil
}

func newEventWriter(writer io.Writer, file *os.File) *EventWriter {
	const bufferSize = 64 * 1024
	bufWriter := bufio.NewWriterSize(writer, bufferSize)

	w := &EventWriter{
		bufWriter: bufWriter,
		file:      file,
		encoder:   json.NewEncoder(bufWriter),
		stopFlush: make(chan struct{}),
	}
	go w.periodicFlush()
	return w
}

func (w *EventWriter) periodicFlush() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := w.Flush(); err != nil {
				log.Warn().Err(err).Msg("Failed to flush ban events")
			}
		case <-w.stopFlush:
			return
		}
	}
}

// OnBanEvent implements ports.BanSubscriber.
func (w *EventWriter) OnBanEvent(event *domain.BanEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.encoder.Encode(event); err != nil {
		log.Warn().Err(err).Str("event", event.ID).Msg("Failed to write ban event")
	}
}

func (w *EventWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.bufWriter.Flush(); err != nil {
		return err
	}
	if w.file != nil {
		return w.file.Sync()
	}
	return nil
}

// Close stops periodic flushing, flushes what is left and closes the file.
func (w *EventWriter) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.stopFlush)

		w.mu.Lock()
		defer w.mu.Unlock()

		if err = w.bufWriter.Flush(); err != nil {
			return
		}
		if w.file != nil {
			if err = w.file.Sync(); err != nil {
				return
			}
			err = w.file.Close()
		}
	})
	return err
}
