package input

import (
	"context"
	"sync"

	"github.com/nxadm/tail"
	"github.com/rs/zerolog/log"
)

// FileTailer follows an append-only log file and emits each new line.
// It owns the read position; parsing is left to the consumer.
type FileTailer struct {
	filepath      string
	tail          *tail.Tail
	bufferSize    int
	fromBeginning bool
	poll          bool
	mu            sync.Mutex
	running       bool
	stopChan      chan struct{}
}

func NewFileTailer(filepath string, bufferSize int) *FileTailer {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &FileTailer{
		filepath:   filepath,
		bufferSize: bufferSize,
		stopChan:   make(chan struct{}),
	}
}

// SetFromBeginning makes the tailer replay existing content instead of
// starting at the current end of file.
func (t *FileTailer) SetFromBeginning(fromBeginning bool) {
	t.fromBeginning = fromBeginning
}

// SetPoll switches from inotify to stat polling, for filesystems that do
// not deliver change events (some bind mounts and network volumes).
func (t *FileTailer) SetPoll(poll bool) {
	t.poll = poll
}

func (t *FileTailer) Start(ctx context.Context) (<-chan string, <-chan error) {
	lineChan := make(chan string, t.bufferSize)
	errChan := make(chan error, 10)

	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		close(lineChan)
		close(errChan)
		return lineChan, errChan
	}
	t.running = true
	t.stopChan = make(chan struct{})
	stop := t.stopChan
	t.mu.Unlock()

	go func() {
		defer close(lineChan)
		defer close(errChan)

		whence := 2
		if t.fromBeginning {
			whence = 0
		}

		config := tail.Config{
			Follow:    true,
			ReOpen:    true,
			MustExist: false,
			Poll:      t.poll,
			Location:  &tail.SeekInfo{Offset: 0, Whence: whence},
		}

		tf, err := tail.TailFile(t.filepath, config)
		if err != nil {
			log.Error().Err(err).Str("file", t.filepath).Msg("Failed to tail file")
			errChan <- err
			return
		}
		t.mu.Lock()
		t.tail = tf
		t.mu.Unlock()

		log.Info().Str("file", t.filepath).Bool("from_beginning", t.fromBeginning).Msg("Started tailing log file")

		for {
			select {
			case <-ctx.Done():
				log.Info().Msg("Context cancelled, stopping tailer")
				return
			case <-stop:
				log.Info().Msg("Stop signal received, stopping tailer")
				return
			case line, ok := <-tf.Lines:
				if !ok {
					log.Info().Msg("Tail channel closed")
					return
				}
				if line.Err != nil {
					log.Warn().Err(line.Err).Str("file", t.filepath).Msg("Error reading line")
					select {
					case errChan <- line.Err:
					default:
					}
					continue
				}
				if line.Text == "" {
					continue
				}

				select {
				case lineChan <- line.Text:
				case <-ctx.Done():
					return
				case <-stop:
					return
				}
			}
		}
	}()

	return lineChan, errChan
}

func (t *FileTailer) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running {
		return nil
	}

	close(t.stopChan)
	t.running = false

	if t.tail != nil {
		err := t.tail.Stop()
		t.tail.Cleanup()
		return err
	}
	return nil
}
