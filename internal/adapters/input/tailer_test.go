package input

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileTailer_FromBeginning(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access.log")
	require.NoError(t, os.WriteFile(path, []byte("first\n\nsecond\n"), 0o644))

	tailer := NewFileTailer(path, 10)
	tailer.SetFromBeginning(true)
	tailer.SetPoll(true)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	lines, _ := tailer.Start(ctx)

	var got []string
	for len(got) < 2 {
		select {
		case line := <-lines:
			got = append(got, line)
		case <-ctx.Done():
			t.Fatalf("timed out, got %v", got)
		}
	}
	assert.Equal(t, []string{"first", "second"}, got)

	require.NoError(t, tailer.Stop())
	require.NoError(t, tailer.Stop())
}

func TestFileTailer_DoubleStart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access.log")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	tailer := NewFileTailer(path, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tailer.Start(ctx)
	defer tailer.Stop()

	second, _ := tailer.Start(ctx)
	_, ok := <-second
	assert.False(t, ok, "second Start returns a closed channel")
}
