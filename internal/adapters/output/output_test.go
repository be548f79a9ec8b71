package output

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xoelrdgz/logjail/internal/domain"
)

type fakeStore struct {
	mu      sync.Mutex
	path    string
	records []domain.BanRecord
	err     error
	lists   int
}

func (f *fakeStore) AddIfAbsent(context.Context, string, time.Time) (bool, error) {
	return false, nil
}

func (f *fakeStore) RemoveExpired(context.Context, time.Time, time.Duration) ([]string, error) {
	return nil, nil
}

func (f *fakeStore) Contains(context.Context, string) (bool, error) { return false, nil }
func (f *fakeStore) Remove(context.Context, string) (bool, error)   { return false, nil }
func (f *fakeStore) Path() string                                   { return f.path }

func (f *fakeStore) List(context.Context) ([]domain.BanRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	return f.records, f.err
}

func TestPrometheusMetrics(t *testing.T) {
	stats := domain.NewRuntimeStats()
	stats.SetTrackedClients(7)
	stats.RecordWindowEvict()
	stats.RecordWindowEvict()
	m := NewPrometheusMetrics("test", prometheus.NewRegistry(), stats)

	m.IncrementLinesProcessedByResult("counted")
	m.IncrementLinesProcessedByResult("counted")
	m.IncrementLinesProcessedByResult("parse_error")
	m.OnBanEvent(domain.NewBanEvent(domain.BanEventBan, "10.0.0.5", "limit exceeded"))
	m.OnBanEvent(domain.NewBanEvent(domain.BanEventUnban, "10.0.0.5", "expired"))
	m.OnBanEvent(domain.NewBanEvent(domain.BanEventUnban, "10.0.0.6", "expired"))
	m.ObserveReload("container", nil)
	m.ObserveReload("container", errors.New("boom"))
	m.SetActiveBans(3)
	m.ObserveLockWait("add", 0.002)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.linesProcessed.WithLabelValues("counted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.linesProcessed.WithLabelValues("parse_error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.bans))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.unbans))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reloads.WithLabelValues("container", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reloads.WithLabelValues("container", "failure")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.activeBans))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.trackedClients))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.windowEvicts))
	assert.Equal(t, 1, testutil.CollectAndCount(m.lockWait))
}

func TestPrometheusMetrics_ServesRegistry(t *testing.T) {
	m := NewPrometheusMetrics("", nil, nil)
	m.SetActiveBans(2)

	families, err := m.Registry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["logjail_active_bans"])
	assert.True(t, names["go_goroutines"])
}

func TestHealthChecker(t *testing.T) {
	store := &fakeStore{records: []domain.BanRecord{{ClientKey: "10.0.0.1"}, {ClientKey: "10.0.0.2"}}}
	stats := domain.NewRuntimeStats()
	h := NewHealthChecker(store, stats, HealthCheckerConfig{CheckInterval: time.Minute})

	status := h.Check(context.Background())
	assert.True(t, status.Healthy)
	assert.Equal(t, "HEALTHY", status.Status)
	assert.Equal(t, 2, status.ActiveBans)

	// Cached within CheckInterval.
	h.Check(context.Background())
	assert.Equal(t, 1, store.lists)
}

func TestHealthChecker_Unhealthy(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status string
	}{
		{"corrupt", &domain.CorruptionError{Path: "banned.conf", Reason: "file missing"}, "CORRUPT"},
		{"locked", domain.ErrLockTimeout, "LOCKED"},
		{"other", errors.New("permission denied"), "ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthChecker(&fakeStore{err: tt.err}, nil, HealthCheckerConfig{})
			status := h.Check(context.Background())
			assert.False(t, status.Healthy)
			assert.Equal(t, tt.status, status.Status)
			assert.NotEmpty(t, status.Reason)
		})
	}
}

func TestHealthChecker_StalledExpirer(t *testing.T) {
	stats := domain.NewRuntimeStats()
	h := NewHealthChecker(&fakeStore{}, stats, HealthCheckerConfig{ExpiryInterval: time.Minute})
	h.now = func() time.Time { return time.Now().Add(10 * time.Minute) }

	status := h.Check(context.Background())
	assert.False(t, status.Healthy)
	assert.Equal(t, "STALLED", status.Status)

	stats.RecordExpiryTick(h.now())
	h.lastCheckTime = time.Time{}
	status = h.Check(context.Background())
	assert.True(t, status.Healthy)
}

func TestHealthChecker_ServeHTTP(t *testing.T) {
	h := NewHealthChecker(&fakeStore{err: domain.ErrLockTimeout}, nil, HealthCheckerConfig{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "LOCKED", body.Status)
}

func TestEventWriter(t *testing.T) {
	var buf bytes.Buffer
	w := newEventWriter(&buf, nil)

	ev := domain.NewBanEvent(domain.BanEventBan, "10.0.0.5", "limit exceeded")
	ev.StatusCode = 429
	ev.Count = 3
	ev.Limit = 2
	w.OnBanEvent(ev)
	w.OnBanEvent(domain.NewBanEvent(domain.BanEventUnban, "10.0.0.5", "expired"))
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var got domain.BanEvent
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &got))
	assert.Equal(t, domain.BanEventBan, got.Kind)
	assert.Equal(t, "10.0.0.5", got.ClientKey)
	assert.Equal(t, 429, got.StatusCode)
	assert.Contains(t, lines[1], `"kind":"UNBAN"`)
}

func TestEventWriter_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	w, err := NewEventWriter(EventWriterConfig{FilePath: path})
	require.NoError(t, err)

	w.OnBanEvent(domain.NewBanEvent(domain.BanEventBan, "10.0.0.9", "manual"))
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"client_key":"10.0.0.9"`)
}

func TestDenyListWatcher(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "banned.conf")
	require.NoError(t, os.WriteFile(path, []byte("geo $banned_ip {\n}\n"), 0o644))

	store := &fakeStore{path: path}
	counts := make(chan int, 16)
	w, err := NewDenyListWatcher(store, func(recs []domain.BanRecord) { counts <- len(recs) })
	require.NoError(t, err)
	w.SetDebounce(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Close()

	assert.Equal(t, 0, <-counts)

	store.mu.Lock()
	store.records = []domain.BanRecord{{ClientKey: "10.0.0.1"}}
	store.mu.Unlock()

	// Unrelated files in the same directory are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.conf"), []byte("x"), 0o644))

	tmp := filepath.Join(dir, ".banned.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte("geo $banned_ip {\n    10.0.0.1 1;\n}\n"), 0o644))
	require.NoError(t, os.Rename(tmp, path))

	select {
	case n := <-counts:
		assert.Equal(t, 1, n)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not report the rewrite")
	}
}
