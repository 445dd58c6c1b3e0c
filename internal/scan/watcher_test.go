package scan

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/foliodev/folio/internal/config"
	"github.com/foliodev/folio/internal/parse"
)

func TestWatcherReportsDebouncedChanges(t *testing.T) {
	defer goleak.VerifyNone(t)

	root := t.TempDir()
	cfg := config.Default(root)
	cfg.Watch.DebounceMs = 30
	require.NoError(t, config.NewValidator().ValidateAndSetDefaults(cfg))
	scanner := New(cfg, parse.NewRegistry())

	w, err := NewWatcher(cfg, scanner)
	require.NoError(t, err)

	var mu sync.Mutex
	created := make(map[string]int)
	changed := make(map[string]int)
	w.SetCallbacks(
		func(rel string) {
			mu.Lock()
			changed[rel]++
			mu.Unlock()
		},
		func(rel string) {
			mu.Lock()
			created[rel]++
			mu.Unlock()
		},
		nil,
	)
	require.NoError(t, w.Start())
	defer func() { require.NoError(t, w.Stop()) }()

	path := filepath.Join(root, "a.md")
	require.NoError(t, os.WriteFile(path, []byte("---\nt: 1\n---\n"), 0o644))
	// Burst of writes inside one debounce window.
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte("---\nt: 2\n---\n"), 0o644))
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		total := created["a.md"] + changed["a.md"]
		mu.Unlock()
		if total > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	total := created["a.md"] + changed["a.md"]
	require.Positive(t, total, "expected the write burst to surface")
	assert.LessOrEqual(t, total, 2, "burst must be coalesced by the debouncer")
	// The writes followed the create inside the window; the file is new.
	assert.Positive(t, created["a.md"])
	assert.NotContains(t, created, "ignored.txt")

	stats := w.Stats()
	assert.GreaterOrEqual(t, stats.WatchedDirs, 1)
	assert.Positive(t, stats.EventsSeen)
}

func TestWatcherStopDropsPendingEvents(t *testing.T) {
	defer goleak.VerifyNone(t)

	root := t.TempDir()
	cfg := config.Default(root)
	cfg.Watch.DebounceMs = 10_000 // never fires during the test
	require.NoError(t, config.NewValidator().ValidateAndSetDefaults(cfg))
	scanner := New(cfg, parse.NewRegistry())

	w, err := NewWatcher(cfg, scanner)
	require.NoError(t, err)

	var calls int
	var mu sync.Mutex
	w.SetCallbacks(nil, func(string) {
		mu.Lock()
		calls++
		mu.Unlock()
	}, nil)
	require.NoError(t, w.Start())

	require.NoError(t, os.WriteFile(filepath.Join(root, "a.md"), []byte("x"), 0o644))
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, w.Stop())

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, calls)
}
