package reload

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatcher_TriggersOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "zones.yaml")
	require.NoError(t, os.WriteFile(path, []byte("zones: []\n"), 0o644))

	reloaded := make(chan struct{}, 4)
	w, err := NewWatcher([]string{path}, func() { reloaded <- struct{}{} }, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	// Give the watcher a moment to settle before mutating.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("zones: [] # changed\n"), 0o644))

	select {
	case <-reloaded:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher never triggered a reload")
	}
}

func TestWatcher_DebouncesBursts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "zones.yaml")
	require.NoError(t, os.WriteFile(path, []byte("a\n"), 0o644))

	reloaded := make(chan struct{}, 16)
	w, err := NewWatcher([]string{path}, func() { reloaded <- struct{}{} }, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	time.Sleep(100 * time.Millisecond)
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte("burst\n"), 0o644))
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case <-reloaded:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher never triggered a reload")
	}
	// The burst coalesces into one reload.
	select {
	case <-reloaded:
		t.Fatal("burst produced more than one reload")
	case <-time.After(time.Second):
	}
}

func TestWatcher_AddPathsExtendsWatch(t *testing.T) {
	cfgDir := t.TempDir()
	cfgPath := filepath.Join(cfgDir, "zones.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("zones: []\n"), 0o644))

	reloaded := make(chan struct{}, 4)
	w, err := NewWatcher([]string{cfgPath}, func() { reloaded <- struct{}{} }, nil)
	require.NoError(t, err)

	// A zone file in a directory the watcher did not start with.
	zoneDir := t.TempDir()
	zonePath := filepath.Join(zoneDir, "example.com.yaml")
	require.NoError(t, os.WriteFile(zonePath, []byte("zone_root: example.com.\n"), 0o644))
	require.NoError(t, w.AddPaths(zonePath))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(zonePath, []byte("zone_root: example.com. # changed\n"), 0o644))

	select {
	case <-reloaded:
	case <-time.After(5 * time.Second):
		t.Fatal("change in an added directory never triggered a reload")
	}
}

func TestWatcher_MissingDirectory(t *testing.T) {
	_, err := NewWatcher([]string{"/definitely/not/a/dir/zones.yaml"}, func() {}, nil)
	require.Error(t, err)
}
