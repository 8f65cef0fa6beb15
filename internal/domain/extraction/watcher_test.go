package extraction

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatch_ReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dict.yaml")
	require.NoError(t, os.WriteFile(path, []byte("icd: []\n"), 0o600))

	store := NewStore(nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, path, store, zerolog.Nop()) }()

	updated := []byte("icd:\n  - code: Z00.00\n    name: General exam\n")
	assert.Eventually(t, func() bool {
		// Rewrite on every tick; the watcher may not be registered yet.
		_ = os.WriteFile(path, updated, 0o600)
		return store.Load().ICD.Len() == 1
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestWatch_KeepsPreviousOnParseError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dict.yaml")
	require.NoError(t, os.WriteFile(path, []byte("icd: []\n"), 0o600))

	store := NewStore(nil)
	before := store.Load()
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = os.WriteFile(path, []byte("icd: [broken"), 0o600)
	}()
	require.NoError(t, Watch(ctx, path, store, zerolog.Nop()))
	assert.Same(t, before, store.Load())
}
