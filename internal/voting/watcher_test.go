package voting

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestCatalogWatcher_ReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gates.toml")
	require.NoError(t, os.WriteFile(path, []byte("gates = []\n"), 0o600))
	c, err := LoadCatalog(path)
	require.NoError(t, err)
	require.Len(t, c.Gates(), 5)

	w, err := NewCatalogWatcher(c, path, zaptest.NewLogger(t))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	replaceFile(t, path, overrideCatalog)
	waitReload(t, w, true)
	assert.Eventually(t, func() bool { return len(c.Gates()) == 6 }, 2*time.Second, 20*time.Millisecond)

	replaceFile(t, path, "[[gates]\nbroken")
	waitReload(t, w, false)
	assert.Len(t, c.Gates(), 6)

	w.Stop()
	w.Stop()
}

// waitReload drains reload results until one matches ok.
func waitReload(t *testing.T, w *CatalogWatcher, ok bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case err := <-w.Reloads():
			if (err == nil) == ok {
				return
			}
		case <-deadline:
			t.Fatalf("no reload with success=%v", ok)
		}
	}
}

// replaceFile swaps content in by rename so the watcher never sees a
// truncated file.
func replaceFile(t *testing.T, path, content string) {
	t.Helper()
	tmp := filepath.Join(filepath.Dir(path), ".gates.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte(content), 0o600))
	require.NoError(t, os.Rename(tmp, path))
}
