package schema

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// waitFor drains ch until a change for id with op arrives. A single file
// write may surface as more than one debounced change.
func waitFor(t *testing.T, ch <-chan SchemaChange, id string, op Op) SchemaChange {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case change, ok := <-ch:
			require.True(t, ok, "channel closed")
			if change.ID == id && change.Op == op {
				return change
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s of %s", op, id)
			return SchemaChange{}
		}
	}
}

func TestWatcher_EmitsInsertAndDelete(t *testing.T) {
	wd := t.TempDir()
	require.NoError(t, os.MkdirAll(PrimaryDir(wd, "n1"), 0o755))
	require.NoError(t, os.MkdirAll(AuxDir(wd, "n1"), 0o755))

	w, err := NewWatcher(WatcherConfig{
		WorkingDir:  wd,
		Namespaces:  []string{"n1", "missing"},
		DebounceDur: 20 * time.Millisecond,
		Logger:      testLogger(),
	})
	require.NoError(t, err)
	changes, err := w.Start()
	require.NoError(t, err)
	defer w.Stop()

	writeSchema(t, PrimaryDir(wd, "n1"), "person", `{"type":"object"}`)
	change := waitFor(t, changes, "person", OpInsert)
	assert.Equal(t, "n1", change.Namespace)
	assert.Equal(t, "person", change.ID)
	assert.Equal(t, KindPrimary, change.Kind)
	assert.JSONEq(t, `{"type":"object"}`, string(change.Document))

	writeSchema(t, AuxDir(wd, "n1"), "addr", `{}`)
	change = waitFor(t, changes, "addr", OpInsert)
	assert.Equal(t, KindAux, change.Kind)

	require.NoError(t, os.Remove(filepath.Join(AuxDir(wd, "n1"), "addr.json")))
	change = waitFor(t, changes, "addr", OpDelete)
	assert.Equal(t, KindAux, change.Kind)
}

func TestWatcher_IgnoresUnrelatedAndBrokenFiles(t *testing.T) {
	wd := t.TempDir()
	require.NoError(t, os.MkdirAll(PrimaryDir(wd, "n1"), 0o755))

	w, err := NewWatcher(WatcherConfig{
		WorkingDir:  wd,
		Namespaces:  []string{"n1"},
		DebounceDur: 20 * time.Millisecond,
		Logger:      testLogger(),
	})
	require.NoError(t, err)
	changes, err := w.Start()
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(PrimaryDir(wd, "n1"), "notes.txt"), []byte("x"), 0o644))
	writeSchema(t, PrimaryDir(wd, "n1"), "broken", `{"type":`)
	writeSchema(t, PrimaryDir(wd, "n1"), "ok", `{}`)

	change := waitFor(t, changes, "ok", OpInsert)
	assert.Equal(t, KindPrimary, change.Kind)

	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop())

	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-changes:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("changes channel not closed")
		}
	}
}

func TestWatcher_Locate(t *testing.T) {
	w := &Watcher{workingDir: "/srv/nodes"}

	ns, kind, ok := w.locate("/srv/nodes/namespaces/n1/schemas/t.json")
	assert.True(t, ok)
	assert.Equal(t, "n1", ns)
	assert.Equal(t, KindPrimary, kind)

	_, kind, ok = w.locate("/srv/nodes/namespaces/n1/aux/a.json")
	assert.True(t, ok)
	assert.Equal(t, KindAux, kind)

	for _, p := range []string{
		"/srv/nodes/namespaces/n1/schemas/t.txt",
		"/srv/nodes/namespaces/n1/other/t.json",
		"/elsewhere/namespaces/n1/schemas/t.json",
		"/srv/nodes/namespaces/n1/schemas/.t.json",
	} {
		_, _, ok := w.locate(p)
		assert.False(t, ok, p)
	}
}
