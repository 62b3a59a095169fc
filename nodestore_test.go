package nodestore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/nodestore/pkg/nodeerr"
	"github.com/i5heu/nodestore/pkg/schema"
)

const openNode = `{"ns":"n1","node_type":"t","acl":{"read":["all"],"write":["all"]},"meta":{"title":"a"},"linkage":{}}`

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func writeTree(t *testing.T) string {
	t.Helper()
	wd := t.TempDir()
	dir := schema.PrimaryDir(wd, "n1")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "t.json"),
		[]byte(`{"type":"object","properties":{"title":{"type":"string"}}}`), 0o644))
	return wd
}

func startStore(t *testing.T, conf Config) *NodeStore {
	t.Helper()
	if conf.WorkingDir == "" {
		conf.WorkingDir = writeTree(t)
	}
	if len(conf.Paths) == 0 {
		conf.InMemory = true
	}
	conf.Logger = testLogger()

	ns, err := New(conf)
	require.NoError(t, err)
	require.NoError(t, ns.Start(context.Background()))
	t.Cleanup(func() { _ = ns.Close(context.Background()) })
	return ns
}

func TestNew_RequiresPath(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	_, err = New(Config{InMemory: true})
	assert.NoError(t, err)
}

func TestNodeStore_NotStarted(t *testing.T) {
	ns, err := New(Config{InMemory: true, Logger: testLogger()})
	require.NoError(t, err)

	_, err = ns.Read(context.Background(), "x", "y")
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.Nil(t, ns.Namespaces())
	assert.Nil(t, ns.Schemas())
}

func TestNodeStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	ns := startStore(t, Config{Port: 8080})
	assert.Equal(t, []string{"n1"}, ns.Namespaces())

	target, err := ns.Create(ctx, []byte(openNode))
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/nodes/"+target.ID, target.Location)

	source, err := ns.Create(ctx, []byte(fmt.Sprintf(
		`{"ns":"n1","node_type":"t","acl":{"read":["all"],"write":["all"]},"meta":{},"linkage":{"parent":[%q]}}`, target.ID)))
	require.NoError(t, err)

	out, err := ns.OutLinkage(ctx, source.ID, "someone")
	require.NoError(t, err)
	require.Equal(t, 1, out.ResultCount)
	assert.Equal(t, target.ID, out.Results[0].ID)

	in, err := ns.InLinkage(ctx, target.ID, "someone")
	require.NoError(t, err)
	require.Equal(t, 1, in.ResultCount)
	assert.Equal(t, source.ID, in.Results[0].ID)

	ver, err := ns.Update(ctx, target.ID, []byte(`{"ver":1,`+openNode[1:]), "someone")
	require.NoError(t, err)
	assert.Equal(t, 2, ver)

	old, err := ns.ReadVersion(ctx, target.ID, 1, "someone")
	require.NoError(t, err)
	assert.Equal(t, 1, old.Ver)

	err = ns.Delete(ctx, target.ID, "someone")
	assert.True(t, nodeerr.DependencyExists.Has(err))

	require.NoError(t, ns.Delete(ctx, source.ID, "someone"))
	require.NoError(t, ns.Delete(ctx, target.ID, "someone"))

	_, err = ns.Read(ctx, target.ID, "someone")
	assert.True(t, nodeerr.NotFound.Has(err))

	reads, writes := ns.Counters()
	assert.NotZero(t, reads)
	assert.NotZero(t, writes)
}

func TestNodeStore_ControlMessage(t *testing.T) {
	ctx := context.Background()
	ns := startStore(t, Config{})

	ns.ProcessControlMessage(ctx, []byte(`{"cmd":"schema_change","ns":"n1","name":"t","type":"insertion","json":{"type":"object","required":["title"]}}`))

	_, err := ns.Create(ctx, []byte(`{"ns":"n1","node_type":"t","acl":{"read":[],"write":[]},"meta":{},"linkage":{}}`))
	assert.True(t, nodeerr.SchemaValidation.Has(err))

	// unrelated and broken messages are ignored
	ns.ProcessControlMessage(ctx, []byte(`{"cmd":"something_else"}`))
	ns.ProcessControlMessage(ctx, []byte(`not json`))

	ns.ProcessControlMessage(ctx, []byte(`{"cmd":"schema_change","ns":"n1","name":"t","type":"deletion"}`))
	_, err = ns.Create(ctx, []byte(`{"ns":"n1","node_type":"t","acl":{"read":[],"write":[]},"meta":{},"linkage":{}}`))
	assert.NoError(t, err)
}

func TestNodeStore_WatchSchemas(t *testing.T) {
	ctx := context.Background()
	wd := writeTree(t)
	ns := startStore(t, Config{WorkingDir: wd, WatchSchemas: true, Debounce: 20 * time.Millisecond})

	require.NoError(t, os.WriteFile(filepath.Join(schema.PrimaryDir(wd, "n1"), "t.json"),
		[]byte(`{"type":"object","properties":{"title":{"type":"integer"}}}`), 0o644))

	assert.Eventually(t, func() bool {
		_, err := ns.Create(ctx, []byte(openNode))
		return nodeerr.SchemaValidation.Has(err)
	}, 5*time.Second, 20*time.Millisecond)
}

func TestNodeStore_OnDisk(t *testing.T) {
	ctx := context.Background()
	wd := writeTree(t)
	data := filepath.Join(t.TempDir(), "data")

	conf := Config{
		WorkingDir:                wd,
		Paths:                     []string{data},
		GarbageCollectionInterval: 10 * time.Millisecond,
		Logger:                    testLogger(),
	}
	ns, err := New(conf)
	require.NoError(t, err)
	require.NoError(t, ns.Start(ctx))

	res, err := ns.Create(ctx, []byte(openNode))
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, ns.Close(ctx))

	reopened, err := New(conf)
	require.NoError(t, err)
	require.NoError(t, reopened.Start(ctx))
	defer reopened.Close(ctx)

	n, err := reopened.Read(ctx, res.ID, "")
	require.NoError(t, err)
	assert.Equal(t, "n1", n.NS)
}

func TestNodeStore_CloseIdempotent(t *testing.T) {
	ns := startStore(t, Config{})
	require.NoError(t, ns.Close(context.Background()))
	require.NoError(t, ns.Close(context.Background()))

	_, err := ns.Read(context.Background(), "x", "y")
	assert.ErrorIs(t, err, ErrClosed)
	reads, writes := ns.Counters()
	assert.Zero(t, reads)
	assert.Zero(t, writes)
}

func TestNodeStore_Run(t *testing.T) {
	ns, err := New(Config{InMemory: true, WorkingDir: writeTree(t), Logger: testLogger()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ns.Run(ctx) }()

	require.Eventually(t, func() bool { return ns.Schemas() != nil }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNodeStore_StartFailure(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	ns, err := New(Config{WorkingDir: writeTree(t), Paths: []string{file}, Logger: testLogger()})
	require.NoError(t, err)

	err = ns.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, err, ns.Start(context.Background()))

	_, err = ns.Read(context.Background(), "x", "y")
	assert.ErrorIs(t, err, ErrNotStarted)
}
