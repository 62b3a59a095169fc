package history

import (
	"context"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/nodestore/pkg/docstore"
)

func newTestTracker(t *testing.T) (*Tracker, docstore.Store) {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	store, err := docstore.NewBadgerStore(docstore.StoreConfig{InMemory: true, Logger: log})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return NewTracker(Config{Store: store, Logger: log}), store
}

func TestTracker_AppendAndFetch(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTracker(t)

	require.NoError(t, tr.Append(ctx, "n1", 1, []byte(`{"ver":1}`)))
	require.NoError(t, tr.Append(ctx, "n1", 2, []byte(`{"ver":2}`)))

	got, ok, err := tr.Fetch(ctx, "n1", 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"ver":1}`, string(got))

	got, ok, err = tr.Fetch(ctx, "n1", 2)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"ver":2}`, string(got))
}

func TestTracker_FetchMissingIsNotAnError(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTracker(t)

	_, ok, err := tr.Fetch(ctx, "nobody", 1)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, tr.Append(ctx, "n1", 1, []byte(`{}`)))
	_, ok, err = tr.Fetch(ctx, "n1", 2)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTracker_AppendNeverOverwrites(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTracker(t)

	require.NoError(t, tr.Append(ctx, "n1", 1, []byte(`{}`)))
	require.NoError(t, tr.Append(ctx, "n1", 2, []byte(`first`)))

	err := tr.Append(ctx, "n1", 2, []byte(`second`))
	assert.ErrorIs(t, err, ErrCollision)

	got, _, err := tr.Fetch(ctx, "n1", 2)
	require.NoError(t, err)
	assert.Equal(t, "first", string(got))
}

func TestTracker_AppendFirstVersionTwice(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTracker(t)

	require.NoError(t, tr.Append(ctx, "n1", 1, []byte(`first`)))
	assert.ErrorIs(t, tr.Append(ctx, "n1", 1, []byte(`second`)), ErrCollision)

	got, ok, err := tr.Fetch(ctx, "n1", 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "first", string(got))
}

func TestTracker_AppendLaterVersionNeedsContainer(t *testing.T) {
	tr, _ := newTestTracker(t)

	err := tr.Append(context.Background(), "n1", 3, []byte(`{}`))
	assert.ErrorIs(t, err, docstore.ErrNotFound)
}

func TestTracker_AppendRejectsInvalidVersion(t *testing.T) {
	tr, _ := newTestTracker(t)

	assert.Error(t, tr.Append(context.Background(), "n1", 0, []byte(`{}`)))
}

func TestTracker_DeleteAll(t *testing.T) {
	ctx := context.Background()
	tr, store := newTestTracker(t)

	require.NoError(t, tr.Append(ctx, "n1", 1, []byte(`{}`)))
	require.NoError(t, tr.Append(ctx, "n1", 2, []byte(`{}`)))
	require.NoError(t, tr.DeleteAll(ctx, "n1"))

	_, err := store.Get(ctx, ID("n1"))
	assert.ErrorIs(t, err, docstore.ErrNotFound)

	_, ok, err := tr.Fetch(ctx, "n1", 1)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, tr.DeleteAll(ctx, "n1"), docstore.ErrNotFound)
}

func TestCompressRoundTrip(t *testing.T) {
	in := []byte(`{"meta":{"body":"some text that compresses some text that compresses"}}`)
	packed, err := compress(in)
	require.NoError(t, err)

	out, err := decompress(packed)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = decompress([]byte("garbage"))
	assert.Error(t, err)
}
