package store

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docsync/internal/config"
	"docsync/internal/utils"
)

// exerciseStore runs the behaviour every DocumentStore must share.
func exerciseStore(t *testing.T, s DocumentStore) {
	t.Helper()
	ctx := context.Background()

	_, err := s.Load(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Save(ctx, "doc-1", []byte("v1")))
	got, err := s.Load(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(got))

	require.NoError(t, s.Save(ctx, "doc-1", []byte("v2")))
	got, err = s.Load(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(got))

	_, err = s.Load(ctx, "doc-2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	s := NewRedisStore(mr.Addr(), "test:doc:")
	defer s.Close()

	require.NoError(t, s.Ping(context.Background()))
	exerciseStore(t, s)

	raw, err := mr.Get("test:doc:doc-1")
	require.NoError(t, err)
	assert.Equal(t, "v2", raw)
}

func TestRedisStoreReportsConnectionErrors(t *testing.T) {
	mr := miniredis.RunT(t)
	s := NewRedisStore(mr.Addr(), "p:")
	defer s.Close()
	mr.Close()

	_, err := s.Load(context.Background(), "doc")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.Error(t, s.Save(context.Background(), "doc", []byte("x")))
}

func TestBadgerStoreInMemory(t *testing.T) {
	s, err := OpenBadgerStore(BadgerConfig{InMemory: true})
	require.NoError(t, err)
	defer s.Close()
	exerciseStore(t, s)
}

func TestBadgerStoreOnDisk(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenBadgerStore(BadgerConfig{Path: dir, SyncWrites: true, Logger: utils.NewNopLogger()})
	require.NoError(t, err)
	require.NoError(t, s.Save(context.Background(), "doc", []byte("persisted")))
	require.NoError(t, s.Close())

	reopened, err := OpenBadgerStore(BadgerConfig{Path: dir})
	require.NoError(t, err)
	defer reopened.Close()
	got, err := reopened.Load(context.Background(), "doc")
	require.NoError(t, err)
	assert.Equal(t, "persisted", string(got))
}

func TestBadgerStoreRequiresPath(t *testing.T) {
	_, err := OpenBadgerStore(BadgerConfig{})
	assert.Error(t, err)
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	exerciseStore(t, s)
	assert.Equal(t, 2, s.Saves("doc-1"))
	assert.Equal(t, 2, s.Loads("doc-1"))
}

func TestMemoryStoreInjectedFailureKeepsPreviousSnapshot(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, "doc", []byte("good")))

	boom := errors.New("disk full")
	s.FailSave = func(string) error { return boom }
	require.ErrorIs(t, s.Save(ctx, "doc", []byte("bad")), boom)

	data, ok := s.Snapshot("doc")
	require.True(t, ok)
	assert.Equal(t, "good", string(data))
	assert.Equal(t, 2, s.Saves("doc"))
}

func TestOpenSelectsDriver(t *testing.T) {
	ctx := context.Background()
	log := utils.NewNopLogger()

	s, err := Open(ctx, &config.Config{StoreDriver: config.StoreMemory}, log)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	mr := miniredis.RunT(t)
	s, err = Open(ctx, &config.Config{StoreDriver: config.StoreRedis, RedisAddr: mr.Addr()}, log)
	require.NoError(t, err)
	assert.IsType(t, &RedisStore{}, s)
	require.NoError(t, s.Close())

	s, err = Open(ctx, &config.Config{StoreDriver: config.StoreBadger, BadgerPath: t.TempDir()}, log)
	require.NoError(t, err)
	assert.IsType(t, &BadgerStore{}, s)
	require.NoError(t, s.Close())

	_, err = Open(ctx, &config.Config{StoreDriver: "mongo"}, log)
	assert.Error(t, err)
}
