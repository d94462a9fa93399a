package persist

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docsync/internal/metrics"
	"docsync/internal/models"
	"docsync/internal/store"
	"docsync/internal/utils"
)

type fakeTarget struct {
	id  string
	rev atomic.Uint64
}

func (f *fakeTarget) DocumentID() string { return f.id }

func (f *fakeTarget) Snapshot() (uint64, []byte) {
	rev := f.rev.Load()
	return rev, []byte(fmt.Sprintf("rev-%d", rev))
}

func (f *fakeTarget) touch() { f.rev.Add(1) }

func newScheduler(st store.DocumentStore, quiet time.Duration, retries int) *Scheduler {
	return New(st, Config{
		QuietPeriod:   quiet,
		SaveTimeout:   time.Second,
		MaxRetries:    retries,
		RetryInterval: time.Millisecond,
	}, utils.NewNopLogger(), metrics.NewUnregistered())
}

func TestScheduleCoalescesBurstIntoOneSave(t *testing.T) {
	mem := store.NewMemoryStore()
	s := newScheduler(mem, 50*time.Millisecond, 0)
	target := &fakeTarget{id: "doc"}

	for i := 0; i < 10; i++ {
		target.touch()
		s.Schedule(target)
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, s.Pending("doc"))
	assert.Equal(t, 0, mem.Saves("doc"))

	require.Eventually(t, func() bool { return mem.Saves("doc") == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, mem.Saves("doc"))
	assert.False(t, s.Pending("doc"))

	data, ok := mem.Snapshot("doc")
	require.True(t, ok)
	assert.Equal(t, "rev-10", string(data))
}

func TestFlushNowCancelsTimerAndSavesOnce(t *testing.T) {
	mem := store.NewMemoryStore()
	s := newScheduler(mem, 30*time.Millisecond, 0)
	target := &fakeTarget{id: "doc"}
	target.touch()

	s.Schedule(target)
	require.NoError(t, s.FlushNow(context.Background(), target))
	assert.False(t, s.Pending("doc"))
	assert.Equal(t, 1, mem.Saves("doc"))

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 1, mem.Saves("doc"))
}

func TestSaveSkippedWhenRevisionUnchanged(t *testing.T) {
	mem := store.NewMemoryStore()
	s := newScheduler(mem, time.Hour, 0)
	target := &fakeTarget{id: "doc"}

	// Revision zero matches what the store already has.
	require.NoError(t, s.FlushNow(context.Background(), target))
	assert.Equal(t, 0, mem.Saves("doc"))

	target.touch()
	require.NoError(t, s.FlushNow(context.Background(), target))
	require.NoError(t, s.FlushNow(context.Background(), target))
	assert.Equal(t, 1, mem.Saves("doc"))
}

func TestFlushNowRetriesThenReportsPersistenceFailed(t *testing.T) {
	mem := store.NewMemoryStore()
	boom := errors.New("store down")
	mem.FailSave = func(string) error { return boom }
	s := newScheduler(mem, time.Hour, 2)
	target := &fakeTarget{id: "doc"}
	target.touch()

	err := s.FlushNow(context.Background(), target)
	require.Error(t, err)
	assert.True(t, models.IsCode(err, models.CodePersistenceFailed))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, mem.Saves("doc"))

	// The failed revision is still outstanding once the store recovers.
	mem.FailSave = nil
	require.NoError(t, s.FlushNow(context.Background(), target))
	data, ok := mem.Snapshot("doc")
	require.True(t, ok)
	assert.Equal(t, "rev-1", string(data))
}

func TestFlushNowSucceedsAfterTransientFailure(t *testing.T) {
	mem := store.NewMemoryStore()
	var calls atomic.Int32
	mem.FailSave = func(string) error {
		if calls.Add(1) == 1 {
			return errors.New("blip")
		}
		return nil
	}
	s := newScheduler(mem, time.Hour, 3)
	target := &fakeTarget{id: "doc"}
	target.touch()

	require.NoError(t, s.FlushNow(context.Background(), target))
	assert.Equal(t, 2, mem.Saves("doc"))
}

func TestScheduledFailureIsRearmed(t *testing.T) {
	mem := store.NewMemoryStore()
	var fail atomic.Bool
	fail.Store(true)
	mem.FailSave = func(string) error {
		if fail.Load() {
			return errors.New("down")
		}
		return nil
	}
	s := newScheduler(mem, 20*time.Millisecond, 0)
	target := &fakeTarget{id: "doc"}
	target.touch()
	s.Schedule(target)

	require.Eventually(t, func() bool { return mem.Saves("doc") >= 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return s.Pending("doc") }, time.Second, 5*time.Millisecond)

	fail.Store(false)
	require.Eventually(t, func() bool {
		_, ok := mem.Snapshot("doc")
		return ok
	}, time.Second, 5*time.Millisecond)
}

func TestForgetCancelsPendingSave(t *testing.T) {
	mem := store.NewMemoryStore()
	s := newScheduler(mem, 20*time.Millisecond, 0)
	target := &fakeTarget{id: "doc"}
	target.touch()

	s.Schedule(target)
	s.Forget(target)
	assert.False(t, s.Pending("doc"))
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 0, mem.Saves("doc"))
}

func TestForgetOfReplacedTargetKeepsNewerSave(t *testing.T) {
	mem := store.NewMemoryStore()
	s := newScheduler(mem, time.Hour, 0)

	old := &fakeTarget{id: "doc"}
	old.touch()
	require.NoError(t, s.FlushNow(context.Background(), old))

	// A new room for the same document is edited before the old one is forgotten.
	fresh := &fakeTarget{id: "doc"}
	fresh.touch()
	fresh.touch()
	s.Schedule(fresh)
	s.Forget(old)
	assert.True(t, s.Pending("doc"))

	require.NoError(t, s.Close(context.Background()))
	assert.Equal(t, 2, mem.Saves("doc"))
	snap, ok := mem.Snapshot("doc")
	require.True(t, ok)
	assert.Equal(t, "rev-2", string(snap))
}

func TestNewTargetForSameDocumentStartsFresh(t *testing.T) {
	mem := store.NewMemoryStore()
	s := newScheduler(mem, time.Hour, 0)

	first := &fakeTarget{id: "doc"}
	first.touch()
	first.touch()
	require.NoError(t, s.FlushNow(context.Background(), first))

	second := &fakeTarget{id: "doc"}
	second.touch()
	require.NoError(t, s.FlushNow(context.Background(), second))
	assert.Equal(t, 2, mem.Saves("doc"))
}

func TestCloseFlushesPendingSaves(t *testing.T) {
	mem := store.NewMemoryStore()
	s := newScheduler(mem, time.Hour, 0)

	var targets []*fakeTarget
	for i := 0; i < 3; i++ {
		tg := &fakeTarget{id: fmt.Sprintf("doc-%d", i)}
		tg.touch()
		s.Schedule(tg)
		targets = append(targets, tg)
	}

	require.NoError(t, s.Close(context.Background()))
	for _, tg := range targets {
		assert.Equal(t, 1, mem.Saves(tg.id), tg.id)
		assert.False(t, s.Pending(tg.id))
	}

	s.Schedule(targets[0])
	assert.False(t, s.Pending("doc-0"))
}

func TestConcurrentFlushAndFireWriteOnce(t *testing.T) {
	mem := store.NewMemoryStore()
	s := newScheduler(mem, time.Millisecond, 0)
	target := &fakeTarget{id: "doc"}
	target.touch()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Schedule(target)
			_ = s.FlushNow(context.Background(), target)
		}()
	}
	wg.Wait()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, mem.Saves("doc"))
}
