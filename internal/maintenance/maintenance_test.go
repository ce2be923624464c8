package maintenance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/parleybot/parley/internal/chat"
	"github.com/parleybot/parley/internal/logging"
)

func init() {
	logging.Disable()
}

type memStore struct {
	rows map[string]chat.Transcript
}

func (m *memStore) LoadTranscript(_ context.Context, chatID string) (chat.Transcript, error) {
	return m.rows[chatID].Clone(), nil
}

func (m *memStore) SaveTranscript(_ context.Context, chatID string, turns chat.Transcript) error {
	if m.rows == nil {
		m.rows = make(map[string]chat.Transcript)
	}
	m.rows[chatID] = turns.Clone()
	return nil
}

type countingCleaner struct {
	calls int
	err   error
}

func (c *countingCleaner) Cleanup(context.Context) error {
	c.calls++
	return c.err
}

func newRunner(t *testing.T) (*Runner, *memStore, *chat.Cache, *chat.LockRegistry) {
	t.Helper()
	store := &memStore{}
	cache := chat.NewCache(store, chat.CacheOptions{})
	locks := chat.NewLockRegistry(time.Millisecond)
	queue := chat.NewWorkQueue(chat.DefaultQueueIdle)
	t.Cleanup(queue.Shutdown)
	return New(locks, cache, queue, &countingCleaner{}), store, cache, locks
}

func TestSweepTickReapsExpiredLocks(t *testing.T) {
	r, _, _, locks := newRunner(t)

	locks.Acquire("c1")
	time.Sleep(5 * time.Millisecond)
	r.SweepTick()

	if locks.Len() != 0 {
		t.Errorf("expired lock survived sweep: %d tracked", locks.Len())
	}
}

func TestAutosaveTickFlushesDirtyChats(t *testing.T) {
	r, store, cache, _ := newRunner(t)
	ctx := context.Background()

	turns := chat.Transcript{chat.NewTurn(chat.RoleUser, "unsaved")}
	cache.Update(ctx, "c1", turns, false) // below threshold, stays dirty
	r.AutosaveTick()

	if len(store.rows["c1"]) != 1 {
		t.Error("dirty chat not flushed by autosave")
	}
}

func TestCleanupTickSwallowsErrors(t *testing.T) {
	r, _, _, _ := newRunner(t)
	cleaner := &countingCleaner{err: errors.New("db locked")}
	r.cleaner = cleaner

	r.CleanupTick() // must not panic
	if cleaner.calls != 1 {
		t.Errorf("cleanup called %d times, want 1", cleaner.calls)
	}
}
