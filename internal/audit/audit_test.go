package audit

import (
	"context"
	"sync"
	"testing"
)

type captureStore struct {
	mu      sync.Mutex
	entries []Entry
	block   chan struct{} // when set, writes wait until it closes
}

func (s *captureStore) AppendAuditLog(_ context.Context, action, targetID, actor, source, detail string) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, Entry{action, targetID, actor, source, detail})
	return nil
}

func TestCloseFlushesQueuedEntries(t *testing.T) {
	store := &captureStore{}
	l := New(store, 16)

	for i := 0; i < 5; i++ {
		l.Log("reply", "c1", "ada", "telegram", "ok")
	}
	l.Close()

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.entries) != 5 {
		t.Fatalf("expected 5 entries persisted, got %d", len(store.entries))
	}
	if store.entries[0].Action != "reply" || store.entries[0].Actor != "ada" {
		t.Errorf("entry fields lost: %+v", store.entries[0])
	}
}

func TestOverflowDropsInsteadOfBlocking(t *testing.T) {
	store := &captureStore{block: make(chan struct{})}
	l := New(store, 2)

	// One entry is in flight (blocked), two fill the queue, the rest drop.
	for i := 0; i < 6; i++ {
		l.Log("spam", "", "", "", "")
	}
	if l.Dropped() == 0 {
		t.Error("expected drops on full queue")
	}

	close(store.block)
	l.Close()

	store.mu.Lock()
	defer store.mu.Unlock()
	if got := int64(len(store.entries)) + l.Dropped(); got != 6 {
		t.Errorf("persisted+dropped = %d, want 6", got)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	l := New(&captureStore{}, 4)
	l.Log("once", "", "", "", "")
	l.Close()
	l.Close()
}

func TestLogAfterCloseDropsInsteadOfPanicking(t *testing.T) {
	store := &captureStore{}
	l := New(store, 4)
	l.Log("before", "", "", "", "")
	l.Close()

	l.Log("after", "", "", "", "")

	if got := l.Dropped(); got != 1 {
		t.Errorf("post-close entry not counted as dropped: %d", got)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.entries) != 1 {
		t.Errorf("expected only the pre-close entry persisted, got %d", len(store.entries))
	}
}
