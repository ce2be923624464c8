package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeStore struct {
	mu        sync.Mutex
	rows      map[string]Transcript
	failSave  bool
	saveCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[string]Transcript)}
}

func (s *fakeStore) LoadTranscript(_ context.Context, chatID string) (Transcript, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows[chatID].Clone(), nil
}

func (s *fakeStore) SaveTranscript(_ context.Context, chatID string, turns Transcript) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveCalls++
	if s.failSave {
		return errors.New("disk full")
	}
	s.rows[chatID] = turns.Clone()
	return nil
}

func (s *fakeStore) saved(chatID string) Transcript {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows[chatID].Clone()
}

func (s *fakeStore) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveCalls
}

func TestGetHydratesAndAssignsIDs(t *testing.T) {
	store := newFakeStore()
	store.rows["c1"] = Transcript{
		{Role: RoleUser, Content: "hello"},
		{Role: RoleAssistant, Content: "hi"},
	}
	cache := NewCache(store, CacheOptions{})

	got, err := cache.Get(context.Background(), "c1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(got))
	}
	for i, turn := range got {
		if turn.ID == "" {
			t.Errorf("turn %d has no id after hydration", i)
		}
	}
	if got[0].ID == got[1].ID {
		t.Error("hydrated ids are not unique")
	}
}

func TestGetReturnsIsolatedCopies(t *testing.T) {
	store := newFakeStore()
	cache := NewCache(store, CacheOptions{})
	ctx := context.Background()

	tr := Transcript{NewTurn(RoleUser, "original")}
	cache.Update(ctx, "c1", tr, false)

	got, err := cache.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	got[0].Content = "mutated"

	again, err := cache.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if again[0].Content != "original" {
		t.Errorf("cache state leaked through returned copy: %q", again[0].Content)
	}
}

func TestUpdateWritesBackAtThreshold(t *testing.T) {
	store := newFakeStore()
	cache := NewCache(store, CacheOptions{SaveThreshold: 3})
	ctx := context.Background()

	var tr Transcript
	for i := 0; i < 2; i++ {
		tr = append(tr, NewTurn(RoleUser, fmt.Sprintf("msg %d", i)))
		cache.Update(ctx, "c1", tr, false)
	}
	if store.calls() != 0 {
		t.Fatalf("expected no write-back below threshold, got %d calls", store.calls())
	}

	tr = append(tr, NewTurn(RoleUser, "msg 2"))
	cache.Update(ctx, "c1", tr, false)
	if store.calls() != 1 {
		t.Fatalf("expected write-back at threshold, got %d calls", store.calls())
	}
	if len(store.saved("c1")) != 3 {
		t.Errorf("expected 3 persisted turns, got %d", len(store.saved("c1")))
	}

	// Dirty counter reset: two more updates stay below threshold again.
	tr = append(tr, NewTurn(RoleUser, "msg 3"))
	cache.Update(ctx, "c1", tr, false)
	if store.calls() != 1 {
		t.Errorf("expected dirty counter reset after save, got %d calls", store.calls())
	}
}

func TestForceSaveRoundTrip(t *testing.T) {
	store := newFakeStore()
	cache := NewCache(store, CacheOptions{})
	ctx := context.Background()

	var tr Transcript
	for i := 0; i < 5; i++ {
		tr = append(tr, NewTurn(RoleUser, fmt.Sprintf("turn %d", i)))
		cache.Update(ctx, "c1", tr, true)
	}

	persisted := store.saved("c1")
	if len(persisted) != 5 {
		t.Fatalf("expected 5 persisted turns, got %d", len(persisted))
	}
	for i, turn := range persisted {
		if want := fmt.Sprintf("turn %d", i); turn.Content != want {
			t.Errorf("turn %d: got %q, want %q", i, turn.Content, want)
		}
	}
}

func TestPersistFailureKeepsEntryDirty(t *testing.T) {
	store := newFakeStore()
	store.failSave = true
	cache := NewCache(store, CacheOptions{})
	ctx := context.Background()

	tr := Transcript{NewTurn(RoleUser, "unsaved")}
	cache.Update(ctx, "c1", tr, true)
	if len(store.saved("c1")) != 0 {
		t.Fatal("save should have failed")
	}

	store.failSave = false
	if saved := cache.FlushAll(ctx); saved != 1 {
		t.Fatalf("expected 1 entry flushed on retry, got %d", saved)
	}
	if got := store.saved("c1"); len(got) != 1 || got[0].Content != "unsaved" {
		t.Errorf("retry flush lost data: %+v", got)
	}
}

func TestEvictIdleFlushesDirtyEntries(t *testing.T) {
	store := newFakeStore()
	cache := NewCache(store, CacheOptions{IdleTTL: time.Minute})
	ctx := context.Background()

	cache.Update(ctx, "c1", Transcript{NewTurn(RoleUser, "hello")}, false)

	// Nothing is old enough yet.
	if n := cache.EvictIdle(ctx); n != 0 {
		t.Fatalf("expected no evictions, got %d", n)
	}

	cache.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if n := cache.EvictIdle(ctx); n != 1 {
		t.Fatalf("expected 1 eviction, got %d", n)
	}
	if cache.Len() != 0 {
		t.Errorf("expected empty cache, got %d entries", cache.Len())
	}
	if got := store.saved("c1"); len(got) != 1 {
		t.Errorf("dirty entry not flushed on eviction: %+v", got)
	}
}

func TestEvictionReadmitsOnFlushFailure(t *testing.T) {
	store := newFakeStore()
	cache := NewCache(store, CacheOptions{IdleTTL: time.Minute})
	ctx := context.Background()

	cache.Update(ctx, "c1", Transcript{NewTurn(RoleUser, "precious")}, false)

	store.failSave = true
	cache.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if n := cache.EvictIdle(ctx); n != 0 {
		t.Fatalf("failed flush must not count as eviction, got %d", n)
	}
	if cache.Len() != 1 {
		t.Fatalf("expected entry re-admitted after failed flush, cache len %d", cache.Len())
	}

	// The unsaved mutation must still be visible without touching the store.
	got, err := cache.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got) != 1 || got[0].Content != "precious" {
		t.Errorf("unsaved data lost across failed eviction: %+v", got)
	}
}

func TestCapacityEvictionDropsLeastRecent(t *testing.T) {
	store := newFakeStore()
	cache := NewCache(store, CacheOptions{MaxEntries: 5})
	ctx := context.Background()

	base := time.Now()
	for i := 0; i < 6; i++ {
		i := i
		cache.now = func() time.Time { return base.Add(time.Duration(i) * time.Second) }
		cache.Update(ctx, fmt.Sprintf("c%d", i), Transcript{NewTurn(RoleUser, "x")}, false)
	}

	// Inserting the 6th entry exceeded the ceiling of 5 and trimmed to 80%.
	if cache.Len() != 4 {
		t.Fatalf("expected 4 entries after capacity eviction, got %d", cache.Len())
	}
	// The two oldest were evicted and, being dirty, flushed.
	for _, id := range []string{"c0", "c1"} {
		if len(store.saved(id)) != 1 {
			t.Errorf("expected evicted %s to be flushed", id)
		}
	}
	if len(store.saved("c5")) != 0 {
		t.Error("most recent entry should not have been evicted")
	}
}

func TestCooldownNoopWhenAbsent(t *testing.T) {
	cache := NewCache(newFakeStore(), CacheOptions{})
	cache.SetCooldown("ghost", 5)
	if got := cache.Cooldown("ghost"); got != 0 {
		t.Errorf("cooldown on uncached chat should stay 0, got %d", got)
	}

	ctx := context.Background()
	cache.Update(ctx, "c1", Transcript{NewTurn(RoleUser, "x")}, false)
	cache.SetCooldown("c1", 5)
	if got := cache.Cooldown("c1"); got != 5 {
		t.Errorf("cooldown not stored, got %d", got)
	}
}
