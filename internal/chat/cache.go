package chat

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/parleybot/parley/internal/logging"
)

// Cache defaults, overridable through CacheOptions.
const (
	DefaultSaveThreshold = 3
	DefaultIdleTTL       = 1800 * time.Second
	DefaultMaxEntries    = 1000
)

// evictKeepRatio is the fraction of MaxEntries kept after a capacity eviction.
const evictKeepRatio = 0.8

// TranscriptStore is the durable side of the write-back cache.
// SaveTranscript has replace-all semantics: the stored rows for the chat are
// exactly the given turns, in order.
type TranscriptStore interface {
	LoadTranscript(ctx context.Context, chatID string) (Transcript, error)
	SaveTranscript(ctx context.Context, chatID string, turns Transcript) error
}

type CacheOptions struct {
	SaveThreshold int
	IdleTTL       time.Duration
	MaxEntries    int
}

type cacheEntry struct {
	transcript Transcript
	dirty      int
	cooldown   int
	lastAccess time.Time
}

// Cache is a write-back cache of conversation state. In-memory entries are
// authoritative; the store is updated on dirty thresholds, eviction, autosave
// and shutdown. All store writes happen outside the cache mutex so slow I/O
// for one chat never blocks the others.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	store   TranscriptStore
	opts    CacheOptions
	now     func() time.Time
}

func NewCache(store TranscriptStore, opts CacheOptions) *Cache {
	if opts.SaveThreshold <= 0 {
		opts.SaveThreshold = DefaultSaveThreshold
	}
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = DefaultIdleTTL
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	return &Cache{
		entries: make(map[string]*cacheEntry),
		store:   store,
		opts:    opts,
		now:     time.Now,
	}
}

// Get returns a deep copy of the chat's transcript, hydrating from the store
// on first access. Callers mutate the copy freely and hand it back through
// Update; cache-owned state is never exposed by reference.
func (c *Cache) Get(ctx context.Context, chatID string) (Transcript, error) {
	c.mu.Lock()
	if e, ok := c.entries[chatID]; ok {
		e.lastAccess = c.now()
		t := e.transcript.Clone()
		c.mu.Unlock()
		return t, nil
	}
	c.mu.Unlock()

	loaded, err := c.store.LoadTranscript(ctx, chatID)
	if err != nil {
		return nil, err
	}
	// The store is trusted for content but ids must be locally unique.
	loaded.EnsureIDs()

	c.mu.Lock()
	if e, ok := c.entries[chatID]; ok {
		// Another caller hydrated this chat while we read the store.
		e.lastAccess = c.now()
		t := e.transcript.Clone()
		c.mu.Unlock()
		return t, nil
	}
	c.entries[chatID] = &cacheEntry{
		transcript: loaded.Clone(),
		lastAccess: c.now(),
	}
	victims := c.overCapacityLocked()
	c.mu.Unlock()

	c.finishEvictions(ctx, victims)
	return loaded, nil
}

// Update replaces the chat's transcript with a deep copy of t, marks the
// entry dirty and writes back when forced or when the dirty count reaches the
// save threshold. A failed write-back is logged and leaves the entry dirty
// for a later retry; it is never surfaced to the caller.
func (c *Cache) Update(ctx context.Context, chatID string, t Transcript, force bool) {
	c.mu.Lock()
	e, ok := c.entries[chatID]
	if !ok {
		e = &cacheEntry{}
		c.entries[chatID] = e
	}
	e.transcript = t.Clone()
	e.dirty++
	e.lastAccess = c.now()

	var (
		snapshot  Transcript
		dirtyMark int
		needSave  = force || e.dirty >= c.opts.SaveThreshold
	)
	if needSave {
		snapshot = e.transcript.Clone()
		dirtyMark = e.dirty
	}
	var victims []evictItem
	if !ok {
		victims = c.overCapacityLocked()
	}
	c.mu.Unlock()

	if needSave {
		c.writeBack(ctx, chatID, snapshot, dirtyMark)
	}
	c.finishEvictions(ctx, victims)
}

// Cooldown returns the chat's condensation cooldown counter, 0 if the chat is
// not cached.
func (c *Cache) Cooldown(chatID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[chatID]; ok {
		return e.cooldown
	}
	return 0
}

// SetCooldown sets the chat's cooldown counter. No-op when the chat is not
// cached; cooldown is meaningless for a chat never hydrated.
func (c *Cache) SetCooldown(chatID string, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[chatID]; ok {
		e.cooldown = n
	}
}

// FlushAll writes back every dirty entry. Used by the periodic autosave and
// at shutdown. Returns the number of entries successfully persisted.
func (c *Cache) FlushAll(ctx context.Context) int {
	type pending struct {
		chatID   string
		snapshot Transcript
		mark     int
	}
	c.mu.Lock()
	work := make([]pending, 0)
	for id, e := range c.entries {
		if e.dirty > 0 {
			work = append(work, pending{id, e.transcript.Clone(), e.dirty})
		}
	}
	c.mu.Unlock()

	saved := 0
	for _, p := range work {
		if c.writeBack(ctx, p.chatID, p.snapshot, p.mark) {
			saved++
		}
	}
	return saved
}

// EvictIdle removes entries untouched for longer than the idle TTL, flushing
// dirty ones first. Returns the number of entries evicted.
func (c *Cache) EvictIdle(ctx context.Context) int {
	c.mu.Lock()
	cutoff := c.now().Add(-c.opts.IdleTTL)
	var victims []evictItem
	for id, e := range c.entries {
		if e.lastAccess.Before(cutoff) {
			victims = append(victims, evictItem{id, e})
			delete(c.entries, id)
		}
	}
	c.mu.Unlock()

	readmitted := c.finishEvictions(ctx, victims)
	evicted := len(victims) - readmitted
	if evicted > 0 {
		logging.Debugf("cache: evicted %d idle conversations", evicted)
	}
	return evicted
}

// Len returns the number of cached conversations.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// writeBack persists a snapshot and resets the dirty counter only when no
// further updates arrived while the save was in flight. Reports success.
func (c *Cache) writeBack(ctx context.Context, chatID string, snapshot Transcript, dirtyMark int) bool {
	if err := c.store.SaveTranscript(ctx, chatID, snapshot); err != nil {
		logging.Errorf("cache: persist of chat %s failed, kept dirty for retry: %v", chatID, err)
		return false
	}
	c.mu.Lock()
	if e, ok := c.entries[chatID]; ok && e.dirty == dirtyMark {
		e.dirty = 0
	}
	c.mu.Unlock()
	return true
}

type evictItem struct {
	chatID string
	entry  *cacheEntry
}

// overCapacityLocked selects least-recently-accessed victims once the entry
// count exceeds the ceiling, trimming down to 80% of it. Caller holds c.mu;
// the returned entries are already removed from the map and must be passed to
// finishEvictions after unlocking.
func (c *Cache) overCapacityLocked() []evictItem {
	if len(c.entries) <= c.opts.MaxEntries {
		return nil
	}
	target := int(float64(c.opts.MaxEntries) * evictKeepRatio)
	victims := make([]evictItem, 0, len(c.entries))
	for id, e := range c.entries {
		victims = append(victims, evictItem{id, e})
	}
	sort.Slice(victims, func(i, j int) bool {
		return victims[i].entry.lastAccess.Before(victims[j].entry.lastAccess)
	})
	drop := len(c.entries) - target
	victims = victims[:drop]
	for _, v := range victims {
		delete(c.entries, v.chatID)
	}
	logging.Infof("cache: capacity eviction of %d conversations (%d cached)", drop, target)
	return victims
}

// finishEvictions flushes dirty evicted entries outside the cache mutex. A
// failed flush re-admits the entry with its dirty state intact rather than
// dropping unsaved turns; re-admission yields if a fresh entry for the same
// chat appeared in the meantime. Returns the number re-admitted.
func (c *Cache) finishEvictions(ctx context.Context, victims []evictItem) int {
	readmitted := 0
	for _, v := range victims {
		if v.entry.dirty == 0 {
			continue
		}
		if err := c.store.SaveTranscript(ctx, v.chatID, v.entry.transcript); err != nil {
			logging.Errorf("cache: flush of evicted chat %s failed, re-admitting: %v", v.chatID, err)
			c.mu.Lock()
			if _, ok := c.entries[v.chatID]; !ok {
				c.entries[v.chatID] = v.entry
				readmitted++
			}
			c.mu.Unlock()
		}
	}
	return readmitted
}
