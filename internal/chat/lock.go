package chat

import (
	"sync"
	"time"

	"github.com/parleybot/parley/internal/logging"
)

// DefaultLockTTL is how long an untouched chat lock survives before the
// sweeper may reclaim it.
const DefaultLockTTL = 600 * time.Second

type lockEntry struct {
	mu         *sync.Mutex
	lastAccess time.Time
}

// LockRegistry issues one mutex per chat id, lazily created and reclaimed
// once idle. Repeated Acquire calls for the same id return the same instance
// so critical sections across cache, policy, and reply tasks compose.
type LockRegistry struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
	ttl   time.Duration
	now   func() time.Time
}

// NewLockRegistry creates a registry with the given idle TTL. A zero ttl
// falls back to DefaultLockTTL.
func NewLockRegistry(ttl time.Duration) *LockRegistry {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &LockRegistry{
		locks: make(map[string]*lockEntry),
		ttl:   ttl,
		now:   time.Now,
	}
}

// Acquire returns the lock for chatID, creating it on first use, and stamps
// its recency. Acquisition never fails; the caller locks and unlocks the
// returned mutex itself.
func (r *LockRegistry) Acquire(chatID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.locks[chatID]
	if !ok {
		e = &lockEntry{mu: &sync.Mutex{}}
		r.locks[chatID] = e
	}
	e.lastAccess = r.now()
	return e.mu
}

// Sweep removes locks untouched for longer than the TTL. A lock is only
// removed after a successful TryLock, which proves it is uncontended; a held
// lock is skipped and revisited on the next cycle. Returns the number of
// locks removed.
func (r *LockRegistry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-r.ttl)
	removed := 0
	for id, e := range r.locks {
		if e.lastAccess.After(cutoff) {
			continue
		}
		if !e.mu.TryLock() {
			continue
		}
		e.mu.Unlock()
		delete(r.locks, id)
		removed++
	}
	if removed > 0 {
		logging.Debugf("lock registry: swept %d idle locks, %d remain", removed, len(r.locks))
	}
	return removed
}

// Len returns the number of registered locks.
func (r *LockRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}
