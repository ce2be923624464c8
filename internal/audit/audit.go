package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/parleybot/parley/internal/logging"
)

// DefaultBuffer is the default queue depth for pending audit entries.
const DefaultBuffer = 256

// writeTimeout bounds each store write so a stuck database cannot wedge the
// drain goroutine forever.
const writeTimeout = 10 * time.Second

// Entry is one audit record.
type Entry struct {
	Action   string
	TargetID string
	Actor    string
	Source   string
	Detail   string
}

// Store is the persistence behind the audit logger.
type Store interface {
	AppendAuditLog(ctx context.Context, action, targetID, actor, source, detail string) error
}

// Logger writes audit entries to the store from a single background
// goroutine. Logging is best-effort: a full queue drops the entry and counts
// it, and store failures never propagate to callers.
type Logger struct {
	mu      sync.Mutex
	closed  bool
	ch      chan Entry
	store   Store
	dropped atomic.Int64
	wg      sync.WaitGroup
}

func New(store Store, buffer int) *Logger {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	l := &Logger{
		ch:    make(chan Entry, buffer),
		store: store,
	}
	l.wg.Add(1)
	go l.drain()
	return l
}

// Log queues an entry without blocking the caller. Entries arriving after
// Close count as dropped; the mutex keeps the send from racing the channel
// close under any teardown order.
func (l *Logger) Log(action, targetID, actor, source, detail string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		l.dropped.Add(1)
		return
	}
	select {
	case l.ch <- Entry{Action: action, TargetID: targetID, Actor: actor, Source: source, Detail: detail}:
	default:
		l.dropped.Add(1)
	}
}

// Dropped returns how many entries were discarded due to a full queue.
func (l *Logger) Dropped() int64 {
	return l.dropped.Load()
}

// Close flushes queued entries and stops the drain goroutine.
func (l *Logger) Close() {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.ch)
	}
	l.mu.Unlock()
	l.wg.Wait()
	if n := l.Dropped(); n > 0 {
		logging.Warnf("audit: %d entries dropped during this run", n)
	}
}

func (l *Logger) drain() {
	defer l.wg.Done()
	for e := range l.ch {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := l.store.AppendAuditLog(ctx, e.Action, e.TargetID, e.Actor, e.Source, e.Detail); err != nil {
			logging.Errorf("audit: write failed: %v", err)
		}
		cancel()
	}
}
