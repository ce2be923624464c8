package chat

import (
	"sync"
	"time"

	"github.com/parleybot/parley/internal/logging"
)

// DefaultQueueIdle is how long a chat worker waits on an empty queue before
// exiting.
const DefaultQueueIdle = 600 * time.Second

// Task is one unit of per-chat work. A returned error is logged at the task
// boundary and never stops the worker.
type Task func() error

type chatQueue struct {
	tasks  []Task
	signal chan struct{}
}

// WorkQueue runs tasks strictly in enqueue order, one at a time, per chat.
// The first task for a chat spawns a dedicated worker; a worker idle past the
// timeout deregisters itself and exits, and the next enqueue spawns a fresh
// one. This makes "at most one in-flight reply per chat" structural rather
// than a locking convention.
type WorkQueue struct {
	mu     sync.Mutex
	queues map[string]*chatQueue
	idle   time.Duration
	done   chan struct{}
	closed bool
	wg     sync.WaitGroup
}

func NewWorkQueue(idle time.Duration) *WorkQueue {
	if idle <= 0 {
		idle = DefaultQueueIdle
	}
	return &WorkQueue{
		queues: make(map[string]*chatQueue),
		idle:   idle,
		done:   make(chan struct{}),
	}
}

// Enqueue appends a task to the chat's queue, spawning a worker if none is
// running. Returns false after Shutdown, when no new work is admitted.
func (w *WorkQueue) Enqueue(chatID string, task Task) bool {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return false
	}
	q, ok := w.queues[chatID]
	if !ok {
		q = &chatQueue{signal: make(chan struct{}, 1)}
		w.queues[chatID] = q
		w.wg.Add(1)
		go w.worker(chatID, q)
	}
	q.tasks = append(q.tasks, task)
	w.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// Len returns the number of chats with a live worker.
func (w *WorkQueue) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queues)
}

// Shutdown stops admission and waits for in-flight tasks to finish. Queued
// but unstarted tasks are abandoned.
func (w *WorkQueue) Shutdown() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.done)
	w.mu.Unlock()
	w.wg.Wait()
}

func (w *WorkQueue) worker(chatID string, q *chatQueue) {
	defer w.wg.Done()
	timer := time.NewTimer(w.idle)
	defer timer.Stop()

	for {
		for {
			w.mu.Lock()
			var task Task
			if len(q.tasks) > 0 {
				task = q.tasks[0]
				q.tasks = q.tasks[1:]
			}
			closed := w.closed
			w.mu.Unlock()
			if task == nil {
				if closed {
					w.deregister(chatID, q)
					return
				}
				break
			}
			w.run(chatID, task)
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(w.idle)

		select {
		case <-q.signal:
		case <-w.done:
			// Drain loop above will run anything already queued, then exit.
		case <-timer.C:
			// Deregister only if this queue is still the registered one and
			// nothing raced in; otherwise keep draining.
			w.mu.Lock()
			if cur := w.queues[chatID]; cur == q && len(q.tasks) == 0 {
				delete(w.queues, chatID)
				w.mu.Unlock()
				logging.Debugf("work queue: idle worker for chat %s exited", chatID)
				return
			}
			w.mu.Unlock()
		}
	}
}

func (w *WorkQueue) deregister(chatID string, q *chatQueue) {
	w.mu.Lock()
	if cur := w.queues[chatID]; cur == q {
		delete(w.queues, chatID)
	}
	w.mu.Unlock()
}

// run executes one task, containing panics and logging failures so the
// worker and the rest of the chat's queue survive.
func (w *WorkQueue) run(chatID string, task Task) {
	defer func() {
		if r := recover(); r != nil {
			logging.Errorf("work queue: task for chat %s panicked: %v", chatID, r)
		}
	}()
	if err := task(); err != nil {
		logging.Errorf("work queue: task for chat %s failed: %v", chatID, err)
	}
}
