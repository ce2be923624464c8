package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/parleybot/parley/internal/chat"
	"github.com/parleybot/parley/internal/logging"
)

// Cleaner drops expired rate-limit buckets. Implemented by auth.RateLimiter.
type Cleaner interface {
	Cleanup(ctx context.Context) error
}

// Options configures the background schedule. Zero intervals fall back to
// the defaults below.
type Options struct {
	SweepEvery    time.Duration // lock registry and idle cache sweep
	AutosaveEvery time.Duration // full dirty flush
	CleanupEvery  time.Duration // rate-limit bucket cleanup
}

const (
	defaultSweepEvery    = 60 * time.Second
	defaultAutosaveEvery = 10800 * time.Second
	defaultCleanupEvery  = 7200 * time.Second
)

// Runner owns the periodic housekeeping: lock sweeping, idle cache
// eviction, autosave flushes, rate-counter cleanup and an hourly heartbeat.
type Runner struct {
	cron      *cron.Cron
	locks     *chat.LockRegistry
	cache     *chat.Cache
	queue     *chat.WorkQueue
	cleaner   Cleaner
	startedAt time.Time
}

func New(locks *chat.LockRegistry, cache *chat.Cache, queue *chat.WorkQueue, cleaner Cleaner) *Runner {
	return &Runner{
		cron:      cron.New(),
		locks:     locks,
		cache:     cache,
		queue:     queue,
		cleaner:   cleaner,
		startedAt: time.Now(),
	}
}

// Start registers the schedule and launches the cron loop.
func (r *Runner) Start(opts Options) error {
	if opts.SweepEvery <= 0 {
		opts.SweepEvery = defaultSweepEvery
	}
	if opts.AutosaveEvery <= 0 {
		opts.AutosaveEvery = defaultAutosaveEvery
	}
	if opts.CleanupEvery <= 0 {
		opts.CleanupEvery = defaultCleanupEvery
	}

	specs := []struct {
		spec string
		job  func()
	}{
		{fmt.Sprintf("@every %s", opts.SweepEvery), r.SweepTick},
		{fmt.Sprintf("@every %s", opts.AutosaveEvery), r.AutosaveTick},
		{fmt.Sprintf("@every %s", opts.CleanupEvery), r.CleanupTick},
		{"@hourly", r.HeartbeatTick},
	}
	for _, s := range specs {
		if _, err := r.cron.AddFunc(s.spec, s.job); err != nil {
			return fmt.Errorf("scheduling %q: %w", s.spec, err)
		}
	}
	r.cron.Start()
	logging.Infof("maintenance: schedule started (sweep %s, autosave %s, cleanup %s)",
		opts.SweepEvery, opts.AutosaveEvery, opts.CleanupEvery)
	return nil
}

// Stop halts the schedule and waits for any running job.
func (r *Runner) Stop() {
	<-r.cron.Stop().Done()
}

// SweepTick reaps expired chat locks and evicts idle cached conversations.
func (r *Runner) SweepTick() {
	ctx := context.Background()
	if n := r.locks.Sweep(); n > 0 {
		logging.Debugf("maintenance: swept %d idle chat locks", n)
	}
	if n := r.cache.EvictIdle(ctx); n > 0 {
		logging.Infof("maintenance: evicted %d idle conversations", n)
	}
}

// AutosaveTick flushes every dirty conversation to the store.
func (r *Runner) AutosaveTick() {
	if n := r.cache.FlushAll(context.Background()); n > 0 {
		logging.Infof("maintenance: autosaved %d conversations", n)
	}
}

// CleanupTick drops stale rate-limit buckets.
func (r *Runner) CleanupTick() {
	if err := r.cleaner.Cleanup(context.Background()); err != nil {
		logging.Errorf("maintenance: rate counter cleanup: %v", err)
	}
}

// HeartbeatTick logs a one-line runtime summary.
func (r *Runner) HeartbeatTick() {
	logging.Infof("maintenance: up %s, %d cached chats, %d chat workers, %d tracked locks",
		time.Since(r.startedAt).Round(time.Second), r.cache.Len(), r.queue.Len(), r.locks.Len())
}
