package svc

import (
	"context"
	"fmt"
	"time"

	"github.com/parleybot/parley/internal/ai"
	"github.com/parleybot/parley/internal/audit"
	"github.com/parleybot/parley/internal/auth"
	"github.com/parleybot/parley/internal/bot"
	"github.com/parleybot/parley/internal/chat"
	"github.com/parleybot/parley/internal/config"
	"github.com/parleybot/parley/internal/db"
	"github.com/parleybot/parley/internal/logging"
	"github.com/parleybot/parley/internal/maintenance"
)

// Transport is the lifecycle surface of a channel adapter.
type Transport interface {
	Start()
	Stop()
}

// ServiceContext owns every long-lived component and tears them down in
// dependency order.
type ServiceContext struct {
	Config      config.Config
	Store       *db.Store
	Locks       *chat.LockRegistry
	Cache       *chat.Cache
	Queue       *chat.WorkQueue
	Chain       *ai.FailoverChain
	Summarizer  *ai.Summarizer
	Auth        *auth.Manager
	Rate        *auth.RateLimiter
	Audit       *audit.Logger
	Engine      *bot.Engine
	Maintenance *maintenance.Runner

	transport Transport
}

func NewServiceContext(c config.Config) (*ServiceContext, error) {
	store, err := db.NewSQLite(c.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	locks := chat.NewLockRegistry(c.LockTTL())
	cache := chat.NewCache(store, chat.CacheOptions{
		SaveThreshold: c.Limits.SaveThreshold,
		IdleTTL:       c.CacheIdleTTL(),
		MaxEntries:    c.Limits.MaxCacheEntries,
	})
	queue := chat.NewWorkQueue(c.QueueIdle())

	routes, summaryBackend, err := buildRoutes(c)
	if err != nil {
		store.Close()
		return nil, err
	}
	chain, err := ai.NewFailoverChain(routes, store, c.APITimeout())
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("building failover chain: %w", err)
	}
	summarizer := ai.NewSummarizer(summaryBackend, c.Summary.Temperature, c.APITimeout())

	authMgr := auth.NewManager(store, c.Admin.SuperAdmins, c.Telegram.AllowedGroups)
	if err := authMgr.SyncSuperAdmins(context.Background()); err != nil {
		store.Close()
		return nil, fmt.Errorf("syncing super admins: %w", err)
	}
	rate := auth.NewRateLimiter(store, c.Limits.HourlyMessageCap, c.Limits.DailyMessageCap)
	auditLog := audit.New(store, audit.DefaultBuffer)

	engine := bot.NewEngine(bot.Options{
		Locks:      locks,
		Cache:      cache,
		Queue:      queue,
		Policy:     policyFrom(c.Limits),
		Chain:      chain,
		Condenser:  summarizer,
		Auth:       authMgr,
		Rate:       rate,
		Prompts:    store,
		Usage:      store,
		Audit:      auditLog,
		BasePrompt: c.Prompt.Base,
	})

	return &ServiceContext{
		Config:      c,
		Store:       store,
		Locks:       locks,
		Cache:       cache,
		Queue:       queue,
		Chain:       chain,
		Summarizer:  summarizer,
		Auth:        authMgr,
		Rate:        rate,
		Audit:       auditLog,
		Engine:      engine,
		Maintenance: maintenance.New(locks, cache, queue, rate),
	}, nil
}

// StartTransport wires the adapter to the engine and begins receiving.
// Blocks until the transport stops.
func (s *ServiceContext) StartTransport(t Transport) {
	s.transport = t
	if sender, ok := t.(bot.Sender); ok {
		s.Engine.SetSender(sender)
	}
	t.Start()
}

// StartMaintenance launches the background schedule.
func (s *ServiceContext) StartMaintenance() error {
	return s.Maintenance.Start(maintenance.Options{
		AutosaveEvery: s.Config.AutosaveInterval(),
	})
}

// Close shuts the service down: stop scheduled work and inbound traffic
// first, drain the reply queue, flush conversation state, then release the
// audit log and the database underneath everything.
func (s *ServiceContext) Close() {
	if s.Maintenance != nil {
		s.Maintenance.Stop()
	}
	if s.transport != nil {
		s.transport.Stop()
	}
	s.Queue.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if n := s.Cache.FlushAll(ctx); n > 0 {
		logging.Infof("shutdown: flushed %d conversations", n)
	}

	s.Audit.Close()
	if err := s.Store.Close(); err != nil {
		logging.Errorf("shutdown: closing database: %v", err)
	}
}

// buildRoutes turns provider configs into failover routes and picks the
// summarization backend (the configured one, or the first route).
func buildRoutes(c config.Config) ([]ai.Route, ai.Backend, error) {
	routes := make([]ai.Route, 0, len(c.Providers))
	var summaryBackend ai.Backend
	for _, p := range c.Providers {
		var backend ai.Backend
		switch p.Kind {
		case "openai":
			backend = ai.NewOpenAIBackend(p.APIKey, p.BaseURL, p.Model)
		case "anthropic":
			backend = ai.NewAnthropicBackend(p.APIKey, p.Model)
		case "ollama":
			backend = ai.NewOllamaBackend(p.BaseURL, p.Model)
		default:
			return nil, nil, fmt.Errorf("provider %q: unknown kind %q", p.Name, p.Kind)
		}
		routes = append(routes, ai.Route{Name: p.Name, Backend: backend, Temperature: p.Temperature})
		if p.Name == c.Summary.Provider {
			summaryBackend = backend
		}
	}
	if summaryBackend == nil {
		if c.Summary.Provider != "" {
			return nil, nil, fmt.Errorf("summary provider %q not among providers", c.Summary.Provider)
		}
		summaryBackend = routes[0].Backend
	}
	return routes, summaryBackend, nil
}

func policyFrom(l config.Limits) chat.Policy {
	return chat.Policy{
		SafetyCeiling:    l.SafetyCeiling,
		SafetyRetain:     l.SafetyRetain,
		GroupHistoryCap:  l.GroupHistoryCap,
		CondenseTrigger:  l.CondenseTrigger,
		CondenseRetain:   l.CondenseRetain,
		CondenseCooldown: l.CondenseCooldown,
	}
}
