package bot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/parleybot/parley/internal/ai"
	"github.com/parleybot/parley/internal/auth"
	"github.com/parleybot/parley/internal/chat"
	"github.com/parleybot/parley/internal/logging"
)

// User-visible replies for the failure paths.
const (
	msgReplyFailed   = "😵 I couldn't reach any AI service. Please try again in a moment."
	msgRateLimited   = "⏳ You've hit the rate limit. Please try again later."
	msgNotAuthorized = "This bot is invitation-only. Use /redeem <code> to unlock access."
)

// Event is one inbound message, already normalized by a transport adapter.
type Event struct {
	ChatID       string // stable chat key used for locks, cache and queue
	PeerID       int64  // raw transport chat id, used for group allowlisting
	UserID       int64
	Username     string
	Kind         chat.Kind
	Text         string
	MentionsBot  bool
	RepliesToBot bool
	Source       string // transport name for audit entries
}

// speakerText returns the turn content to record. Group turns carry a
// speaker label so the model can tell participants apart; private chats have
// a single speaker and stay unprefixed.
func (ev Event) speakerText() string {
	if ev.Kind != chat.KindGroup {
		return ev.Text
	}
	name := ev.Username
	if name == "" {
		name = "user"
	}
	return fmt.Sprintf("[%s (ID:%d)]: %s", name, ev.UserID, ev.Text)
}

// Sender delivers outbound messages. Fire-and-forget from the engine's side;
// delivery failures are the transport's concern.
type Sender interface {
	SendText(chatID, text string) error
	SendTyping(chatID string)
}

// Replier generates replies with provider failover. Implemented by
// ai.FailoverChain.
type Replier interface {
	GenerateReply(ctx context.Context, userID int64, system string, msgs []ai.Message) (ai.Reply, error)
	ResolvePreferred(ctx context.Context, userID int64) string
	SetPreferred(ctx context.Context, userID int64, name string) (string, error)
	Names() []string
}

// Condenser summarizes transcript prefixes. Implemented by ai.Summarizer.
type Condenser interface {
	Summarize(ctx context.Context, msgs []ai.Message) (string, error)
}

// PromptStore persists per-chat system prompt overrides.
type PromptStore interface {
	GetSystemPrompt(ctx context.Context, chatID string) (string, error)
	SetSystemPrompt(ctx context.Context, chatID, prompt string) error
	DeleteSystemPrompt(ctx context.Context, chatID string) error
}

// UsageStore accumulates per-user request and token totals.
type UsageStore interface {
	IncrUsageTotals(ctx context.Context, userID, promptTokens, completionTokens int64) error
	GetUsageTotals(ctx context.Context, userID int64) (requests, promptTokens, completionTokens int64, err error)
}

// Auditor records best-effort audit entries. Implemented by audit.Logger.
type Auditor interface {
	Log(action, targetID, actor, source, detail string)
}

// Options wires an Engine. All fields except Sender are required.
type Options struct {
	Context    context.Context
	Locks      *chat.LockRegistry
	Cache      *chat.Cache
	Queue      *chat.WorkQueue
	Policy     chat.Policy
	Chain      Replier
	Condenser  Condenser
	Auth       *auth.Manager
	Rate       *auth.RateLimiter
	Prompts    PromptStore
	Usage      UsageStore
	Audit      Auditor
	BasePrompt string
}

// Engine is the transport-independent heart of the assistant: it gates
// inbound turns, keeps transcript invariants under the per-chat lock, runs
// the lifecycle policy, and serializes reply generation through the per-chat
// work queue.
type Engine struct {
	ctx        context.Context
	locks      *chat.LockRegistry
	cache      *chat.Cache
	queue      *chat.WorkQueue
	policy     chat.Policy
	chain      Replier
	condenser  Condenser
	auth       *auth.Manager
	rate       *auth.RateLimiter
	prompts    PromptStore
	usage      UsageStore
	audit      Auditor
	basePrompt string
	startedAt  time.Time

	senderMu sync.RWMutex
	sender   Sender
}

func NewEngine(opts Options) *Engine {
	if opts.Context == nil {
		opts.Context = context.Background()
	}
	return &Engine{
		ctx:        opts.Context,
		locks:      opts.Locks,
		cache:      opts.Cache,
		queue:      opts.Queue,
		policy:     opts.Policy,
		chain:      opts.Chain,
		condenser:  opts.Condenser,
		auth:       opts.Auth,
		rate:       opts.Rate,
		prompts:    opts.Prompts,
		usage:      opts.Usage,
		audit:      opts.Audit,
		basePrompt: opts.BasePrompt,
		startedAt:  time.Now(),
	}
}

// SetSender installs the outbound transport (called after the adapter is
// connected).
func (e *Engine) SetSender(s Sender) {
	e.senderMu.Lock()
	defer e.senderMu.Unlock()
	e.sender = s
}

func (e *Engine) sendText(chatID, text string) {
	e.senderMu.RLock()
	s := e.sender
	e.senderMu.RUnlock()
	if s == nil {
		return
	}
	if err := s.SendText(chatID, text); err != nil {
		logging.Errorf("engine: send to chat %s failed: %v", chatID, err)
	}
}

func (e *Engine) sendTyping(chatID string) {
	e.senderMu.RLock()
	s := e.sender
	e.senderMu.RUnlock()
	if s != nil {
		s.SendTyping(chatID)
	}
}

// HandleMessage processes one inbound conversational turn: authorization and
// rate gates, append under the chat lock, lifecycle shaping, then a reply
// task on the chat's queue. Runs on the transport's goroutine and returns as
// soon as the task is queued.
func (e *Engine) HandleMessage(ev Event) {
	ctx := e.ctx

	switch ev.Kind {
	case chat.KindGroup:
		// In groups the bot only answers when addressed.
		if !ev.MentionsBot && !ev.RepliesToBot {
			return
		}
		if !e.auth.CanUseGroup(ev.PeerID) {
			logging.Debugf("engine: ignoring non-allowlisted group %s", ev.ChatID)
			return
		}
	default:
		ok, err := e.auth.CanUsePrivate(ctx, ev.UserID)
		if err != nil {
			logging.Errorf("engine: auth check for user %d: %v", ev.UserID, err)
			return
		}
		if !ok {
			e.sendText(ev.ChatID, msgNotAuthorized)
			return
		}
	}

	if !e.auth.IsAdmin(ctx, ev.UserID) {
		ok, err := e.rate.CheckAndRecord(ctx, ev.UserID)
		if err != nil {
			logging.Errorf("engine: rate limit check for user %d: %v", ev.UserID, err)
		} else if !ok {
			e.sendText(ev.ChatID, msgRateLimited)
			e.audit.Log("rate_limited", ev.ChatID, ev.Username, ev.Source, "")
			return
		}
	}

	userTurnID := e.appendAndShape(ctx, ev)
	if userTurnID == "" {
		return
	}

	if !e.queue.Enqueue(ev.ChatID, func() error {
		return e.replyTask(ev, userTurnID)
	}) {
		logging.Warnf("engine: queue closed, dropping turn for chat %s", ev.ChatID)
	}
}

// appendAndShape appends the user turn and applies the lifecycle decision
// under the chat lock. Condensation's slow summarizer call happens after the
// lock is released; the staleness guard on apply covers the gap. Returns the
// new turn's id, or "" when the turn could not be recorded.
func (e *Engine) appendAndShape(ctx context.Context, ev Event) string {
	mu := e.locks.Acquire(ev.ChatID)
	mu.Lock()

	transcript, err := e.cache.Get(ctx, ev.ChatID)
	if err != nil {
		mu.Unlock()
		logging.Errorf("engine: loading chat %s: %v", ev.ChatID, err)
		return ""
	}
	turn := chat.NewTurn(chat.RoleUser, ev.speakerText())
	transcript = append(transcript, turn)

	decision := e.policy.Decide(len(transcript), ev.Kind, e.cache.Cooldown(ev.ChatID))
	if decision.CooldownSet {
		e.cache.SetCooldown(ev.ChatID, decision.Cooldown)
	}

	var (
		cand     chat.CondenseCandidate
		haveCand bool
	)
	switch decision.Action {
	case chat.ActionTruncate:
		transcript = transcript.TailFrom(decision.KeepLast).Clone()
		e.cache.Update(ctx, ev.ChatID, transcript, true)
		logging.Infof("engine: chat %s clamped to last %d turns", ev.ChatID, decision.KeepLast)
	case chat.ActionCondense:
		cand, haveCand = chat.NewCondenseCandidate(transcript, decision.PrefixLen)
		e.cache.Update(ctx, ev.ChatID, transcript, false)
	default:
		e.cache.Update(ctx, ev.ChatID, transcript, false)
	}
	mu.Unlock()

	if haveCand {
		e.condense(ctx, ev.ChatID, cand)
	}
	return turn.ID
}

// condense summarizes the candidate prefix outside the chat lock, then
// re-acquires it to splice the recap in. A failed summarization arms the
// cooldown; a stale candidate is discarded.
func (e *Engine) condense(ctx context.Context, chatID string, cand chat.CondenseCandidate) {
	summary, err := e.condenser.Summarize(ctx, toMessages(cand.Turns))
	if err != nil {
		logging.Warnf("engine: condensing chat %s failed, backing off: %v", chatID, err)
		e.cache.SetCooldown(chatID, e.policy.CondenseCooldown)
		return
	}

	mu := e.locks.Acquire(chatID)
	mu.Lock()
	defer mu.Unlock()

	live, err := e.cache.Get(ctx, chatID)
	if err != nil {
		logging.Errorf("engine: reloading chat %s for condensation: %v", chatID, err)
		return
	}
	rewritten, applied := chat.ApplySummary(live, cand, summary)
	if !applied {
		logging.Infof("engine: condensation for chat %s was stale, discarded", chatID)
		return
	}
	e.cache.Update(ctx, chatID, rewritten, true)
	logging.Infof("engine: chat %s condensed %d turns into recap", chatID, cand.PrefixLen)
}

// replyTask runs on the chat's worker: snapshot the relevant slice under the
// lock, call the failover chain with the lock released, then splice the
// assistant turn back in. On total backend failure nothing is committed; the
// user's turn stays in the transcript so a retry has full context.
func (e *Engine) replyTask(ev Event, userTurnID string) error {
	ctx := e.ctx
	e.sendTyping(ev.ChatID)

	mu := e.locks.Acquire(ev.ChatID)
	mu.Lock()
	transcript, err := e.cache.Get(ctx, ev.ChatID)
	if err != nil {
		mu.Unlock()
		return err
	}
	if transcript.HasReplyTo(userTurnID) {
		mu.Unlock()
		return nil
	}
	slice := transcript.Through(userTurnID)
	system := e.systemPrompt(ctx, ev.ChatID)
	mu.Unlock()

	reply, err := e.chain.GenerateReply(ctx, ev.UserID, system, toMessages(slice))
	if err != nil {
		e.sendText(ev.ChatID, msgReplyFailed)
		e.audit.Log("reply_failed", ev.ChatID, ev.Username, ev.Source, err.Error())
		return err
	}
	e.sendText(ev.ChatID, reply.Text)

	mu.Lock()
	transcript, err = e.cache.Get(ctx, ev.ChatID)
	if err == nil && !transcript.HasReplyTo(userTurnID) {
		assistant := chat.NewTurn(chat.RoleAssistant, reply.Text)
		assistant.ReplyTo = userTurnID
		assistant.Model = reply.Provider
		transcript = insertAfter(transcript, transcript.IndexOf(userTurnID), assistant)
		e.cache.Update(ctx, ev.ChatID, transcript, false)
	}
	mu.Unlock()

	var promptTokens, completionTokens int64
	if reply.Usage != nil {
		promptTokens = reply.Usage.PromptTokens
		completionTokens = reply.Usage.CompletionTokens
	}
	if err := e.usage.IncrUsageTotals(ctx, ev.UserID, promptTokens, completionTokens); err != nil {
		logging.Errorf("engine: recording usage for user %d: %v", ev.UserID, err)
	}
	e.audit.Log("reply", ev.ChatID, ev.Username, ev.Source, reply.Provider)
	return nil
}

// systemPrompt combines the configured base prompt with the chat's override.
func (e *Engine) systemPrompt(ctx context.Context, chatID string) string {
	extra, err := e.prompts.GetSystemPrompt(ctx, chatID)
	if err != nil {
		logging.Errorf("engine: loading prompt for chat %s: %v", chatID, err)
		extra = ""
	}
	switch {
	case e.basePrompt != "" && extra != "":
		return e.basePrompt + "\n\n" + extra
	case extra != "":
		return extra
	default:
		return e.basePrompt
	}
}

// insertAfter places turn directly after position at; at < 0 appends.
func insertAfter(t chat.Transcript, at int, turn chat.Turn) chat.Transcript {
	if at < 0 || at >= len(t)-1 {
		return append(t, turn)
	}
	out := make(chat.Transcript, 0, len(t)+1)
	out = append(out, t[:at+1]...)
	out = append(out, turn)
	out = append(out, t[at+1:]...)
	return out
}

func toMessages(t chat.Transcript) []ai.Message {
	out := make([]ai.Message, 0, len(t))
	for _, turn := range t {
		out = append(out, ai.Message{Role: string(turn.Role), Content: turn.Content})
	}
	return out
}
