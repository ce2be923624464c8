package bot

import (
	"fmt"
	"strings"
	"time"

	"github.com/parleybot/parley/internal/auth"
	"github.com/parleybot/parley/internal/chat"
	"github.com/parleybot/parley/internal/logging"
)

const helpText = `I'm a conversational assistant. Just send me a message.

Commands:
/clear — forget this conversation
/prompt [text|reset] — show, set or reset this chat's extra instructions
/model [name] — show or switch your preferred AI provider
/usage — your request and token totals
/redeem <code> — unlock access with an invitation code
/invite [admin] — mint an invitation code (admins)
/status — runtime status (admins)`

// HelpText returns the /help and /start reply.
func (e *Engine) HelpText() string {
	return helpText
}

// gateCommand applies the same access rules to commands that HandleMessage
// applies to messages: group commands require an allowlisted group, private
// commands an authorized user. When access is denied the returned reply is
// sent if non-empty; unlisted groups are ignored silently.
func (e *Engine) gateCommand(ev Event) (string, bool) {
	if ev.Kind == chat.KindGroup {
		if !e.auth.CanUseGroup(ev.PeerID) {
			return "", false
		}
		return "", true
	}
	ok, err := e.auth.CanUsePrivate(e.ctx, ev.UserID)
	if err != nil {
		logging.Errorf("engine: auth check for user %d: %v", ev.UserID, err)
		return "", false
	}
	if !ok {
		return msgNotAuthorized, false
	}
	return "", true
}

// ClearContext wipes the chat's transcript and cooldown state. In groups only
// admins may clear the shared history.
func (e *Engine) ClearContext(ev Event) string {
	if reply, ok := e.gateCommand(ev); !ok {
		return reply
	}
	if ev.Kind == chat.KindGroup && !e.auth.IsAdmin(e.ctx, ev.UserID) {
		return "Clearing a group conversation is for admins."
	}
	mu := e.locks.Acquire(ev.ChatID)
	mu.Lock()
	e.cache.Update(e.ctx, ev.ChatID, chat.Transcript{}, true)
	e.cache.SetCooldown(ev.ChatID, 0)
	mu.Unlock()
	e.audit.Log("clear_context", ev.ChatID, ev.Username, ev.Source, "")
	return "🧹 Conversation cleared."
}

// PromptCommand shows, sets or resets the chat's extra system prompt.
func (e *Engine) PromptCommand(ev Event, arg string) string {
	if reply, ok := e.gateCommand(ev); !ok {
		return reply
	}
	ctx := e.ctx
	arg = strings.TrimSpace(arg)
	switch arg {
	case "":
		current, err := e.prompts.GetSystemPrompt(ctx, ev.ChatID)
		if err != nil {
			logging.Errorf("engine: loading prompt for chat %s: %v", ev.ChatID, err)
			return "Couldn't load the prompt, try again."
		}
		if current == "" {
			return "No extra instructions set for this chat. Use /prompt <text> to add some."
		}
		return "Current extra instructions:\n" + current
	case "reset":
		if err := e.prompts.DeleteSystemPrompt(ctx, ev.ChatID); err != nil {
			logging.Errorf("engine: resetting prompt for chat %s: %v", ev.ChatID, err)
			return "Couldn't reset the prompt, try again."
		}
		e.audit.Log("prompt_reset", ev.ChatID, ev.Username, ev.Source, "")
		return "Extra instructions removed."
	default:
		if err := e.prompts.SetSystemPrompt(ctx, ev.ChatID, arg); err != nil {
			logging.Errorf("engine: saving prompt for chat %s: %v", ev.ChatID, err)
			return "Couldn't save the prompt, try again."
		}
		e.audit.Log("prompt_set", ev.ChatID, ev.Username, ev.Source, "")
		return "Extra instructions updated."
	}
}

// ModelCommand shows the available providers or switches the user's
// preference.
func (e *Engine) ModelCommand(ev Event, arg string) string {
	if reply, ok := e.gateCommand(ev); !ok {
		return reply
	}
	ctx := e.ctx
	arg = strings.TrimSpace(arg)
	if arg == "" {
		current := e.chain.ResolvePreferred(ctx, ev.UserID)
		var b strings.Builder
		b.WriteString("Available providers:\n")
		for _, name := range e.chain.Names() {
			if name == current {
				b.WriteString("• " + name + " (current)\n")
			} else {
				b.WriteString("• " + name + "\n")
			}
		}
		b.WriteString("Switch with /model <name>.")
		return b.String()
	}
	canonical, err := e.chain.SetPreferred(ctx, ev.UserID, arg)
	if err != nil {
		return fmt.Sprintf("Unknown provider %q. See /model for the list.", arg)
	}
	e.audit.Log("model_switch", ev.ChatID, ev.Username, ev.Source, canonical)
	return "Preferred provider set to " + canonical + "."
}

// UsageCommand reports the user's accumulated request and token totals.
func (e *Engine) UsageCommand(ev Event) string {
	if reply, ok := e.gateCommand(ev); !ok {
		return reply
	}
	requests, promptTokens, completionTokens, err := e.usage.GetUsageTotals(e.ctx, ev.UserID)
	if err != nil {
		logging.Errorf("engine: loading usage for user %d: %v", ev.UserID, err)
		return "Couldn't load usage, try again."
	}
	return fmt.Sprintf("📊 Your usage:\nRequests: %d\nPrompt tokens: %d\nCompletion tokens: %d",
		requests, promptTokens, completionTokens)
}

// InviteCommand mints an invitation code. Admins mint user codes; super
// admins may pass "admin" to mint admin codes.
func (e *Engine) InviteCommand(ev Event, arg string) string {
	if reply, ok := e.gateCommand(ev); !ok {
		return reply
	}
	grant := auth.RoleUser
	if strings.TrimSpace(arg) == "admin" {
		grant = auth.RoleAdmin
	}
	code, err := e.auth.NewInviteCode(e.ctx, ev.UserID, grant)
	if err != nil {
		return "You can't mint that invitation: " + err.Error()
	}
	e.audit.Log("invite_created", ev.ChatID, ev.Username, ev.Source, string(grant))
	return fmt.Sprintf("🎟 Invitation code (grants %s): %s", grant, code)
}

// RedeemCommand applies an invitation code to the calling user. Deliberately
// open to unknown users in private chats — it is how access is obtained — but
// ignored in groups outside the allowlist.
func (e *Engine) RedeemCommand(ev Event, code string) string {
	if ev.Kind == chat.KindGroup && !e.auth.CanUseGroup(ev.PeerID) {
		return ""
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return "Usage: /redeem <code>"
	}
	role, err := e.auth.Redeem(e.ctx, ev.UserID, ev.Username, code)
	if err != nil {
		return "That code is invalid or already used."
	}
	e.audit.Log("invite_redeemed", ev.ChatID, ev.Username, ev.Source, string(role))
	return fmt.Sprintf("✅ Welcome! You now have %s access.", role)
}

// StatusCommand reports runtime health. Admin only.
func (e *Engine) StatusCommand(ev Event) string {
	if reply, ok := e.gateCommand(ev); !ok {
		return reply
	}
	if !e.auth.IsAdmin(e.ctx, ev.UserID) {
		return "This command is for admins."
	}
	uptime := time.Since(e.startedAt).Round(time.Second)
	return fmt.Sprintf("⚙️ Status:\nUptime: %s\nCached chats: %d\nActive chat workers: %d\nTracked locks: %d",
		uptime, e.cache.Len(), e.queue.Len(), e.locks.Len())
}
