package telegram

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v3"

	"github.com/parleybot/parley/internal/bot"
	"github.com/parleybot/parley/internal/chat"
	"github.com/parleybot/parley/internal/logging"
)

const (
	sourceName  = "telegram"
	pollTimeout = 10 * time.Second

	// Telegram rejects messages over this many characters.
	maxMessageLen = 4096
)

// Adapter connects the engine to Telegram: it normalizes inbound updates
// into bot.Event values and implements bot.Sender for the way back.
type Adapter struct {
	bot    *tele.Bot
	engine *bot.Engine
}

func New(token string, engine *bot.Engine) (*Adapter, error) {
	b, err := tele.NewBot(tele.Settings{
		Token:  token,
		Poller: &tele.LongPoller{Timeout: pollTimeout},
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to telegram: %w", err)
	}
	a := &Adapter{bot: b, engine: engine}
	a.route()
	return a, nil
}

func (a *Adapter) route() {
	a.bot.Handle("/start", a.command(func(ev bot.Event, _ string) string {
		return a.engine.HelpText()
	}))
	a.bot.Handle("/help", a.command(func(ev bot.Event, _ string) string {
		return a.engine.HelpText()
	}))
	a.bot.Handle("/clear", a.command(func(ev bot.Event, _ string) string {
		return a.engine.ClearContext(ev)
	}))
	a.bot.Handle("/prompt", a.command(a.engine.PromptCommand))
	a.bot.Handle("/model", a.command(a.engine.ModelCommand))
	a.bot.Handle("/usage", a.command(func(ev bot.Event, _ string) string {
		return a.engine.UsageCommand(ev)
	}))
	a.bot.Handle("/invite", a.command(a.engine.InviteCommand))
	a.bot.Handle("/redeem", a.command(a.engine.RedeemCommand))
	a.bot.Handle("/status", a.command(func(ev bot.Event, _ string) string {
		return a.engine.StatusCommand(ev)
	}))
	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		a.engine.HandleMessage(a.eventFrom(c))
		return nil
	})
}

// command adapts an engine command method to a telebot handler. Command
// replies are synchronous and skip the reply queue.
func (a *Adapter) command(fn func(ev bot.Event, arg string) string) tele.HandlerFunc {
	return func(c tele.Context) error {
		reply := fn(a.eventFrom(c), c.Message().Payload)
		if reply == "" {
			// Denied silently (e.g. command in a non-allowlisted group).
			return nil
		}
		return c.Send(reply)
	}
}

func (a *Adapter) eventFrom(c tele.Context) bot.Event {
	m := c.Message()
	ev := bot.Event{
		ChatID: strconv.FormatInt(m.Chat.ID, 10),
		PeerID: m.Chat.ID,
		Kind:   chat.KindPrivate,
		Text:   m.Text,
		Source: sourceName,
	}
	if m.Sender != nil {
		ev.UserID = m.Sender.ID
		ev.Username = m.Sender.Username
	}
	if m.Chat.Type != tele.ChatPrivate {
		ev.Kind = chat.KindGroup
		ev.MentionsBot = a.stripMention(&ev)
		ev.RepliesToBot = m.ReplyTo != nil && m.ReplyTo.Sender != nil &&
			m.ReplyTo.Sender.ID == a.bot.Me.ID
	}
	return ev
}

// stripMention reports whether the bot is @-mentioned and removes the
// mention from the event text.
func (a *Adapter) stripMention(ev *bot.Event) bool {
	mention := "@" + a.bot.Me.Username
	if !strings.Contains(ev.Text, mention) {
		return false
	}
	ev.Text = strings.TrimSpace(strings.ReplaceAll(ev.Text, mention, ""))
	return true
}

// Start begins long polling and blocks until Stop.
func (a *Adapter) Start() {
	logging.Infof("telegram: connected as @%s", a.bot.Me.Username)
	a.bot.Start()
}

func (a *Adapter) Stop() {
	a.bot.Stop()
}

// SendText delivers text to the chat, splitting messages that exceed the
// Telegram length limit.
func (a *Adapter) SendText(chatID, text string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("bad chat id %q: %w", chatID, err)
	}
	for _, part := range splitMessage(text, maxMessageLen) {
		if _, err := a.bot.Send(tele.ChatID(id), part); err != nil {
			return fmt.Errorf("sending to chat %s: %w", chatID, err)
		}
	}
	return nil
}

// SendTyping shows the "typing…" indicator. Best effort.
func (a *Adapter) SendTyping(chatID string) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return
	}
	if err := a.bot.Notify(tele.ChatID(id), tele.Typing); err != nil {
		logging.Debugf("telegram: typing notify for chat %s: %v", chatID, err)
	}
}

// splitMessage chunks text to at most limit runes per part, preferring to
// break on a newline near the end of the chunk.
func splitMessage(text string, limit int) []string {
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}
	var parts []string
	for len(runes) > 0 {
		if len(runes) <= limit {
			parts = append(parts, string(runes))
			break
		}
		cut := limit
		for i := limit - 1; i > limit/2; i-- {
			if runes[i] == '\n' {
				cut = i + 1
				break
			}
		}
		parts = append(parts, strings.TrimRight(string(runes[:cut]), "\n"))
		runes = runes[cut:]
	}
	return parts
}
