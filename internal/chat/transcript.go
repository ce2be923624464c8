package chat

import (
	"time"

	"github.com/google/uuid"
)

// Role tags who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Kind distinguishes 1:1 chats from group chats; groups are clamped rather
// than condensed.
type Kind int

const (
	KindPrivate Kind = iota
	KindGroup
)

// Turn is one transcript entry. Turns are immutable once created; rewrites
// (truncation, condensation) drop turns rather than editing them.
type Turn struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	ReplyTo   string    `json:"reply_to,omitempty"`
	Model     string    `json:"model,omitempty"`
}

// NewTurn creates a turn with a fresh unique id.
func NewTurn(role Role, content string) Turn {
	return Turn{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// Transcript is the ordered conversation history for one chat. Order is the
// single source of truth; turn ids are unique within a transcript.
type Transcript []Turn

// Clone returns a deep copy. Turn fields are all value types, so copying the
// backing array is sufficient.
func (t Transcript) Clone() Transcript {
	if t == nil {
		return nil
	}
	out := make(Transcript, len(t))
	copy(out, t)
	return out
}

// EnsureIDs backfills a unique id on any turn missing one. Rows hydrated from
// the store are trusted for content but must have locally unique ids.
func (t Transcript) EnsureIDs() bool {
	changed := false
	for i := range t {
		if t[i].ID == "" {
			t[i].ID = uuid.NewString()
			changed = true
		}
	}
	return changed
}

// IndexOf returns the position of the turn with the given id, or -1.
func (t Transcript) IndexOf(id string) int {
	for i := range t {
		if t[i].ID == id {
			return i
		}
	}
	return -1
}

// Through returns a copy of the transcript up to and including the turn with
// the given id. If the id is absent the whole transcript is returned; the
// turn may have been truncated away while a reply task waited in queue.
func (t Transcript) Through(id string) Transcript {
	if i := t.IndexOf(id); i >= 0 {
		return t[:i+1].Clone()
	}
	return t.Clone()
}

// HasReplyTo reports whether an assistant turn answering the given user turn
// already exists. Used to dedupe replies when a task is retried.
func (t Transcript) HasReplyTo(id string) bool {
	for i := range t {
		if t[i].Role == RoleAssistant && t[i].ReplyTo == id {
			return true
		}
	}
	return false
}

// TailFrom returns the last n turns (the whole transcript when n is larger).
func (t Transcript) TailFrom(n int) Transcript {
	if n >= len(t) {
		return t
	}
	return t[len(t)-n:]
}
