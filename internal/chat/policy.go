package chat

import "strings"

// Policy defaults. The safety ceiling clamps runaway transcripts regardless
// of chat kind or cooldown; condensation applies to private chats only.
const (
	DefaultSafetyCeiling    = 40
	DefaultSafetyRetain     = 35
	DefaultGroupHistoryCap  = 20
	DefaultCondenseTrigger  = 35
	DefaultCondenseRetain   = 15
	DefaultCondenseCooldown = 5
)

// recapHeader marks the synthetic system turn carrying condensed history.
const recapHeader = "[Recap] "

// Action is the lifecycle decision for a transcript after a new turn lands.
type Action int

const (
	ActionAppend Action = iota
	ActionTruncate
	ActionCondense
)

// Decision is the outcome of Policy.Decide.
type Decision struct {
	Action      Action
	KeepLast    int // ActionTruncate: keep this many trailing turns
	PrefixLen   int // ActionCondense: condense this many leading turns
	Cooldown    int // updated cooldown value; valid when CooldownSet
	CooldownSet bool
}

// Policy holds the thresholds for the lifecycle decision. The zero value is
// unusable; construct with DefaultPolicy and override fields as needed.
type Policy struct {
	SafetyCeiling    int
	SafetyRetain     int
	GroupHistoryCap  int
	CondenseTrigger  int
	CondenseRetain   int
	CondenseCooldown int
}

func DefaultPolicy() Policy {
	return Policy{
		SafetyCeiling:    DefaultSafetyCeiling,
		SafetyRetain:     DefaultSafetyRetain,
		GroupHistoryCap:  DefaultGroupHistoryCap,
		CondenseTrigger:  DefaultCondenseTrigger,
		CondenseRetain:   DefaultCondenseRetain,
		CondenseCooldown: DefaultCondenseCooldown,
	}
}

// Decide inspects the transcript length after a new turn is appended and
// picks the lifecycle action. Pure: the caller applies the returned cooldown
// and action to the cache. Branch order matters:
//
//  1. An active cooldown is decremented and suppresses condensation, but the
//     safety ceiling still forces truncation.
//  2. The safety ceiling truncates regardless of chat kind. This is the
//     defensive clamp against a repeatedly failing summarizer.
//  3. Groups clamp at the history cap and never condense.
//  4. Private chats below the trigger append; at or past it, the prefix
//     beyond the retained tail becomes the condensation candidate.
func (p Policy) Decide(length int, kind Kind, cooldown int) Decision {
	if cooldown > 0 {
		d := Decision{Action: ActionAppend, Cooldown: cooldown - 1, CooldownSet: true}
		if length > p.SafetyCeiling {
			d.Action = ActionTruncate
			d.KeepLast = p.SafetyRetain
		}
		return d
	}
	if length > p.SafetyCeiling {
		return Decision{Action: ActionTruncate, KeepLast: p.SafetyRetain}
	}
	if kind == KindGroup {
		if length > p.GroupHistoryCap {
			return Decision{Action: ActionTruncate, KeepLast: p.GroupHistoryCap}
		}
		return Decision{Action: ActionAppend}
	}
	if length < p.CondenseTrigger {
		return Decision{Action: ActionAppend}
	}
	prefix := length - p.CondenseRetain
	if prefix <= 0 {
		return Decision{Action: ActionAppend}
	}
	return Decision{Action: ActionCondense, PrefixLen: prefix}
}

// CondenseCandidate pins the identity of a transcript prefix chosen for
// condensation, so the result can be applied only if the live transcript is
// unchanged in that range.
type CondenseCandidate struct {
	PrefixLen int
	FirstID   string
	LastID    string
	Turns     Transcript // copy of the prefix, fed to the summarizer
}

// NewCondenseCandidate captures the first prefixLen turns of t. Returns false
// when the range is empty or out of bounds.
func NewCondenseCandidate(t Transcript, prefixLen int) (CondenseCandidate, bool) {
	if prefixLen <= 0 || prefixLen > len(t) {
		return CondenseCandidate{}, false
	}
	return CondenseCandidate{
		PrefixLen: prefixLen,
		FirstID:   t[0].ID,
		LastID:    t[prefixLen-1].ID,
		Turns:     t[:prefixLen].Clone(),
	}, true
}

// ApplySummary replaces the candidate prefix of live with one synthetic
// system turn carrying the condensed text. The replacement happens only if
// the live prefix still matches the candidate by first/last turn identity;
// a mismatch means the transcript mutated while the summarizer ran and the
// stale result is discarded. Returns the rewritten transcript and whether it
// was applied.
func ApplySummary(live Transcript, cand CondenseCandidate, summary string) (Transcript, bool) {
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return live, false
	}
	if cand.PrefixLen <= 0 || cand.PrefixLen > len(live) {
		return live, false
	}
	if live[0].ID != cand.FirstID || live[cand.PrefixLen-1].ID != cand.LastID {
		return live, false
	}
	recap := NewTurn(RoleSystem, recapHeader+summary)
	out := make(Transcript, 0, len(live)-cand.PrefixLen+1)
	out = append(out, recap)
	out = append(out, live[cand.PrefixLen:]...)
	return out, true
}
