package chat

import "testing"

func TestThroughSlicesUpToTurn(t *testing.T) {
	tr := Transcript{
		NewTurn(RoleUser, "a"),
		NewTurn(RoleAssistant, "b"),
		NewTurn(RoleUser, "c"),
	}

	got := tr.Through(tr[1].ID)
	if len(got) != 2 || got[1].Content != "b" {
		t.Fatalf("Through returned wrong slice: %+v", got)
	}

	// Unknown id (e.g. the turn was truncated away) falls back to the whole
	// transcript.
	if got := tr.Through("missing"); len(got) != 3 {
		t.Fatalf("expected full transcript for unknown id, got %d turns", len(got))
	}
}

func TestHasReplyTo(t *testing.T) {
	user := NewTurn(RoleUser, "question")
	reply := NewTurn(RoleAssistant, "answer")
	reply.ReplyTo = user.ID
	tr := Transcript{user, reply}

	if !tr.HasReplyTo(user.ID) {
		t.Error("expected existing reply to be detected")
	}
	if tr.HasReplyTo("other") {
		t.Error("unexpected reply match")
	}
}

func TestTailFrom(t *testing.T) {
	tr := Transcript{
		NewTurn(RoleUser, "a"),
		NewTurn(RoleUser, "b"),
		NewTurn(RoleUser, "c"),
	}
	if got := tr.TailFrom(2); len(got) != 2 || got[0].Content != "b" {
		t.Errorf("TailFrom(2) wrong: %+v", got)
	}
	if got := tr.TailFrom(10); len(got) != 3 {
		t.Errorf("TailFrom larger than transcript should return all, got %d", len(got))
	}
}
