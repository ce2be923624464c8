package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/parleybot/parley/internal/chat"
	"github.com/parleybot/parley/internal/db/migrations"
	"github.com/parleybot/parley/internal/logging"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	logging.Disable()
	migrations.QuietMode = true
	store, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestTranscriptRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	user := chat.NewTurn(chat.RoleUser, "hello")
	reply := chat.NewTurn(chat.RoleAssistant, "hi there")
	reply.ReplyTo = user.ID
	reply.Model = "Alpha"

	if err := store.SaveTranscript(ctx, "c1", chat.Transcript{user, reply}); err != nil {
		t.Fatalf("SaveTranscript: %v", err)
	}

	got, err := store.LoadTranscript(ctx, "c1")
	if err != nil {
		t.Fatalf("LoadTranscript: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(got))
	}
	if got[0].ID != user.ID || got[0].Content != "hello" || got[0].Role != chat.RoleUser {
		t.Errorf("first turn mismatch: %+v", got[0])
	}
	if got[1].ReplyTo != user.ID || got[1].Model != "Alpha" {
		t.Errorf("reply metadata lost: %+v", got[1])
	}
}

func TestSaveTranscriptReplacesAll(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	long := make(chat.Transcript, 0, 5)
	for i := 0; i < 5; i++ {
		long = append(long, chat.NewTurn(chat.RoleUser, "old"))
	}
	if err := store.SaveTranscript(ctx, "c1", long); err != nil {
		t.Fatalf("SaveTranscript: %v", err)
	}

	// A truncated save must leave exactly the new rows, in order.
	short := chat.Transcript{chat.NewTurn(chat.RoleSystem, "recap"), chat.NewTurn(chat.RoleUser, "new")}
	if err := store.SaveTranscript(ctx, "c1", short); err != nil {
		t.Fatalf("SaveTranscript: %v", err)
	}
	got, err := store.LoadTranscript(ctx, "c1")
	if err != nil {
		t.Fatalf("LoadTranscript: %v", err)
	}
	if len(got) != 2 || got[0].Role != chat.RoleSystem || got[1].Content != "new" {
		t.Errorf("replace-all semantics violated: %+v", got)
	}
}

func TestLoadTranscriptEmptyChat(t *testing.T) {
	store := setupTestStore(t)
	got, err := store.LoadTranscript(context.Background(), "nope")
	if err != nil {
		t.Fatalf("LoadTranscript: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected empty transcript, got %d turns", len(got))
	}
}

func TestUserRoles(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	role, err := store.GetUserRole(ctx, 42)
	if err != nil || role != "" {
		t.Fatalf("unknown user should have empty role, got %q err %v", role, err)
	}

	if err := store.EnsureUser(ctx, 42, "ada"); err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}
	role, err = store.GetUserRole(ctx, 42)
	if err != nil || role != "" {
		t.Fatalf("fresh user row must carry no role, got %q err %v", role, err)
	}

	if err := store.SetUserRole(ctx, 42, "admin"); err != nil {
		t.Fatalf("SetUserRole: %v", err)
	}
	if err := store.EnsureUser(ctx, 42, "ada"); err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}
	role, err = store.GetUserRole(ctx, 42)
	if err != nil || role != "admin" {
		t.Errorf("EnsureUser must not clobber role, got %q err %v", role, err)
	}
}

func TestPreferredProviderPersistence(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	got, err := store.GetPreferredProvider(ctx, 7)
	if err != nil || got != "" {
		t.Fatalf("expected empty preference, got %q err %v", got, err)
	}
	if err := store.SetPreferredProvider(ctx, 7, "Beta"); err != nil {
		t.Fatalf("SetPreferredProvider: %v", err)
	}
	if err := store.SetPreferredProvider(ctx, 7, "Gamma"); err != nil {
		t.Fatalf("SetPreferredProvider overwrite: %v", err)
	}
	got, err = store.GetPreferredProvider(ctx, 7)
	if err != nil || got != "Gamma" {
		t.Errorf("expected Gamma, got %q err %v", got, err)
	}
}

func TestInviteCodeSingleUse(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.CreateInviteCode(ctx, "abcd", "user", 1); err != nil {
		t.Fatalf("CreateInviteCode: %v", err)
	}

	role, err := store.RedeemInviteCode(ctx, "abcd", 100)
	if err != nil || role != "user" {
		t.Fatalf("first redeem should succeed with role user, got %q err %v", role, err)
	}

	if _, err := store.RedeemInviteCode(ctx, "abcd", 101); !errors.Is(err, ErrCodeInvalid) {
		t.Errorf("second redeem should fail with ErrCodeInvalid, got %v", err)
	}
	if _, err := store.RedeemInviteCode(ctx, "nope", 101); !errors.Is(err, ErrCodeInvalid) {
		t.Errorf("unknown code should fail with ErrCodeInvalid, got %v", err)
	}
}

func TestCountersAndCleanup(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := store.IncrCounter(ctx, 7, "rate_hour", "2026-08-25-10"); err != nil {
			t.Fatalf("IncrCounter: %v", err)
		}
	}
	if err := store.IncrCounter(ctx, 7, "rate_hour", "2026-08-25-09"); err != nil {
		t.Fatalf("IncrCounter: %v", err)
	}

	n, err := store.GetCounter(ctx, 7, "rate_hour", "2026-08-25-10")
	if err != nil || n != 3 {
		t.Fatalf("expected count 3, got %d err %v", n, err)
	}

	if err := store.DeleteStaleCounters(ctx, "rate_hour", []string{"2026-08-25-10"}); err != nil {
		t.Fatalf("DeleteStaleCounters: %v", err)
	}
	if n, _ := store.GetCounter(ctx, 7, "rate_hour", "2026-08-25-09"); n != 0 {
		t.Errorf("stale counter survived cleanup: %d", n)
	}
	if n, _ := store.GetCounter(ctx, 7, "rate_hour", "2026-08-25-10"); n != 3 {
		t.Errorf("current counter dropped by cleanup: %d", n)
	}
}

func TestUsageTotals(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.IncrUsageTotals(ctx, 7, 100, 50); err != nil {
		t.Fatalf("IncrUsageTotals: %v", err)
	}
	if err := store.IncrUsageTotals(ctx, 7, 10, 5); err != nil {
		t.Fatalf("IncrUsageTotals: %v", err)
	}

	reqs, prompt, completion, err := store.GetUsageTotals(ctx, 7)
	if err != nil {
		t.Fatalf("GetUsageTotals: %v", err)
	}
	if reqs != 2 || prompt != 110 || completion != 55 {
		t.Errorf("totals wrong: %d %d %d", reqs, prompt, completion)
	}

	// Unknown user reads as zero, not error.
	reqs, _, _, err = store.GetUsageTotals(ctx, 999)
	if err != nil || reqs != 0 {
		t.Errorf("unknown user totals: %d err %v", reqs, err)
	}
}

func TestAppendAuditLog(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.AppendAuditLog(ctx, "reply", "c1", "ada", "telegram", "ok"); err != nil {
		t.Fatalf("AppendAuditLog: %v", err)
	}
	var n int
	if err := store.GetDB().QueryRow(`SELECT COUNT(*) FROM audit_log`).Scan(&n); err != nil {
		t.Fatalf("count audit rows: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 audit row, got %d", n)
	}
}
