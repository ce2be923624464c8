package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/parleybot/parley/internal/chat"
)

// Store wraps the single shared SQLite connection with typed queries.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// GetDB exposes the raw handle for migrations and tests.
func (s *Store) GetDB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// --- transcripts ---

// LoadTranscript returns the chat's turns in seq order. A chat with no rows
// yields an empty transcript, not an error.
func (s *Store) LoadTranscript(ctx context.Context, chatID string) (chat.Transcript, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT turn_id, role, content, model, reply_to, ts
		   FROM chat_history WHERE chat_id = ? ORDER BY seq`, chatID)
	if err != nil {
		return nil, fmt.Errorf("load transcript %s: %w", chatID, err)
	}
	defer rows.Close()

	var out chat.Transcript
	for rows.Next() {
		var t chat.Turn
		var role string
		if err := rows.Scan(&t.ID, &role, &t.Content, &t.Model, &t.ReplyTo, &t.Timestamp); err != nil {
			return nil, fmt.Errorf("scan transcript row: %w", err)
		}
		t.Role = chat.Role(role)
		out = append(out, t)
	}
	return out, rows.Err()
}

// SaveTranscript replaces the chat's rows with the given turns, in order, as
// one transaction. Replace-all keeps ordering authoritative under interleaved
// truncation and condensation.
func (s *Store) SaveTranscript(ctx context.Context, chatID string, turns chat.Transcript) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save transcript %s: %w", chatID, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chat_history WHERE chat_id = ?`, chatID); err != nil {
		return fmt.Errorf("clear transcript %s: %w", chatID, err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO chat_history (chat_id, turn_id, role, content, model, reply_to, seq, ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare transcript insert: %w", err)
	}
	defer stmt.Close()
	for i, t := range turns {
		if _, err := stmt.ExecContext(ctx, chatID, t.ID, string(t.Role), t.Content, t.Model, t.ReplyTo, i, t.Timestamp); err != nil {
			return fmt.Errorf("insert turn %d of %s: %w", i, chatID, err)
		}
	}
	return tx.Commit()
}

// --- users & roles ---

// EnsureUser inserts the user if missing and refreshes the username.
func (s *Store) EnsureUser(ctx context.Context, userID int64, username string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, username) VALUES (?, ?)
		 ON CONFLICT(id) DO UPDATE SET username = excluded.username`,
		userID, username)
	return err
}

// GetUserRole returns the stored role, or "" for unknown users.
func (s *Store) GetUserRole(ctx context.Context, userID int64) (string, error) {
	var role string
	err := s.db.QueryRowContext(ctx, `SELECT role FROM users WHERE id = ?`, userID).Scan(&role)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return role, err
}

// SetUserRole upserts the user with the given role.
func (s *Store) SetUserRole(ctx context.Context, userID int64, role string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, role) VALUES (?, ?)
		 ON CONFLICT(id) DO UPDATE SET role = excluded.role`,
		userID, role)
	return err
}

// --- provider preferences ---

func (s *Store) GetPreferredProvider(ctx context.Context, userID int64) (string, error) {
	var name string
	err := s.db.QueryRowContext(ctx,
		`SELECT provider FROM user_model_prefs WHERE user_id = ?`, userID).Scan(&name)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return name, err
}

func (s *Store) SetPreferredProvider(ctx context.Context, userID int64, name string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_model_prefs (user_id, provider) VALUES (?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET provider = excluded.provider`,
		userID, name)
	return err
}

// --- per-chat system prompts ---

func (s *Store) GetSystemPrompt(ctx context.Context, chatID string) (string, error) {
	var prompt string
	err := s.db.QueryRowContext(ctx,
		`SELECT prompt FROM system_prompts WHERE chat_id = ?`, chatID).Scan(&prompt)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return prompt, err
}

func (s *Store) SetSystemPrompt(ctx context.Context, chatID, prompt string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO system_prompts (chat_id, prompt) VALUES (?, ?)
		 ON CONFLICT(chat_id) DO UPDATE SET prompt = excluded.prompt`,
		chatID, prompt)
	return err
}

func (s *Store) DeleteSystemPrompt(ctx context.Context, chatID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM system_prompts WHERE chat_id = ?`, chatID)
	return err
}

// --- invitation codes ---

func (s *Store) CreateInviteCode(ctx context.Context, code, role string, createdBy int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO invitation_codes (code, role, created_by) VALUES (?, ?, ?)`,
		code, role, createdBy)
	return err
}

// RedeemInviteCode marks the code used and returns the role it grants.
// A missing or already-used code returns ErrCodeInvalid.
func (s *Store) RedeemInviteCode(ctx context.Context, code string, userID int64) (string, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE invitation_codes SET used_by = ?, used_at = ? WHERE code = ? AND used_by IS NULL`,
		userID, time.Now(), code)
	if err != nil {
		return "", err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", ErrCodeInvalid
	}
	var role string
	if err := s.db.QueryRowContext(ctx,
		`SELECT role FROM invitation_codes WHERE code = ?`, code).Scan(&role); err != nil {
		return "", err
	}
	return role, nil
}

// ErrCodeInvalid is returned when an invite code is unknown or already used.
var ErrCodeInvalid = fmt.Errorf("invitation code invalid or already used")

// --- usage counters (rate-limit windows) ---

func (s *Store) GetCounter(ctx context.Context, userID int64, scope, key string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count FROM usage_counters WHERE user_id = ? AND scope = ? AND key = ?`,
		userID, scope, key).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return n, err
}

func (s *Store) IncrCounter(ctx context.Context, userID int64, scope, key string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_counters (user_id, scope, key, count) VALUES (?, ?, ?, 1)
		 ON CONFLICT(user_id, scope, key) DO UPDATE SET count = count + 1`,
		userID, scope, key)
	return err
}

// DeleteStaleCounters drops every row in scope whose key is not in validKeys.
// Used by the rate limiter's periodic cleanup.
func (s *Store) DeleteStaleCounters(ctx context.Context, scope string, validKeys []string) error {
	if len(validKeys) == 0 {
		_, err := s.db.ExecContext(ctx, `DELETE FROM usage_counters WHERE scope = ?`, scope)
		return err
	}
	query := `DELETE FROM usage_counters WHERE scope = ? AND key NOT IN (?`
	args := []any{scope, validKeys[0]}
	for _, k := range validKeys[1:] {
		query += ", ?"
		args = append(args, k)
	}
	query += ")"
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

// --- usage totals ---

func (s *Store) IncrUsageTotals(ctx context.Context, userID, promptTokens, completionTokens int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_totals (user_id, requests, prompt_tokens, completion_tokens)
		 VALUES (?, 1, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   requests = requests + 1,
		   prompt_tokens = prompt_tokens + excluded.prompt_tokens,
		   completion_tokens = completion_tokens + excluded.completion_tokens`,
		userID, promptTokens, completionTokens)
	return err
}

// GetUsageTotals returns lifetime request and token counts for a user.
func (s *Store) GetUsageTotals(ctx context.Context, userID int64) (requests, promptTokens, completionTokens int64, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT requests, prompt_tokens, completion_tokens FROM usage_totals WHERE user_id = ?`,
		userID).Scan(&requests, &promptTokens, &completionTokens)
	if err == sql.ErrNoRows {
		return 0, 0, 0, nil
	}
	return
}

// --- audit log ---

func (s *Store) AppendAuditLog(ctx context.Context, action, targetID, actor, source, detail string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (action, target_id, actor, source, detail) VALUES (?, ?, ?, ?, ?)`,
		action, targetID, actor, source, detail)
	return err
}
