package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/parleybot/parley/internal/logging"
)

// Role is a user's permission tier. An empty role means the user is unknown
// and may not use private chats.
type Role string

const (
	RoleSuperAdmin Role = "super_admin"
	RoleAdmin      Role = "admin"
	RoleUser       Role = "user"
)

// rank orders roles for comparisons; redemption never downgrades.
func rank(r Role) int {
	switch r {
	case RoleSuperAdmin:
		return 3
	case RoleAdmin:
		return 2
	case RoleUser:
		return 1
	default:
		return 0
	}
}

// inviteCodeLen is the length of generated invitation codes.
const inviteCodeLen = 8

// UserStore is the durable side of the authorization layer.
type UserStore interface {
	EnsureUser(ctx context.Context, userID int64, username string) error
	GetUserRole(ctx context.Context, userID int64) (string, error)
	SetUserRole(ctx context.Context, userID int64, role string) error
	CreateInviteCode(ctx context.Context, code, role string, createdBy int64) error
	RedeemInviteCode(ctx context.Context, code string, userID int64) (string, error)
}

// Manager answers "may this user/chat do this" questions. Super admin ids
// come from config and are synced into the store at boot; group access is a
// static allowlist of chat ids.
type Manager struct {
	store         UserStore
	superAdmins   map[int64]bool
	allowedGroups map[int64]bool
}

func NewManager(store UserStore, superAdmins, allowedGroups []int64) *Manager {
	m := &Manager{
		store:         store,
		superAdmins:   make(map[int64]bool, len(superAdmins)),
		allowedGroups: make(map[int64]bool, len(allowedGroups)),
	}
	for _, id := range superAdmins {
		m.superAdmins[id] = true
	}
	for _, id := range allowedGroups {
		m.allowedGroups[id] = true
	}
	return m
}

// SyncSuperAdmins writes the configured super admin roles into the store so
// role queries have one source of truth.
func (m *Manager) SyncSuperAdmins(ctx context.Context) error {
	for id := range m.superAdmins {
		if err := m.store.SetUserRole(ctx, id, string(RoleSuperAdmin)); err != nil {
			return fmt.Errorf("sync super admin %d: %w", id, err)
		}
	}
	logging.Infof("auth: synced %d super admins", len(m.superAdmins))
	return nil
}

// RoleOf returns the user's role; configured super admins win over whatever
// the store says.
func (m *Manager) RoleOf(ctx context.Context, userID int64) (Role, error) {
	if m.superAdmins[userID] {
		return RoleSuperAdmin, nil
	}
	role, err := m.store.GetUserRole(ctx, userID)
	if err != nil {
		return "", err
	}
	return Role(role), nil
}

// CanUsePrivate reports whether the user may talk to the bot 1:1. Any stored
// role qualifies; unknown users must redeem an invitation first.
func (m *Manager) CanUsePrivate(ctx context.Context, userID int64) (bool, error) {
	role, err := m.RoleOf(ctx, userID)
	if err != nil {
		return false, err
	}
	return role != "", nil
}

// CanUseGroup reports whether the bot answers in the given group chat.
func (m *Manager) CanUseGroup(chatID int64) bool {
	return m.allowedGroups[chatID]
}

// IsAdmin reports whether the user holds admin or super admin.
func (m *Manager) IsAdmin(ctx context.Context, userID int64) bool {
	role, err := m.RoleOf(ctx, userID)
	if err != nil {
		logging.Errorf("auth: role lookup for %d: %v", userID, err)
		return false
	}
	return rank(role) >= rank(RoleAdmin)
}

// IsSuperAdmin reports whether the user holds super admin.
func (m *Manager) IsSuperAdmin(ctx context.Context, userID int64) bool {
	role, err := m.RoleOf(ctx, userID)
	if err != nil {
		logging.Errorf("auth: role lookup for %d: %v", userID, err)
		return false
	}
	return role == RoleSuperAdmin
}

// NewInviteCode mints a single-use invitation granting the given role.
// Admins may invite users; only super admins may invite admins.
func (m *Manager) NewInviteCode(ctx context.Context, actorID int64, grant Role) (string, error) {
	switch grant {
	case RoleUser:
		if !m.IsAdmin(ctx, actorID) {
			return "", fmt.Errorf("user %d may not create invitations", actorID)
		}
	case RoleAdmin:
		if !m.IsSuperAdmin(ctx, actorID) {
			return "", fmt.Errorf("user %d may not create admin invitations", actorID)
		}
	default:
		return "", fmt.Errorf("invitations cannot grant role %q", grant)
	}

	code := strings.ReplaceAll(uuid.NewString(), "-", "")[:inviteCodeLen]
	if err := m.store.CreateInviteCode(ctx, code, string(grant), actorID); err != nil {
		return "", fmt.Errorf("create invite code: %w", err)
	}
	return code, nil
}

// Redeem consumes an invitation code for the user and applies the granted
// role. An existing higher role is kept. The code is validated before the
// user row is touched, so a failed attempt leaves no trace that later access
// checks could mistake for a grant.
func (m *Manager) Redeem(ctx context.Context, userID int64, username, code string) (Role, error) {
	granted, err := m.store.RedeemInviteCode(ctx, strings.TrimSpace(code), userID)
	if err != nil {
		return "", err
	}
	if err := m.store.EnsureUser(ctx, userID, username); err != nil {
		return "", err
	}
	current, err := m.RoleOf(ctx, userID)
	if err != nil {
		return "", err
	}
	if rank(Role(granted)) > rank(current) {
		if err := m.store.SetUserRole(ctx, userID, granted); err != nil {
			return "", err
		}
		return Role(granted), nil
	}
	return current, nil
}
