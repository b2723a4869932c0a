package discord

import (
	"slices"

	"github.com/bwmarrin/discordgo"
)

// PermissionChecker decides who may end a session they do not own.
type PermissionChecker struct {
	adminRoleID string
}

// NewPermissionChecker creates a PermissionChecker with the given admin role ID.
func NewPermissionChecker(adminRoleID string) *PermissionChecker {
	return &PermissionChecker{adminRoleID: adminRoleID}
}

// IsAdmin checks whether the interaction author has the configured admin
// role or the guild's Manage Channels permission. Returns false if the
// interaction has no Member (e.g., DM channel interactions).
func (p *PermissionChecker) IsAdmin(i *discordgo.InteractionCreate) bool {
	if i.Member == nil {
		return false
	}
	if i.Member.Permissions&discordgo.PermissionManageChannels != 0 {
		return true
	}
	return p.adminRoleID != "" && slices.Contains(i.Member.Roles, p.adminRoleID)
}

// CanControl reports whether the author may stop a session owned by ownerID.
// A session without an owner can be stopped by anyone.
func (p *PermissionChecker) CanControl(i *discordgo.InteractionCreate, ownerID string) bool {
	if ownerID == "" || UserID(i) == ownerID {
		return true
	}
	return p.IsAdmin(i)
}
