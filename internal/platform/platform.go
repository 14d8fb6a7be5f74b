package platform

import (
	"context"
	"slices"
)

// Guild is the subset of a guild the reconcilers need
type Guild struct {
	ID   string
	Name string
}

// Role is a guild role
type Role struct {
	ID      string
	GuildID string
	Name    string
}

// Channel is a guild channel
type Channel struct {
	ID      string
	GuildID string
	Name    string
}

// Member is a guild member as currently seen by the platform
type Member struct {
	UserID  string
	GuildID string
	Name    string
	Bot     bool
	RoleIDs []string
}

// HasRole reports whether the member currently carries roleID
func (m *Member) HasRole(roleID string) bool {
	return slices.Contains(m.RoleIDs, roleID)
}

// MemberRolePermissions lets verified members view channels, send messages
// and read message history.
const MemberRolePermissions int64 = 0x400 | 0x800 | 0x10000

// RoleSpec describes a role to create
type RoleSpec struct {
	Name        string
	Color       int
	Hoist       bool
	Permissions int64
}

// Platform is the external chat platform. Implementations report missing
// entities with ErrNotFound and denied actions with ErrForbidden; any other
// error is treated as transient.
type Platform interface {
	Guild(ctx context.Context, guildID string) (*Guild, error)
	Member(ctx context.Context, guildID, userID string) (*Member, error)
	Members(ctx context.Context, guildID string) ([]*Member, error)
	Role(ctx context.Context, guildID, roleID string) (*Role, error)
	Channel(ctx context.Context, channelID string) (*Channel, error)
	Channels(ctx context.Context, guildID string) ([]*Channel, error)
	// CanModerate reports whether userID may manage roles in channelID
	CanModerate(ctx context.Context, channelID, userID string) (bool, error)

	CreateRole(ctx context.Context, guildID string, spec RoleSpec, reason string) (*Role, error)
	DeleteRole(ctx context.Context, guildID, roleID, reason string) error
	AddRole(ctx context.Context, guildID, userID, roleID, reason string) error
	RemoveRole(ctx context.Context, guildID, userID, roleID, reason string) error
	Kick(ctx context.Context, guildID, userID, reason string) error

	SendDirect(ctx context.Context, userID, content string) (messageID string, err error)
	SendChannel(ctx context.Context, channelID, content string) (messageID string, err error)

	// DenyRoleInChannel stops a role from talking, speaking or reacting in a channel
	DenyRoleInChannel(ctx context.Context, channelID, roleID string) error
	// SetChannelOpen makes a channel readable for @everyone (open) or removes that override
	SetChannelOpen(ctx context.Context, guildID, channelID string, open bool) error
	// RestrictEveryone removes (or restores) read/send access for @everyone
	RestrictEveryone(ctx context.Context, guildID string, restricted bool) error
}
