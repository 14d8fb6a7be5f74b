package platform

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/bwmarrin/discordgo"
)

const (
	mutedDeny = discordgo.PermissionSendMessages |
		discordgo.PermissionAddReactions |
		discordgo.PermissionVoiceSpeak

	everyoneReadable = discordgo.PermissionViewChannel |
		discordgo.PermissionReadMessageHistory

	everyoneRestricted = discordgo.PermissionViewChannel |
		discordgo.PermissionSendMessages |
		discordgo.PermissionReadMessageHistory

	moderatorPerms = discordgo.PermissionAdministrator |
		discordgo.PermissionManageRoles

	membersPageSize = 1000
)

// DiscordPlatform implements Platform on top of a discordgo session. Reads
// try the gateway state cache first and fall back to REST.
type DiscordPlatform struct {
	s *discordgo.Session
}

// Ensure DiscordPlatform implements Platform
var _ Platform = (*DiscordPlatform)(nil)

// NewDiscordPlatform wraps an open discordgo session
func NewDiscordPlatform(s *discordgo.Session) *DiscordPlatform {
	return &DiscordPlatform{s: s}
}

// translate maps discordgo failures onto the package's error taxonomy
func translate(op string, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, discordgo.ErrStateNotFound) {
		return fmt.Errorf("%s: %w: %v", op, ErrNotFound, err)
	}

	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		switch restErr.Response.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%s: %w: %v", op, ErrNotFound, err)
		case http.StatusForbidden, http.StatusUnauthorized:
			return fmt.Errorf("%s: %w: %v", op, ErrForbidden, err)
		}
	}

	return fmt.Errorf("%s: %w", op, err)
}

func (p *DiscordPlatform) Guild(ctx context.Context, guildID string) (*Guild, error) {
	g, err := p.s.State.Guild(guildID)
	if err != nil {
		g, err = p.s.Guild(guildID, discordgo.WithContext(ctx))
		if err != nil {
			return nil, translate("get guild", err)
		}
	}
	return &Guild{ID: g.ID, Name: g.Name}, nil
}

// MemberFromDiscord converts a gateway or REST member
func MemberFromDiscord(guildID string, m *discordgo.Member) *Member {
	out := &Member{
		GuildID: guildID,
		RoleIDs: append([]string(nil), m.Roles...),
		Name:    m.Nick,
	}
	if m.User != nil {
		out.UserID = m.User.ID
		out.Bot = m.User.Bot
		if out.Name == "" {
			out.Name = m.User.Username
		}
	}
	return out
}

func (p *DiscordPlatform) Member(ctx context.Context, guildID, userID string) (*Member, error) {
	m, err := p.s.State.Member(guildID, userID)
	if err != nil {
		m, err = p.s.GuildMember(guildID, userID, discordgo.WithContext(ctx))
		if err != nil {
			return nil, translate("get member", err)
		}
	}
	return MemberFromDiscord(guildID, m), nil
}

func (p *DiscordPlatform) Members(ctx context.Context, guildID string) ([]*Member, error) {
	var (
		out   []*Member
		after string
	)

	for {
		page, err := p.s.GuildMembers(guildID, after, membersPageSize, discordgo.WithContext(ctx))
		if err != nil {
			return nil, translate("list members", err)
		}
		for _, m := range page {
			out = append(out, MemberFromDiscord(guildID, m))
		}
		if len(page) < membersPageSize {
			return out, nil
		}
		after = page[len(page)-1].User.ID
	}
}

func (p *DiscordPlatform) Role(ctx context.Context, guildID, roleID string) (*Role, error) {
	if r, err := p.s.State.Role(guildID, roleID); err == nil {
		return &Role{ID: r.ID, GuildID: guildID, Name: r.Name}, nil
	}

	roles, err := p.s.GuildRoles(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, translate("list roles", err)
	}
	for _, r := range roles {
		if r.ID == roleID {
			return &Role{ID: r.ID, GuildID: guildID, Name: r.Name}, nil
		}
	}
	return nil, fmt.Errorf("get role %s: %w", roleID, ErrNotFound)
}

func (p *DiscordPlatform) Channel(ctx context.Context, channelID string) (*Channel, error) {
	c, err := p.s.State.Channel(channelID)
	if err != nil {
		c, err = p.s.Channel(channelID, discordgo.WithContext(ctx))
		if err != nil {
			return nil, translate("get channel", err)
		}
	}
	return &Channel{ID: c.ID, GuildID: c.GuildID, Name: c.Name}, nil
}

func (p *DiscordPlatform) Channels(ctx context.Context, guildID string) ([]*Channel, error) {
	chans, err := p.s.GuildChannels(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, translate("list channels", err)
	}
	out := make([]*Channel, 0, len(chans))
	for _, c := range chans {
		out = append(out, &Channel{ID: c.ID, GuildID: c.GuildID, Name: c.Name})
	}
	return out, nil
}

func (p *DiscordPlatform) CanModerate(ctx context.Context, channelID, userID string) (bool, error) {
	perms, err := p.s.State.UserChannelPermissions(userID, channelID)
	if err != nil {
		perms, err = p.s.UserChannelPermissions(userID, channelID)
		if err != nil {
			return false, translate("resolve permissions", err)
		}
	}
	return perms&moderatorPerms != 0, nil
}

func (p *DiscordPlatform) CreateRole(ctx context.Context, guildID string, spec RoleSpec, reason string) (*Role, error) {
	color := spec.Color
	hoist := spec.Hoist
	perms := spec.Permissions
	r, err := p.s.GuildRoleCreate(guildID, &discordgo.RoleParams{
		Name:        spec.Name,
		Color:       &color,
		Hoist:       &hoist,
		Permissions: &perms,
	}, discordgo.WithContext(ctx), discordgo.WithAuditLogReason(reason))
	if err != nil {
		return nil, translate("create role", err)
	}
	return &Role{ID: r.ID, GuildID: guildID, Name: r.Name}, nil
}

func (p *DiscordPlatform) DeleteRole(ctx context.Context, guildID, roleID, reason string) error {
	err := p.s.GuildRoleDelete(guildID, roleID, discordgo.WithContext(ctx), discordgo.WithAuditLogReason(reason))
	return translate("delete role", err)
}

func (p *DiscordPlatform) AddRole(ctx context.Context, guildID, userID, roleID, reason string) error {
	err := p.s.GuildMemberRoleAdd(guildID, userID, roleID, discordgo.WithContext(ctx), discordgo.WithAuditLogReason(reason))
	return translate("add role", err)
}

func (p *DiscordPlatform) RemoveRole(ctx context.Context, guildID, userID, roleID, reason string) error {
	err := p.s.GuildMemberRoleRemove(guildID, userID, roleID, discordgo.WithContext(ctx), discordgo.WithAuditLogReason(reason))
	return translate("remove role", err)
}

func (p *DiscordPlatform) Kick(ctx context.Context, guildID, userID, reason string) error {
	err := p.s.GuildMemberDeleteWithReason(guildID, userID, reason, discordgo.WithContext(ctx))
	return translate("kick member", err)
}

func (p *DiscordPlatform) SendDirect(ctx context.Context, userID, content string) (string, error) {
	ch, err := p.s.UserChannelCreate(userID, discordgo.WithContext(ctx))
	if err != nil {
		return "", translate("open direct channel", err)
	}
	return p.SendChannel(ctx, ch.ID, content)
}

func (p *DiscordPlatform) SendChannel(ctx context.Context, channelID, content string) (string, error) {
	msg, err := p.s.ChannelMessageSend(channelID, content, discordgo.WithContext(ctx))
	if err != nil {
		return "", translate("send message", err)
	}
	return msg.ID, nil
}

func (p *DiscordPlatform) DenyRoleInChannel(ctx context.Context, channelID, roleID string) error {
	err := p.s.ChannelPermissionSet(channelID, roleID, discordgo.PermissionOverwriteTypeRole, 0, mutedDeny, discordgo.WithContext(ctx))
	return translate("set channel permissions", err)
}

// The @everyone role shares its ID with the guild.
func (p *DiscordPlatform) SetChannelOpen(ctx context.Context, guildID, channelID string, open bool) error {
	if open {
		err := p.s.ChannelPermissionSet(channelID, guildID, discordgo.PermissionOverwriteTypeRole, everyoneReadable, 0, discordgo.WithContext(ctx))
		return translate("open channel", err)
	}
	err := p.s.ChannelPermissionDelete(channelID, guildID, discordgo.WithContext(ctx))
	return translate("close channel", err)
}

func (p *DiscordPlatform) RestrictEveryone(ctx context.Context, guildID string, restricted bool) error {
	everyone, err := p.s.State.Role(guildID, guildID)
	if err != nil {
		return translate("get everyone role", err)
	}

	perms := everyone.Permissions
	if restricted {
		perms &^= everyoneRestricted
	} else {
		perms |= everyoneRestricted
	}

	_, err = p.s.GuildRoleEdit(guildID, guildID, &discordgo.RoleParams{Permissions: &perms}, discordgo.WithContext(ctx))
	return translate("edit everyone role", err)
}
