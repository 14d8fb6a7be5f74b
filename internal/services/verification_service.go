package services

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"infinite-experiment/warden/internal/bot"
	"infinite-experiment/warden/internal/common"
	"infinite-experiment/warden/internal/db/repositories"
	"infinite-experiment/warden/internal/guard"
	gormModels "infinite-experiment/warden/internal/models/gorm"
	"infinite-experiment/warden/internal/platform"

	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

const (
	memberRoleName = "Member"

	defaultWelcomeMessage  = "Welcome! Please read the rules before you start chatting."
	defaultResponseMessage = "I have read the rules"

	msgVerificationDisabled = "Newbie verification is not enabled on this server. Please enable it first."
)

func retentionNotice(guildName string) string {
	return fmt.Sprintf("Please note that by staying on %q, you agree that this bot stores your user ID "+
		"for identification purposes.\nIt will be deleted once you confirm the above message or leave the server.",
		guildName)
}

func promptMessage(cfg *gormModels.VerificationGuild, guildName string) string {
	return fmt.Sprintf("%s\nPlease reply with the following message to be granted access to %q.\n```%s```",
		cfg.WelcomeMessage, guildName, cfg.ResponseMessage)
}

// VerificationService gates new members behind a confirmation message sent
// by direct message.
type VerificationService struct {
	cache   *common.GuildConfigCache
	limiter *rate.Limiter
	now     func() time.Time
}

// NewVerificationService creates the service. limiter paces bulk role
// grants and prompts.
func NewVerificationService(
	cache *common.GuildConfigCache,
	limiter *rate.Limiter,
) *VerificationService {
	return &VerificationService{
		cache:   cache,
		limiter: limiter,
		now:     time.Now,
	}
}

// WithClock replaces the time source
func (s *VerificationService) WithClock(now func() time.Time) *VerificationService {
	s.now = now
	return s
}

// Commands returns the newbie command group
func (s *VerificationService) Commands() []bot.Command {
	channelArg := func(c *bot.Context, args bot.Args) (string, error) {
		if len(args.Fields) == 0 {
			return c.ChannelID, nil
		}
		id, ok := bot.ParseChannelID(args.Fields[0])
		if !ok {
			return "", bot.Usage("%q is not a channel mention or ID.", args.Fields[0])
		}
		return id, nil
	}

	return []bot.Command{
		{
			Name:      "newbie enable",
			Usage:     "newbie enable [channel...]",
			Moderator: true,
			Run: func(c *bot.Context, args bot.Args) error {
				var channelIDs []string
				for _, f := range args.Fields {
					id, ok := bot.ParseChannelID(f)
					if !ok {
						return bot.Usage("%q is not a channel mention or ID.", f)
					}
					channelIDs = append(channelIDs, id)
				}
				return s.Enable(c, channelIDs)
			},
		},
		{
			Name:      "newbie disable",
			Usage:     "newbie disable",
			Moderator: true,
			Run: func(c *bot.Context, _ bot.Args) error {
				return s.Disable(c)
			},
		},
		{
			Name:      "newbie timeout",
			Usage:     "newbie timeout [hours]",
			Moderator: true,
			Run: func(c *bot.Context, args bot.Args) error {
				hours := 0
				if len(args.Fields) > 0 {
					h, err := strconv.Atoi(args.Fields[0])
					if err != nil {
						return bot.Usage("The timeout must be a whole number of hours.")
					}
					hours = h
				}
				return s.SetTimeout(c, hours)
			},
		},
		{
			Name:      "newbie welcome-message",
			Usage:     "newbie welcome-message <text>",
			Moderator: true,
			Run: func(c *bot.Context, args bot.Args) error {
				return s.SetWelcomeMessage(c, args.Text)
			},
		},
		{
			Name:      "newbie response-message",
			Usage:     "newbie response-message <text>",
			Moderator: true,
			Run: func(c *bot.Context, args bot.Args) error {
				return s.SetResponseMessage(c, args.Text)
			},
		},
		{
			Name:      "newbie channels add",
			Usage:     "newbie channels add [channel]",
			Moderator: true,
			Run: func(c *bot.Context, args bot.Args) error {
				id, err := channelArg(c, args)
				if err != nil {
					return err
				}
				return s.AddChannel(c, id)
			},
		},
		{
			Name:      "newbie channels remove",
			Usage:     "newbie channels remove [channel]",
			Moderator: true,
			Run: func(c *bot.Context, args bot.Args) error {
				id, err := channelArg(c, args)
				if err != nil {
					return err
				}
				return s.RemoveChannel(c, id)
			},
		},
		{
			Name:      "newbie channels list",
			Usage:     "newbie channels list",
			Moderator: true,
			Run: func(c *bot.Context, _ bot.Args) error {
				return s.ListChannels(c)
			},
		},
	}
}

func (s *VerificationService) repo(c *bot.Context) (*repositories.VerificationRepo, error) {
	tx, err := c.Session()
	if err != nil {
		return nil, err
	}
	return repositories.NewVerificationRepo(tx), nil
}

// verificationStore runs fn against a repository bound to some session
type verificationStore func(fn func(repo *repositories.VerificationRepo) error) error

// dispatchStore uses the invocation's own session
func (s *VerificationService) dispatchStore(c *bot.Context) verificationStore {
	return func(fn func(repo *repositories.VerificationRepo) error) error {
		repo, err := s.repo(c)
		if err != nil {
			return err
		}
		return fn(repo)
	}
}

// scopedStore opens a short session per call
func scopedStore(c *bot.Context) verificationStore {
	return func(fn func(repo *repositories.VerificationRepo) error) error {
		return c.Scope(func(tx *gorm.DB) error {
			return fn(repositories.NewVerificationRepo(tx))
		})
	}
}

// requireGuild loads the invoking guild's configuration or fails with
// KindNotConfigured.
func (s *VerificationService) requireGuild(c *bot.Context, repo *repositories.VerificationRepo) (*gormModels.VerificationGuild, error) {
	cfg, err := repo.GetGuild(c.Context(), c.GuildID)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, bot.NotConfigured(msgVerificationDisabled)
	}
	return cfg, nil
}

func (s *VerificationService) memberRole(c *bot.Context, guildID string) (string, error) {
	return s.cache.VerificationRole(guildID, func() (string, error) {
		repo, err := s.repo(c)
		if err != nil {
			return "", err
		}
		cfg, err := repo.GetGuild(c.Context(), guildID)
		if err != nil || cfg == nil {
			return "", err
		}
		return cfg.RoleID, nil
	})
}

func (s *VerificationService) invalidateAfter(c *bot.Context, guildID string) {
	c.OnFinalize(func() { s.cache.InvalidateVerification(guildID) })
}

// Enable creates the member role, grants it to everyone already present and
// takes read and send access away from @everyone.
func (s *VerificationService) Enable(c *bot.Context, channelIDs []string) error {
	ctx := c.Context()

	// The role grants below are paced, so the invocation's session is only
	// opened once they are done.
	var existing *gormModels.VerificationGuild
	err := scopedStore(c)(func(repo *repositories.VerificationRepo) error {
		var err error
		existing, err = repo.GetGuild(ctx, c.GuildID)
		return err
	})
	if err != nil {
		return err
	}
	if existing != nil {
		return bot.Usage("Newbie verification is already enabled on this server.")
	}

	role, err := c.Platform.CreateRole(ctx, c.GuildID, platform.RoleSpec{
		Name:        memberRoleName,
		Permissions: platform.MemberRolePermissions,
	}, "Newbie verification enabled")
	if err != nil {
		return fmt.Errorf("failed to create member role: %w", err)
	}

	members, err := c.Platform.Members(ctx, c.GuildID)
	if err != nil {
		return fmt.Errorf("failed to list members: %w", err)
	}
	for _, m := range members {
		if m.HasRole(role.ID) {
			continue
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := c.Platform.AddRole(ctx, c.GuildID, m.UserID, role.ID, "Existing member"); err != nil {
			return fmt.Errorf("failed to grant member role to %s: %w", m.UserID, err)
		}
	}

	if err := c.Platform.RestrictEveryone(ctx, c.GuildID, true); err != nil {
		return fmt.Errorf("failed to restrict @everyone: %w", err)
	}

	repo, err := s.repo(c)
	if err != nil {
		return err
	}
	cfg := &gormModels.VerificationGuild{
		GuildID:         c.GuildID,
		RoleID:          role.ID,
		WelcomeMessage:  defaultWelcomeMessage,
		ResponseMessage: defaultResponseMessage,
	}
	if err := repo.SaveGuild(ctx, cfg); err != nil {
		return err
	}

	for _, id := range channelIDs {
		if err := s.openChannel(c, repo, id); err != nil {
			return err
		}
	}
	s.invalidateAfter(c, c.GuildID)

	c.Log.Infow("Enabled newbie verification", "role_id", role.ID, "members", len(members))
	return c.Reply("Newbie verification is now enabled for this server.")
}

// Disable restores @everyone, deletes the member role and forgets the
// guild's configuration with all pending records.
func (s *VerificationService) Disable(c *bot.Context) error {
	ctx := c.Context()
	repo, err := s.repo(c)
	if err != nil {
		return err
	}
	cfg, err := s.requireGuild(c, repo)
	if err != nil {
		return err
	}

	_, err = c.Platform.Role(ctx, c.GuildID, cfg.RoleID)
	roleGone := platform.Classify(err) == platform.KindNotFound
	if err != nil && !roleGone {
		return err
	}

	if err := c.Platform.RestrictEveryone(ctx, c.GuildID, false); err != nil {
		return fmt.Errorf("failed to restore @everyone: %w", err)
	}
	if !roleGone {
		if err := c.Platform.DeleteRole(ctx, c.GuildID, cfg.RoleID, "Newbie verification disabled"); err != nil {
			return fmt.Errorf("failed to delete member role: %w", err)
		}
	}

	channels, err := repo.ListChannels(ctx, c.GuildID)
	if err != nil {
		return err
	}
	for _, ch := range channels {
		err := c.Platform.SetChannelOpen(ctx, c.GuildID, ch.ChannelID, false)
		if err != nil && platform.Classify(err) != platform.KindNotFound {
			return fmt.Errorf("failed to close channel %s: %w", ch.ChannelID, err)
		}
	}

	if _, err := repo.DeleteGuild(ctx, c.GuildID); err != nil {
		return err
	}
	s.invalidateAfter(c, c.GuildID)

	c.Log.Infow("Disabled newbie verification")
	return c.Reply("Newbie verification is now disabled for this server.")
}

// SetTimeout sets how many hours unverified members may stay. Zero or less
// turns kicking off.
func (s *VerificationService) SetTimeout(c *bot.Context, hours int) error {
	repo, err := s.repo(c)
	if err != nil {
		return err
	}
	cfg, err := s.requireGuild(c, repo)
	if err != nil {
		return err
	}

	if hours > 0 {
		secs := int64(hours) * int64(time.Hour/time.Second)
		cfg.TimeoutSeconds = &secs
	} else {
		hours = 0
		cfg.TimeoutSeconds = nil
	}
	if err := repo.SaveGuild(c.Context(), cfg); err != nil {
		return err
	}

	c.Log.Infow("Changed verification timeout", "hours", hours)
	if hours == 0 {
		return c.Reply("Unverified members will no longer be kicked.")
	}
	return c.Reply(fmt.Sprintf("Unverified members will be kicked after %d hour(s).", hours))
}

func (s *VerificationService) SetWelcomeMessage(c *bot.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return bot.Usage("Usage: newbie welcome-message <text>")
	}
	repo, err := s.repo(c)
	if err != nil {
		return err
	}
	cfg, err := s.requireGuild(c, repo)
	if err != nil {
		return err
	}

	cfg.WelcomeMessage = text
	if err := repo.SaveGuild(c.Context(), cfg); err != nil {
		return err
	}
	return c.Reply("Welcome message updated.")
}

func (s *VerificationService) SetResponseMessage(c *bot.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return bot.Usage("Usage: newbie response-message <text>")
	}
	repo, err := s.repo(c)
	if err != nil {
		return err
	}
	cfg, err := s.requireGuild(c, repo)
	if err != nil {
		return err
	}

	cfg.ResponseMessage = text
	if err := repo.SaveGuild(c.Context(), cfg); err != nil {
		return err
	}
	return c.Reply("Response message updated.")
}

// openChannel makes a channel of the invoking guild readable for unverified
// members and remembers it.
func (s *VerificationService) openChannel(c *bot.Context, repo *repositories.VerificationRepo, channelID string) error {
	ctx := c.Context()

	ch, err := c.Platform.Channel(ctx, channelID)
	if err != nil {
		if platform.Classify(err) == platform.KindNotFound {
			return bot.Usage("I can't find channel %s.", channelID)
		}
		return err
	}
	if ch.GuildID != c.GuildID {
		return bot.Usage("That channel is not on this server.")
	}

	existing, err := repo.GetChannel(ctx, channelID)
	if err != nil {
		return err
	}
	if existing != nil {
		return bot.Usage("#%s is already visible to unverified members.", ch.Name)
	}

	if err := c.Platform.SetChannelOpen(ctx, c.GuildID, channelID, true); err != nil {
		return fmt.Errorf("failed to open channel %s: %w", channelID, err)
	}
	return repo.AddChannel(ctx, c.GuildID, channelID)
}

func (s *VerificationService) AddChannel(c *bot.Context, channelID string) error {
	repo, err := s.repo(c)
	if err != nil {
		return err
	}
	if _, err := s.requireGuild(c, repo); err != nil {
		return err
	}
	if err := s.openChannel(c, repo, channelID); err != nil {
		return err
	}
	return c.Reply(fmt.Sprintf("<#%s> is now visible to unverified members.", channelID))
}

func (s *VerificationService) RemoveChannel(c *bot.Context, channelID string) error {
	ctx := c.Context()
	repo, err := s.repo(c)
	if err != nil {
		return err
	}
	if _, err := s.requireGuild(c, repo); err != nil {
		return err
	}

	existing, err := repo.GetChannel(ctx, channelID)
	if err != nil {
		return err
	}
	if existing == nil || existing.GuildID != c.GuildID {
		return bot.Usage("That channel is not visible to unverified members.")
	}

	err = c.Platform.SetChannelOpen(ctx, c.GuildID, channelID, false)
	if err != nil && platform.Classify(err) != platform.KindNotFound {
		return fmt.Errorf("failed to close channel %s: %w", channelID, err)
	}
	if _, err := repo.DeleteChannel(ctx, channelID); err != nil {
		return err
	}
	return c.Reply(fmt.Sprintf("<#%s> is no longer visible to unverified members.", channelID))
}

func (s *VerificationService) ListChannels(c *bot.Context) error {
	ctx := c.Context()
	repo, err := s.repo(c)
	if err != nil {
		return err
	}
	if _, err := s.requireGuild(c, repo); err != nil {
		return err
	}

	channels, err := repo.ListChannels(ctx, c.GuildID)
	if err != nil {
		return err
	}

	var b strings.Builder
	b.WriteString("Channels visible to unverified members:\n")
	for _, ch := range channels {
		pch, err := c.Platform.Channel(ctx, ch.ChannelID)
		if err != nil {
			continue
		}
		fmt.Fprintf(&b, "#%s\n", pch.Name)
	}
	return c.Reply(b.String())
}

// enrol prompts a member and records the prompt. The record's clock starts
// when the prompt was delivered, not when the member joined.
func (s *VerificationService) enrol(c *bot.Context, store verificationStore, cfg *gormModels.VerificationGuild, m *platform.Member) error {
	ctx := c.Context()

	var existing *gormModels.VerificationRecord
	err := store(func(repo *repositories.VerificationRepo) error {
		var err error
		existing, err = repo.Get(ctx, m.UserID, cfg.GuildID)
		return err
	})
	if err != nil || existing != nil {
		return err
	}

	guild, err := c.Platform.Guild(ctx, cfg.GuildID)
	if err != nil {
		return err
	}

	msgID, err := c.Platform.SendDirect(ctx, m.UserID, promptMessage(cfg, guild.Name))
	if err != nil {
		c.Log.Warnw("Cannot prompt member for verification", "target_id", m.UserID, "error", err)
		return nil
	}

	rec := &gormModels.VerificationRecord{
		UserID:          m.UserID,
		GuildID:         cfg.GuildID,
		PromptMessageID: msgID,
		JoinedAt:        s.now().UTC(),
	}
	if err := store(func(repo *repositories.VerificationRepo) error {
		return repo.Create(ctx, rec)
	}); err != nil {
		return err
	}
	c.Log.Infow("Prompted member for verification", "target_id", m.UserID)

	if _, err := c.Platform.SendDirect(ctx, m.UserID, retentionNotice(guild.Name)); err != nil {
		c.Log.Debugw("Failed to send retention notice", "target_id", m.UserID, "error", err)
	}
	return nil
}

// OnMemberJoin prompts new members. Bots were added by staff and get the
// member role straight away.
func (s *VerificationService) OnMemberJoin(c *bot.Context, m *platform.Member) error {
	roleID, err := s.memberRole(c, m.GuildID)
	if err != nil || roleID == "" {
		return err
	}

	if m.Bot {
		err := c.Platform.AddRole(c.Context(), m.GuildID, m.UserID, roleID, "Bot account")
		if platform.Classify(err) == platform.KindNotFound {
			return nil
		}
		return err
	}

	repo, err := s.repo(c)
	if err != nil {
		return err
	}
	cfg, err := repo.GetGuild(c.Context(), m.GuildID)
	if err != nil || cfg == nil {
		return err
	}
	return s.enrol(c, s.dispatchStore(c), cfg, m)
}

// OnMemberLeave forgets the member's pending record
func (s *VerificationService) OnMemberLeave(c *bot.Context, guildID, userID string) error {
	repo, err := s.repo(c)
	if err != nil {
		return err
	}
	_, err = repo.Delete(c.Context(), userID, guildID)
	return err
}

// OnMemberUpdate drops the pending record once staff grant the role by hand
func (s *VerificationService) OnMemberUpdate(c *bot.Context, m *platform.Member) error {
	roleID, err := s.memberRole(c, m.GuildID)
	if err != nil || roleID == "" || !m.HasRole(roleID) {
		return err
	}

	repo, err := s.repo(c)
	if err != nil {
		return err
	}
	n, err := repo.Delete(c.Context(), m.UserID, m.GuildID)
	if err != nil {
		return err
	}
	if n > 0 {
		c.Log.Infow("Member role granted externally, verification closed")
	}
	return nil
}

// OnRoleDelete drops the configuration of a deleted member role
func (s *VerificationService) OnRoleDelete(c *bot.Context, guildID, roleID string) error {
	repo, err := s.repo(c)
	if err != nil {
		return err
	}
	n, err := repo.DeleteGuildByRole(c.Context(), roleID)
	if err != nil {
		return err
	}
	if n > 0 {
		c.Log.Infow("Member role deleted, verification configuration removed", "role_id", roleID)
		s.invalidateAfter(c, guildID)
	}
	return nil
}

// OnDirectMessage checks a confirmation against every guild the author is
// pending in.
func (s *VerificationService) OnDirectMessage(c *bot.Context, content string) error {
	ctx := c.Context()
	repo, err := s.repo(c)
	if err != nil {
		return err
	}

	recs, err := repo.ListByUser(ctx, c.AuthorID)
	if err != nil {
		return err
	}

	answer := strings.TrimSpace(content)
	for i := range recs {
		rec := &recs[i]
		cfg := rec.Guild
		if cfg == nil {
			continue
		}
		log := c.Log.With("guild_id", rec.GuildID)

		guild, err := c.Platform.Guild(ctx, rec.GuildID)
		if err != nil {
			log.Debugw("Guild unavailable, skipping pending verification", "error", err)
			continue
		}

		if _, err := c.Platform.Member(ctx, rec.GuildID, rec.UserID); err != nil {
			if platform.Classify(err) == platform.KindNotFound {
				if _, err := repo.Delete(ctx, rec.UserID, rec.GuildID); err != nil {
					return err
				}
			}
			continue
		}

		key := guard.Key{UserID: rec.UserID, GuildID: rec.GuildID}

		if !c.TryHoldUntilFinalize(key) {
			log.Debugw("Member is being processed elsewhere, skipping")
			continue
		}

		if rec.TimedOutAt(s.now(), cfg.Timeout()) {
			if err := c.Platform.Kick(ctx, rec.GuildID, rec.UserID, "Verification timed out"); err != nil {
				log.Warnw("Failed to kick member whose verification timed out", "error", err)
			}
			if _, err := repo.Delete(ctx, rec.UserID, rec.GuildID); err != nil {
				return err
			}
			continue
		}

		if !strings.EqualFold(answer, strings.TrimSpace(cfg.ResponseMessage)) {
			continue
		}

		if err := c.Platform.AddRole(ctx, rec.GuildID, rec.UserID, cfg.RoleID, "Verified"); err != nil {
			log.Warnw("Failed to grant member role", "error", err)
			continue
		}
		if _, err := repo.Delete(ctx, rec.UserID, rec.GuildID); err != nil {
			return err
		}
		log.Infow("Member verified")

		if err := c.Reply(fmt.Sprintf("Welcome to %s", guild.Name)); err != nil {
			log.Debugw("Failed to send welcome", "error", err)
		}
	}
	return nil
}

// OnReady prompts members who lack the member role, e.g. those who joined
// while the bot was offline.
func (s *VerificationService) OnReady(c *bot.Context) error {
	ctx := c.Context()
	store := scopedStore(c)

	// Every member gets its own short session; a failed insert only loses
	// that member's record.
	var guilds []gormModels.VerificationGuild
	err := store(func(repo *repositories.VerificationRepo) error {
		var err error
		guilds, err = repo.ListGuilds(ctx)
		return err
	})
	if err != nil {
		return err
	}

	for i := range guilds {
		cfg := &guilds[i]
		log := c.Log.With("guild_id", cfg.GuildID)

		if _, err := c.Platform.Role(ctx, cfg.GuildID, cfg.RoleID); err != nil {
			log.Debugw("Member role unavailable, skipping enrolment", "error", err)
			continue
		}
		members, err := c.Platform.Members(ctx, cfg.GuildID)
		if err != nil {
			log.Warnw("Failed to list members for enrolment", "error", err)
			continue
		}

		for _, m := range members {
			if m.Bot || m.HasRole(cfg.RoleID) {
				continue
			}
			if err := s.limiter.Wait(ctx); err != nil {
				return err
			}
			if err := s.enrol(c, store, cfg, m); err != nil {
				log.Warnw("Failed to enrol member", "target_id", m.UserID, "error", err)
			}
		}
	}
	return nil
}
