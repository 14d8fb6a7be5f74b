package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"infinite-experiment/warden/internal/bot"
	"infinite-experiment/warden/internal/common"
	"infinite-experiment/warden/internal/db/repositories"
	"infinite-experiment/warden/internal/guard"
	gormModels "infinite-experiment/warden/internal/models/gorm"
	"infinite-experiment/warden/internal/platform"

	"go.uber.org/zap"
)

const (
	muteRoleName  = "Muted"
	muteRoleColor = 0xe74c3c

	expireCallTimeout = 10 * time.Second
)

// AutoUnmuteNotice is posted to the channel a timed mute was issued in
func AutoUnmuteNotice(userID string) string {
	return fmt.Sprintf("<@%s> was unmuted automatically.", userID)
}

type delayedUnmute struct {
	cancel chan struct{}
	done   chan struct{}
}

// MuteService implements the mute commands and keeps mute records in line
// with role changes made outside the bot.
type MuteService struct {
	platform     platform.Platform
	guard        *guard.LockTable
	cache        *common.GuildConfigCache
	pollInterval time.Duration
	now          func() time.Time
	log          *zap.SugaredLogger

	mu       sync.Mutex
	pending  map[guard.Key]*delayedUnmute
	wg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
}

// NewMuteService creates the service. Mutes no longer than pollInterval are
// lifted in-process instead of being persisted for the scheduler.
func NewMuteService(
	p platform.Platform,
	locks *guard.LockTable,
	cache *common.GuildConfigCache,
	pollInterval time.Duration,
	log *zap.SugaredLogger,
) *MuteService {
	return &MuteService{
		platform:     p,
		guard:        locks,
		cache:        cache,
		pollInterval: pollInterval,
		now:          time.Now,
		log:          log,
		pending:      make(map[guard.Key]*delayedUnmute),
		stop:         make(chan struct{}),
	}
}

// WithClock replaces the time source
func (s *MuteService) WithClock(now func() time.Time) *MuteService {
	s.now = now
	return s
}

// Commands returns the mute command set
func (s *MuteService) Commands() []bot.Command {
	return []bot.Command{
		{
			Name:      "mute",
			Usage:     "mute <member> [duration]",
			Moderator: true,
			Run: func(c *bot.Context, args bot.Args) error {
				if len(args.Fields) == 0 {
					return bot.Usage("Usage: mute <member> [duration]")
				}
				userID, ok := bot.ParseUserID(args.Fields[0])
				if !ok {
					return bot.Usage("%q is not a member mention or ID.", args.Fields[0])
				}
				var duration time.Duration
				if len(args.Fields) > 1 {
					d, err := ParseDuration(strings.Join(args.Fields[1:], " "))
					if err != nil {
						return bot.Usage("Durations look like 90, 10m, 2 hours or 3d.")
					}
					duration = d
				}
				return s.Mute(c, userID, duration)
			},
		},
		{
			Name:      "mute setrole",
			Usage:     "mute setrole <role>",
			Moderator: true,
			Run: func(c *bot.Context, args bot.Args) error {
				if len(args.Fields) != 1 {
					return bot.Usage("Usage: mute setrole <role>")
				}
				roleID, ok := bot.ParseRoleID(args.Fields[0])
				if !ok {
					return bot.Usage("%q is not a role mention or ID.", args.Fields[0])
				}
				return s.SetRole(c, roleID)
			},
		},
		{
			Name:      "unmute",
			Usage:     "unmute <member>",
			Moderator: true,
			Run: func(c *bot.Context, args bot.Args) error {
				if len(args.Fields) != 1 {
					return bot.Usage("Usage: unmute <member>")
				}
				userID, ok := bot.ParseUserID(args.Fields[0])
				if !ok {
					return bot.Usage("%q is not a member mention or ID.", args.Fields[0])
				}
				return s.Unmute(c, userID)
			},
		},
	}
}

// muteRole resolves the guild's mute role through the cache. An empty
// result means muting is not configured.
func (s *MuteService) muteRole(c *bot.Context, guildID string) (string, error) {
	return s.cache.MuteRole(guildID, func() (string, error) {
		tx, err := c.Session()
		if err != nil {
			return "", err
		}
		cfg, err := repositories.NewMuteRepo(tx).GetGuild(c.Context(), guildID)
		if err != nil || cfg == nil {
			return "", err
		}
		return cfg.RoleID, nil
	})
}

func (s *MuteService) invalidateAfter(c *bot.Context, guildID string) {
	c.OnFinalize(func() { s.cache.InvalidateMute(guildID) })
}

// Mute gives the member the mute role. A zero duration mutes indefinitely.
func (s *MuteService) Mute(c *bot.Context, userID string, duration time.Duration) error {
	ctx := c.Context()
	tx, err := c.Session()
	if err != nil {
		return err
	}
	repo := repositories.NewMuteRepo(tx)

	roleID, err := s.ensureRole(c, repo)
	if err != nil {
		return err
	}

	member, err := c.Platform.Member(ctx, c.GuildID, userID)
	if err != nil {
		if platform.Classify(err) == platform.KindNotFound {
			return bot.Usage("I can't find that member.")
		}
		return err
	}
	if member.HasRole(roleID) {
		return bot.Usage("%s is already muted.", member.Name)
	}

	key := guard.Key{UserID: userID, GuildID: c.GuildID}
	c.HoldUntilFinalize(key)

	short := duration > 0 && duration <= s.pollInterval
	if !short {
		if _, err := repo.Delete(ctx, userID, c.GuildID); err != nil {
			return err
		}
		rec := &gormModels.MuteRecord{UserID: userID, GuildID: c.GuildID}
		if duration > 0 {
			until := s.now().UTC().Add(duration)
			rec.MutedUntil = &until
			if c.ChannelID != "" {
				channelID := c.ChannelID
				rec.ChannelID = &channelID
			}
		}
		if err := repo.Create(ctx, rec); err != nil {
			return err
		}
	}

	reason := fmt.Sprintf("Muted by %s", c.AuthorID)
	if err := c.Platform.AddRole(ctx, c.GuildID, userID, roleID, reason); err != nil {
		return fmt.Errorf("failed to add mute role: %w", err)
	}

	if short {
		s.scheduleUnmute(key, roleID, c.ChannelID, duration)
	}

	c.Log.Infow("Muted member", "target_id", userID, "duration", duration, "persisted", !short)

	reply := fmt.Sprintf("Muted %s.", member.Name)
	if duration > 0 {
		reply = fmt.Sprintf("Muted %s for %s.", member.Name, duration)
	}
	return c.Reply(reply)
}

// ensureRole returns the configured mute role, creating and configuring a
// new one when the guild has none or the configured role is gone.
func (s *MuteService) ensureRole(c *bot.Context, repo *repositories.MuteRepo) (string, error) {
	ctx := c.Context()
	cfg, err := repo.GetGuild(ctx, c.GuildID)
	if err != nil {
		return "", err
	}

	if cfg != nil {
		_, err := c.Platform.Role(ctx, c.GuildID, cfg.RoleID)
		if err == nil {
			return cfg.RoleID, nil
		}
		if platform.Classify(err) != platform.KindNotFound {
			return "", err
		}
		c.Log.Infow("Configured mute role is gone, creating a new one", "role_id", cfg.RoleID)
		if _, err := repo.DeleteGuild(ctx, c.GuildID); err != nil {
			return "", err
		}
	}

	role, err := c.Platform.CreateRole(ctx, c.GuildID, platform.RoleSpec{
		Name:  muteRoleName,
		Color: muteRoleColor,
		Hoist: true,
	}, "Mute role")
	if err != nil {
		return "", fmt.Errorf("failed to create mute role: %w", err)
	}

	if err := s.denyEverywhere(c, role.ID); err != nil {
		if delErr := c.Platform.DeleteRole(ctx, c.GuildID, role.ID, "Mute role setup failed"); delErr != nil {
			c.Log.Warnw("Failed to clean up mute role", "role_id", role.ID, "error", delErr)
		}
		return "", err
	}

	if err := repo.SaveGuild(ctx, c.GuildID, role.ID); err != nil {
		return "", err
	}
	s.invalidateAfter(c, c.GuildID)

	c.Log.Infow("Created mute role", "role_id", role.ID)
	return role.ID, nil
}

func (s *MuteService) denyEverywhere(c *bot.Context, roleID string) error {
	channels, err := c.Platform.Channels(c.Context(), c.GuildID)
	if err != nil {
		return fmt.Errorf("failed to list channels: %w", err)
	}
	for _, ch := range channels {
		if err := c.Platform.DenyRoleInChannel(c.Context(), ch.ID, roleID); err != nil {
			return fmt.Errorf("failed to restrict mute role in %s: %w", ch.ID, err)
		}
	}
	return nil
}

// Unmute lifts a mute before it runs out
func (s *MuteService) Unmute(c *bot.Context, userID string) error {
	ctx := c.Context()
	tx, err := c.Session()
	if err != nil {
		return err
	}
	repo := repositories.NewMuteRepo(tx)

	cfg, err := repo.GetGuild(ctx, c.GuildID)
	if err != nil {
		return err
	}
	if cfg == nil {
		return bot.NotConfigured("Muting is not set up on this server.")
	}

	key := guard.Key{UserID: userID, GuildID: c.GuildID}
	s.cancelDelayed(key)
	if !c.TryHoldUntilFinalize(key) {
		return bot.Usage("That member is being unmuted already.")
	}

	member, err := c.Platform.Member(ctx, c.GuildID, userID)
	if err != nil {
		if platform.Classify(err) != platform.KindNotFound {
			return err
		}
		if _, err := repo.Delete(ctx, userID, c.GuildID); err != nil {
			return err
		}
		return c.Reply("That member is not on this server; their mute has been lifted.")
	}

	if !member.HasRole(cfg.RoleID) {
		if _, err := repo.Delete(ctx, userID, c.GuildID); err != nil {
			return err
		}
		return c.Reply(fmt.Sprintf("%s is not muted.", member.Name))
	}

	reason := fmt.Sprintf("Unmuted by %s", c.AuthorID)
	if err := c.Platform.RemoveRole(ctx, c.GuildID, userID, cfg.RoleID, reason); err != nil {
		return fmt.Errorf("failed to remove mute role: %w", err)
	}
	if _, err := repo.Delete(ctx, userID, c.GuildID); err != nil {
		return err
	}

	c.Log.Infow("Unmuted member", "target_id", userID)
	return c.Reply(fmt.Sprintf("Unmuted %s.", member.Name))
}

// SetRole points the guild at an existing role and rebuilds the records
// from the members currently carrying it.
func (s *MuteService) SetRole(c *bot.Context, roleID string) error {
	ctx := c.Context()

	role, err := c.Platform.Role(ctx, c.GuildID, roleID)
	if err != nil {
		if platform.Classify(err) == platform.KindNotFound {
			return bot.Usage("That role does not exist on this server.")
		}
		return err
	}

	members, err := c.Platform.Members(ctx, c.GuildID)
	if err != nil {
		return fmt.Errorf("failed to list members: %w", err)
	}
	var holders []string
	for _, m := range members {
		if m.HasRole(roleID) {
			holders = append(holders, m.UserID)
		}
	}

	tx, err := c.Session()
	if err != nil {
		return err
	}
	repo := repositories.NewMuteRepo(tx)

	if err := repo.SaveGuild(ctx, c.GuildID, roleID); err != nil {
		return err
	}
	removed, err := repo.DeleteExceptUsers(ctx, c.GuildID, holders)
	if err != nil {
		return err
	}
	added, err := repo.EnsureInfinite(ctx, c.GuildID, holders)
	if err != nil {
		return err
	}
	s.invalidateAfter(c, c.GuildID)

	c.Log.Infow("Mute role set", "role_id", roleID, "records_removed", removed, "records_added", added)
	return c.Reply(fmt.Sprintf("Mute role set to %s; %d muted member(s) tracked.", role.Name, len(holders)))
}

// OnMemberUpdate records mutes and unmutes made by hand in the platform's UI
func (s *MuteService) OnMemberUpdate(c *bot.Context, m *platform.Member) error {
	if s.guard.IsLocked(guard.Key{UserID: m.UserID, GuildID: m.GuildID}) {
		return nil
	}

	roleID, err := s.muteRole(c, m.GuildID)
	if err != nil || roleID == "" {
		return err
	}

	tx, err := c.Session()
	if err != nil {
		return err
	}
	repo := repositories.NewMuteRepo(tx)
	ctx := c.Context()

	rec, err := repo.Get(ctx, m.UserID, m.GuildID)
	if err != nil {
		return err
	}

	switch {
	case m.HasRole(roleID) && rec == nil:
		c.Log.Infow("Mute role added externally, tracking indefinite mute")
		return repo.Create(ctx, &gormModels.MuteRecord{UserID: m.UserID, GuildID: m.GuildID})
	case !m.HasRole(roleID) && rec != nil:
		c.Log.Infow("Mute role removed externally, dropping record")
		_, err := repo.Delete(ctx, m.UserID, m.GuildID)
		return err
	}
	return nil
}

// OnMemberJoin re-applies a mute that is still running, so leaving and
// rejoining does not evade it.
func (s *MuteService) OnMemberJoin(c *bot.Context, m *platform.Member) error {
	roleID, err := s.muteRole(c, m.GuildID)
	if err != nil || roleID == "" {
		return err
	}

	tx, err := c.Session()
	if err != nil {
		return err
	}
	repo := repositories.NewMuteRepo(tx)
	ctx := c.Context()

	rec, err := repo.Get(ctx, m.UserID, m.GuildID)
	if err != nil || rec == nil {
		return err
	}
	if rec.ExpiredAt(s.now()) {
		_, err := repo.Delete(ctx, m.UserID, m.GuildID)
		return err
	}

	c.HoldUntilFinalize(guard.Key{UserID: m.UserID, GuildID: m.GuildID})
	if err := c.Platform.AddRole(ctx, m.GuildID, m.UserID, roleID, "Mute still active after rejoin"); err != nil {
		return fmt.Errorf("failed to re-apply mute: %w", err)
	}
	c.Log.Infow("Re-applied mute on rejoin", "muted_until", rec.MutedUntil)
	return nil
}

// OnMemberLeave forgets mutes that ran out while the member was present.
// Running mutes stay so that OnMemberJoin can re-apply them.
func (s *MuteService) OnMemberLeave(c *bot.Context, guildID, userID string) error {
	tx, err := c.Session()
	if err != nil {
		return err
	}
	repo := repositories.NewMuteRepo(tx)

	rec, err := repo.Get(c.Context(), userID, guildID)
	if err != nil || rec == nil {
		return err
	}
	if rec.ExpiredAt(s.now()) {
		_, err := repo.Delete(c.Context(), userID, guildID)
		return err
	}
	return nil
}

// OnRoleDelete drops the configuration of a deleted mute role; its records
// go with it through the cascade.
func (s *MuteService) OnRoleDelete(c *bot.Context, guildID, roleID string) error {
	tx, err := c.Session()
	if err != nil {
		return err
	}

	n, err := repositories.NewMuteRepo(tx).DeleteGuildByRole(c.Context(), roleID)
	if err != nil {
		return err
	}
	if n > 0 {
		c.Log.Infow("Mute role deleted, configuration removed", "role_id", roleID)
		s.invalidateAfter(c, guildID)
	}
	return nil
}

// OnChannelCreate applies the mute role's restrictions to new channels
func (s *MuteService) OnChannelCreate(c *bot.Context, ch *platform.Channel) error {
	roleID, err := s.muteRole(c, ch.GuildID)
	if err != nil || roleID == "" {
		return err
	}

	err = c.Platform.DenyRoleInChannel(c.Context(), ch.ID, roleID)
	if platform.Classify(err) == platform.KindForbidden {
		c.Log.Warnw("Not allowed to restrict mute role in new channel", "channel_id", ch.ID)
		return nil
	}
	return err
}

// scheduleUnmute lifts a short mute after the given delay. The member stays
// held until then so that the role change is not mistaken for a manual mute.
func (s *MuteService) scheduleUnmute(key guard.Key, roleID, channelID string, after time.Duration) {
	release := s.guard.Hold(key)
	d := &delayedUnmute{cancel: make(chan struct{}), done: make(chan struct{})}

	s.mu.Lock()
	s.pending[key] = d
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(d.done)
		defer release()
		defer s.forget(key, d)

		timer := time.NewTimer(after)
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-s.stop:
		case <-d.cancel:
			return
		}
		s.expire(key, roleID, channelID)
	}()
}

func (s *MuteService) forget(key guard.Key, d *delayedUnmute) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending[key] == d {
		delete(s.pending, key)
	}
}

// cancelDelayed stops a pending short unmute and waits until it has let go
// of the member.
func (s *MuteService) cancelDelayed(key guard.Key) {
	s.mu.Lock()
	d, ok := s.pending[key]
	if ok {
		delete(s.pending, key)
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	close(d.cancel)
	<-d.done
}

func (s *MuteService) expire(key guard.Key, roleID, channelID string) {
	ctx, cancel := context.WithTimeout(context.Background(), expireCallTimeout)
	defer cancel()

	log := s.log.With("guild_id", key.GuildID, "user_id", key.UserID)

	err := s.platform.RemoveRole(ctx, key.GuildID, key.UserID, roleID, "Mute expired")
	switch platform.Classify(err) {
	case platform.KindNone:
		log.Infow("Short mute expired")
		if channelID != "" {
			if _, err := s.platform.SendChannel(ctx, channelID, AutoUnmuteNotice(key.UserID)); err != nil {
				log.Warnw("Failed to announce unmute", "error", err)
			}
		}
	case platform.KindNotFound:
		log.Debugw("Member or role gone before short mute expired", "error", err)
	case platform.KindForbidden:
		log.Warnw("Not allowed to lift short mute", "error", err)
	default:
		log.Errorw("Failed to lift short mute", "error", err)
	}
}

// Shutdown lifts every pending short mute now and waits for them, bounded
// by ctx.
func (s *MuteService) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
