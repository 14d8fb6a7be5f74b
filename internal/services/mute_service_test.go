package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"infinite-experiment/warden/internal/db/repositories"
	"infinite-experiment/warden/internal/guard"
	gormModels "infinite-experiment/warden/internal/models/gorm"
	"infinite-experiment/warden/internal/platform"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const muteRoleID = "501"

func (h *harness) configureMute(t *testing.T) {
	t.Helper()
	h.fake.AddRoleDef(guildID, muteRoleID, "Muted")
	require.NoError(t, repositories.NewMuteRepo(h.db).SaveGuild(context.Background(), guildID, muteRoleID))
}

func (h *harness) muteRecord(t *testing.T, userID string) *gormModels.MuteRecord {
	t.Helper()
	rec, err := repositories.NewMuteRepo(h.db).Get(context.Background(), userID, guildID)
	require.NoError(t, err)
	return rec
}

func (h *harness) seedMute(t *testing.T, userID string, until *time.Time) {
	t.Helper()
	require.NoError(t, repositories.NewMuteRepo(h.db).Create(context.Background(), &gormModels.MuteRecord{
		UserID:     userID,
		GuildID:    guildID,
		MutedUntil: until,
	}))
}

func TestMute_CreatesRoleOnFirstUse(t *testing.T) {
	h := newHarness(t, 30*time.Second)
	h.fake.AddMember(guildID, "101", false)

	h.command("!mute <@101>")

	roleID := h.createdRole()
	require.NotEmpty(t, roleID)
	assert.Equal(t, 2, h.fake.CallCount("DenyRoleInChannel"))
	assert.True(t, h.fake.MemberHasRole(guildID, "101", roleID))

	cfg, err := repositories.NewMuteRepo(h.db).GetGuild(context.Background(), guildID)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, roleID, cfg.RoleID)

	rec := h.muteRecord(t, "101")
	require.NotNil(t, rec)
	assert.True(t, rec.IsInfinite())
	assert.Nil(t, rec.ChannelID)
	assert.Equal(t, "Muted user-101.", h.lastReply(channelID))
	assert.Zero(t, h.locks.Len())
}

func TestMute_TimedMuteIsPersisted(t *testing.T) {
	h := newHarness(t, 30*time.Second)
	h.configureMute(t)
	h.fake.AddMember(guildID, "101", false)

	h.command("!mute <@101> 10 minutes")

	rec := h.muteRecord(t, "101")
	require.NotNil(t, rec)
	require.NotNil(t, rec.MutedUntil)
	assert.WithinDuration(t, h.clock.Now().Add(10*time.Minute), *rec.MutedUntil, time.Second)
	require.NotNil(t, rec.ChannelID)
	assert.Equal(t, channelID, *rec.ChannelID)
	assert.True(t, h.fake.MemberHasRole(guildID, "101", muteRoleID))
	assert.Equal(t, "Muted user-101 for 10m0s.", h.lastReply(channelID))
}

func TestMute_ShortMuteBypassesStore(t *testing.T) {
	h := newHarness(t, time.Hour)
	h.configureMute(t)
	h.fake.AddMember(guildID, "101", false)

	h.command("!mute <@101> 10m")

	assert.True(t, h.fake.MemberHasRole(guildID, "101", muteRoleID))
	assert.Nil(t, h.muteRecord(t, "101"))
	assert.True(t, h.locks.IsLocked(guard.Key{UserID: "101", GuildID: guildID}))

	// Shutdown lifts pending short mutes immediately
	require.NoError(t, h.mute.Shutdown(context.Background()))

	assert.False(t, h.fake.MemberHasRole(guildID, "101", muteRoleID))
	assert.Equal(t, AutoUnmuteNotice("101"), h.lastReply(channelID))
	assert.Zero(t, h.locks.Len())
}

func TestMute_ShortMuteExpiresOnItsOwn(t *testing.T) {
	h := newHarness(t, time.Hour)
	h.configureMute(t)
	h.fake.AddMember(guildID, "101", false)

	h.command("!mute <@101> 1")

	assert.Eventually(t, func() bool {
		return !h.fake.MemberHasRole(guildID, "101", muteRoleID) && h.locks.Len() == 0
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 1, h.fake.CallCount("RemoveRole"))
}

func TestMute_RejectsAlreadyMutedMember(t *testing.T) {
	h := newHarness(t, 30*time.Second)
	h.configureMute(t)
	h.fake.AddMember(guildID, "101", false, muteRoleID)

	h.command("!mute <@101>")

	assert.Equal(t, "user-101 is already muted.", h.lastReply(channelID))
	assert.Zero(t, h.fake.CallCount("AddRole"))
	assert.Nil(t, h.muteRecord(t, "101"))
}

func TestMute_RejectsBadInput(t *testing.T) {
	h := newHarness(t, 30*time.Second)
	h.configureMute(t)
	h.fake.AddMember(guildID, "101", false)

	h.command("!mute <@101> soon")
	assert.Equal(t, "Durations look like 90, 10m, 2 hours or 3d.", h.lastReply(channelID))

	h.command("!mute <@404>")
	assert.Equal(t, "I can't find that member.", h.lastReply(channelID))

	assert.Zero(t, h.fake.CallCount("AddRole"))
}

func TestMute_RequiresModerator(t *testing.T) {
	h := newHarness(t, 30*time.Second)
	h.fake.AddMember(guildID, "101", false)
	h.fake.AddMember(guildID, "102", false)

	h.events.Message(context.Background(), originOf("102"), "!mute <@101>")

	assert.Contains(t, h.lastReply(channelID), "Manage Roles")
	assert.Zero(t, h.fake.CallCount("CreateRole"))
	assert.Nil(t, h.muteRecord(t, "101"))
}

func TestMute_RecreatesDeletedRole(t *testing.T) {
	h := newHarness(t, 30*time.Second)
	require.NoError(t, repositories.NewMuteRepo(h.db).SaveGuild(context.Background(), guildID, "599"))
	h.fake.AddMember(guildID, "101", false)

	h.command("!mute <@101>")

	roleID := h.createdRole()
	require.NotEmpty(t, roleID)
	assert.True(t, h.fake.MemberHasRole(guildID, "101", roleID))

	cfg, err := repositories.NewMuteRepo(h.db).GetGuild(context.Background(), guildID)
	require.NoError(t, err)
	assert.Equal(t, roleID, cfg.RoleID)
}

func TestMute_FailedRoleSetupRollsBack(t *testing.T) {
	h := newHarness(t, 30*time.Second)
	h.fake.AddMember(guildID, "101", false)
	h.fake.FailNext("DenyRoleInChannel", fmt.Errorf("overwrite: %w", platform.ErrForbidden))

	h.command("!mute <@101>")

	assert.Equal(t, "I am missing the permissions to do that.", h.lastReply(channelID))
	assert.Equal(t, 1, h.fake.CallCount("DeleteRole"))

	cfg, err := repositories.NewMuteRepo(h.db).GetGuild(context.Background(), guildID)
	require.NoError(t, err)
	assert.Nil(t, cfg)
}

func TestUnmute_LiftsPersistedMute(t *testing.T) {
	h := newHarness(t, 30*time.Second)
	h.configureMute(t)
	h.fake.AddMember(guildID, "101", false, muteRoleID)
	h.seedMute(t, "101", nil)

	h.command("!unmute <@101>")

	assert.False(t, h.fake.MemberHasRole(guildID, "101", muteRoleID))
	assert.Nil(t, h.muteRecord(t, "101"))
	assert.Equal(t, "Unmuted user-101.", h.lastReply(channelID))
	assert.Zero(t, h.locks.Len())
}

func TestUnmute_CancelsShortMute(t *testing.T) {
	h := newHarness(t, time.Hour)
	h.configureMute(t)
	h.fake.AddMember(guildID, "101", false)

	h.command("!mute <@101> 10m")
	require.True(t, h.fake.MemberHasRole(guildID, "101", muteRoleID))

	h.command("!unmute <@101>")

	assert.False(t, h.fake.MemberHasRole(guildID, "101", muteRoleID))
	assert.Equal(t, 1, h.fake.CallCount("RemoveRole"))
	assert.Equal(t, "Unmuted user-101.", h.lastReply(channelID))
	assert.Zero(t, h.locks.Len())

	// Nothing left to lift on shutdown
	require.NoError(t, h.mute.Shutdown(context.Background()))
	assert.Equal(t, 1, h.fake.CallCount("RemoveRole"))
	assert.NotContains(t, h.replies(channelID), AutoUnmuteNotice("101"))
}

func TestUnmute_MemberWithoutRole(t *testing.T) {
	h := newHarness(t, 30*time.Second)
	h.configureMute(t)
	h.fake.AddMember(guildID, "101", false)
	h.seedMute(t, "101", nil)

	h.command("!unmute <@101>")

	assert.Zero(t, h.fake.CallCount("RemoveRole"))
	assert.Nil(t, h.muteRecord(t, "101"))
	assert.Equal(t, "user-101 is not muted.", h.lastReply(channelID))
}

func TestUnmute_NotConfigured(t *testing.T) {
	h := newHarness(t, 30*time.Second)
	h.fake.AddMember(guildID, "101", false)

	h.command("!unmute <@101>")

	assert.Equal(t, "Muting is not set up on this server.", h.lastReply(channelID))
}

func TestUnmute_BusyMemberIsLeftAlone(t *testing.T) {
	h := newHarness(t, 30*time.Second)
	h.configureMute(t)
	h.fake.AddMember(guildID, "101", false, muteRoleID)
	h.seedMute(t, "101", nil)

	release := h.locks.Hold(guard.Key{UserID: "101", GuildID: guildID})
	defer release()

	h.command("!unmute <@101>")

	assert.Equal(t, "That member is being unmuted already.", h.lastReply(channelID))
	assert.True(t, h.fake.MemberHasRole(guildID, "101", muteRoleID))
	assert.NotNil(t, h.muteRecord(t, "101"))
}

func TestSetRole_RebuildsRecordsFromHolders(t *testing.T) {
	h := newHarness(t, 30*time.Second)
	h.configureMute(t)
	h.fake.AddRoleDef(guildID, "502", "Quiet")
	h.fake.AddMember(guildID, "101", false, "502")
	h.fake.AddMember(guildID, "102", false, "502")
	h.fake.AddMember(guildID, "103", false, muteRoleID)
	until := h.clock.Now().Add(time.Hour)
	h.seedMute(t, "102", &until)
	h.seedMute(t, "103", nil)

	h.command("!mute setrole <@&502>")

	assert.Equal(t, "Mute role set to Quiet; 2 muted member(s) tracked.", h.lastReply(channelID))

	cfg, err := repositories.NewMuteRepo(h.db).GetGuild(context.Background(), guildID)
	require.NoError(t, err)
	assert.Equal(t, "502", cfg.RoleID)

	u1 := h.muteRecord(t, "101")
	require.NotNil(t, u1)
	assert.True(t, u1.IsInfinite())

	// An existing timed mute of a holder is kept as is
	u2 := h.muteRecord(t, "102")
	require.NotNil(t, u2)
	assert.False(t, u2.IsInfinite())

	assert.Nil(t, h.muteRecord(t, "103"))
}

func TestSetRole_UnknownRole(t *testing.T) {
	h := newHarness(t, 30*time.Second)

	h.command("!mute setrole <@&598>")

	assert.Equal(t, "That role does not exist on this server.", h.lastReply(channelID))
}

func TestMuteEvents_ExternalRoleChangesAreTracked(t *testing.T) {
	h := newHarness(t, 30*time.Second)
	h.configureMute(t)
	ctx := context.Background()

	h.events.MemberUpdate(ctx, &platform.Member{UserID: "101", GuildID: guildID, RoleIDs: []string{muteRoleID}})
	rec := h.muteRecord(t, "101")
	require.NotNil(t, rec)
	assert.True(t, rec.IsInfinite())

	h.events.MemberUpdate(ctx, &platform.Member{UserID: "101", GuildID: guildID})
	assert.Nil(t, h.muteRecord(t, "101"))
}

func TestMuteEvents_UpdateIgnoredWhileHeld(t *testing.T) {
	h := newHarness(t, 30*time.Second)
	h.configureMute(t)

	release := h.locks.Hold(guard.Key{UserID: "101", GuildID: guildID})
	h.events.MemberUpdate(context.Background(), &platform.Member{UserID: "101", GuildID: guildID, RoleIDs: []string{muteRoleID}})
	release()

	assert.Nil(t, h.muteRecord(t, "101"))
}

func TestMuteEvents_RejoinReappliesRunningMute(t *testing.T) {
	h := newHarness(t, 30*time.Second)
	h.configureMute(t)
	until := h.clock.Now().Add(time.Hour)
	h.seedMute(t, "101", &until)

	h.events.MemberLeave(context.Background(), guildID, "101")
	require.NotNil(t, h.muteRecord(t, "101"))

	h.fake.AddMember(guildID, "101", false)
	h.events.MemberJoin(context.Background(), &platform.Member{UserID: "101", GuildID: guildID})

	assert.True(t, h.fake.MemberHasRole(guildID, "101", muteRoleID))
	assert.NotNil(t, h.muteRecord(t, "101"))
	assert.Zero(t, h.locks.Len())
}

func TestMuteEvents_ExpiredMuteIsDroppedOnLeaveAndJoin(t *testing.T) {
	h := newHarness(t, 30*time.Second)
	h.configureMute(t)
	past := h.clock.Now().Add(-time.Minute)
	h.seedMute(t, "101", &past)
	h.seedMute(t, "102", &past)

	h.events.MemberLeave(context.Background(), guildID, "101")
	assert.Nil(t, h.muteRecord(t, "101"))

	h.fake.AddMember(guildID, "102", false)
	h.events.MemberJoin(context.Background(), &platform.Member{UserID: "102", GuildID: guildID})
	assert.Nil(t, h.muteRecord(t, "102"))
	assert.False(t, h.fake.MemberHasRole(guildID, "102", muteRoleID))
}

func TestMuteEvents_RoleDeletionCascades(t *testing.T) {
	h := newHarness(t, 30*time.Second)
	h.configureMute(t)
	h.seedMute(t, "101", nil)
	h.seedMute(t, "102", nil)

	h.events.RoleDelete(context.Background(), guildID, muteRoleID)

	cfg, err := repositories.NewMuteRepo(h.db).GetGuild(context.Background(), guildID)
	require.NoError(t, err)
	assert.Nil(t, cfg)
	assert.Nil(t, h.muteRecord(t, "101"))
	assert.Nil(t, h.muteRecord(t, "102"))

	// A later manual role change finds no configuration
	h.events.MemberUpdate(context.Background(), &platform.Member{UserID: "103", GuildID: guildID, RoleIDs: []string{muteRoleID}})
	assert.Nil(t, h.muteRecord(t, "103"))
}

func TestMuteEvents_NewChannelsDenyMuteRole(t *testing.T) {
	h := newHarness(t, 30*time.Second)
	h.configureMute(t)

	h.events.ChannelCreate(context.Background(), &platform.Channel{ID: "209", GuildID: guildID, Name: "new"})

	calls := h.fake.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "DenyRoleInChannel", calls[0].Op)
	assert.Equal(t, "209", calls[0].Target)
	assert.Equal(t, muteRoleID, calls[0].RoleID)
}
