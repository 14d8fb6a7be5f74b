package bot

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"infinite-experiment/warden/internal/guard"
	"infinite-experiment/warden/internal/metrics"
	gormModels "infinite-experiment/warden/internal/models/gorm"
	"infinite-experiment/warden/internal/platform"
	"infinite-experiment/warden/internal/testutil"
	"infinite-experiment/warden/internal/uow"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type botHarness struct {
	db         *gorm.DB
	fake       *testutil.FakePlatform
	locks      *guard.LockTable
	metrics    *metrics.MetricsRegistry
	dispatcher *Dispatcher
	router     *Router
}

func newBotHarness(t *testing.T) *botHarness {
	t.Helper()
	gdb := testutil.OpenTestDB(t)
	m := metrics.NewMetricsRegistryWith(prometheus.NewRegistry())
	locks := guard.NewLockTable(m)
	fake := testutil.NewFakePlatform()
	fake.AddGuild("1", "Guild")
	fake.SetModerator("900")

	d := NewDispatcher(uow.NewRegistry(gdb, m), locks, fake, m)
	return &botHarness{
		db:         gdb,
		fake:       fake,
		locks:      locks,
		metrics:    m,
		dispatcher: d,
		router:     NewRouter("!", d),
	}
}

func (h *botHarness) sent() []testutil.Call {
	var out []testutil.Call
	for _, c := range h.fake.Calls() {
		if c.Op == "SendChannel" || c.Op == "SendDirect" {
			out = append(out, c)
		}
	}
	return out
}

var modOrigin = Origin{GuildID: "1", ChannelID: "201", AuthorID: "900"}

func TestResolve_LongestPathWins(t *testing.T) {
	r := NewRouter("!", nil)
	noop := func(*Context, Args) error { return nil }
	r.Register(
		Command{Name: "mute", Run: noop},
		Command{Name: "mute setrole", Run: noop},
		Command{Name: "newbie channels add", Run: noop},
	)

	cmd, args, ok := r.Resolve("!mute <@101> 10 minutes")
	require.True(t, ok)
	assert.Equal(t, "mute", cmd.Name)
	assert.Equal(t, []string{"<@101>", "10", "minutes"}, args.Fields)
	assert.Equal(t, "<@101> 10 minutes", args.Text)

	cmd, args, ok = r.Resolve("!MUTE SetRole <@&5>")
	require.True(t, ok)
	assert.Equal(t, "mute setrole", cmd.Name)
	assert.Equal(t, []string{"<@&5>"}, args.Fields)

	cmd, args, ok = r.Resolve("!newbie   channels add")
	require.True(t, ok)
	assert.Equal(t, "newbie channels add", cmd.Name)
	assert.Empty(t, args.Fields)
	assert.Empty(t, args.Text)

	_, _, ok = r.Resolve("mute <@101>")
	assert.False(t, ok)
	_, _, ok = r.Resolve("!newbie channels")
	assert.False(t, ok)
}

func TestParseIDs(t *testing.T) {
	cases := []struct {
		parse func(string) (string, bool)
		in    string
		want  string
		ok    bool
	}{
		{ParseUserID, "<@123>", "123", true},
		{ParseUserID, "<@!123>", "123", true},
		{ParseUserID, "123", "123", true},
		{ParseUserID, "<@&123>", "", false},
		{ParseUserID, "someone", "", false},
		{ParseRoleID, "<@&42>", "42", true},
		{ParseRoleID, "<@42>", "", false},
		{ParseChannelID, "<#7>", "7", true},
		{ParseChannelID, "7", "7", true},
		{ParseChannelID, "#general", "", false},
	}
	for _, tc := range cases {
		got, ok := tc.parse(tc.in)
		assert.Equal(t, tc.ok, ok, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

func TestHandle_ModeratorCheck(t *testing.T) {
	h := newBotHarness(t)
	ran := 0
	h.router.Register(Command{Name: "mute", Moderator: true, Run: func(*Context, Args) error {
		ran++
		return nil
	}})

	assert.True(t, h.router.Handle(context.Background(), Origin{GuildID: "1", ChannelID: "201", AuthorID: "101"}, "!mute 5"))
	assert.Zero(t, ran)
	sent := h.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "You need the Manage Roles permission to use `mute`.", sent[0].Content)

	assert.True(t, h.router.Handle(context.Background(), modOrigin, "!mute 5"))
	assert.Equal(t, 1, ran)
	assert.Len(t, h.sent(), 1)
}

func TestHandle_IgnoresUnrelatedMessages(t *testing.T) {
	h := newBotHarness(t)
	h.router.Register(Command{Name: "newbie enable", Run: func(*Context, Args) error { return nil }})

	assert.False(t, h.router.Handle(context.Background(), modOrigin, "hello"))
	assert.False(t, h.router.Handle(context.Background(), modOrigin, "!unknown"))
	assert.False(t, h.router.Handle(context.Background(), modOrigin, "!"))
	assert.Empty(t, h.sent())

	assert.True(t, h.router.Handle(context.Background(), modOrigin, "!newbie"))
	sent := h.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "Valid subcommands:\n!newbie enable", sent[0].Content)
}

func TestHandle_GroupListsUsageOrName(t *testing.T) {
	h := newBotHarness(t)
	h.router.Register(Command{Name: "newbie disable", Run: func(*Context, Args) error { return nil }})
	h.router.Register(Command{Name: "newbie timeout", Usage: "newbie timeout <seconds>", Run: func(*Context, Args) error { return nil }})

	assert.True(t, h.router.Handle(context.Background(), modOrigin, "!newbie"))
	sent := h.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "Valid subcommands:\n!newbie disable\n!newbie timeout <seconds>", sent[0].Content)
}

func TestCommand_ErrorReplies(t *testing.T) {
	cases := []struct {
		name  string
		err   error
		reply string
	}{
		{"usage", Usage("Usage: %s", "mute <member>"), "Usage: mute <member>"},
		{"not_configured", NotConfigured("Muting is not set up."), "Muting is not set up."},
		{"forbidden", fmt.Errorf("add role: %w", platform.ErrForbidden), "I am missing the permissions to do that."},
		{"internal", errors.New("connection reset"), "Something went wrong while running that command."},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newBotHarness(t)
			err := h.dispatcher.Command(context.Background(), "test", modOrigin, func(*Context) error { return tc.err })
			assert.ErrorIs(t, err, tc.err)

			sent := h.sent()
			require.Len(t, sent, 1)
			assert.Equal(t, "201", sent[0].Target)
			assert.Equal(t, tc.reply, sent[0].Content)
			assert.Equal(t, 1.0, promtest.ToFloat64(h.metrics.DispatchesTotal.WithLabelValues("test", metrics.OutcomeFailure)))
		})
	}
}

func TestCommand_PanicRollsBackAndReplies(t *testing.T) {
	h := newBotHarness(t)

	err := h.dispatcher.Command(context.Background(), "boom", modOrigin, func(c *Context) error {
		tx, err := c.Session()
		require.NoError(t, err)
		require.NoError(t, tx.Create(&gormModels.MuteGuild{GuildID: "1", RoleID: "501"}).Error)
		panic("handler bug")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "handler bug")

	var count int64
	require.NoError(t, h.db.Model(&gormModels.MuteGuild{}).Count(&count).Error)
	assert.Zero(t, count)

	sent := h.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "Something went wrong while running that command.", sent[0].Content)
}

func TestEvent_FailureIsSilent(t *testing.T) {
	h := newBotHarness(t)

	err := h.dispatcher.Event(context.Background(), "member_join", Origin{GuildID: "1", AuthorID: "101"}, func(*Context) error {
		return Usage("not shown")
	})
	require.Error(t, err)
	assert.Empty(t, h.sent())
}

func TestReply_DirectWhenNoChannel(t *testing.T) {
	h := newBotHarness(t)

	require.NoError(t, h.dispatcher.Event(context.Background(), "direct_message", Origin{AuthorID: "101"}, func(c *Context) error {
		return c.Reply("hi")
	}))

	sent := h.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "SendDirect", sent[0].Op)
	assert.Equal(t, "101", sent[0].UserID)
}

func TestHoldUntilFinalize_ReleasesAfterCommit(t *testing.T) {
	h := newBotHarness(t)
	key := guard.Key{UserID: "101", GuildID: "1"}

	require.NoError(t, h.dispatcher.Event(context.Background(), "member_update", Origin{GuildID: "1"}, func(c *Context) error {
		c.HoldUntilFinalize(key)
		assert.True(t, h.locks.IsLocked(key))
		assert.False(t, c.TryHoldUntilFinalize(key))
		return nil
	}))
	assert.False(t, h.locks.IsLocked(key))

	_ = h.dispatcher.Event(context.Background(), "member_update", Origin{GuildID: "1"}, func(c *Context) error {
		require.True(t, c.TryHoldUntilFinalize(key))
		return errors.New("fail")
	})
	assert.False(t, h.locks.IsLocked(key))
}
