package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"infinite-experiment/warden/internal/bot"
	"infinite-experiment/warden/internal/common"
	"infinite-experiment/warden/internal/guard"
	"infinite-experiment/warden/internal/metrics"
	"infinite-experiment/warden/internal/testutil"
	"infinite-experiment/warden/internal/uow"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

const (
	guildID   = "1"
	channelID = "201"
	modID     = "900"
)

// testClock is a settable time source shared by services under test
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	db     *gorm.DB
	fake   *testutil.FakePlatform
	locks  *guard.LockTable
	cache  *common.GuildConfigCache
	clock  *testClock
	router *bot.Router
	events *bot.Events

	mute   *MuteService
	verify *VerificationService
}

// newHarness wires both services into a dispatcher the way the server does.
// Mutes up to pollInterval are short mutes.
func newHarness(t *testing.T, pollInterval time.Duration) *harness {
	t.Helper()

	gdb := testutil.OpenTestDB(t)
	m := metrics.NewMetricsRegistryWith(prometheus.NewRegistry())
	locks := guard.NewLockTable(m)
	cache := common.NewGuildConfigCache(common.NewCacheService(time.Minute, 2*time.Minute), time.Minute, m)

	fake := testutil.NewFakePlatform()
	fake.AddGuild(guildID, "Test Guild")
	fake.AddChannelDef(guildID, channelID, "general")
	fake.AddChannelDef(guildID, "202", "rules")
	fake.AddMember(guildID, modID, false)
	fake.SetModerator(modID)

	clock := &testClock{now: time.Now().UTC().Truncate(time.Second)}
	limiter := rate.NewLimiter(rate.Inf, 1)

	muteSvc := NewMuteService(fake, locks, cache, pollInterval, zap.NewNop().Sugar()).WithClock(clock.Now)
	verifySvc := NewVerificationService(cache, limiter).WithClock(clock.Now)

	d := bot.NewDispatcher(uow.NewRegistry(gdb, m), locks, fake, m)
	router := bot.NewRouter("!", d)
	router.Register(muteSvc.Commands()...)
	router.Register(verifySvc.Commands()...)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = muteSvc.Shutdown(ctx)
	})

	return &harness{
		db:     gdb,
		fake:   fake,
		locks:  locks,
		cache:  cache,
		clock:  clock,
		router: router,
		events: bot.NewEvents(d, router, muteSvc, verifySvc),
		mute:   muteSvc,
		verify: verifySvc,
	}
}

// command runs content as if the moderator typed it in the general channel
func (h *harness) command(content string) {
	h.events.Message(context.Background(), bot.Origin{GuildID: guildID, ChannelID: channelID, AuthorID: modID}, content)
}

// replies returns what the bot posted in a channel
func (h *harness) replies(channel string) []string {
	var out []string
	for _, c := range h.fake.Calls() {
		if c.Op == "SendChannel" && c.Target == channel {
			out = append(out, c.Content)
		}
	}
	return out
}

// directMessages returns what the bot sent to a user
func (h *harness) directMessages(userID string) []string {
	var out []string
	for _, c := range h.fake.Calls() {
		if c.Op == "SendDirect" && c.UserID == userID {
			out = append(out, c.Content)
		}
	}
	return out
}

func (h *harness) lastReply(channel string) string {
	r := h.replies(channel)
	if len(r) == 0 {
		return ""
	}
	return r[len(r)-1]
}

// createdRole returns the ID of the last role the bot created
func (h *harness) createdRole() string {
	var id string
	for _, c := range h.fake.Calls() {
		if c.Op == "CreateRole" {
			id = c.RoleID
		}
	}
	return id
}

func originOf(authorID string) bot.Origin {
	return bot.Origin{GuildID: guildID, ChannelID: channelID, AuthorID: authorID}
}
