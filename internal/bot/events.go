package bot

import (
	"context"
	"sync"

	"infinite-experiment/warden/internal/platform"

	"github.com/bwmarrin/discordgo"
)

// Handler interfaces. A service implements the ones it cares about and is
// passed to NewEvents; every implementation gets its own dispatch.
type (
	MemberJoinHandler interface {
		OnMemberJoin(c *Context, m *platform.Member) error
	}
	MemberLeaveHandler interface {
		OnMemberLeave(c *Context, guildID, userID string) error
	}
	MemberUpdateHandler interface {
		OnMemberUpdate(c *Context, m *platform.Member) error
	}
	RoleDeleteHandler interface {
		OnRoleDelete(c *Context, guildID, roleID string) error
	}
	ChannelCreateHandler interface {
		OnChannelCreate(c *Context, ch *platform.Channel) error
	}
	DirectMessageHandler interface {
		OnDirectMessage(c *Context, content string) error
	}
	ReadyHandler interface {
		OnReady(c *Context) error
	}
)

// Events fans platform events out to handlers and guild messages out to
// the command router.
type Events struct {
	dispatcher *Dispatcher
	router     *Router
	handlers   []interface{}

	ready     chan struct{}
	readyOnce sync.Once
}

func NewEvents(d *Dispatcher, router *Router, handlers ...interface{}) *Events {
	return &Events{
		dispatcher: d,
		router:     router,
		handlers:   handlers,
		ready:      make(chan struct{}),
	}
}

// ReadySignal is closed the first time the platform connection is ready
func (e *Events) ReadySignal() <-chan struct{} {
	return e.ready
}

// Bind subscribes to the gateway events of s and requests the intents they need
func (e *Events) Bind(ctx context.Context, s *discordgo.Session) {
	s.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	s.AddHandler(func(_ *discordgo.Session, _ *discordgo.Ready) {
		e.Ready(ctx)
	})
	s.AddHandler(func(_ *discordgo.Session, ev *discordgo.GuildMemberAdd) {
		e.MemberJoin(ctx, platform.MemberFromDiscord(ev.GuildID, ev.Member))
	})
	s.AddHandler(func(_ *discordgo.Session, ev *discordgo.GuildMemberRemove) {
		if ev.User != nil {
			e.MemberLeave(ctx, ev.GuildID, ev.User.ID)
		}
	})
	s.AddHandler(func(_ *discordgo.Session, ev *discordgo.GuildMemberUpdate) {
		e.MemberUpdate(ctx, platform.MemberFromDiscord(ev.GuildID, ev.Member))
	})
	s.AddHandler(func(_ *discordgo.Session, ev *discordgo.GuildRoleDelete) {
		e.RoleDelete(ctx, ev.GuildID, ev.RoleID)
	})
	s.AddHandler(func(_ *discordgo.Session, ev *discordgo.ChannelCreate) {
		if ev.GuildID != "" {
			e.ChannelCreate(ctx, &platform.Channel{ID: ev.ID, GuildID: ev.GuildID, Name: ev.Name})
		}
	})
	s.AddHandler(func(s *discordgo.Session, ev *discordgo.MessageCreate) {
		if ev.Author == nil || ev.Author.Bot {
			return
		}
		if s.State.User != nil && ev.Author.ID == s.State.User.ID {
			return
		}
		e.Message(ctx, Origin{GuildID: ev.GuildID, ChannelID: ev.ChannelID, AuthorID: ev.Author.ID}, ev.Content)
	})
}

// Ready releases the ready signal and runs ready handlers. The platform
// re-sends it after reconnects; handlers run every time.
func (e *Events) Ready(ctx context.Context) {
	e.readyOnce.Do(func() { close(e.ready) })

	for _, h := range e.handlers {
		if rh, ok := h.(ReadyHandler); ok {
			_ = e.dispatcher.Event(ctx, "ready", Origin{}, rh.OnReady)
		}
	}
}

func (e *Events) MemberJoin(ctx context.Context, m *platform.Member) {
	origin := Origin{GuildID: m.GuildID, AuthorID: m.UserID}
	for _, h := range e.handlers {
		if jh, ok := h.(MemberJoinHandler); ok {
			_ = e.dispatcher.Event(ctx, "member_join", origin, func(c *Context) error {
				return jh.OnMemberJoin(c, m)
			})
		}
	}
}

func (e *Events) MemberLeave(ctx context.Context, guildID, userID string) {
	origin := Origin{GuildID: guildID, AuthorID: userID}
	for _, h := range e.handlers {
		if lh, ok := h.(MemberLeaveHandler); ok {
			_ = e.dispatcher.Event(ctx, "member_leave", origin, func(c *Context) error {
				return lh.OnMemberLeave(c, guildID, userID)
			})
		}
	}
}

func (e *Events) MemberUpdate(ctx context.Context, m *platform.Member) {
	origin := Origin{GuildID: m.GuildID, AuthorID: m.UserID}
	for _, h := range e.handlers {
		if uh, ok := h.(MemberUpdateHandler); ok {
			_ = e.dispatcher.Event(ctx, "member_update", origin, func(c *Context) error {
				return uh.OnMemberUpdate(c, m)
			})
		}
	}
}

func (e *Events) RoleDelete(ctx context.Context, guildID, roleID string) {
	origin := Origin{GuildID: guildID}
	for _, h := range e.handlers {
		if rh, ok := h.(RoleDeleteHandler); ok {
			_ = e.dispatcher.Event(ctx, "role_delete", origin, func(c *Context) error {
				return rh.OnRoleDelete(c, guildID, roleID)
			})
		}
	}
}

func (e *Events) ChannelCreate(ctx context.Context, ch *platform.Channel) {
	origin := Origin{GuildID: ch.GuildID, ChannelID: ch.ID}
	for _, h := range e.handlers {
		if chh, ok := h.(ChannelCreateHandler); ok {
			_ = e.dispatcher.Event(ctx, "channel_create", origin, func(c *Context) error {
				return chh.OnChannelCreate(c, ch)
			})
		}
	}
}

// Message routes guild messages to commands and direct messages to
// DirectMessageHandlers.
func (e *Events) Message(ctx context.Context, origin Origin, content string) {
	if origin.GuildID != "" {
		if e.router != nil {
			e.router.Handle(ctx, origin, content)
		}
		return
	}

	// Replies to a direct message go back through SendDirect
	origin.ChannelID = ""
	for _, h := range e.handlers {
		if dh, ok := h.(DirectMessageHandler); ok {
			_ = e.dispatcher.Event(ctx, "direct_message", origin, func(c *Context) error {
				return dh.OnDirectMessage(c, content)
			})
		}
	}
}
