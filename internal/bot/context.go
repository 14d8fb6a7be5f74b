package bot

import (
	"context"

	"infinite-experiment/warden/internal/guard"
	"infinite-experiment/warden/internal/platform"
	"infinite-experiment/warden/internal/uow"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Origin is where a command or event came from. Fields the event does not
// carry are empty.
type Origin struct {
	GuildID   string
	ChannelID string
	AuthorID  string
}

// Context is handed to every command and event handler. It is only valid
// for the duration of the handler call.
type Context struct {
	Origin

	Platform platform.Platform
	Guard    *guard.LockTable
	Log      *zap.SugaredLogger

	ctx        context.Context
	registry   *uow.Registry
	dispatch   *uow.Dispatch
	dispatchID string
}

// Context returns the dispatch's cancellation context
func (c *Context) Context() context.Context { return c.ctx }

// DispatchID correlates log lines of one invocation
func (c *Context) DispatchID() string { return c.dispatchID }

// Session returns the invocation's transaction, opening it on first use
func (c *Context) Session() (*gorm.DB, error) {
	return c.dispatch.Session()
}

// Scope runs fn in a short session of its own that commits independently of
// the invocation's session. Bulk handlers use it per item and must not hold
// the invocation's session open while doing so.
func (c *Context) Scope(fn func(tx *gorm.DB) error) error {
	return c.registry.Scope(c.ctx, fn)
}

// OnFinalize runs fn once the invocation's session has been closed
func (c *Context) OnFinalize(fn func()) {
	c.dispatch.OnFinalize(fn)
}

// HoldUntilFinalize marks the member busy until after the session commits
// or rolls back, so reconcilers never observe half-applied state.
func (c *Context) HoldUntilFinalize(key guard.Key) {
	c.OnFinalize(c.Guard.Hold(key))
}

// TryHoldUntilFinalize is HoldUntilFinalize for corrective actions: it fails
// instead of nesting when someone else already holds the member.
func (c *Context) TryHoldUntilFinalize(key guard.Key) bool {
	release, ok := c.Guard.TryHold(key)
	if !ok {
		return false
	}
	c.OnFinalize(release)
	return true
}

// Reply answers in the originating channel, or by direct message when the
// invocation had no channel.
func (c *Context) Reply(content string) error {
	if c.ChannelID == "" {
		_, err := c.Platform.SendDirect(c.ctx, c.AuthorID, content)
		return err
	}
	_, err := c.Platform.SendChannel(c.ctx, c.ChannelID, content)
	return err
}
