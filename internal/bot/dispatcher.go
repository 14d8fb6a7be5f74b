package bot

import (
	"context"
	"fmt"
	"time"

	"infinite-experiment/warden/internal/guard"
	"infinite-experiment/warden/internal/logging"
	"infinite-experiment/warden/internal/metrics"
	"infinite-experiment/warden/internal/platform"
	"infinite-experiment/warden/internal/uow"

	"github.com/google/uuid"
)

// HandlerFunc is the body of a command or event dispatch
type HandlerFunc func(c *Context) error

// Dispatcher wraps every command and event in its own unit of work
type Dispatcher struct {
	registry *uow.Registry
	guard    *guard.LockTable
	platform platform.Platform
	metrics  *metrics.MetricsRegistry
}

// NewDispatcher creates a dispatcher. m may be nil.
func NewDispatcher(registry *uow.Registry, locks *guard.LockTable, p platform.Platform, m *metrics.MetricsRegistry) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		guard:    locks,
		platform: p,
		metrics:  m,
	}
}

// Event runs an event handler. Failures only surface in logs.
func (d *Dispatcher) Event(ctx context.Context, name string, origin Origin, fn HandlerFunc) error {
	c, err := d.run(ctx, name, origin, fn)
	if err != nil {
		c.Log.Errorw("Event handler failed", "error", err)
	}
	return err
}

// Command runs a command handler and tells the invoker when it fails
func (d *Dispatcher) Command(ctx context.Context, name string, origin Origin, fn HandlerFunc) error {
	c, err := d.run(ctx, name, origin, fn)
	if err == nil {
		return nil
	}

	kind, message := Classify(err)
	if kind == KindInternal {
		c.Log.Errorw("Command failed", "error_kind", kind.String(), "error", err)
	} else {
		c.Log.Infow("Command rejected", "error_kind", kind.String(), "error", err)
	}

	if replyErr := c.Reply(message); replyErr != nil {
		c.Log.Warnw("Failed to report command error", "error", replyErr)
	}
	return err
}

func (d *Dispatcher) run(ctx context.Context, name string, origin Origin, fn HandlerFunc) (c *Context, err error) {
	dispatchID := uuid.NewString()
	c = &Context{
		Origin:     origin,
		Platform:   d.platform,
		Guard:      d.guard,
		Log:        logging.WithDispatch(dispatchID, name, origin.GuildID, origin.AuthorID),
		ctx:        ctx,
		registry:   d.registry,
		dispatchID: dispatchID,
	}
	start := time.Now()

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic in %s handler: %v", name, p)
		}

		outcome := metrics.OutcomeSuccess
		if err != nil {
			outcome = metrics.OutcomeFailure
		}
		if d.metrics != nil {
			d.metrics.DispatchesTotal.WithLabelValues(name, outcome).Inc()
		}
		c.Log.Debugw("Dispatch finished", "outcome", outcome, "duration", time.Since(start))
	}()

	err = d.registry.Run(ctx, name, func(ud *uow.Dispatch) error {
		c.dispatch = ud
		return fn(c)
	})
	return c, err
}
