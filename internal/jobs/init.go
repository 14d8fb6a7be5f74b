package jobs

import (
	"context"
	"time"

	"infinite-experiment/warden/internal/config"
	"infinite-experiment/warden/internal/guard"
	"infinite-experiment/warden/internal/metrics"
	"infinite-experiment/warden/internal/platform"
	"infinite-experiment/warden/internal/uow"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Jobs groups the reconciliation schedulers
type Jobs struct {
	MuteExpiry          *MuteExpiryJob
	VerificationTimeout *VerificationTimeoutJob

	cfg config.Config
}

// InitializeJobs builds the reconciliation jobs. They share the platform
// rate limiter with the event handlers.
func InitializeJobs(
	cfg config.Config,
	registry *uow.Registry,
	p platform.Platform,
	locks *guard.LockTable,
	limiter *rate.Limiter,
	m *metrics.MetricsRegistry,
) *Jobs {
	return &Jobs{
		MuteExpiry:          NewMuteExpiryJob(registry, p, locks, limiter, m, cfg.MutePollInterval),
		VerificationTimeout: NewVerificationTimeoutJob(registry, p, locks, limiter, m),
		cfg:                 cfg,
	}
}

// Start launches both schedulers on g. They stay idle until ready is closed.
func (j *Jobs) Start(ctx context.Context, g *errgroup.Group, ready <-chan struct{}) {
	g.Go(func() error {
		RunScheduled(ctx, j.MuteExpiry, j.cfg.MutePollInterval, ready)
		return nil
	})
	g.Go(func() error {
		RunScheduled(ctx, j.VerificationTimeout, j.cfg.VerifyPollInterval, ready)
		return nil
	})
}

// Lookup returns the job with the given name
func (j *Jobs) Lookup(name string) (Job, bool) {
	switch name {
	case muteExpiryJobName:
		return j.MuteExpiry, true
	case verificationTimeoutJobName:
		return j.VerificationTimeout, true
	}
	return nil, false
}

// Schedule describes how often a job runs
type Schedule struct {
	Name     string
	Interval time.Duration
}

// Schedules lists the jobs started by Start
func (j *Jobs) Schedules() []Schedule {
	return []Schedule{
		{Name: muteExpiryJobName, Interval: j.cfg.MutePollInterval},
		{Name: verificationTimeoutJobName, Interval: j.cfg.VerifyPollInterval},
	}
}
