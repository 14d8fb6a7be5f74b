package jobs

import (
	"context"
	"time"

	"infinite-experiment/warden/internal/logging"
	"infinite-experiment/warden/internal/metrics"
	"infinite-experiment/warden/internal/platform"
)

// Job is one reconciliation pass over persisted records
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// RunScheduled idles until ready is closed, then runs job immediately and
// every interval until ctx is cancelled.
func RunScheduled(ctx context.Context, job Job, interval time.Duration, ready <-chan struct{}) {
	log := logging.Named(job.Name())

	select {
	case <-ready:
	case <-ctx.Done():
		return
	}

	log.Infow("Starting scheduled reconciliation", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := job.Run(ctx); err != nil {
			log.Errorw("Scheduled run failed", "error", err)
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			log.Infow("Shutting down scheduled reconciliation")
			return
		}
	}
}

// observeTick records how long a tick took
func observeTick(m *metrics.MetricsRegistry, job string, start time.Time) {
	if m != nil {
		m.TickDuration.WithLabelValues(job).Observe(time.Since(start).Seconds())
	}
}

func countCorrection(m *metrics.MetricsRegistry, job, outcome string) {
	if m != nil {
		m.CorrectionsTotal.WithLabelValues(job, outcome).Inc()
	}
}

// resolveTarget looks up the guild and then the member a record points at.
// A nil member with a nil error means the target is gone or out of reach,
// so the record is stale. A returned error is worth retrying.
func resolveTarget(ctx context.Context, p platform.Platform, guildID, userID string) (*platform.Member, error) {
	if _, err := p.Guild(ctx, guildID); err != nil {
		if unreachable(err) {
			return nil, nil
		}
		return nil, err
	}
	member, err := p.Member(ctx, guildID, userID)
	if err != nil {
		if unreachable(err) {
			return nil, nil
		}
		return nil, err
	}
	return member, nil
}

func unreachable(err error) bool {
	switch platform.Classify(err) {
	case platform.KindNotFound, platform.KindForbidden:
		return true
	}
	return false
}

// sleepCtx waits for d or until ctx is done
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
