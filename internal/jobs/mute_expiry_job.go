package jobs

import (
	"context"
	"fmt"
	"time"

	"infinite-experiment/warden/internal/db/repositories"
	"infinite-experiment/warden/internal/guard"
	"infinite-experiment/warden/internal/logging"
	"infinite-experiment/warden/internal/metrics"
	gormModels "infinite-experiment/warden/internal/models/gorm"
	"infinite-experiment/warden/internal/platform"
	"infinite-experiment/warden/internal/services"
	"infinite-experiment/warden/internal/uow"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

const muteExpiryJobName = "mute_expiry"

// MuteExpiryJob lifts timed mutes once they run out
type MuteExpiryJob struct {
	registry *uow.Registry
	platform platform.Platform
	guard    *guard.LockTable
	limiter  *rate.Limiter
	metrics  *metrics.MetricsRegistry
	interval time.Duration
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
	log      *zap.SugaredLogger
}

// NewMuteExpiryJob creates the job. Each tick also picks up mutes ending
// within the next interval and waits for them.
func NewMuteExpiryJob(
	registry *uow.Registry,
	p platform.Platform,
	locks *guard.LockTable,
	limiter *rate.Limiter,
	m *metrics.MetricsRegistry,
	interval time.Duration,
) *MuteExpiryJob {
	return &MuteExpiryJob{
		registry: registry,
		platform: p,
		guard:    locks,
		limiter:  limiter,
		metrics:  m,
		interval: interval,
		now:      time.Now,
		sleep:    sleepCtx,
		log:      logging.Named(muteExpiryJobName),
	}
}

func (j *MuteExpiryJob) Name() string { return muteExpiryJobName }

// Run performs one tick
func (j *MuteExpiryJob) Run(ctx context.Context) error {
	start := time.Now()
	defer observeTick(j.metrics, muteExpiryJobName, start)

	deadline := j.now().Add(j.interval)

	var due []gormModels.MuteRecord
	err := j.registry.Scope(ctx, func(tx *gorm.DB) error {
		var err error
		due, err = repositories.NewMuteRepo(tx).ListDue(ctx, deadline)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to scan due mutes: %w", err)
	}

	counts := map[string]int{}
	for i := range due {
		if ctx.Err() != nil {
			break
		}
		counts[j.process(ctx, due[i])]++
	}

	if len(due) > 0 {
		j.log.Infow("Mute expiry tick finished",
			"due", len(due),
			"lifted", counts[metrics.OutcomeSuccess],
			"resolved", counts[metrics.OutcomeResolved],
			"skipped", counts[metrics.OutcomeSkipped],
			"forbidden", counts[metrics.OutcomeForbidden],
			"transient", counts[metrics.OutcomeTransient],
			"failed", counts[metrics.OutcomeFailure],
			"duration", time.Since(start))
	}
	return nil
}

// process handles one record in its own session and reports the outcome.
// A panic is contained to the record.
func (j *MuteExpiryJob) process(ctx context.Context, rec gormModels.MuteRecord) (outcome string) {
	log := j.log.With("guild_id", rec.GuildID, "user_id", rec.UserID)

	defer func() {
		if p := recover(); p != nil {
			log.Errorw("Panic while lifting mute", "panic", p)
			outcome = metrics.OutcomeFailure
		}
		countCorrection(j.metrics, muteExpiryJobName, outcome)
	}()

	if rec.MutedUntil != nil {
		if err := j.sleep(ctx, rec.MutedUntil.Sub(j.now())); err != nil {
			return metrics.OutcomeSkipped
		}
	}

	key := guard.Key{UserID: rec.UserID, GuildID: rec.GuildID}
	release, ok := j.guard.TryHold(key)
	if !ok {
		log.Debugw("Member is held by another dispatch, skipping")
		return metrics.OutcomeSkipped
	}
	defer release()

	var channelID string
	err := j.registry.Scope(ctx, func(tx *gorm.DB) error {
		repo := repositories.NewMuteRepo(tx)

		// Re-read under the guard; a command may have changed it meanwhile
		cur, err := repo.Get(ctx, rec.UserID, rec.GuildID)
		if err != nil {
			return err
		}
		if cur == nil || cur.Guild == nil || !cur.ExpiredAt(j.now()) {
			outcome = metrics.OutcomeSkipped
			return nil
		}

		member, err := resolveTarget(ctx, j.platform, cur.GuildID, cur.UserID)
		if err != nil {
			log.Warnw("Failed to resolve muted member, will retry", "error", err)
			outcome = metrics.OutcomeTransient
			return nil
		}
		if member == nil {
			log.Infow("Guild or muted member is out of reach, dropping record")
			outcome = metrics.OutcomeResolved
			_, err := repo.Delete(ctx, cur.UserID, cur.GuildID)
			return err
		}

		if !member.HasRole(cur.Guild.RoleID) {
			outcome = metrics.OutcomeResolved
			_, err := repo.Delete(ctx, cur.UserID, cur.GuildID)
			return err
		}

		if err := j.limiter.Wait(ctx); err != nil {
			outcome = metrics.OutcomeSkipped
			return nil
		}

		err = j.platform.RemoveRole(ctx, cur.GuildID, cur.UserID, cur.Guild.RoleID, "Mute expired")
		switch platform.Classify(err) {
		case platform.KindNone:
			outcome = metrics.OutcomeSuccess
			if cur.ChannelID != nil {
				channelID = *cur.ChannelID
			}
		case platform.KindNotFound:
			log.Infow("Mute role or member gone, dropping record", "error", err)
			outcome = metrics.OutcomeResolved
		case platform.KindForbidden:
			log.Errorw("Not allowed to lift expired mute", "error", err)
			outcome = metrics.OutcomeForbidden
			return nil
		default:
			log.Warnw("Failed to lift expired mute, will retry", "error", err)
			outcome = metrics.OutcomeTransient
			return nil
		}

		_, err = repo.Delete(ctx, cur.UserID, cur.GuildID)
		return err
	})
	if err != nil {
		log.Errorw("Failed to process expired mute", "error", err)
		return metrics.OutcomeFailure
	}

	if outcome == metrics.OutcomeSuccess {
		log.Infow("Lifted expired mute")
		if channelID != "" {
			if _, err := j.platform.SendChannel(ctx, channelID, services.AutoUnmuteNotice(rec.UserID)); err != nil {
				log.Warnw("Failed to announce unmute", "channel_id", channelID, "error", err)
			}
		}
	}
	return outcome
}
