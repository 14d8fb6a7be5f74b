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
	"infinite-experiment/warden/internal/uow"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

const verificationTimeoutJobName = "verification_timeout"

// VerificationTimeoutJob kicks members who did not confirm the rules in time
type VerificationTimeoutJob struct {
	registry *uow.Registry
	platform platform.Platform
	guard    *guard.LockTable
	limiter  *rate.Limiter
	metrics  *metrics.MetricsRegistry
	now      func() time.Time
	log      *zap.SugaredLogger
}

func NewVerificationTimeoutJob(
	registry *uow.Registry,
	p platform.Platform,
	locks *guard.LockTable,
	limiter *rate.Limiter,
	m *metrics.MetricsRegistry,
) *VerificationTimeoutJob {
	return &VerificationTimeoutJob{
		registry: registry,
		platform: p,
		guard:    locks,
		limiter:  limiter,
		metrics:  m,
		now:      time.Now,
		log:      logging.Named(verificationTimeoutJobName),
	}
}

func (j *VerificationTimeoutJob) Name() string { return verificationTimeoutJobName }

// Run performs one tick over every guild with a timeout configured
func (j *VerificationTimeoutJob) Run(ctx context.Context) error {
	start := time.Now()
	defer observeTick(j.metrics, verificationTimeoutJobName, start)

	var guilds []gormModels.VerificationGuild
	err := j.registry.Scope(ctx, func(tx *gorm.DB) error {
		var err error
		guilds, err = repositories.NewVerificationRepo(tx).ListGuildsWithTimeout(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to list guilds with verification timeout: %w", err)
	}

	kicked, total := 0, 0
	for _, g := range guilds {
		if ctx.Err() != nil {
			break
		}

		cutoff := j.now().Add(-g.Timeout())
		var expired []gormModels.VerificationRecord
		err := j.registry.Scope(ctx, func(tx *gorm.DB) error {
			var err error
			expired, err = repositories.NewVerificationRepo(tx).ListPromptedBefore(ctx, g.GuildID, cutoff)
			return err
		})
		if err != nil {
			j.log.Errorw("Failed to list timed out members", "guild_id", g.GuildID, "error", err)
			continue
		}

		for i := range expired {
			total++
			if j.process(ctx, expired[i]) == metrics.OutcomeSuccess {
				kicked++
			}
		}
	}

	if total > 0 {
		j.log.Infow("Verification timeout tick finished",
			"guilds", len(guilds),
			"timed_out", total,
			"kicked", kicked,
			"duration", time.Since(start))
	}
	return nil
}

func (j *VerificationTimeoutJob) process(ctx context.Context, rec gormModels.VerificationRecord) (outcome string) {
	log := j.log.With("guild_id", rec.GuildID, "user_id", rec.UserID)

	defer func() {
		if p := recover(); p != nil {
			log.Errorw("Panic while kicking unverified member", "panic", p)
			outcome = metrics.OutcomeFailure
		}
		countCorrection(j.metrics, verificationTimeoutJobName, outcome)
	}()

	release, ok := j.guard.TryHold(guard.Key{UserID: rec.UserID, GuildID: rec.GuildID})
	if !ok {
		return metrics.OutcomeSkipped
	}
	defer release()

	err := j.registry.Scope(ctx, func(tx *gorm.DB) error {
		repo := repositories.NewVerificationRepo(tx)

		cur, err := repo.Get(ctx, rec.UserID, rec.GuildID)
		if err != nil {
			return err
		}
		if cur == nil || cur.Guild == nil || !cur.TimedOutAt(j.now(), cur.Guild.Timeout()) {
			outcome = metrics.OutcomeSkipped
			return nil
		}

		member, err := resolveTarget(ctx, j.platform, cur.GuildID, cur.UserID)
		if err != nil {
			log.Warnw("Failed to resolve unverified member, will retry", "error", err)
			outcome = metrics.OutcomeTransient
			return nil
		}
		if member == nil {
			log.Infow("Guild or unverified member is out of reach, dropping record")
			outcome = metrics.OutcomeResolved
			_, err := repo.Delete(ctx, cur.UserID, cur.GuildID)
			return err
		}

		// Verified by hand while the member update was missed
		if member.HasRole(cur.Guild.RoleID) {
			outcome = metrics.OutcomeResolved
			_, err := repo.Delete(ctx, cur.UserID, cur.GuildID)
			return err
		}

		if err := j.limiter.Wait(ctx); err != nil {
			outcome = metrics.OutcomeSkipped
			return nil
		}

		err = j.platform.Kick(ctx, cur.GuildID, cur.UserID, "Did not confirm the rules in time")
		switch platform.Classify(err) {
		case platform.KindNone:
			log.Infow("Kicked unverified member")
			outcome = metrics.OutcomeSuccess
		case platform.KindNotFound:
			outcome = metrics.OutcomeResolved
		case platform.KindForbidden:
			log.Errorw("Not allowed to kick unverified member", "error", err)
			outcome = metrics.OutcomeForbidden
			return nil
		default:
			log.Warnw("Failed to kick unverified member, will retry", "error", err)
			outcome = metrics.OutcomeTransient
			return nil
		}

		_, err = repo.Delete(ctx, cur.UserID, cur.GuildID)
		return err
	})
	if err != nil {
		log.Errorw("Failed to process verification timeout", "error", err)
		return metrics.OutcomeFailure
	}
	return outcome
}
