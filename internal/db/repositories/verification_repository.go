package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"infinite-experiment/warden/internal/models/gorm"

	gormlib "gorm.io/gorm"
)

// VerificationRepo handles onboarding configuration, pending members and
// the channels left visible to them.
type VerificationRepo struct {
	db *gormlib.DB
}

// NewVerificationRepo creates a verification repository on top of the given session
func NewVerificationRepo(db *gormlib.DB) *VerificationRepo {
	return &VerificationRepo{db: db}
}

// GetGuild returns the guild's onboarding configuration, or nil if disabled
func (r *VerificationRepo) GetGuild(ctx context.Context, guildID string) (*gorm.VerificationGuild, error) {
	var guild gorm.VerificationGuild
	err := r.db.WithContext(ctx).Where("guild_id = ?", guildID).First(&guild).Error
	if err != nil {
		if errors.Is(err, gormlib.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load verification guild %s: %w", guildID, err)
	}
	return &guild, nil
}

// ListGuilds returns every guild with onboarding enabled
func (r *VerificationRepo) ListGuilds(ctx context.Context) ([]gorm.VerificationGuild, error) {
	var guilds []gorm.VerificationGuild
	if err := r.db.WithContext(ctx).Order("guild_id ASC").Find(&guilds).Error; err != nil {
		return nil, fmt.Errorf("failed to list verification guilds: %w", err)
	}
	return guilds, nil
}

// ListGuildsWithTimeout returns the guilds that kick unverified members
func (r *VerificationRepo) ListGuildsWithTimeout(ctx context.Context) ([]gorm.VerificationGuild, error) {
	var guilds []gorm.VerificationGuild
	err := r.db.WithContext(ctx).
		Where("timeout_seconds IS NOT NULL AND timeout_seconds > 0").
		Order("guild_id ASC").
		Find(&guilds).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list verification guilds with timeout: %w", err)
	}
	return guilds, nil
}

// SaveGuild inserts or updates the whole configuration row
func (r *VerificationRepo) SaveGuild(ctx context.Context, guild *gorm.VerificationGuild) error {
	if err := r.db.WithContext(ctx).Omit("Records", "Channels").Save(guild).Error; err != nil {
		return fmt.Errorf("failed to save verification guild %s: %w", guild.GuildID, err)
	}
	return nil
}

// DeleteGuild drops the configuration; pending members and channels cascade
func (r *VerificationRepo) DeleteGuild(ctx context.Context, guildID string) (int64, error) {
	res := r.db.WithContext(ctx).Where("guild_id = ?", guildID).Delete(&gorm.VerificationGuild{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to delete verification guild %s: %w", guildID, res.Error)
	}
	return res.RowsAffected, nil
}

// DeleteGuildByRole drops the configuration bound to a deleted member role
func (r *VerificationRepo) DeleteGuildByRole(ctx context.Context, roleID string) (int64, error) {
	res := r.db.WithContext(ctx).Where("role_id = ?", roleID).Delete(&gorm.VerificationGuild{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to delete verification guild for role %s: %w", roleID, res.Error)
	}
	return res.RowsAffected, nil
}

// Get returns the pending record of a member, or nil
func (r *VerificationRepo) Get(ctx context.Context, userID, guildID string) (*gorm.VerificationRecord, error) {
	var rec gorm.VerificationRecord
	err := r.db.WithContext(ctx).
		Preload("Guild").
		Where("user_id = ? AND guild_id = ?", userID, guildID).
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gormlib.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load verification %s/%s: %w", guildID, userID, err)
	}
	return &rec, nil
}

// Create inserts a pending record
func (r *VerificationRepo) Create(ctx context.Context, rec *gorm.VerificationRecord) error {
	rec.JoinedAt = rec.JoinedAt.UTC()
	if err := r.db.WithContext(ctx).Omit("Guild").Create(rec).Error; err != nil {
		return fmt.Errorf("failed to create verification %s/%s: %w", rec.GuildID, rec.UserID, err)
	}
	return nil
}

// Delete removes a pending record without loading it first
func (r *VerificationRepo) Delete(ctx context.Context, userID, guildID string) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("user_id = ? AND guild_id = ?", userID, guildID).
		Delete(&gorm.VerificationRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to delete verification %s/%s: %w", guildID, userID, res.Error)
	}
	return res.RowsAffected, nil
}

// ListByUser returns the member's pending records across guilds
func (r *VerificationRepo) ListByUser(ctx context.Context, userID string) ([]gorm.VerificationRecord, error) {
	var recs []gorm.VerificationRecord
	err := r.db.WithContext(ctx).
		Preload("Guild").
		Where("user_id = ?", userID).
		Order("guild_id ASC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list verifications for user %s: %w", userID, err)
	}
	return recs, nil
}

// ListByGuild returns the pending records of a guild
func (r *VerificationRepo) ListByGuild(ctx context.Context, guildID string) ([]gorm.VerificationRecord, error) {
	var recs []gorm.VerificationRecord
	err := r.db.WithContext(ctx).
		Where("guild_id = ?", guildID).
		Order("joined_at ASC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list verifications for guild %s: %w", guildID, err)
	}
	return recs, nil
}

// ListPromptedBefore returns a guild's records whose prompt went out at or
// before cutoff, i.e. joined_at + timeout <= now for cutoff = now - timeout.
func (r *VerificationRepo) ListPromptedBefore(ctx context.Context, guildID string, cutoff time.Time) ([]gorm.VerificationRecord, error) {
	var recs []gorm.VerificationRecord
	err := r.db.WithContext(ctx).
		Preload("Guild").
		Where("guild_id = ? AND joined_at <= ?", guildID, cutoff.UTC()).
		Order("joined_at ASC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list timed out verifications for guild %s: %w", guildID, err)
	}
	return recs, nil
}

// AddChannel marks a channel as visible to unverified members
func (r *VerificationRepo) AddChannel(ctx context.Context, guildID, channelID string) error {
	ch := gorm.VerificationChannel{ChannelID: channelID, GuildID: guildID}
	if err := r.db.WithContext(ctx).Create(&ch).Error; err != nil {
		return fmt.Errorf("failed to add verification channel %s: %w", channelID, err)
	}
	return nil
}

// GetChannel returns the channel binding, or nil
func (r *VerificationRepo) GetChannel(ctx context.Context, channelID string) (*gorm.VerificationChannel, error) {
	var ch gorm.VerificationChannel
	err := r.db.WithContext(ctx).Where("channel_id = ?", channelID).First(&ch).Error
	if err != nil {
		if errors.Is(err, gormlib.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load verification channel %s: %w", channelID, err)
	}
	return &ch, nil
}

// DeleteChannel removes a channel binding
func (r *VerificationRepo) DeleteChannel(ctx context.Context, channelID string) (int64, error) {
	res := r.db.WithContext(ctx).Where("channel_id = ?", channelID).Delete(&gorm.VerificationChannel{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to delete verification channel %s: %w", channelID, res.Error)
	}
	return res.RowsAffected, nil
}

// ListChannels returns a guild's visible channels
func (r *VerificationRepo) ListChannels(ctx context.Context, guildID string) ([]gorm.VerificationChannel, error) {
	var chans []gorm.VerificationChannel
	err := r.db.WithContext(ctx).Where("guild_id = ?", guildID).Order("channel_id ASC").Find(&chans).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list verification channels for guild %s: %w", guildID, err)
	}
	return chans, nil
}
