package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"infinite-experiment/warden/internal/models/gorm"

	gormlib "gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrInvalidMute is returned when a record violates channel_id_only_on_finite
var ErrInvalidMute = errors.New("mute record: channel_id requires muted_until")

// MuteRepo handles mute configuration and mute records. It is bound to one
// session; build a new one per dispatch or per scheduler scope.
type MuteRepo struct {
	db *gormlib.DB
}

// NewMuteRepo creates a mute repository on top of the given session
func NewMuteRepo(db *gormlib.DB) *MuteRepo {
	return &MuteRepo{db: db}
}

// GetGuild returns the guild's mute configuration, or nil if none exists
func (r *MuteRepo) GetGuild(ctx context.Context, guildID string) (*gorm.MuteGuild, error) {
	var guild gorm.MuteGuild
	err := r.db.WithContext(ctx).Where("guild_id = ?", guildID).First(&guild).Error
	if err != nil {
		if errors.Is(err, gormlib.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load mute guild %s: %w", guildID, err)
	}
	return &guild, nil
}

// SaveGuild creates or repoints the guild's mute role
func (r *MuteRepo) SaveGuild(ctx context.Context, guildID, roleID string) error {
	guild := gorm.MuteGuild{GuildID: guildID, RoleID: roleID}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "guild_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"role_id"}),
		}).
		Create(&guild).Error
	if err != nil {
		return fmt.Errorf("failed to save mute guild %s: %w", guildID, err)
	}
	return nil
}

// DeleteGuildByRole drops the configuration bound to a role. Records go with it
// through the foreign key cascade, without loading them.
func (r *MuteRepo) DeleteGuildByRole(ctx context.Context, roleID string) (int64, error) {
	res := r.db.WithContext(ctx).Where("role_id = ?", roleID).Delete(&gorm.MuteGuild{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to delete mute guild for role %s: %w", roleID, res.Error)
	}
	return res.RowsAffected, nil
}

// DeleteGuild drops a guild's configuration and, by cascade, all its mutes
func (r *MuteRepo) DeleteGuild(ctx context.Context, guildID string) (int64, error) {
	res := r.db.WithContext(ctx).Where("guild_id = ?", guildID).Delete(&gorm.MuteGuild{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to delete mute guild %s: %w", guildID, res.Error)
	}
	return res.RowsAffected, nil
}

// Get returns the member's mute record, or nil if the member is not muted
func (r *MuteRepo) Get(ctx context.Context, userID, guildID string) (*gorm.MuteRecord, error) {
	var rec gorm.MuteRecord
	err := r.db.WithContext(ctx).
		Preload("Guild").
		Where("user_id = ? AND guild_id = ?", userID, guildID).
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gormlib.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load mute %s/%s: %w", guildID, userID, err)
	}
	return &rec, nil
}

// Create inserts a mute record
func (r *MuteRepo) Create(ctx context.Context, rec *gorm.MuteRecord) error {
	if !rec.Valid() {
		return ErrInvalidMute
	}
	if rec.MutedUntil != nil {
		utc := rec.MutedUntil.UTC()
		rec.MutedUntil = &utc
	}
	if err := r.db.WithContext(ctx).Omit("Guild").Create(rec).Error; err != nil {
		return fmt.Errorf("failed to create mute %s/%s: %w", rec.GuildID, rec.UserID, err)
	}
	return nil
}

// Delete removes the member's mute record; it reports how many rows went away
func (r *MuteRepo) Delete(ctx context.Context, userID, guildID string) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("user_id = ? AND guild_id = ?", userID, guildID).
		Delete(&gorm.MuteRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to delete mute %s/%s: %w", guildID, userID, res.Error)
	}
	return res.RowsAffected, nil
}

// ListDue returns every finite mute ending at or before deadline, across all
// guilds, with the guild configuration preloaded.
func (r *MuteRepo) ListDue(ctx context.Context, deadline time.Time) ([]gorm.MuteRecord, error) {
	var recs []gorm.MuteRecord
	err := r.db.WithContext(ctx).
		Preload("Guild").
		Where("muted_until IS NOT NULL AND muted_until <= ?", deadline.UTC()).
		Order("muted_until ASC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list due mutes: %w", err)
	}
	return recs, nil
}

// ListByGuild returns every mute of one guild
func (r *MuteRepo) ListByGuild(ctx context.Context, guildID string) ([]gorm.MuteRecord, error) {
	var recs []gorm.MuteRecord
	err := r.db.WithContext(ctx).
		Where("guild_id = ?", guildID).
		Order("user_id ASC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list mutes for guild %s: %w", guildID, err)
	}
	return recs, nil
}

// DeleteExceptUsers removes the guild's mutes of everyone not in keep
func (r *MuteRepo) DeleteExceptUsers(ctx context.Context, guildID string, keep []string) (int64, error) {
	q := r.db.WithContext(ctx).Where("guild_id = ?", guildID)
	if len(keep) > 0 {
		q = q.Where("user_id NOT IN ?", keep)
	}
	res := q.Delete(&gorm.MuteRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to prune mutes for guild %s: %w", guildID, res.Error)
	}
	return res.RowsAffected, nil
}

// EnsureInfinite creates an infinite mute for each user that has none yet
func (r *MuteRepo) EnsureInfinite(ctx context.Context, guildID string, userIDs []string) (int64, error) {
	if len(userIDs) == 0 {
		return 0, nil
	}
	recs := make([]gorm.MuteRecord, 0, len(userIDs))
	for _, id := range userIDs {
		recs = append(recs, gorm.MuteRecord{UserID: id, GuildID: guildID})
	}
	res := r.db.WithContext(ctx).
		Omit("Guild").
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&recs)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to mark mutes for guild %s: %w", guildID, res.Error)
	}
	return res.RowsAffected, nil
}
