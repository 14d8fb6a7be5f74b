package gorm

import "time"

// MuteGuild binds a guild to the role used to mute its members
type MuteGuild struct {
	GuildID string `gorm:"column:guild_id;primaryKey;type:varchar(32)"`
	RoleID  string `gorm:"column:role_id;type:varchar(32);uniqueIndex;not null"`

	// Relationships
	Mutes []MuteRecord `gorm:"foreignKey:GuildID;references:GuildID;constraint:OnDelete:CASCADE"`
}

// TableName specifies the table name for GORM
func (MuteGuild) TableName() string {
	return "mute_guild_config"
}

// MuteRecord is an active restriction on one member of one guild.
// A nil MutedUntil means the mute never expires.
type MuteRecord struct {
	UserID     string     `gorm:"column:user_id;primaryKey;type:varchar(32)"`
	GuildID    string     `gorm:"column:guild_id;primaryKey;type:varchar(32)"`
	MutedUntil *time.Time `gorm:"column:muted_until;index"`
	ChannelID  *string    `gorm:"column:channel_id;type:varchar(32);check:channel_id_only_on_finite,channel_id IS NULL OR muted_until IS NOT NULL"`

	Guild *MuteGuild `gorm:"-:migration;foreignKey:GuildID;references:GuildID"`
}

// TableName specifies the table name for GORM
func (MuteRecord) TableName() string {
	return "mute_record"
}

// IsInfinite reports whether the mute has no deadline
func (m *MuteRecord) IsInfinite() bool {
	return m.MutedUntil == nil
}

// ExpiredAt reports whether the mute has run out at the given instant
func (m *MuteRecord) ExpiredAt(now time.Time) bool {
	return m.MutedUntil != nil && !m.MutedUntil.After(now)
}

// Valid checks the channel/deadline pairing enforced by the check constraint
func (m *MuteRecord) Valid() bool {
	return m.ChannelID == nil || m.MutedUntil != nil
}
