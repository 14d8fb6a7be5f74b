package gorm

import "time"

// VerificationGuild holds the onboarding settings of a guild
type VerificationGuild struct {
	GuildID         string `gorm:"column:guild_id;primaryKey;type:varchar(32)"`
	RoleID          string `gorm:"column:role_id;type:varchar(32);not null"`
	WelcomeMessage  string `gorm:"column:welcome_message;type:text;not null"`
	ResponseMessage string `gorm:"column:response_message;type:text;not null"`
	TimeoutSeconds  *int64 `gorm:"column:timeout_seconds"`

	// Relationships
	Records  []VerificationRecord  `gorm:"foreignKey:GuildID;references:GuildID;constraint:OnDelete:CASCADE"`
	Channels []VerificationChannel `gorm:"foreignKey:GuildID;references:GuildID;constraint:OnDelete:CASCADE"`
}

// TableName specifies the table name for GORM
func (VerificationGuild) TableName() string {
	return "verification_guild_config"
}

// Timeout returns the configured verification window, or zero when disabled
func (g *VerificationGuild) Timeout() time.Duration {
	if g.TimeoutSeconds == nil || *g.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(*g.TimeoutSeconds) * time.Second
}

// VerificationRecord is a member who has been prompted but has not confirmed yet.
// JoinedAt is the server time at which the prompt was delivered, not the
// platform's join timestamp.
type VerificationRecord struct {
	UserID          string    `gorm:"column:user_id;primaryKey;type:varchar(32)"`
	GuildID         string    `gorm:"column:guild_id;primaryKey;type:varchar(32)"`
	PromptMessageID string    `gorm:"column:prompt_message_id;type:varchar(32);uniqueIndex;not null"`
	JoinedAt        time.Time `gorm:"column:joined_at;index;not null"`

	Guild *VerificationGuild `gorm:"-:migration;foreignKey:GuildID;references:GuildID"`
}

// TableName specifies the table name for GORM
func (VerificationRecord) TableName() string {
	return "verification_record"
}

// TimedOutAt reports whether the record's window has elapsed
func (r *VerificationRecord) TimedOutAt(now time.Time, timeout time.Duration) bool {
	if timeout <= 0 {
		return false
	}
	return !r.JoinedAt.Add(timeout).After(now)
}

// VerificationChannel is a channel left readable for unverified members
type VerificationChannel struct {
	ChannelID string `gorm:"column:channel_id;primaryKey;type:varchar(32)"`
	GuildID   string `gorm:"column:guild_id;type:varchar(32);index;not null"`
}

// TableName specifies the table name for GORM
func (VerificationChannel) TableName() string {
	return "verification_channel"
}

// All lists every model managed by migrations
func All() []interface{} {
	return []interface{}{
		&MuteGuild{},
		&MuteRecord{},
		&VerificationGuild{},
		&VerificationRecord{},
		&VerificationChannel{},
	}
}
