package storage

import (
	"time"
)

// GuildSettings holds a guild's configuration as an opaque JSON blob, one
// row per guild. Callers read it through the cache manager's "settings"
// domain and invalidate on write.
type GuildSettings struct {
	GuildID   uint64    `gorm:"column:guild_id;primarykey" json:"guild_id"`
	Settings  string    `gorm:"column:settings;default:'{}'" json:"settings"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (GuildSettings) TableName() string {
	return "guild_settings"
}

// ModCase is one moderation action against a user. CaseNumber is scoped per
// guild and assigned inside the creating write transaction.
type ModCase struct {
	ID          uint      `gorm:"primarykey" json:"id"`
	GuildID     uint64    `gorm:"column:guild_id;index:idx_cases_guild_user;index:idx_cases_guild_active;index:idx_cases_guild_number,unique" json:"guild_id"`
	CaseNumber  int64     `gorm:"column:case_number;index:idx_cases_guild_number,unique" json:"case_number"`
	UserID      uint64    `gorm:"column:user_id;index:idx_cases_guild_user" json:"user_id"`
	ModeratorID uint64    `gorm:"column:moderator_id" json:"moderator_id"`
	Action      string    `gorm:"column:action" json:"action"`
	Reason      string    `gorm:"column:reason" json:"reason"`
	Duration    string    `gorm:"column:duration" json:"duration"`
	Active      bool      `gorm:"column:active;default:true;index:idx_cases_guild_active" json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

func (ModCase) TableName() string {
	return "cases"
}

type Warning struct {
	ID          uint      `gorm:"primarykey" json:"id"`
	GuildID     uint64    `gorm:"column:guild_id;index:idx_warnings_guild_user" json:"guild_id"`
	UserID      uint64    `gorm:"column:user_id;index:idx_warnings_guild_user" json:"user_id"`
	ModeratorID uint64    `gorm:"column:moderator_id" json:"moderator_id"`
	Reason      string    `gorm:"column:reason" json:"reason"`
	CreatedAt   time.Time `json:"created_at"`
}

func (Warning) TableName() string {
	return "warnings"
}

type ModNote struct {
	ID          uint      `gorm:"primarykey" json:"id"`
	GuildID     uint64    `gorm:"column:guild_id;index:idx_mod_notes_guild_user" json:"guild_id"`
	UserID      uint64    `gorm:"column:user_id;index:idx_mod_notes_guild_user" json:"user_id"`
	ModeratorID uint64    `gorm:"column:moderator_id" json:"moderator_id"`
	Note        string    `gorm:"column:note" json:"note"`
	CreatedAt   time.Time `json:"created_at"`
}

func (ModNote) TableName() string {
	return "mod_notes"
}

// TempBan is a scheduled unban. The expiry scan queries by (guild,
// expires_at), hence the secondary index.
type TempBan struct {
	ID          uint      `gorm:"primarykey" json:"id"`
	GuildID     uint64    `gorm:"column:guild_id;index:idx_tempbans_guild_expiry" json:"guild_id"`
	UserID      uint64    `gorm:"column:user_id" json:"user_id"`
	ModeratorID uint64    `gorm:"column:moderator_id" json:"moderator_id"`
	Reason      string    `gorm:"column:reason" json:"reason"`
	ExpiresAt   time.Time `gorm:"column:expires_at;index:idx_tempbans_guild_expiry" json:"expires_at"`
	CreatedAt   time.Time `json:"created_at"`
}

func (TempBan) TableName() string {
	return "tempbans"
}

// BlacklistEntry is a service-wide user block, loaded into the "lookups"
// cache domain at startup.
type BlacklistEntry struct {
	UserID    uint64    `gorm:"column:user_id;primarykey" json:"user_id"`
	Reason    string    `gorm:"column:reason" json:"reason"`
	AddedBy   uint64    `gorm:"column:added_by" json:"added_by"`
	CreatedAt time.Time `json:"created_at"`
}

func (BlacklistEntry) TableName() string {
	return "blacklist"
}

// SchemaMigration records one applied migration step.
type SchemaMigration struct {
	Version   int       `gorm:"primarykey" json:"version"`
	AppliedAt time.Time `json:"applied_at"`
}

func (SchemaMigration) TableName() string {
	return "schema_migrations"
}
