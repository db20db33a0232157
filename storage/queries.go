package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GetGuildSettings returns the decoded settings blob for a guild. A guild
// with no stored row gets an empty map, not an error.
func (s *Store) GetGuildSettings(ctx context.Context, guildID uint64) (map[string]any, error) {
	var row GuildSettings
	err := s.db.WithContext(ctx).First(&row, "guild_id = ?", guildID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, err
	}

	out := map[string]any{}
	if row.Settings != "" {
		if err := json.Unmarshal([]byte(row.Settings), &out); err != nil {
			return nil, fmt.Errorf("decoding settings for guild %d: %w", guildID, err)
		}
	}
	return out, nil
}

// PutGuildSettings upserts the full settings blob for a guild. The caller
// is responsible for invalidating the "settings" cache domain afterwards.
func (s *Store) PutGuildSettings(ctx context.Context, guildID uint64, settings map[string]any) error {
	blob, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encoding settings for guild %d: %w", guildID, err)
	}
	return s.Transaction(ctx, func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "guild_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"settings", "updated_at"}),
		}).Create(&GuildSettings{GuildID: guildID, Settings: string(blob)}).Error
	})
}

// CreateCase stores a new moderation case, assigning the next per-guild
// case number inside the write transaction.
func (s *Store) CreateCase(ctx context.Context, mc *ModCase) error {
	return s.Transaction(ctx, func(tx *gorm.DB) error {
		var maxNumber int64
		err := tx.Model(&ModCase{}).
			Where("guild_id = ?", mc.GuildID).
			Select("COALESCE(MAX(case_number), 0)").
			Scan(&maxNumber).Error
		if err != nil {
			return err
		}
		mc.CaseNumber = maxNumber + 1
		mc.Active = true
		return tx.Create(mc).Error
	})
}

func (s *Store) GetCase(ctx context.Context, guildID uint64, caseNumber int64) (*ModCase, error) {
	var mc ModCase
	err := s.db.WithContext(ctx).
		First(&mc, "guild_id = ? AND case_number = ?", guildID, caseNumber).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: case %d in guild %d", ErrNotFound, caseNumber, guildID)
	}
	if err != nil {
		return nil, err
	}
	return &mc, nil
}

func (s *Store) ListUserCases(ctx context.Context, guildID, userID uint64) ([]ModCase, error) {
	var cases []ModCase
	err := s.db.WithContext(ctx).
		Where("guild_id = ? AND user_id = ?", guildID, userID).
		Order("case_number DESC").
		Find(&cases).Error
	return cases, err
}

// CloseCase marks a case inactive, e.g. when a tempban expires.
func (s *Store) CloseCase(ctx context.Context, guildID uint64, caseNumber int64) error {
	return s.Transaction(ctx, func(tx *gorm.DB) error {
		res := tx.Model(&ModCase{}).
			Where("guild_id = ? AND case_number = ?", guildID, caseNumber).
			Update("active", false)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: case %d in guild %d", ErrNotFound, caseNumber, guildID)
		}
		return nil
	})
}

func (s *Store) AddWarning(ctx context.Context, w *Warning) error {
	return s.Transaction(ctx, func(tx *gorm.DB) error {
		return tx.Create(w).Error
	})
}

func (s *Store) ListWarnings(ctx context.Context, guildID, userID uint64) ([]Warning, error) {
	var warnings []Warning
	err := s.db.WithContext(ctx).
		Where("guild_id = ? AND user_id = ?", guildID, userID).
		Order("created_at DESC").
		Find(&warnings).Error
	return warnings, err
}

func (s *Store) ClearWarnings(ctx context.Context, guildID, userID uint64) (int64, error) {
	var cleared int64
	err := s.Transaction(ctx, func(tx *gorm.DB) error {
		res := tx.Where("guild_id = ? AND user_id = ?", guildID, userID).Delete(&Warning{})
		cleared = res.RowsAffected
		return res.Error
	})
	return cleared, err
}

func (s *Store) AddModNote(ctx context.Context, n *ModNote) error {
	return s.Transaction(ctx, func(tx *gorm.DB) error {
		return tx.Create(n).Error
	})
}

func (s *Store) ListModNotes(ctx context.Context, guildID, userID uint64) ([]ModNote, error) {
	var notes []ModNote
	err := s.db.WithContext(ctx).
		Where("guild_id = ? AND user_id = ?", guildID, userID).
		Order("created_at DESC").
		Find(&notes).Error
	return notes, err
}

func (s *Store) AddTempBan(ctx context.Context, tb *TempBan) error {
	return s.Transaction(ctx, func(tx *gorm.DB) error {
		return tx.Create(tb).Error
	})
}

// ExpiredTempBans returns bans due for lifting in a guild, oldest first.
// Served by the (guild_id, expires_at) index.
func (s *Store) ExpiredTempBans(ctx context.Context, guildID uint64) ([]TempBan, error) {
	var bans []TempBan
	err := s.db.WithContext(ctx).
		Where("guild_id = ? AND expires_at <= ?", guildID, time.Now().UTC()).
		Order("expires_at ASC").
		Find(&bans).Error
	return bans, err
}

func (s *Store) RemoveTempBan(ctx context.Context, id uint) error {
	return s.Transaction(ctx, func(tx *gorm.DB) error {
		return tx.Delete(&TempBan{}, id).Error
	})
}

func (s *Store) AddToBlacklist(ctx context.Context, e *BlacklistEntry) error {
	return s.Transaction(ctx, func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(e).Error
	})
}

func (s *Store) RemoveFromBlacklist(ctx context.Context, userID uint64) error {
	return s.Transaction(ctx, func(tx *gorm.DB) error {
		return tx.Delete(&BlacklistEntry{}, "user_id = ?", userID).Error
	})
}

func (s *Store) ListBlacklist(ctx context.Context) ([]BlacklistEntry, error) {
	var entries []BlacklistEntry
	err := s.db.WithContext(ctx).Find(&entries).Error
	return entries, err
}

func (s *Store) IsBlacklisted(ctx context.Context, userID uint64) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&BlacklistEntry{}).
		Where("user_id = ?", userID).
		Count(&count).Error
	return count > 0, err
}
