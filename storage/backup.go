package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

const backupRowLimit = 1000

// GuildBackup is a point-in-time JSON export of one guild's data.
type GuildBackup struct {
	GuildID   uint64         `json:"guild_id"`
	Timestamp time.Time      `json:"timestamp"`
	Settings  map[string]any `json:"settings"`
	Cases     []ModCase      `json:"cases"`
	Warnings  []Warning      `json:"warnings"`
}

// BackupGuild exports a guild's settings, recent cases, and recent warnings
// as JSON. Reads only, so it runs concurrently with normal traffic; each
// row set is capped at 1000 most recent rows.
func (s *Store) BackupGuild(ctx context.Context, guildID uint64) ([]byte, error) {
	settings, err := s.GetGuildSettings(ctx, guildID)
	if err != nil {
		return nil, err
	}

	backup := GuildBackup{
		GuildID:   guildID,
		Timestamp: time.Now().UTC(),
		Settings:  settings,
	}

	err = s.db.WithContext(ctx).
		Where("guild_id = ?", guildID).
		Order("created_at DESC").
		Limit(backupRowLimit).
		Find(&backup.Cases).Error
	if err != nil {
		return nil, err
	}

	err = s.db.WithContext(ctx).
		Where("guild_id = ?", guildID).
		Order("created_at DESC").
		Limit(backupRowLimit).
		Find(&backup.Warnings).Error
	if err != nil {
		return nil, err
	}

	return json.MarshalIndent(backup, "", "  ")
}

// Snapshot writes a consistent copy of the whole sqlite database to path
// using VACUUM INTO, which reads a point-in-time view without blocking
// concurrent readers. It briefly serializes with writers via the write lock.
func (s *Store) Snapshot(ctx context.Context, path string) error {
	if !s.sqlite {
		return fmt.Errorf("snapshot is only supported for sqlite databases")
	}
	s.writeLk.Lock()
	defer s.writeLk.Unlock()
	return s.db.WithContext(ctx).Exec("VACUUM INTO ?", path).Error
}

// DBStats is read-only introspection over the store.
type DBStats struct {
	SizeBytes int64            `json:"size_bytes"`
	RowCounts map[string]int64 `json:"row_counts"`
}

// Stats reports per-table row counts, plus database size on sqlite
// (page_count * page_size).
func (s *Store) Stats(ctx context.Context) (*DBStats, error) {
	stats := &DBStats{RowCounts: make(map[string]int64)}

	for name, model := range map[string]any{
		GuildSettings{}.TableName():  &GuildSettings{},
		ModCase{}.TableName():        &ModCase{},
		Warning{}.TableName():        &Warning{},
		ModNote{}.TableName():        &ModNote{},
		TempBan{}.TableName():        &TempBan{},
		BlacklistEntry{}.TableName(): &BlacklistEntry{},
	} {
		var count int64
		if err := s.db.WithContext(ctx).Model(model).Count(&count).Error; err != nil {
			return nil, fmt.Errorf("counting %s: %w", name, err)
		}
		stats.RowCounts[name] = count
	}

	if s.sqlite {
		var pageCount, pageSize int64
		if err := s.db.WithContext(ctx).Raw("PRAGMA page_count").Scan(&pageCount).Error; err != nil {
			return nil, err
		}
		if err := s.db.WithContext(ctx).Raw("PRAGMA page_size").Scan(&pageSize).Error; err != nil {
			return nil, err
		}
		stats.SizeBytes = pageCount * pageSize
	}

	return stats, nil
}
