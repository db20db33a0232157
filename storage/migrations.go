package storage

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

type migration struct {
	version int
	name    string
	up      func(tx *gorm.DB) error
}

// Migrations run in increasing version order, each in its own write
// transaction, and are recorded in schema_migrations. Steps must stay
// additive so that re-running any prefix is harmless.
var migrations = []migration{
	{
		version: 1,
		name:    "core moderation tables",
		up: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&GuildSettings{}, &ModCase{}, &Warning{}, &ModNote{})
		},
	},
	{
		version: 2,
		name:    "tempbans with expiry index",
		up: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&TempBan{})
		},
	},
	{
		version: 3,
		name:    "service-wide blacklist",
		up: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&BlacklistEntry{})
		},
	},
}

// SchemaVersion reports the highest applied migration version, zero for a
// fresh database.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	if !s.db.Migrator().HasTable(&SchemaMigration{}) {
		return 0, nil
	}
	var current int
	err := s.db.WithContext(ctx).
		Model(&SchemaMigration{}).
		Select("COALESCE(MAX(version), 0)").
		Scan(&current).Error
	if err != nil {
		return 0, err
	}
	return current, nil
}

// Migrate applies any migration steps beyond the stored schema version.
// Safe to call on every startup. A database versioned ahead of this binary
// is ErrSchemaMismatch; callers must treat that as fatal and refuse to
// serve traffic.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&SchemaMigration{}); err != nil {
		return fmt.Errorf("preparing migration table: %w", err)
	}

	current, err := s.SchemaVersion(ctx)
	if err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}
	latest := migrations[len(migrations)-1].version
	if current > latest {
		return fmt.Errorf("%w: database at version %d, binary supports up to %d", ErrSchemaMismatch, current, latest)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		err := s.Transaction(ctx, func(tx *gorm.DB) error {
			if err := m.up(tx); err != nil {
				return err
			}
			return tx.Create(&SchemaMigration{Version: m.version, AppliedAt: time.Now().UTC()}).Error
		})
		if err != nil {
			return fmt.Errorf("applying migration %d (%s): %w", m.version, m.name, err)
		}
		s.logger.Info("applied schema migration", "version", m.version, "name", m.name)
	}
	return nil
}
