package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dbpath := filepath.Join(t.TempDir(), "test.sqlite")
	store, err := NewStore("sqlite://"+dbpath, 40, slog.Default())
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStoreRejectsUnknownURL(t *testing.T) {
	_, err := NewStore("mysql://localhost/nope", 10, nil)
	assert.Error(t, err)
}

func TestGuildSettingsRoundtrip(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	store := testStore(t)

	// a guild with no stored row has empty settings, not an error
	settings, err := store.GetGuildSettings(ctx, 101)
	assert.NoError(err)
	assert.Empty(settings)

	in := map[string]any{
		"prefix": "!",
		"channels": map[string]any{
			"modlog": "555",
		},
	}
	assert.NoError(store.PutGuildSettings(ctx, 101, in))

	out, err := store.GetGuildSettings(ctx, 101)
	assert.NoError(err)
	assert.Equal("!", out["prefix"])

	// upsert replaces the whole blob
	assert.NoError(store.PutGuildSettings(ctx, 101, map[string]any{"prefix": "?"}))
	out, err = store.GetGuildSettings(ctx, 101)
	assert.NoError(err)
	assert.Equal("?", out["prefix"])
	assert.NotContains(out, "channels")
}

func TestCaseNumbersPerGuild(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	store := testStore(t)

	for i := 0; i < 3; i++ {
		mc := &ModCase{GuildID: 1, UserID: 42, ModeratorID: 7, Action: "warn"}
		assert.NoError(store.CreateCase(ctx, mc))
		assert.Equal(int64(i+1), mc.CaseNumber)
	}

	// numbering is scoped per guild
	other := &ModCase{GuildID: 2, UserID: 42, ModeratorID: 7, Action: "ban"}
	assert.NoError(store.CreateCase(ctx, other))
	assert.Equal(int64(1), other.CaseNumber)

	mc, err := store.GetCase(ctx, 1, 2)
	assert.NoError(err)
	assert.Equal(uint64(42), mc.UserID)
	assert.True(mc.Active)

	_, err = store.GetCase(ctx, 1, 99)
	assert.ErrorIs(err, ErrNotFound)

	cases, err := store.ListUserCases(ctx, 1, 42)
	assert.NoError(err)
	assert.Len(cases, 3)
	// newest first
	assert.Equal(int64(3), cases[0].CaseNumber)

	assert.NoError(store.CloseCase(ctx, 1, 2))
	mc, err = store.GetCase(ctx, 1, 2)
	assert.NoError(err)
	assert.False(mc.Active)

	assert.ErrorIs(store.CloseCase(ctx, 1, 99), ErrNotFound)
}

func TestTransactionRollback(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	store := testStore(t)

	mc := &ModCase{GuildID: 1, UserID: 42, Action: "warn"}
	assert.NoError(store.CreateCase(ctx, mc))

	before, err := store.Stats(ctx)
	assert.NoError(err)

	boom := errors.New("midway failure")
	err = store.Transaction(ctx, func(tx *gorm.DB) error {
		if err := tx.Create(&ModCase{GuildID: 1, CaseNumber: 2, UserID: 43, Action: "ban"}).Error; err != nil {
			return err
		}
		if err := tx.Create(&Warning{GuildID: 1, UserID: 43, Reason: "x"}).Error; err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(err, boom)

	// storage state is identical to before the failed transaction
	after, err := store.Stats(ctx)
	assert.NoError(err)
	assert.Equal(before.RowCounts, after.RowCounts)

	var count int64
	assert.NoError(store.DB().Model(&Warning{}).Count(&count).Error)
	assert.Equal(int64(0), count)
}

func TestTransactionSerializesWriters(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	store := testStore(t)

	const writers = 8
	var wg sync.WaitGroup
	for g := 0; g < writers; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			mc := &ModCase{GuildID: 9, UserID: uint64(g + 1), Action: "warn"}
			assert.NoError(store.CreateCase(ctx, mc))
		}(g)
	}
	wg.Wait()

	// every writer observed the previous max, so numbers are dense
	var numbers []int64
	assert.NoError(store.DB().Model(&ModCase{}).
		Where("guild_id = ?", 9).
		Order("case_number ASC").
		Pluck("case_number", &numbers).Error)
	assert.Len(numbers, writers)
	for i, n := range numbers {
		assert.Equal(int64(i+1), n)
	}
}

func TestExecuteParameterized(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	store := testStore(t)

	assert.NoError(store.AddWarning(ctx, &Warning{GuildID: 1, UserID: 42, ModeratorID: 7, Reason: "spam"}))
	assert.NoError(store.AddWarning(ctx, &Warning{GuildID: 1, UserID: 42, ModeratorID: 7, Reason: "spam again"}))
	assert.NoError(store.AddWarning(ctx, &Warning{GuildID: 1, UserID: 99, ModeratorID: 7, Reason: "other"}))

	var rows []Warning
	err := store.Execute(ctx, &rows, "SELECT * FROM warnings WHERE guild_id = ? AND user_id = ?", 1, 42)
	assert.NoError(err)
	assert.Len(rows, 2)
}

func TestWarnings(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	store := testStore(t)

	for i := 0; i < 3; i++ {
		assert.NoError(store.AddWarning(ctx, &Warning{GuildID: 5, UserID: 42, Reason: fmt.Sprintf("w%d", i)}))
	}
	warnings, err := store.ListWarnings(ctx, 5, 42)
	assert.NoError(err)
	assert.Len(warnings, 3)

	cleared, err := store.ClearWarnings(ctx, 5, 42)
	assert.NoError(err)
	assert.Equal(int64(3), cleared)

	warnings, err = store.ListWarnings(ctx, 5, 42)
	assert.NoError(err)
	assert.Empty(warnings)
}

func TestModNotes(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	store := testStore(t)

	notes, err := store.ListModNotes(ctx, 5, 42)
	assert.NoError(err)
	assert.Empty(notes)

	assert.NoError(store.AddModNote(ctx, &ModNote{GuildID: 5, UserID: 42, ModeratorID: 7, Note: "first contact"}))
	assert.NoError(store.AddModNote(ctx, &ModNote{GuildID: 5, UserID: 42, ModeratorID: 8, Note: "repeat offender"}))
	// another user's notes stay out of the listing
	assert.NoError(store.AddModNote(ctx, &ModNote{GuildID: 5, UserID: 99, ModeratorID: 7, Note: "unrelated"}))

	notes, err = store.ListModNotes(ctx, 5, 42)
	assert.NoError(err)
	assert.Len(notes, 2)
	for _, n := range notes {
		assert.Equal(uint64(42), n.UserID)
	}
}

func TestTempBanExpiryScan(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	store := testStore(t)

	now := time.Now()
	assert.NoError(store.AddTempBan(ctx, &TempBan{GuildID: 1, UserID: 10, ExpiresAt: now.Add(-time.Hour)}))
	assert.NoError(store.AddTempBan(ctx, &TempBan{GuildID: 1, UserID: 11, ExpiresAt: now.Add(-time.Minute)}))
	assert.NoError(store.AddTempBan(ctx, &TempBan{GuildID: 1, UserID: 12, ExpiresAt: now.Add(time.Hour)}))

	expired, err := store.ExpiredTempBans(ctx, 1)
	assert.NoError(err)
	assert.Len(expired, 2)
	// oldest expiry first
	assert.Equal(uint64(10), expired[0].UserID)

	assert.NoError(store.RemoveTempBan(ctx, expired[0].ID))
	expired, err = store.ExpiredTempBans(ctx, 1)
	assert.NoError(err)
	assert.Len(expired, 1)
}

func TestBlacklist(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	store := testStore(t)

	assert.NoError(store.AddToBlacklist(ctx, &BlacklistEntry{UserID: 42, Reason: "abuse", AddedBy: 7}))
	// duplicate insert is a no-op
	assert.NoError(store.AddToBlacklist(ctx, &BlacklistEntry{UserID: 42, Reason: "again", AddedBy: 7}))

	entries, err := store.ListBlacklist(ctx)
	assert.NoError(err)
	assert.Len(entries, 1)
	assert.Equal("abuse", entries[0].Reason)

	blocked, err := store.IsBlacklisted(ctx, 42)
	assert.NoError(err)
	assert.True(blocked)
	blocked, err = store.IsBlacklisted(ctx, 43)
	assert.NoError(err)
	assert.False(blocked)

	assert.NoError(store.RemoveFromBlacklist(ctx, 42))
	entries, err = store.ListBlacklist(ctx)
	assert.NoError(err)
	assert.Empty(entries)

	blocked, err = store.IsBlacklisted(ctx, 42)
	assert.NoError(err)
	assert.False(blocked)
}

func TestTransientClassification(t *testing.T) {
	assert := assert.New(t)

	assert.False(isTransient(nil))
	assert.False(isTransient(errors.New("UNIQUE constraint failed: cases.guild_id")))

	assert.True(isTransient(errors.New("database is locked")))
	assert.True(isTransient(errors.New("database table is locked")))

	// postgres connection, serialization and deadlock failures are
	// retryable; constraint violations are not
	assert.True(isTransient(&pgconn.PgError{Code: "08006", Message: "connection failure"}))
	assert.True(isTransient(&pgconn.PgError{Code: "40001", Message: "serialization failure"}))
	assert.True(isTransient(&pgconn.PgError{Code: "40P01", Message: "deadlock detected"}))
	assert.True(isTransient(&pgconn.PgError{Code: "55P03", Message: "lock not available"}))
	assert.False(isTransient(&pgconn.PgError{Code: "23505", Message: "duplicate key"}))

	// wrapped driver errors still classify
	assert.True(isTransient(fmt.Errorf("saving case: %w", &pgconn.PgError{Code: "08000"})))
}

func TestBackupGuild(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	store := testStore(t)

	assert.NoError(store.PutGuildSettings(ctx, 1, map[string]any{"prefix": "!"}))
	assert.NoError(store.CreateCase(ctx, &ModCase{GuildID: 1, UserID: 42, Action: "warn", Reason: "spam"}))
	assert.NoError(store.AddWarning(ctx, &Warning{GuildID: 1, UserID: 42, Reason: "spam"}))
	// another guild's data must not leak into the export
	assert.NoError(store.CreateCase(ctx, &ModCase{GuildID: 2, UserID: 42, Action: "ban"}))

	blob, err := store.BackupGuild(ctx, 1)
	assert.NoError(err)

	var backup GuildBackup
	assert.NoError(json.Unmarshal(blob, &backup))
	assert.Equal(uint64(1), backup.GuildID)
	assert.Equal("!", backup.Settings["prefix"])
	assert.Len(backup.Cases, 1)
	assert.Len(backup.Warnings, 1)
}

func TestSnapshot(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	store := testStore(t)

	assert.NoError(store.PutGuildSettings(ctx, 1, map[string]any{"prefix": "!"}))

	path := filepath.Join(t.TempDir(), "snapshot.sqlite")
	assert.NoError(store.Snapshot(ctx, path))

	copied, err := NewStore("sqlite://"+path, 1, slog.Default())
	assert.NoError(err)
	defer copied.Close()

	settings, err := copied.GetGuildSettings(ctx, 1)
	assert.NoError(err)
	assert.Equal("!", settings["prefix"])
}

func TestStats(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	store := testStore(t)

	assert.NoError(store.PutGuildSettings(ctx, 1, map[string]any{}))
	assert.NoError(store.CreateCase(ctx, &ModCase{GuildID: 1, UserID: 42, Action: "warn"}))

	stats, err := store.Stats(ctx)
	assert.NoError(err)
	assert.Equal(int64(1), stats.RowCounts["guild_settings"])
	assert.Equal(int64(1), stats.RowCounts["cases"])
	assert.Equal(int64(0), stats.RowCounts["warnings"])
	assert.Greater(stats.SizeBytes, int64(0))
}
