package postgres

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saqshy/saqshy/internal/config"
)

var groupCols = []string{
	"group_type", "sensitivity", "sandbox_enabled", "sandbox_duration_hours",
	"linked_channel_id", "admin_chat_id", "link_whitelist", "language",
}

func TestGroupConfigSettings(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := NewGroupConfigRepo(db)

	mock.ExpectQuery("SELECT(.+)FROM group_settings").
		WithArgs(int64(-100123)).
		WillReturnRows(sqlmock.NewRows(groupCols).
			AddRow("deals", 7, true, 48, int64(-100999), int64(-100777),
				pq.StringArray{"shop.example.com"}, "ru"))

	s, err := repo.Settings(context.Background(), -100123)
	require.NoError(t, err)
	assert.Equal(t, "deals", s.GroupType)
	assert.Equal(t, 7, s.Sensitivity)
	assert.Equal(t, 48, s.SandboxDurationHours)
	assert.Equal(t, int64(-100999), s.LinkedChannelID)
	assert.Equal(t, []string{"shop.example.com"}, s.LinkWhitelist)
}

func TestGroupConfigSettingsMissingRowIsDefaults(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := NewGroupConfigRepo(db)

	mock.ExpectQuery("SELECT(.+)FROM group_settings").
		WithArgs(int64(-100555)).
		WillReturnRows(sqlmock.NewRows(groupCols))

	s, err := repo.Settings(context.Background(), -100555)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultGroupSettings(), s)
}

func TestGroupConfigSettingsNormalizesStoredRow(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := NewGroupConfigRepo(db)

	// A row written before validation existed: bogus type, out-of-range
	// sensitivity.
	mock.ExpectQuery("SELECT(.+)FROM group_settings").
		WithArgs(int64(-100123)).
		WillReturnRows(sqlmock.NewRows(groupCols).
			AddRow("spam-chat", 99, true, 0, int64(0), int64(0), pq.StringArray{}, ""))

	s, err := repo.Settings(context.Background(), -100123)
	require.NoError(t, err)
	assert.Equal(t, "general", s.GroupType)
	assert.Equal(t, 10, s.Sensitivity)
	assert.Equal(t, 24, s.SandboxDurationHours)
	assert.Equal(t, "ru", s.Language)
}

func TestGroupConfigUpsert(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := NewGroupConfigRepo(db)

	mock.ExpectExec("INSERT INTO group_settings").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Upsert(context.Background(), -100123, config.GroupSettings{
		GroupType:     "crypto",
		Sensitivity:   9,
		LinkWhitelist: []string{"docs.example.com"},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGroupConfigDeleteMissing(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := NewGroupConfigRepo(db)

	mock.ExpectExec("DELETE FROM group_settings").
		WithArgs(int64(-100555)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.ErrorIs(t, repo.Delete(context.Background(), -100555), ErrNotFound)
}

func TestGroupConfigList(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := NewGroupConfigRepo(db)

	cols := append([]string{"chat_id"}, groupCols...)
	mock.ExpectQuery("SELECT(.+)FROM group_settings(.+)ORDER BY chat_id").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(int64(-100123), "deals", 7, true, 24, int64(0), int64(0), pq.StringArray{}, "ru").
			AddRow(int64(-100456), "tech", 4, false, 24, int64(0), int64(0), pq.StringArray{}, "en"))

	all, err := repo.List(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "deals", all[-100123].GroupType)
	assert.Equal(t, "en", all[-100456].Language)
}
