package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saqshy/saqshy/internal/audit"
	"github.com/saqshy/saqshy/internal/types"
)

func setupTestDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return db, mock, func() { db.Close() }
}

var decisionCols = []string{
	"id", "group_id", "user_id", "message_id", "risk_score", "verdict", "threat_type",
	"profile_signals", "content_signals", "behavior_signals", "network_signals",
	"llm_used", "llm_response", "llm_latency_ms",
	"action_taken", "message_deleted", "user_banned", "user_restricted",
	"degraded", "cancelled_stage",
	"override_admin_id", "override_at", "override_reason",
	"created_at", "processing_time_ms",
}

func sampleRow(id string, created time.Time) []driverValue {
	return []driverValue{
		id, int64(-100123), int64(42), int64(7), 82, "block", "crypto_scam",
		[]byte(`{"account_age_days":1}`), []byte(`{}`), []byte(`{}`), []byte(`{}`),
		false, "", int64(0),
		"blocked", true, false, false,
		false, "",
		nil, nil, "",
		created, int64(312),
	}
}

type driverValue = driver.Value

func TestDecisionRepoInsert(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := NewDecisionRepo(db)

	d := &types.Decision{
		ID:               "dec-1",
		GroupID:          -100123,
		UserID:           42,
		MessageID:        7,
		RiskScore:        82,
		Verdict:          types.VerdictBlock,
		ThreatType:       types.ThreatCryptoScam,
		ProfileSignals:   json.RawMessage(`{"account_age_days":1}`),
		ActionTaken:      "blocked",
		MessageDeleted:   true,
		CreatedAt:        time.Now().UTC(),
		ProcessingTimeMS: 312,
	}

	mock.ExpectExec("INSERT INTO moderation_decisions").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Insert(context.Background(), d))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDecisionRepoGetByID(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := NewDecisionRepo(db)

	created := time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT(.+)FROM moderation_decisions").
		WithArgs("dec-1").
		WillReturnRows(sqlmock.NewRows(decisionCols).AddRow(sampleRow("dec-1", created)...))

	d, err := repo.GetByID(context.Background(), "dec-1")
	require.NoError(t, err)
	assert.Equal(t, "dec-1", d.ID)
	assert.Equal(t, types.VerdictBlock, d.Verdict)
	assert.Equal(t, types.ThreatCryptoScam, d.ThreatType)
	assert.Equal(t, 82, d.RiskScore)
	assert.True(t, d.MessageDeleted)
	assert.Nil(t, d.Override)
	assert.JSONEq(t, `{"account_age_days":1}`, string(d.ProfileSignals))
}

func TestDecisionRepoGetByIDNotFound(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := NewDecisionRepo(db)

	mock.ExpectQuery("SELECT(.+)FROM moderation_decisions").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetByID(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDecisionRepoListByGroupWithFilters(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := NewDecisionRepo(db)

	since := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	verdict := types.VerdictBlock

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM moderation_decisions").
		WithArgs(int64(-100123), "block", since).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	mock.ExpectQuery("SELECT(.+)ORDER BY created_at DESC").
		WithArgs(int64(-100123), "block", since, 10, 0).
		WillReturnRows(sqlmock.NewRows(decisionCols).
			AddRow(sampleRow("dec-2", since.Add(2*time.Hour))...).
			AddRow(sampleRow("dec-1", since.Add(time.Hour))...))

	list, total, err := repo.ListByGroup(context.Background(), -100123, audit.Filter{
		Verdict: &verdict,
		Since:   since,
		Limit:   10,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, list, 2)
	assert.Equal(t, "dec-2", list[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDecisionRepoListByUser(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := NewDecisionRepo(db)

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM moderation_decisions").
		WithArgs(int64(-100123), int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery("SELECT(.+)ORDER BY created_at DESC").
		WithArgs(int64(-100123), int64(42), 50, 0).
		WillReturnRows(sqlmock.NewRows(decisionCols).AddRow(sampleRow("dec-1", time.Now())...))

	list, total, err := repo.ListByUser(context.Background(), -100123, 42, audit.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, list, 1)
	assert.Equal(t, int64(42), list[0].UserID)
}

func TestDecisionRepoRecordOverride(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := NewDecisionRepo(db)

	at := time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)
	o := types.Override{AdminID: 99, At: at, Reason: "false positive"}

	mock.ExpectExec("UPDATE moderation_decisions").
		WithArgs(int64(99), at, "false positive", "restored", "dec-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.RecordOverride(context.Background(), "dec-1", o, "restored"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDecisionRepoRecordOverrideMissing(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := NewDecisionRepo(db)

	mock.ExpectExec("UPDATE moderation_decisions").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.RecordOverride(context.Background(), "gone", types.Override{AdminID: 99}, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDecisionRepoStats(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := NewDecisionRepo(db)

	since := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	until := since.Add(24 * time.Hour)

	mock.ExpectQuery("SELECT verdict, COUNT\\(\\*\\)").
		WithArgs(int64(-100123), since, until).
		WillReturnRows(sqlmock.NewRows([]string{"verdict", "count"}).
			AddRow("allow", 90).
			AddRow("block", 8).
			AddRow("review", 2))
	mock.ExpectQuery("SELECT COALESCE\\(AVG").
		WithArgs(int64(-100123), since, until).
		WillReturnRows(sqlmock.NewRows([]string{"avg_ms", "llm_frac"}).AddRow(145.5, 0.04))

	stats, err := repo.Stats(context.Background(), -100123, since, until)
	require.NoError(t, err)
	assert.Equal(t, 100, stats.Total)
	assert.Equal(t, 8, stats.ByVerdict["block"])
	assert.InDelta(t, 145.5, stats.AvgProcessingMS, 0.01)
	assert.InDelta(t, 0.04, stats.LLMUsedFraction, 0.001)
}

func TestDecisionRepoScanOverride(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := NewDecisionRepo(db)

	created := time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC)
	row := sampleRow("dec-1", created)
	row[20] = int64(99)                    // override_admin_id
	row[21] = created.Add(time.Hour)       // override_at
	row[22] = "admin restored the message" // override_reason

	mock.ExpectQuery("SELECT(.+)FROM moderation_decisions").
		WithArgs("dec-1").
		WillReturnRows(sqlmock.NewRows(decisionCols).AddRow(row...))

	d, err := repo.GetByID(context.Background(), "dec-1")
	require.NoError(t, err)
	require.NotNil(t, d.Override)
	assert.Equal(t, int64(99), d.Override.AdminID)
	assert.Equal(t, "admin restored the message", d.Override.Reason)
}
