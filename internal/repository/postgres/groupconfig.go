package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/saqshy/saqshy/internal/config"
)

// GroupConfigRepo persists per-group moderation settings. A group without a
// stored row runs on config-file defaults; rows only hold admin overrides.
type GroupConfigRepo struct{ db *sql.DB }

// NewGroupConfigRepo creates a Postgres-backed group settings store.
func NewGroupConfigRepo(db *sql.DB) *GroupConfigRepo { return &GroupConfigRepo{db: db} }

// Settings returns the stored settings for a chat, normalized. A missing row
// returns the defaults and no error.
func (r *GroupConfigRepo) Settings(ctx context.Context, chatID int64) (config.GroupSettings, error) {
	s, found, err := r.Lookup(ctx, chatID)
	if err != nil {
		return config.GroupSettings{}, err
	}
	if !found {
		return config.DefaultGroupSettings(), nil
	}
	return s, nil
}

// Lookup returns the stored settings for a chat and whether a row exists, so
// callers can chain their own fallback (config file, defaults) on a miss.
func (r *GroupConfigRepo) Lookup(ctx context.Context, chatID int64) (config.GroupSettings, bool, error) {
	var (
		s         config.GroupSettings
		whitelist pq.StringArray
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT group_type, sensitivity, sandbox_enabled, sandbox_duration_hours,
		       COALESCE(linked_channel_id, 0), COALESCE(admin_chat_id, 0),
		       link_whitelist, language
		FROM group_settings
		WHERE chat_id = $1
	`, chatID).Scan(&s.GroupType, &s.Sensitivity, &s.SandboxEnabled, &s.SandboxDurationHours,
		&s.LinkedChannelID, &s.AdminChatID, &whitelist, &s.Language)
	if errors.Is(err, sql.ErrNoRows) {
		return config.GroupSettings{}, false, nil
	}
	if err != nil {
		return config.GroupSettings{}, false, fmt.Errorf("get group settings: %w", err)
	}
	s.LinkWhitelist = []string(whitelist)
	return s.Normalize(), true, nil
}

// Upsert stores the settings for a chat, replacing any previous row.
func (r *GroupConfigRepo) Upsert(ctx context.Context, chatID int64, s config.GroupSettings) error {
	s = s.Normalize()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO group_settings
			(chat_id, group_type, sensitivity, sandbox_enabled, sandbox_duration_hours,
			 linked_channel_id, admin_chat_id, link_whitelist, language, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (chat_id) DO UPDATE SET
			group_type = EXCLUDED.group_type,
			sensitivity = EXCLUDED.sensitivity,
			sandbox_enabled = EXCLUDED.sandbox_enabled,
			sandbox_duration_hours = EXCLUDED.sandbox_duration_hours,
			linked_channel_id = EXCLUDED.linked_channel_id,
			admin_chat_id = EXCLUDED.admin_chat_id,
			link_whitelist = EXCLUDED.link_whitelist,
			language = EXCLUDED.language,
			updated_at = NOW()
	`, chatID, s.GroupType, s.Sensitivity, s.SandboxEnabled, s.SandboxDurationHours,
		nullInt64(s.LinkedChannelID), nullInt64(s.AdminChatID),
		pq.Array(s.LinkWhitelist), s.Language)
	if err != nil {
		return fmt.Errorf("upsert group settings: %w", err)
	}
	return nil
}

// Delete removes a chat's overrides so it reverts to defaults.
func (r *GroupConfigRepo) Delete(ctx context.Context, chatID int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM group_settings WHERE chat_id = $1`, chatID)
	if err != nil {
		return fmt.Errorf("delete group settings: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns every configured chat and its settings.
func (r *GroupConfigRepo) List(ctx context.Context) (map[int64]config.GroupSettings, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT chat_id, group_type, sensitivity, sandbox_enabled, sandbox_duration_hours,
		       COALESCE(linked_channel_id, 0), COALESCE(admin_chat_id, 0),
		       link_whitelist, language
		FROM group_settings
		ORDER BY chat_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list group settings: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]config.GroupSettings)
	for rows.Next() {
		var (
			chatID    int64
			s         config.GroupSettings
			whitelist pq.StringArray
		)
		if err := rows.Scan(&chatID, &s.GroupType, &s.Sensitivity, &s.SandboxEnabled,
			&s.SandboxDurationHours, &s.LinkedChannelID, &s.AdminChatID,
			&whitelist, &s.Language); err != nil {
			return nil, fmt.Errorf("scan group settings: %w", err)
		}
		s.LinkWhitelist = []string(whitelist)
		out[chatID] = s.Normalize()
	}
	return out, rows.Err()
}

// nullInt64 maps the zero chat/channel ID to NULL.
func nullInt64(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}
