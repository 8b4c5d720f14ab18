package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/odontoclinic/clinicbackup/internal/dbconn"
)

// BackupSettingsKey is the app_settings row holding the backup configuration.
const BackupSettingsKey = "backup"

// GetSetting returns the raw JSON value stored under key.
// The boolean is false when no row exists.
func (db *DB) GetSetting(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := db.SQL.QueryRowContext(ctx,
		db.rebind("SELECT setting_value FROM app_settings WHERE setting_key = ?"),
		key,
	).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get setting %s: %w", key, err)
	}
	return value, true, nil
}

// UpsertSetting creates or replaces the JSON value stored under key.
func (db *DB) UpsertSetting(ctx context.Context, key string, value []byte) error {
	query := `
		INSERT INTO app_settings (setting_key, setting_value, updated_at)
		VALUES ($1, $2::jsonb, NOW())
		ON CONFLICT (setting_key) DO UPDATE SET
			setting_value = EXCLUDED.setting_value,
			updated_at = EXCLUDED.updated_at`
	if db.Dialect == dbconn.DialectMySQL {
		query = `
		INSERT INTO app_settings (setting_key, setting_value, updated_at)
		VALUES (?, ?, NOW())
		ON DUPLICATE KEY UPDATE
			setting_value = VALUES(setting_value),
			updated_at = VALUES(updated_at)`
	}

	if _, err := db.SQL.ExecContext(ctx, query, key, string(value)); err != nil {
		return fmt.Errorf("upsert setting %s: %w", key, err)
	}
	return nil
}

// SettingsRow stores one settings document in app_settings.
type SettingsRow struct {
	handle Handle
	key    string
}

// NewSettingsRow creates a row-backed settings repository.
func NewSettingsRow(handle Handle, key string) *SettingsRow {
	return &SettingsRow{handle: handle, key: key}
}

// Name identifies the backing in logs.
func (r *SettingsRow) Name() string { return "database" }

// Load reads the stored document.
func (r *SettingsRow) Load(ctx context.Context) ([]byte, bool, error) {
	db, err := r.handle.Get(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("settings database unavailable: %w", err)
	}
	return db.GetSetting(ctx, r.key)
}

// Save replaces the stored document.
func (r *SettingsRow) Save(ctx context.Context, raw []byte) error {
	db, err := r.handle.Get(ctx)
	if err != nil {
		return fmt.Errorf("settings database unavailable: %w", err)
	}
	return db.UpsertSetting(ctx, r.key, raw)
}
