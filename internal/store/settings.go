package store

import (
	"context"
	"database/sql"
	"time"
)

// Setting keys. Settings are a small key/value table holding the runtime
// knobs that admins can change without a restart.
const (
	SettingWatchDir         = "watch_directory"
	SettingSerialConfig     = "serial_config"
	SettingSourcePreference = "source_preference"
)

// GetSetting returns the value for key, or "" when unset.
func (d *DB) GetSetting(ctx context.Context, key string) (string, error) {
	var v string
	err := d.conn.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", storeErr(err, "get setting")
	}
	return v, nil
}

// SetSetting writes a key/value pair.
func (d *DB) SetSetting(ctx context.Context, key, value string) error {
	_, err := d.conn.ExecContext(ctx,
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, formatTime(time.Now()))
	return storeErr(err, "set setting")
}

// GetUserPref returns one preference blob for a user, or nil when unset.
func (d *DB) GetUserPref(ctx context.Context, userID int64, key string) (*string, error) {
	var v string
	err := d.conn.QueryRowContext(ctx,
		`SELECT value FROM user_prefs WHERE user_id = ? AND key = ?`, userID, key).Scan(&v)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr(err, "get user pref")
	}
	return &v, nil
}

// SetUserPref writes one preference blob for a user.
func (d *DB) SetUserPref(ctx context.Context, userID int64, key, value string) error {
	_, err := d.conn.ExecContext(ctx,
		`INSERT INTO user_prefs (user_id, key, value, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(user_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		userID, key, value, formatTime(time.Now()))
	return storeErr(err, "set user pref")
}
