package store

import (
	"context"
	"database/sql"
	"strings"

	"github.com/rennteam/pitwall/internal/apperr"
)

// ExportSnapshot produces a consistent copy of the database at dst.
// VACUUM INTO runs under SQLite's own shared lock, so concurrent writers
// are quiesced for the duration without closing the connection.
func (d *DB) ExportSnapshot(ctx context.Context, dst string) error {
	// VACUUM INTO does not accept bound parameters for the target path.
	quoted := strings.ReplaceAll(dst, "'", "''")
	if _, err := d.conn.ExecContext(ctx, `VACUUM INTO '`+quoted+`'`); err != nil {
		return apperr.Wrap(apperr.Storage, err, "export snapshot")
	}
	return nil
}

// ClearRuntimeData deletes form values, audit entries, LDX records, and the
// injection log. Users, sensors, settings, and user prefs are preserved.
func (d *DB) ClearRuntimeData(ctx context.Context) error {
	return d.Tx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"injection_log", "ldx_files", "audit_log", "form_values"} {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
				return storeErr(err, "clear "+table)
			}
		}
		return nil
	})
}
