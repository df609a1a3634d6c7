package store

import (
	"context"
	"database/sql"
	"time"
)

// LdxFile records that an observed LDX file has been processed.
type LdxFile struct {
	FileName    string    `json:"file_name"`
	Size        int64     `json:"size"`
	ModifiedAt  time.Time `json:"modified_at"`
	ContentHash string    `json:"content_hash"`
	FirstSeenAt time.Time `json:"first_seen_at"`
}

// InjectionRow is one injected entry in an LDX file.
type InjectionRow struct {
	FieldID    string    `json:"field_id"`
	Value      string    `json:"value"`
	WasUpdate  bool      `json:"was_update"`
	InjectedAt time.Time `json:"injected_at"`
}

// LdxFileStats aggregates injection counts for one file.
type LdxFileStats struct {
	FileName string `json:"file_name"`
	Total    int    `json:"total"`
	Updates  int    `json:"updates"`
	Static   int    `json:"static"`
}

// IsLdxProcessed reports whether (name, hash) has already been processed.
// A known name with a different hash counts as unprocessed so a rewritten
// file is injected again.
func (d *DB) IsLdxProcessed(ctx context.Context, name, hash string) (bool, error) {
	var stored string
	err := d.conn.QueryRowContext(ctx,
		`SELECT content_hash FROM ldx_files WHERE file_name = ?`, name).Scan(&stored)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, storeErr(err, "lookup ldx file")
	}
	return stored == hash, nil
}

// RecordLdxFile marks a file as processed inside the caller's transaction.
// Returns false when the same (name, hash) pair is already recorded; a
// changed hash updates the row in place and returns true.
func (d *DB) RecordLdxFile(ctx context.Context, tx *sql.Tx, name string, size int64, mtime time.Time, hash string) (bool, error) {
	var stored string
	err := tx.QueryRowContext(ctx,
		`SELECT content_hash FROM ldx_files WHERE file_name = ?`, name).Scan(&stored)
	switch {
	case err == sql.ErrNoRows:
		_, err = tx.ExecContext(ctx,
			`INSERT INTO ldx_files (file_name, size, modified_at, content_hash, first_seen_at) VALUES (?, ?, ?, ?, ?)`,
			name, size, formatTime(mtime), hash, formatTime(time.Now()))
		if err != nil {
			return false, storeErr(err, "insert ldx file")
		}
		return true, nil
	case err != nil:
		return false, storeErr(err, "lookup ldx file")
	case stored == hash:
		return false, nil
	default:
		_, err = tx.ExecContext(ctx,
			`UPDATE ldx_files SET size = ?, modified_at = ?, content_hash = ? WHERE file_name = ?`,
			size, formatTime(mtime), hash, name)
		if err != nil {
			return false, storeErr(err, "update ldx file")
		}
		return true, nil
	}
}

// AppendInjections writes the injection log rows for one file inside the
// caller's transaction.
func (d *DB) AppendInjections(ctx context.Context, tx *sql.Tx, fileName string, rows []InjectionRow) error {
	for _, r := range rows {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO injection_log (file_name, field_id, value, was_update, injected_at) VALUES (?, ?, ?, ?, ?)`,
			fileName, r.FieldID, r.Value, boolToInt(r.WasUpdate), formatTime(r.InjectedAt),
		); err != nil {
			return storeErr(err, "append injection row")
		}
	}
	return nil
}

// ListLdxFiles returns processed files, most recently seen first.
func (d *DB) ListLdxFiles(ctx context.Context) ([]LdxFile, error) {
	rows, err := d.conn.QueryContext(ctx,
		`SELECT file_name, size, modified_at, content_hash, first_seen_at FROM ldx_files ORDER BY first_seen_at DESC`)
	if err != nil {
		return nil, storeErr(err, "list ldx files")
	}
	defer rows.Close() //nolint:errcheck

	files := []LdxFile{}
	for rows.Next() {
		var (
			f        LdxFile
			modified string
			seen     string
		)
		if err := rows.Scan(&f.FileName, &f.Size, &modified, &f.ContentHash, &seen); err != nil {
			return nil, storeErr(err, "scan ldx file")
		}
		f.ModifiedAt = parseTime(modified)
		f.FirstSeenAt = parseTime(seen)
		files = append(files, f)
	}
	return files, rows.Err()
}

// LastLdxProcessedAt returns when the most recent file was processed, or the
// zero time if none has been.
func (d *DB) LastLdxProcessedAt(ctx context.Context) (time.Time, error) {
	var seen string
	err := d.conn.QueryRowContext(ctx,
		`SELECT first_seen_at FROM ldx_files ORDER BY first_seen_at DESC LIMIT 1`).Scan(&seen)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, storeErr(err, "last ldx processed")
	}
	return parseTime(seen), nil
}

// ListInjections returns the injection log for one file, newest first.
func (d *DB) ListInjections(ctx context.Context, fileName string) ([]InjectionRow, error) {
	rows, err := d.conn.QueryContext(ctx,
		`SELECT field_id, value, was_update, injected_at FROM injection_log WHERE file_name = ? ORDER BY injected_at DESC, id DESC`,
		fileName)
	if err != nil {
		return nil, storeErr(err, "list injections")
	}
	defer rows.Close() //nolint:errcheck

	out := []InjectionRow{}
	for rows.Next() {
		var (
			r          InjectionRow
			wasUpdate  int
			injectedAt string
		)
		if err := rows.Scan(&r.FieldID, &r.Value, &wasUpdate, &injectedAt); err != nil {
			return nil, storeErr(err, "scan injection row")
		}
		r.WasUpdate = wasUpdate != 0
		r.InjectedAt = parseTime(injectedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// LdxStats returns per-file injection counts, ordered by file name.
func (d *DB) LdxStats(ctx context.Context) ([]LdxFileStats, error) {
	rows, err := d.conn.QueryContext(ctx,
		`SELECT file_name, COUNT(*), COALESCE(SUM(was_update), 0)
		 FROM injection_log GROUP BY file_name ORDER BY file_name`)
	if err != nil {
		return nil, storeErr(err, "ldx stats")
	}
	defer rows.Close() //nolint:errcheck

	out := []LdxFileStats{}
	for rows.Next() {
		var s LdxFileStats
		if err := rows.Scan(&s.FileName, &s.Total, &s.Updates); err != nil {
			return nil, storeErr(err, "scan ldx stats")
		}
		s.Static = s.Total - s.Updates
		out = append(out, s)
	}
	return out, rows.Err()
}
