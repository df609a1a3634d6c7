package store

import (
	"context"
	"database/sql"
	"time"
)

// FormValue is the current stored value of one form field.
type FormValue struct {
	Role          string
	FieldName     string
	Value         *string
	PreviousValue *string
	UpdatedAt     time.Time
	UpdatedBy     *int64
}

// AuditEntry is one append-only row of the field-level audit log.
type AuditEntry struct {
	ID            int64     `json:"id"`
	FormName      string    `json:"form_name"`
	FieldName     string    `json:"field_name"`
	OldValue      *string   `json:"old_value"`
	NewValue      *string   `json:"new_value"`
	ChangedAt     time.Time `json:"changed_at"`
	ChangedBy     *int64    `json:"changed_by"`
	ChangedByName *string   `json:"changed_by_name"`
}

// UpsertFormValue writes one field inside the caller's transaction. When the
// incoming value differs from the stored one it appends an audit row and
// rolls previous_value forward to the pre-upsert value. Returns the stored
// value before the call and whether anything changed.
func (d *DB) UpsertFormValue(ctx context.Context, tx *sql.Tx, formName, role, field string, value *string, userID *int64, now time.Time) (old *string, changed bool, err error) {
	var stored sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT value FROM form_values WHERE role = ? AND field_name = ?`, role, field,
	).Scan(&stored)
	exists := err != sql.ErrNoRows
	if err != nil && err != sql.ErrNoRows {
		return nil, false, storeErr(err, "get form value")
	}
	if stored.Valid {
		old = &stored.String
	}

	changed = !ptrEqual(old, value)
	ts := formatTime(now)

	if exists {
		if changed {
			_, err = tx.ExecContext(ctx,
				`UPDATE form_values SET previous_value = value, value = ?, updated_at = ?, updated_by = ? WHERE role = ? AND field_name = ?`,
				value, ts, userID, role, field)
		} else {
			_, err = tx.ExecContext(ctx,
				`UPDATE form_values SET updated_at = ?, updated_by = ? WHERE role = ? AND field_name = ?`,
				ts, userID, role, field)
		}
	} else {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO form_values (role, field_name, value, previous_value, updated_at, updated_by) VALUES (?, ?, ?, NULL, ?, ?)`,
			role, field, value, ts, userID)
	}
	if err != nil {
		return nil, false, storeErr(err, "upsert form value")
	}

	if changed {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO audit_log (form_name, field_name, old_value, new_value, changed_at, changed_by) VALUES (?, ?, ?, ?, ?, ?)`,
			formName, field, old, value, ts, userID,
		); err != nil {
			return nil, false, storeErr(err, "append audit entry")
		}
	}
	return old, changed, nil
}

// ListValues returns all stored values for a role, keyed by field name.
func (d *DB) ListValues(ctx context.Context, role string) (map[string]FormValue, error) {
	rows, err := d.conn.QueryContext(ctx,
		`SELECT field_name, value, previous_value, updated_at, updated_by FROM form_values WHERE role = ?`, role)
	if err != nil {
		return nil, storeErr(err, "list form values")
	}
	defer rows.Close() //nolint:errcheck

	out := make(map[string]FormValue)
	for rows.Next() {
		var (
			v         FormValue
			value     sql.NullString
			prev      sql.NullString
			updatedAt string
			updatedBy sql.NullInt64
		)
		if err := rows.Scan(&v.FieldName, &value, &prev, &updatedAt, &updatedBy); err != nil {
			return nil, storeErr(err, "scan form value")
		}
		v.Role = role
		if value.Valid {
			v.Value = &value.String
		}
		if prev.Valid {
			v.PreviousValue = &prev.String
		}
		if updatedBy.Valid {
			v.UpdatedBy = &updatedBy.Int64
		}
		v.UpdatedAt = parseTime(updatedAt)
		out[v.FieldName] = v
	}
	return out, rows.Err()
}

// ListAudit returns one page of the audit log, newest first, with usernames
// resolved, plus the total row count.
func (d *DB) ListAudit(ctx context.Context, offset, limit int) ([]AuditEntry, int, error) {
	var total int
	if err := d.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_log`).Scan(&total); err != nil {
		return nil, 0, storeErr(err, "count audit entries")
	}

	rows, err := d.conn.QueryContext(ctx,
		`SELECT a.id, a.form_name, a.field_name, a.old_value, a.new_value, a.changed_at, a.changed_by, u.username
		 FROM audit_log a LEFT JOIN users u ON u.id = a.changed_by
		 ORDER BY a.changed_at DESC, a.id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, storeErr(err, "list audit entries")
	}
	defer rows.Close() //nolint:errcheck

	items := []AuditEntry{}
	for rows.Next() {
		var (
			e         AuditEntry
			oldV      sql.NullString
			newV      sql.NullString
			changedAt string
			changedBy sql.NullInt64
			name      sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.FormName, &e.FieldName, &oldV, &newV, &changedAt, &changedBy, &name); err != nil {
			return nil, 0, storeErr(err, "scan audit entry")
		}
		if oldV.Valid {
			e.OldValue = &oldV.String
		}
		if newV.Valid {
			e.NewValue = &newV.String
		}
		if changedBy.Valid {
			e.ChangedBy = &changedBy.Int64
		}
		if name.Valid {
			e.ChangedByName = &name.String
		}
		e.ChangedAt = parseTime(changedAt)
		items = append(items, e)
	}
	return items, total, rows.Err()
}

func ptrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
