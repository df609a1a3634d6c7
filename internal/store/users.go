package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/rennteam/pitwall/internal/apperr"
)

// User is an account row with its subteam roles resolved.
type User struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	IsAdmin   bool      `json:"is_admin"`
	Roles     []string  `json:"roles"`
	CreatedAt time.Time `json:"-"`
}

// CreateUser inserts a user and its role links in one transaction.
// Invariant: admins carry no roles; non-admins carry one or two.
func (d *DB) CreateUser(ctx context.Context, username, passwordHash string, isAdmin bool, roles []string) (*User, error) {
	if isAdmin && len(roles) > 0 {
		return nil, apperr.New(apperr.Validation, "admin cannot have subteam roles")
	}
	if !isAdmin && (len(roles) < 1 || len(roles) > 2) {
		return nil, apperr.New(apperr.Validation, "non-admin users need one or two roles")
	}

	now := time.Now()
	var id int64
	err := d.Tx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO users (username, password_hash, is_admin, created_at) VALUES (?, ?, ?, ?)`,
			username, passwordHash, boolToInt(isAdmin), formatTime(now),
		)
		if err != nil {
			return storeErr(err, "insert user")
		}
		id, err = res.LastInsertId()
		if err != nil {
			return storeErr(err, "insert user")
		}
		for _, role := range roles {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO user_roles (user_id, role) VALUES (?, ?)`, id, role,
			); err != nil {
				return storeErr(err, "insert user role")
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &User{ID: id, Username: username, IsAdmin: isAdmin, Roles: roles, CreatedAt: now}, nil
}

// GetUserByName returns the user with the given username, or a NotFound
// error.
func (d *DB) GetUserByName(ctx context.Context, username string) (*User, error) {
	return d.getUser(ctx, `SELECT id, username, is_admin, created_at FROM users WHERE username = ?`, username)
}

// GetUserByID returns the user with the given id, or a NotFound error.
func (d *DB) GetUserByID(ctx context.Context, id int64) (*User, error) {
	return d.getUser(ctx, `SELECT id, username, is_admin, created_at FROM users WHERE id = ?`, id)
}

func (d *DB) getUser(ctx context.Context, query string, arg any) (*User, error) {
	var (
		u         User
		isAdmin   int
		createdAt string
	)
	err := d.conn.QueryRowContext(ctx, query, arg).Scan(&u.ID, &u.Username, &isAdmin, &createdAt)
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.NotFound, "user not found")
	}
	if err != nil {
		return nil, storeErr(err, "get user")
	}
	u.IsAdmin = isAdmin != 0
	u.CreatedAt = parseTime(createdAt)
	roles, err := d.userRoles(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	u.Roles = roles
	return &u, nil
}

func (d *DB) userRoles(ctx context.Context, userID int64) ([]string, error) {
	rows, err := d.conn.QueryContext(ctx,
		`SELECT role FROM user_roles WHERE user_id = ? ORDER BY role`, userID)
	if err != nil {
		return nil, storeErr(err, "list user roles")
	}
	defer rows.Close() //nolint:errcheck

	roles := []string{}
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, storeErr(err, "scan user role")
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

// GetPasswordHash returns the stored hash for username, or "" if unknown.
func (d *DB) GetPasswordHash(ctx context.Context, username string) (string, error) {
	var hash string
	err := d.conn.QueryRowContext(ctx,
		`SELECT password_hash FROM users WHERE username = ?`, username).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", storeErr(err, "get password hash")
	}
	return hash, nil
}

// ListUsers returns all users ordered by username.
func (d *DB) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := d.conn.QueryContext(ctx,
		`SELECT id, username, is_admin, created_at FROM users ORDER BY username`)
	if err != nil {
		return nil, storeErr(err, "list users")
	}
	defer rows.Close() //nolint:errcheck

	var users []User
	for rows.Next() {
		var (
			u         User
			isAdmin   int
			createdAt string
		)
		if err := rows.Scan(&u.ID, &u.Username, &isAdmin, &createdAt); err != nil {
			return nil, storeErr(err, "scan user")
		}
		u.IsAdmin = isAdmin != 0
		u.CreatedAt = parseTime(createdAt)
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(err, "list users")
	}
	for i := range users {
		roles, err := d.userRoles(ctx, users[i].ID)
		if err != nil {
			return nil, err
		}
		users[i].Roles = roles
	}
	return users, nil
}

// CountUsers returns the total number of accounts.
func (d *DB) CountUsers(ctx context.Context) (int, error) {
	var n int
	if err := d.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, storeErr(err, "count users")
	}
	return n, nil
}

// DeleteUser removes a user. Deleting the last remaining admin is refused.
func (d *DB) DeleteUser(ctx context.Context, id int64) error {
	return d.Tx(ctx, func(tx *sql.Tx) error {
		var isAdmin int
		err := tx.QueryRowContext(ctx, `SELECT is_admin FROM users WHERE id = ?`, id).Scan(&isAdmin)
		if err == sql.ErrNoRows {
			return apperr.New(apperr.NotFound, "user not found")
		}
		if err != nil {
			return storeErr(err, "get user")
		}
		if isAdmin != 0 {
			var admins int
			if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM users WHERE is_admin = 1`).Scan(&admins); err != nil {
				return storeErr(err, "count admins")
			}
			if admins <= 1 {
				return apperr.New(apperr.Validation, "cannot delete the last admin")
			}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id); err != nil {
			return storeErr(err, "delete user")
		}
		return nil
	})
}

// UpdatePassword replaces a user's password hash.
func (d *DB) UpdatePassword(ctx context.Context, id int64, passwordHash string) error {
	res, err := d.conn.ExecContext(ctx,
		`UPDATE users SET password_hash = ? WHERE id = ?`, passwordHash, id)
	if err != nil {
		return storeErr(err, "update password")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New(apperr.NotFound, "user not found")
	}
	return nil
}

// UpdateRoles replaces a user's role set. The admin/role invariant is
// re-checked against the stored is_admin flag.
func (d *DB) UpdateRoles(ctx context.Context, id int64, roles []string) error {
	return d.Tx(ctx, func(tx *sql.Tx) error {
		var isAdmin int
		err := tx.QueryRowContext(ctx, `SELECT is_admin FROM users WHERE id = ?`, id).Scan(&isAdmin)
		if err == sql.ErrNoRows {
			return apperr.New(apperr.NotFound, "user not found")
		}
		if err != nil {
			return storeErr(err, "get user")
		}
		if isAdmin != 0 && len(roles) > 0 {
			return apperr.New(apperr.Validation, "admin cannot have subteam roles")
		}
		if isAdmin == 0 && (len(roles) < 1 || len(roles) > 2) {
			return apperr.New(apperr.Validation, "non-admin users need one or two roles")
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM user_roles WHERE user_id = ?`, id); err != nil {
			return storeErr(err, "clear user roles")
		}
		for _, role := range roles {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO user_roles (user_id, role) VALUES (?, ?)`, id, role,
			); err != nil {
				return storeErr(err, "insert user role")
			}
		}
		return nil
	})
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
