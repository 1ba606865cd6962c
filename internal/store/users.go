package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUserExists is returned when a username or email is already taken.
var ErrUserExists = errors.New("user already exists")

// User is a persistent user record.
type User struct {
	Username     string
	Email        string
	PasswordHash string
	Salt         string
	FullName     string
	IsActive     bool
	CreatedAt    time.Time
	LastLogin    *time.Time
}

// InsertUser adds a new user row. Returns ErrUserExists when the username
// or email is already present.
func (db *DB) InsertUser(ctx context.Context, u *User) error {
	return withRetry(ctx, func() error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO users (username, email, password_hash, salt, full_name, is_active, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			u.Username, u.Email, u.PasswordHash, u.Salt, u.FullName, u.IsActive,
			u.CreatedAt.UTC().Format(time.RFC3339),
		)
		if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrUserExists
		}
		return err
	})
}

// GetUserByUsername returns the user row, or nil when not found.
func (db *DB) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	row := db.QueryRowContext(ctx, `
		SELECT username, email, password_hash, salt, full_name, is_active, created_at, last_login
		FROM users WHERE username = ?`, username)
	return scanUser(row)
}

// GetUserByEmail returns the user row, or nil when not found.
func (db *DB) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	row := db.QueryRowContext(ctx, `
		SELECT username, email, password_hash, salt, full_name, is_active, created_at, last_login
		FROM users WHERE email = ?`, email)
	return scanUser(row)
}

// UpdateUserPassword replaces the hash and salt in a single statement.
func (db *DB) UpdateUserPassword(ctx context.Context, username, hash, salt string) error {
	return withRetry(ctx, func() error {
		res, err := db.ExecContext(ctx,
			`UPDATE users SET password_hash = ?, salt = ? WHERE username = ?`,
			hash, salt, username)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("user %q not found", username)
		}
		return nil
	})
}

// SetUserActive flips the active flag.
func (db *DB) SetUserActive(ctx context.Context, username string, active bool) error {
	return withRetry(ctx, func() error {
		res, err := db.ExecContext(ctx,
			`UPDATE users SET is_active = ? WHERE username = ?`, active, username)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("user %q not found", username)
		}
		return nil
	})
}

// TouchLastLogin records a successful authentication time.
func (db *DB) TouchLastLogin(ctx context.Context, username string, at time.Time) error {
	return withRetry(ctx, func() error {
		_, err := db.ExecContext(ctx,
			`UPDATE users SET last_login = ? WHERE username = ?`,
			at.UTC().Format(time.RFC3339), username)
		return err
	})
}

// ListUsers returns all users ordered by username.
func (db *DB) ListUsers(ctx context.Context) ([]*User, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT username, email, password_hash, salt, full_name, is_active, created_at, last_login
		FROM users ORDER BY username`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var users []*User
	for rows.Next() {
		u, err := scanUserRow(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row *sql.Row) (*User, error) {
	u, err := scanUserRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return u, err
}

func scanUserRow(row rowScanner) (*User, error) {
	var u User
	var createdAt string
	var lastLogin sql.NullString
	if err := row.Scan(&u.Username, &u.Email, &u.PasswordHash, &u.Salt,
		&u.FullName, &u.IsActive, &createdAt, &lastLogin); err != nil {
		return nil, err
	}
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		u.CreatedAt = t
	}
	if lastLogin.Valid {
		if t, err := time.Parse(time.RFC3339, lastLogin.String); err == nil {
			u.LastLogin = &t
		}
	}
	return &u, nil
}
