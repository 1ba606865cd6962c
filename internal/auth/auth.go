// Package auth manages persistent user records and credential verification.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"github.com/inboxd/inboxd/internal/store"
)

// Password hashing parameters. Changing these invalidates stored hashes.
const (
	pbkdf2Iterations = 100000
	pbkdf2KeyLen     = 32
	saltLen          = 16
)

var (
	// ErrAuthFailed is returned for any credential mismatch. Callers must
	// not disclose whether the user or the password was wrong.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrUserNotFound is returned by lookups for unknown usernames.
	ErrUserNotFound = errors.New("user not found")

	// ErrUserInactive is returned when a deactivated user authenticates.
	ErrUserInactive = errors.New("user is inactive")
)

// Service verifies credentials and manages user records through the
// shared database pool. Hashes are never cached in memory.
type Service struct {
	db *store.DB
}

// NewService creates an authentication service backed by the given database.
func NewService(db *store.DB) *Service {
	return &Service{db: db}
}

// CreateUser registers a new user. Fails when the username or email
// already exists.
func (s *Service) CreateUser(ctx context.Context, username, email, password, fullName string) (*store.User, error) {
	if username == "" || email == "" || password == "" {
		return nil, errors.New("username, email, and password are required")
	}

	hash, salt, err := hashPassword(password)
	if err != nil {
		return nil, err
	}

	u := &store.User{
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		Salt:         salt,
		FullName:     fullName,
		IsActive:     true,
		CreatedAt:    time.Now().UTC(),
	}

	if err := s.db.InsertUser(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// Authenticate verifies the credentials and returns the user record.
// Updates last_login on success. Inactive users fail with ErrUserInactive.
func (s *Service) Authenticate(ctx context.Context, username, password string) (*store.User, error) {
	if username == "" || password == "" {
		return nil, ErrAuthFailed
	}

	u, err := s.db.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("looking up user: %w", err)
	}
	if u == nil {
		return nil, ErrAuthFailed
	}

	if !verifyPassword(password, u.PasswordHash, u.Salt) {
		return nil, ErrAuthFailed
	}

	if !u.IsActive {
		return nil, ErrUserInactive
	}

	now := time.Now().UTC()
	if err := s.db.TouchLastLogin(ctx, username, now); err != nil {
		return nil, fmt.Errorf("updating last login: %w", err)
	}
	u.LastLogin = &now

	return u, nil
}

// GetUserByUsername returns the user record or ErrUserNotFound.
func (s *Service) GetUserByUsername(ctx context.Context, username string) (*store.User, error) {
	u, err := s.db.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, ErrUserNotFound
	}
	return u, nil
}

// GetUserByEmail returns the user record or ErrUserNotFound.
func (s *Service) GetUserByEmail(ctx context.Context, email string) (*store.User, error) {
	u, err := s.db.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, ErrUserNotFound
	}
	return u, nil
}

// ChangePassword replaces the hash and salt atomically.
func (s *Service) ChangePassword(ctx context.Context, username, newPassword string) error {
	if newPassword == "" {
		return errors.New("password is required")
	}
	hash, salt, err := hashPassword(newPassword)
	if err != nil {
		return err
	}
	return s.db.UpdateUserPassword(ctx, username, hash, salt)
}

// DeactivateUser flips the active flag off; the record is kept.
func (s *Service) DeactivateUser(ctx context.Context, username string) error {
	return s.db.SetUserActive(ctx, username, false)
}

// ActivateUser flips the active flag on.
func (s *Service) ActivateUser(ctx context.Context, username string) error {
	return s.db.SetUserActive(ctx, username, true)
}

// ListUsers returns all users ordered by username.
func (s *Service) ListUsers(ctx context.Context) ([]*store.User, error) {
	return s.db.ListUsers(ctx)
}

// hashPassword derives a PBKDF2-HMAC-SHA256 hash with a fresh random salt.
// Both values are returned hex-encoded for storage.
func hashPassword(password string) (hash, salt string, err error) {
	saltBytes := make([]byte, saltLen)
	if _, err := rand.Read(saltBytes); err != nil {
		return "", "", fmt.Errorf("generating salt: %w", err)
	}
	key := pbkdf2.Key([]byte(password), saltBytes, pbkdf2Iterations, pbkdf2KeyLen, sha256.New)
	return hex.EncodeToString(key), hex.EncodeToString(saltBytes), nil
}

// verifyPassword recomputes the hash with the stored salt and compares in
// constant time.
func verifyPassword(password, storedHash, storedSalt string) bool {
	saltBytes, err := hex.DecodeString(storedSalt)
	if err != nil {
		return false
	}
	expected, err := hex.DecodeString(storedHash)
	if err != nil {
		return false
	}
	key := pbkdf2.Key([]byte(password), saltBytes, pbkdf2Iterations, pbkdf2KeyLen, sha256.New)
	return subtle.ConstantTimeCompare(key, expected) == 1
}
