package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrDuplicateMessage is returned when inserting a Message-ID that is
// already present. Callers treat this as dedup, not failure.
var ErrDuplicateMessage = errors.New("message already stored")

// Email is a received (ingress) metadata row. Dates are ISO-8601 strings.
type Email struct {
	MessageID   string
	FromAddr    string
	ToAddrs     []string
	Subject     string
	Date        string
	Size        int64
	IsRead      bool
	IsDeleted   bool
	IsSpam      bool
	SpamScore   float64
	ContentPath string
	IsRecalled  bool
	RecalledAt  string
	RecalledBy  string
}

// SentEmail is an egress metadata row.
type SentEmail struct {
	MessageID      string
	FromAddr       string
	ToAddrs        []string
	CcAddrs        []string
	BccAddrs       []string
	Subject        string
	Date           string
	Size           int64
	HasAttachments bool
	ContentPath    string
	Status         string
	IsRead         bool
	IsSpam         bool
	SpamScore      float64
	IsRecalled     bool
	RecalledAt     string
	RecalledBy     string
}

// EmailUpdate names the mutable flags of a stored email.
// Nil fields are left unchanged.
type EmailUpdate struct {
	IsRead    *bool
	IsDeleted *bool
	IsSpam    *bool
	SpamScore *float64
}

// ListFilter restricts ListEmails results.
type ListFilter struct {
	UserEmail       string
	IncludeDeleted  bool
	IncludeSpam     bool
	IncludeRecalled bool
	IsSpam          *bool
	Limit           int
	Offset          int
}

// SentListFilter restricts ListSentEmails results.
type SentListFilter struct {
	FromAddr    string
	IncludeSpam bool
	IsSpam      *bool
	Limit       int
	Offset      int
}

// InsertEmail writes a received email row. Returns ErrDuplicateMessage when
// the Message-ID is already present.
func (db *DB) InsertEmail(ctx context.Context, e *Email) error {
	toJSON, err := json.Marshal(e.ToAddrs)
	if err != nil {
		return fmt.Errorf("encoding recipients: %w", err)
	}
	return withRetry(ctx, func() error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO emails (message_id, from_addr, to_addrs, subject, date, size,
				is_read, is_deleted, is_spam, spam_score, content_path)
			VALUES (?, ?, ?, ?, ?, ?, 0, 0, ?, ?, ?)`,
			e.MessageID, e.FromAddr, string(toJSON), e.Subject, e.Date, e.Size,
			e.IsSpam, e.SpamScore, nullable(e.ContentPath),
		)
		if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateMessage
		}
		return err
	})
}

// InsertSentEmail writes an egress email row.
func (db *DB) InsertSentEmail(ctx context.Context, e *SentEmail) error {
	toJSON, err := json.Marshal(e.ToAddrs)
	if err != nil {
		return fmt.Errorf("encoding recipients: %w", err)
	}
	ccJSON, err := json.Marshal(emptyIfNil(e.CcAddrs))
	if err != nil {
		return fmt.Errorf("encoding cc: %w", err)
	}
	bccJSON, err := json.Marshal(emptyIfNil(e.BccAddrs))
	if err != nil {
		return fmt.Errorf("encoding bcc: %w", err)
	}
	status := e.Status
	if status == "" {
		status = "sent"
	}
	return withRetry(ctx, func() error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO sent_emails (message_id, from_addr, to_addrs, cc_addrs, bcc_addrs,
				subject, date, size, has_attachments, content_path, status, is_spam, spam_score)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.MessageID, e.FromAddr, string(toJSON), string(ccJSON), string(bccJSON),
			e.Subject, e.Date, e.Size, e.HasAttachments, nullable(e.ContentPath),
			status, e.IsSpam, e.SpamScore,
		)
		if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateMessage
		}
		return err
	})
}

const emailColumns = `message_id, from_addr, to_addrs, subject, date, size,
	is_read, is_deleted, is_spam, spam_score, content_path,
	is_recalled, recalled_at, recalled_by`

// GetEmail returns a received email row, or nil when not found.
func (db *DB) GetEmail(ctx context.Context, messageID string) (*Email, error) {
	row := db.QueryRowContext(ctx,
		`SELECT `+emailColumns+` FROM emails WHERE message_id = ?`, messageID)
	e, err := scanEmail(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

const sentColumns = `message_id, from_addr, to_addrs, cc_addrs, bcc_addrs, subject, date,
	size, has_attachments, content_path, status, is_read, is_spam, spam_score,
	is_recalled, recalled_at, recalled_by`

// GetSentEmail returns a sent email row, or nil when not found.
func (db *DB) GetSentEmail(ctx context.Context, messageID string) (*SentEmail, error) {
	row := db.QueryRowContext(ctx,
		`SELECT `+sentColumns+` FROM sent_emails WHERE message_id = ?`, messageID)
	e, err := scanSentEmail(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

// ListEmails returns received emails ordered by date descending.
// The user filter matches recipient list elements exactly (json_each)
// or the sender address.
func (db *DB) ListEmails(ctx context.Context, f ListFilter) ([]*Email, error) {
	var conds []string
	var args []any

	if f.UserEmail != "" {
		conds = append(conds, `(from_addr = ? OR EXISTS (
			SELECT 1 FROM json_each(emails.to_addrs) WHERE json_each.value = ?))`)
		args = append(args, f.UserEmail, f.UserEmail)
	}
	if !f.IncludeDeleted {
		conds = append(conds, "is_deleted = 0")
	}
	if !f.IncludeRecalled {
		conds = append(conds, "is_recalled = 0")
	}
	if f.IsSpam != nil {
		conds = append(conds, "is_spam = ?")
		args = append(args, *f.IsSpam)
	} else if !f.IncludeSpam {
		conds = append(conds, "is_spam = 0")
	}

	query := `SELECT ` + emailColumns + ` FROM emails`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY date DESC"
	query += limitClause(f.Limit, f.Offset, &args)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var emails []*Email
	for rows.Next() {
		e, err := scanEmail(rows)
		if err != nil {
			return nil, err
		}
		emails = append(emails, e)
	}
	return emails, rows.Err()
}

// ListSentEmails returns sent emails ordered by date descending.
func (db *DB) ListSentEmails(ctx context.Context, f SentListFilter) ([]*SentEmail, error) {
	var conds []string
	var args []any

	if f.FromAddr != "" {
		conds = append(conds, "from_addr = ?")
		args = append(args, f.FromAddr)
	}
	if f.IsSpam != nil {
		conds = append(conds, "is_spam = ?")
		args = append(args, *f.IsSpam)
	} else if !f.IncludeSpam {
		conds = append(conds, "is_spam = 0")
	}

	query := `SELECT ` + sentColumns + ` FROM sent_emails`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY date DESC"
	query += limitClause(f.Limit, f.Offset, &args)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var emails []*SentEmail
	for rows.Next() {
		e, err := scanSentEmail(rows)
		if err != nil {
			return nil, err
		}
		emails = append(emails, e)
	}
	return emails, rows.Err()
}

// UpdateEmail applies flag updates to a received email.
// Returns false when the row does not exist.
func (db *DB) UpdateEmail(ctx context.Context, messageID string, u EmailUpdate) (bool, error) {
	return db.updateFlags(ctx, "emails", messageID, u)
}

// UpdateSentEmail applies flag updates to a sent email.
// Returns false when the row does not exist.
func (db *DB) UpdateSentEmail(ctx context.Context, messageID string, u EmailUpdate) (bool, error) {
	return db.updateFlags(ctx, "sent_emails", messageID, u)
}

func (db *DB) updateFlags(ctx context.Context, table, messageID string, u EmailUpdate) (bool, error) {
	var sets []string
	var args []any

	if u.IsRead != nil {
		sets = append(sets, "is_read = ?")
		args = append(args, *u.IsRead)
	}
	if u.IsDeleted != nil {
		sets = append(sets, "is_deleted = ?")
		args = append(args, *u.IsDeleted)
	}
	if u.IsSpam != nil {
		sets = append(sets, "is_spam = ?")
		args = append(args, *u.IsSpam)
	}
	if u.SpamScore != nil {
		sets = append(sets, "spam_score = ?")
		args = append(args, *u.SpamScore)
	}
	if len(sets) == 0 {
		return false, errors.New("no fields to update")
	}

	args = append(args, messageID)
	query := "UPDATE " + table + " SET " + strings.Join(sets, ", ") + " WHERE message_id = ?"

	var found bool
	err := withRetry(ctx, func() error {
		res, err := db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		found = n > 0
		return nil
	})
	return found, err
}

// SetRecalled marks an email as recalled in the given table.
// Returns false when the row does not exist.
func (db *DB) SetRecalled(ctx context.Context, sent bool, messageID, recalledBy string, at time.Time) (bool, error) {
	table := "emails"
	if sent {
		table = "sent_emails"
	}
	var found bool
	err := withRetry(ctx, func() error {
		res, err := db.ExecContext(ctx,
			"UPDATE "+table+" SET is_recalled = 1, recalled_at = ?, recalled_by = ? WHERE message_id = ?",
			at.UTC().Format(time.RFC3339), recalledBy, messageID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		found = n > 0
		return nil
	})
	return found, err
}

// DeleteEmailRow removes a received email row, returning its content path
// so the caller can unlink the .eml file.
func (db *DB) DeleteEmailRow(ctx context.Context, messageID string) (string, bool, error) {
	e, err := db.GetEmail(ctx, messageID)
	if err != nil {
		return "", false, err
	}
	if e == nil {
		return "", false, nil
	}
	err = withRetry(ctx, func() error {
		_, err := db.ExecContext(ctx, `DELETE FROM emails WHERE message_id = ?`, messageID)
		return err
	})
	return e.ContentPath, err == nil, err
}

// DeleteSentEmailRow removes a sent email row, returning its content path.
func (db *DB) DeleteSentEmailRow(ctx context.Context, messageID string) (string, bool, error) {
	e, err := db.GetSentEmail(ctx, messageID)
	if err != nil {
		return "", false, err
	}
	if e == nil {
		return "", false, nil
	}
	err = withRetry(ctx, func() error {
		_, err := db.ExecContext(ctx, `DELETE FROM sent_emails WHERE message_id = ?`, messageID)
		return err
	})
	return e.ContentPath, err == nil, err
}

// SearchEmails returns received emails whose subject, sender, or recipient
// list contains the query substring, ordered by date descending.
func (db *DB) SearchEmails(ctx context.Context, query string, limit int) ([]*Email, error) {
	like := "%" + escapeLike(query) + "%"
	args := []any{like, like, like}
	q := `SELECT ` + emailColumns + ` FROM emails
		WHERE (subject LIKE ? ESCAPE '\' OR from_addr LIKE ? ESCAPE '\' OR to_addrs LIKE ? ESCAPE '\')
		AND is_deleted = 0
		ORDER BY date DESC`
	q += limitClause(limit, 0, &args)

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var emails []*Email
	for rows.Next() {
		e, err := scanEmail(rows)
		if err != nil {
			return nil, err
		}
		emails = append(emails, e)
	}
	return emails, rows.Err()
}

// SearchSentEmails is the sent-table counterpart of SearchEmails.
func (db *DB) SearchSentEmails(ctx context.Context, query string, limit int) ([]*SentEmail, error) {
	like := "%" + escapeLike(query) + "%"
	args := []any{like, like, like}
	q := `SELECT ` + sentColumns + ` FROM sent_emails
		WHERE (subject LIKE ? ESCAPE '\' OR from_addr LIKE ? ESCAPE '\' OR to_addrs LIKE ? ESCAPE '\')
		ORDER BY date DESC`
	q += limitClause(limit, 0, &args)

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var emails []*SentEmail
	for rows.Next() {
		e, err := scanSentEmail(rows)
		if err != nil {
			return nil, err
		}
		emails = append(emails, e)
	}
	return emails, rows.Err()
}

func scanEmail(row rowScanner) (*Email, error) {
	var e Email
	var toJSON string
	var contentPath, recalledAt, recalledBy sql.NullString
	if err := row.Scan(&e.MessageID, &e.FromAddr, &toJSON, &e.Subject, &e.Date,
		&e.Size, &e.IsRead, &e.IsDeleted, &e.IsSpam, &e.SpamScore,
		&contentPath, &e.IsRecalled, &recalledAt, &recalledBy); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(toJSON), &e.ToAddrs); err != nil {
		return nil, fmt.Errorf("decoding recipients for %s: %w", e.MessageID, err)
	}
	e.ContentPath = contentPath.String
	e.RecalledAt = recalledAt.String
	e.RecalledBy = recalledBy.String
	return &e, nil
}

func scanSentEmail(row rowScanner) (*SentEmail, error) {
	var e SentEmail
	var toJSON, ccJSON, bccJSON string
	var contentPath, recalledAt, recalledBy sql.NullString
	if err := row.Scan(&e.MessageID, &e.FromAddr, &toJSON, &ccJSON, &bccJSON,
		&e.Subject, &e.Date, &e.Size, &e.HasAttachments, &contentPath, &e.Status,
		&e.IsRead, &e.IsSpam, &e.SpamScore, &e.IsRecalled, &recalledAt, &recalledBy); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(toJSON), &e.ToAddrs); err != nil {
		return nil, fmt.Errorf("decoding recipients for %s: %w", e.MessageID, err)
	}
	if err := json.Unmarshal([]byte(ccJSON), &e.CcAddrs); err != nil {
		return nil, fmt.Errorf("decoding cc for %s: %w", e.MessageID, err)
	}
	if err := json.Unmarshal([]byte(bccJSON), &e.BccAddrs); err != nil {
		return nil, fmt.Errorf("decoding bcc for %s: %w", e.MessageID, err)
	}
	e.ContentPath = contentPath.String
	e.RecalledAt = recalledAt.String
	e.RecalledBy = recalledBy.String
	return &e, nil
}

func limitClause(limit, offset int, args *[]any) string {
	if limit <= 0 {
		return ""
	}
	clause := " LIMIT ?"
	*args = append(*args, limit)
	if offset > 0 {
		clause += " OFFSET ?"
		*args = append(*args, offset)
	}
	return clause
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	return strings.ReplaceAll(s, `_`, `\_`)
}
