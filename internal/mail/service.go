// Package mail is the façade over metadata storage, content storage, and
// spam classification. Protocol handlers call it instead of touching the
// stores directly.
package mail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/inboxd/inboxd/internal/message"
	"github.com/inboxd/inboxd/internal/spam"
	"github.com/inboxd/inboxd/internal/store"
)

// ErrInvalidEmail wraps validation failures on save.
var ErrInvalidEmail = errors.New("invalid email")

// ErrNotPermitted is returned when an actor tries to recall a message
// they did not send.
var ErrNotPermitted = errors.New("operation not permitted")

// Service coordinates the metadata store, the .eml content store, and the
// spam classifier behind a single API.
type Service struct {
	db         *store.DB
	content    *store.ContentStore
	classifier *spam.Classifier
	logger     *slog.Logger
}

// NewService wires the storage layers and classifier together.
func NewService(db *store.DB, content *store.ContentStore, classifier *spam.Classifier, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{db: db, content: content, classifier: classifier, logger: logger}
}

// SaveRequest carries a message through ingress storage. RawContent is the
// canonical .eml bytes; PlainText is the extracted body used for
// classification.
type SaveRequest struct {
	MessageID  string
	FromAddr   string
	ToAddrs    []string
	Subject    string
	Date       string
	RawContent []byte
	PlainText  string
}

// SaveEmail validates, classifies, and persists a received message.
// Storage is transactional at the pair level: a metadata write failure
// removes the .eml file written for this call, so a failed save leaves
// neither artifact. A duplicate Message-ID is dedup, not failure.
func (s *Service) SaveEmail(ctx context.Context, req SaveRequest) (*spam.Verdict, error) {
	data := Sanitize(EmailData{
		MessageID: req.MessageID,
		FromAddr:  req.FromAddr,
		ToAddrs:   req.ToAddrs,
		Subject:   req.Subject,
		Date:      req.Date,
	})
	result := Validate(data)
	if !result.Valid {
		return nil, fmt.Errorf("%w: %s", ErrInvalidEmail, strings.Join(result.Errors, "; "))
	}
	for _, w := range result.Warnings {
		s.logger.Warn("email validation warning", "message_id", data.MessageID, "warning", w)
	}

	verdict := s.classifier.Classify(data.FromAddr, data.Subject, req.PlainText)
	if verdict.IsSpam {
		s.logger.Info("message classified as spam",
			"message_id", data.MessageID,
			"score", verdict.Score,
			"matched", strings.Join(verdict.MatchedKeywords, ","))
	}

	path, created, err := s.content.Write(data.MessageID, req.RawContent)
	if err != nil {
		return nil, fmt.Errorf("storing content: %w", err)
	}

	err = s.db.InsertEmail(ctx, &store.Email{
		MessageID:   data.MessageID,
		FromAddr:    data.FromAddr,
		ToAddrs:     data.ToAddrs,
		Subject:     data.Subject,
		Date:        data.Date,
		Size:        int64(len(req.RawContent)),
		IsSpam:      verdict.IsSpam,
		SpamScore:   verdict.Score,
		ContentPath: path,
	})
	if errors.Is(err, store.ErrDuplicateMessage) {
		s.logger.Debug("duplicate message deduplicated", "message_id", data.MessageID)
		return &verdict, nil
	}
	if err != nil {
		if created {
			_ = s.content.Remove(data.MessageID, path)
		}
		return nil, fmt.Errorf("storing metadata: %w", err)
	}

	return &verdict, nil
}

// SentSaveRequest carries an outbound message into the sent store.
type SentSaveRequest struct {
	MessageID  string
	FromAddr   string
	ToAddrs    []string
	CcAddrs    []string
	BccAddrs   []string
	Subject    string
	Date       string
	RawContent []byte
	PlainText  string
}

// SaveSentEmail persists an outbound message with the same content and
// classification pipeline as SaveEmail.
func (s *Service) SaveSentEmail(ctx context.Context, req SentSaveRequest) error {
	data := Sanitize(EmailData{
		MessageID: req.MessageID,
		FromAddr:  req.FromAddr,
		ToAddrs:   req.ToAddrs,
		Subject:   req.Subject,
		Date:      req.Date,
	})
	if result := Validate(data); !result.Valid {
		return fmt.Errorf("%w: %s", ErrInvalidEmail, strings.Join(result.Errors, "; "))
	}

	verdict := s.classifier.Classify(data.FromAddr, data.Subject, req.PlainText)

	path, created, err := s.content.Write(data.MessageID, req.RawContent)
	if err != nil {
		return fmt.Errorf("storing content: %w", err)
	}

	parsed, parseErr := message.Parse(req.RawContent)
	hasAttachments := parseErr == nil && len(parsed.Attachments) > 0

	err = s.db.InsertSentEmail(ctx, &store.SentEmail{
		MessageID:      data.MessageID,
		FromAddr:       data.FromAddr,
		ToAddrs:        data.ToAddrs,
		CcAddrs:        req.CcAddrs,
		BccAddrs:       req.BccAddrs,
		Subject:        data.Subject,
		Date:           data.Date,
		Size:           int64(len(req.RawContent)),
		HasAttachments: hasAttachments,
		ContentPath:    path,
		IsSpam:         verdict.IsSpam,
		SpamScore:      verdict.Score,
	})
	if errors.Is(err, store.ErrDuplicateMessage) {
		return nil
	}
	if err != nil {
		if created {
			_ = s.content.Remove(data.MessageID, path)
		}
		return fmt.Errorf("storing metadata: %w", err)
	}
	return nil
}

// Content is the parsed body of a stored email.
type Content struct {
	Raw         []byte
	TextContent string
	HTMLContent string
	Attachments []message.Attachment
}

// Detail is metadata plus optional parsed content for a single email.
// Exactly one of Received and Sent is set.
type Detail struct {
	Received *store.Email
	Sent     *store.SentEmail
	Content  *Content
}

// GetEmail returns metadata for a Message-ID, checking the received table
// first and falling back to the sent table. With includeContent the .eml
// bytes are loaded and parsed; a parse failure degrades to raw text
// rather than failing the call. Returns nil when not found.
func (s *Service) GetEmail(ctx context.Context, messageID string, includeContent bool) (*Detail, error) {
	id := message.CanonicalMessageID(messageID)

	received, err := s.db.GetEmail(ctx, id)
	if err != nil {
		return nil, err
	}
	d := &Detail{Received: received}

	var contentPath string
	if received != nil {
		contentPath = received.ContentPath
	} else {
		sent, err := s.db.GetSentEmail(ctx, id)
		if err != nil {
			return nil, err
		}
		if sent == nil {
			return nil, nil
		}
		d.Sent = sent
		contentPath = sent.ContentPath
	}

	if includeContent {
		d.Content = s.loadContent(id, contentPath)
	}
	return d, nil
}

func (s *Service) loadContent(messageID, contentPath string) *Content {
	raw, err := s.content.Read(messageID, contentPath)
	if err != nil {
		s.logger.Warn("email content missing", "message_id", messageID, "error", err)
		return nil
	}

	c := &Content{Raw: raw}
	parsed, err := message.Parse(raw)
	if err != nil {
		// Unparseable content is served as the raw body text.
		s.logger.Warn("email content unparseable", "message_id", messageID, "error", err)
		c.TextContent = string(raw)
		return c
	}
	c.TextContent = parsed.TextContent
	c.HTMLContent = parsed.HTMLContent
	c.Attachments = parsed.Attachments
	return c
}

// RawContent returns the canonical .eml bytes for an email, synthesizing
// a minimal message from metadata when the file cannot be located.
func (s *Service) RawContent(e *store.Email) []byte {
	raw, err := s.content.Read(e.MessageID, e.ContentPath)
	if err == nil {
		return raw
	}
	s.logger.Warn("synthesizing content from metadata", "message_id", e.MessageID, "error", err)
	return []byte(message.SynthesizeEnvelope(e.MessageID, e.FromAddr, e.ToAddrs, e.Subject, e.Date))
}

// ListEmails returns received emails matching the filter, newest first.
func (s *Service) ListEmails(ctx context.Context, f store.ListFilter) ([]*store.Email, error) {
	return s.db.ListEmails(ctx, f)
}

// ListSentEmails returns sent emails matching the filter, newest first.
func (s *Service) ListSentEmails(ctx context.Context, f store.SentListFilter) ([]*store.SentEmail, error) {
	return s.db.ListSentEmails(ctx, f)
}

// UpdateEmail applies flag updates, checking the received table first and
// falling back to the sent table. Marking an unknown Message-ID deleted
// succeeds as an idempotent tombstone; any other update on an unknown ID
// reports not found.
func (s *Service) UpdateEmail(ctx context.Context, messageID string, u store.EmailUpdate) (bool, error) {
	id := message.CanonicalMessageID(messageID)

	found, err := s.db.UpdateEmail(ctx, id, u)
	if err != nil {
		return false, err
	}
	if found {
		return true, nil
	}

	// The sent table has no deletion column; drop the flag before the
	// fallback and skip the query entirely for delete-only updates.
	sentUpdate := u
	sentUpdate.IsDeleted = nil
	if sentUpdate != (store.EmailUpdate{}) {
		found, err = s.db.UpdateSentEmail(ctx, id, sentUpdate)
		if err != nil {
			return false, err
		}
		if found {
			return true, nil
		}
	}

	if u.IsDeleted != nil && *u.IsDeleted {
		s.logger.Debug("tombstone delete for unknown message", "message_id", id)
		return true, nil
	}
	return false, nil
}

// DeleteEmail removes an email. A soft delete sets the is_deleted flag;
// a permanent delete removes the metadata row and unlinks the .eml file.
// Both are idempotent.
func (s *Service) DeleteEmail(ctx context.Context, messageID string, permanent bool) error {
	id := message.CanonicalMessageID(messageID)

	if !permanent {
		deleted := true
		_, err := s.UpdateEmail(ctx, id, store.EmailUpdate{IsDeleted: &deleted})
		return err
	}

	path, found, err := s.db.DeleteEmailRow(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		path, _, err = s.db.DeleteSentEmailRow(ctx, id)
		if err != nil {
			return err
		}
	}
	return s.content.Remove(id, path)
}

// SearchHit is one result from a cross-table search.
type SearchHit struct {
	MessageID string
	FromAddr  string
	ToAddrs   []string
	Subject   string
	Date      string
	Sent      bool
}

// SearchEmails finds messages whose subject, sender, or recipients contain
// the query substring, merging received and sent tables and ordering by
// date descending.
func (s *Service) SearchEmails(ctx context.Context, query string, limit int) ([]SearchHit, error) {
	received, err := s.db.SearchEmails(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	sent, err := s.db.SearchSentEmails(ctx, query, limit)
	if err != nil {
		return nil, err
	}

	hits := make([]SearchHit, 0, len(received)+len(sent))
	for _, e := range received {
		hits = append(hits, SearchHit{
			MessageID: e.MessageID, FromAddr: e.FromAddr, ToAddrs: e.ToAddrs,
			Subject: e.Subject, Date: e.Date,
		})
	}
	for _, e := range sent {
		hits = append(hits, SearchHit{
			MessageID: e.MessageID, FromAddr: e.FromAddr, ToAddrs: e.ToAddrs,
			Subject: e.Subject, Date: e.Date, Sent: true,
		})
	}

	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Date > hits[j].Date
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// RecallEmail marks a message recalled so it no longer appears in inbox
// listings. Only the original sender may recall. The sent copy, when
// present, is marked too.
func (s *Service) RecallEmail(ctx context.Context, messageID, actorAddr string) error {
	id := message.CanonicalMessageID(messageID)
	actor := BareAddress(actorAddr)

	d, err := s.GetEmail(ctx, id, false)
	if err != nil {
		return err
	}
	if d == nil {
		return fmt.Errorf("message %s not found", id)
	}

	fromAddr := ""
	if d.Received != nil {
		fromAddr = d.Received.FromAddr
	} else {
		fromAddr = d.Sent.FromAddr
	}
	if !strings.EqualFold(BareAddress(fromAddr), actor) {
		return fmt.Errorf("%w: only the sender may recall a message", ErrNotPermitted)
	}

	now := time.Now().UTC()
	if d.Received != nil {
		if _, err := s.db.SetRecalled(ctx, false, id, actor, now); err != nil {
			return err
		}
	}
	// Sent copy, when one exists under the same ID.
	if _, err := s.db.SetRecalled(ctx, true, id, actor, now); err != nil {
		return err
	}
	return nil
}
