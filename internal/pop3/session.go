package pop3

import (
	"context"
	"strings"

	"github.com/inboxd/inboxd/internal/mail"
	"github.com/inboxd/inboxd/internal/store"
)

// State represents the current state in the POP3 state machine.
type State int

const (
	// StateAuthorization is the initial state where authentication is required.
	StateAuthorization State = iota

	// StateTransaction is the state after successful authentication.
	StateTransaction

	// StateUpdate is the state after QUIT from Transaction, where marked
	// deletions are committed.
	StateUpdate
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateAuthorization:
		return "AUTHORIZATION"
	case StateTransaction:
		return "TRANSACTION"
	case StateUpdate:
		return "UPDATE"
	default:
		return "UNKNOWN"
	}
}

// Session represents a POP3 session with state tracking. The inbox
// snapshot is taken once at TRANSACTION entry; message numbers are the
// stable 1-based positions within it for the life of the session.
type Session struct {
	state    State
	hostname string

	// Authentication state
	username string
	user     *store.User

	// Transaction state
	snapshot   []*store.Email
	deletedSet map[int]bool
}

// NewSession creates a new POP3 session in AUTHORIZATION state.
func NewSession(hostname string) *Session {
	return &Session{
		state:    StateAuthorization,
		hostname: hostname,
	}
}

// State returns the current POP3 state.
func (s *Session) State() State {
	return s.state
}

// SetUsername stores the username from the USER command.
func (s *Session) SetUsername(username string) {
	s.username = username
}

// Username returns the stored username.
func (s *Session) Username() string {
	return s.username
}

// SetAuthenticated transitions to StateTransaction with the given user.
func (s *Session) SetAuthenticated(user *store.User) {
	s.state = StateTransaction
	s.user = user
}

// IsAuthenticated returns true in StateTransaction or StateUpdate.
func (s *Session) IsAuthenticated() bool {
	return s.state == StateTransaction || s.state == StateUpdate
}

// User returns the authenticated user record, or nil.
func (s *Session) User() *store.User {
	return s.user
}

// ResetAuthorization returns the session to AUTHORIZATION, dropping
// the authenticated user and any snapshot state. Used when the inbox
// cannot be loaded after a successful PASS.
func (s *Session) ResetAuthorization() {
	s.state = StateAuthorization
	s.user = nil
	s.snapshot = nil
	s.deletedSet = nil
}

// EnterUpdate transitions to StateUpdate (QUIT received in Transaction).
func (s *Session) EnterUpdate() {
	if s.state == StateTransaction {
		s.state = StateUpdate
	}
}

// Capabilities returns the CAPA response lines for this session.
func (s *Session) Capabilities() []string {
	return []string{"USER", "TOP", "UIDL", "RESP-CODES", "PIPELINING", "AUTH-RESP-CODE"}
}

// InitializeInbox takes the per-session inbox snapshot: the user's
// non-deleted, non-recalled, non-spam emails, matched on sender or
// recipient address. Called once after successful authentication.
func (s *Session) InitializeInbox(ctx context.Context, svc *mail.Service) error {
	if s.user == nil {
		return ErrInboxNotInitialized
	}

	emails, err := svc.ListEmails(ctx, store.ListFilter{UserEmail: s.user.Email})
	if err != nil {
		return err
	}

	s.snapshot = emails
	s.deletedSet = make(map[int]bool)
	return nil
}

// MessageCount returns the count of messages not marked deleted.
func (s *Session) MessageCount() int {
	count := 0
	for i := range s.snapshot {
		if !s.deletedSet[i+1] {
			count++
		}
	}
	return count
}

// TotalSize returns the total size of messages not marked deleted.
func (s *Session) TotalSize() int64 {
	var total int64
	for i, e := range s.snapshot {
		if !s.deletedSet[i+1] {
			total += e.Size
		}
	}
	return total
}

// GetMessage returns the email for a 1-based message number.
func (s *Session) GetMessage(msgNum int) (*store.Email, error) {
	if s.snapshot == nil {
		return nil, ErrInboxNotInitialized
	}
	if msgNum < 1 || msgNum > len(s.snapshot) {
		return nil, ErrNoSuchMessage
	}
	if s.deletedSet[msgNum] {
		return nil, ErrMessageDeleted
	}
	return s.snapshot[msgNum-1], nil
}

// MarkDeleted marks a message for deletion by 1-based message number.
// The snapshot entry stays in place so numbering is unaffected.
func (s *Session) MarkDeleted(msgNum int) error {
	if s.snapshot == nil {
		return ErrInboxNotInitialized
	}
	if msgNum < 1 || msgNum > len(s.snapshot) {
		return ErrNoSuchMessage
	}
	if s.deletedSet[msgNum] {
		return ErrMessageDeleted
	}
	s.deletedSet[msgNum] = true
	return nil
}

// ResetDeletions clears all deletion marks (RSET command).
func (s *Session) ResetDeletions() {
	s.deletedSet = make(map[int]bool)
}

// DeletedMessageIDs returns the Message-IDs marked for deletion, for the
// UPDATE phase.
func (s *Session) DeletedMessageIDs() []string {
	var ids []string
	for msgNum := range s.deletedSet {
		if msgNum >= 1 && msgNum <= len(s.snapshot) {
			ids = append(ids, s.snapshot[msgNum-1].MessageID)
		}
	}
	return ids
}

// AllMessages returns the numbered messages not marked deleted, for
// LIST and UIDL scans.
func (s *Session) AllMessages() []NumberedMessage {
	var result []NumberedMessage
	for i, e := range s.snapshot {
		if !s.deletedSet[i+1] {
			result = append(result, NumberedMessage{MsgNum: i + 1, Email: e})
		}
	}
	return result
}

// NumberedMessage pairs a snapshot email with its 1-based number.
type NumberedMessage struct {
	MsgNum int
	Email  *store.Email
}

// UID returns the POP3 unique identifier for an email: the canonical
// Message-ID with angle brackets stripped. Stable across sessions.
func UID(e *store.Email) string {
	return strings.Trim(strings.TrimSpace(e.MessageID), "<>")
}
