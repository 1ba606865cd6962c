package pop3

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/inboxd/inboxd/internal/mail"
	"github.com/inboxd/inboxd/internal/spam"
	"github.com/inboxd/inboxd/internal/store"
)

// authProviderFunc adapts a function to the AuthProvider interface.
type authProviderFunc func(ctx context.Context, username, password string) (*store.User, error)

func (f authProviderFunc) Authenticate(ctx context.Context, username, password string) (*store.User, error) {
	return f(ctx, username, password)
}

// bobProvider accepts bob/hunter2 only.
func bobProvider() AuthProvider {
	return authProviderFunc(func(ctx context.Context, username, password string) (*store.User, error) {
		if username == "bob" && password == "hunter2" {
			return &store.User{Username: "bob", Email: "bob@test.local"}, nil
		}
		return nil, errors.New("authentication failed")
	})
}

func TestUSER(t *testing.T) {
	sess := NewSession("mail.example.com")

	resp := exec(t, &userCommand{}, sess, "bob")
	if !resp.OK {
		t.Fatalf("USER failed: %s", resp.Message)
	}
	if sess.Username() != "bob" {
		t.Errorf("Username() = %q, want bob", sess.Username())
	}
}

func TestUSER_Errors(t *testing.T) {
	sess := NewSession("mail.example.com")

	if resp := exec(t, &userCommand{}, sess); resp.OK {
		t.Errorf("USER without argument succeeded")
	}

	sess.SetAuthenticated(&store.User{Username: "bob"})
	if resp := exec(t, &userCommand{}, sess, "bob"); resp.OK {
		t.Errorf("USER succeeded in TRANSACTION state")
	}
}

func TestPASS(t *testing.T) {
	svc, _ := newPOP3MailService(t)
	seedInbox(t, svc, 1)

	sess := NewSession("mail.example.com")
	sess.SetUsername("bob")

	cmd := &passCommand{authProvider: bobProvider(), svc: svc}
	resp := exec(t, cmd, sess, "hunter2")
	if !resp.OK {
		t.Fatalf("PASS failed: %s", resp.Message)
	}
	if sess.State() != StateTransaction {
		t.Errorf("state = %v, want TRANSACTION", sess.State())
	}
	if sess.MessageCount() != 1 {
		t.Errorf("inbox snapshot not loaded: count = %d", sess.MessageCount())
	}
}

func TestPASS_BadCredentials(t *testing.T) {
	svc, _ := newPOP3MailService(t)

	sess := NewSession("mail.example.com")
	sess.SetUsername("bob")

	cmd := &passCommand{authProvider: bobProvider(), svc: svc}
	resp := exec(t, cmd, sess, "wrong")
	if resp.OK {
		t.Fatalf("PASS succeeded with bad credentials")
	}
	// Generic text only; no user enumeration
	if resp.Message != "Authentication failed" {
		t.Errorf("Message = %q", resp.Message)
	}
	if sess.State() != StateAuthorization {
		t.Errorf("state = %v, want AUTHORIZATION for retry", sess.State())
	}

	// USER may be retried after a failed PASS
	if resp := exec(t, &userCommand{}, sess, "bob"); !resp.OK {
		t.Errorf("USER retry failed: %s", resp.Message)
	}
}

func TestPASS_InboxLoadFailure(t *testing.T) {
	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "mail.db"), 5)
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	content, err := store.NewContentStore(filepath.Join(dir, "emails"))
	if err != nil {
		t.Fatalf("creating content store: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := mail.NewService(db, content, spam.NewClassifier(nil, nil, 0), logger)

	// A closed database makes the snapshot load fail after auth succeeds
	_ = db.Close()

	sess := NewSession("mail.example.com")
	sess.SetUsername("bob")

	cmd := &passCommand{authProvider: bobProvider(), svc: svc}
	resp := exec(t, cmd, sess, "hunter2")
	if resp.OK {
		t.Fatalf("PASS succeeded with unloadable inbox")
	}
	// The session returns to AUTHORIZATION so the -ERR matches its state
	if sess.State() != StateAuthorization {
		t.Errorf("state = %v, want AUTHORIZATION", sess.State())
	}
	if sess.IsAuthenticated() {
		t.Errorf("IsAuthenticated() = true after failed inbox load")
	}
}

func TestPASS_WithoutUser(t *testing.T) {
	svc, _ := newPOP3MailService(t)
	sess := NewSession("mail.example.com")

	cmd := &passCommand{authProvider: bobProvider(), svc: svc}
	if resp := exec(t, cmd, sess, "hunter2"); resp.OK {
		t.Errorf("PASS succeeded without USER")
	}
}

func TestQUIT_States(t *testing.T) {
	sess := NewSession("mail.example.com")

	resp := exec(t, &quitCommand{}, sess)
	if !resp.OK || resp.Message != "Goodbye" {
		t.Errorf("QUIT in AUTHORIZATION = %v %q", resp.OK, resp.Message)
	}
	if sess.State() != StateAuthorization {
		t.Errorf("QUIT from AUTHORIZATION changed state to %v", sess.State())
	}

	sess.SetAuthenticated(&store.User{Username: "bob"})
	resp = exec(t, &quitCommand{}, sess)
	if !resp.OK || resp.Message != "POP3 server signing off" {
		t.Errorf("QUIT in TRANSACTION = %v %q", resp.OK, resp.Message)
	}
	if sess.State() != StateUpdate {
		t.Errorf("state = %v, want UPDATE", sess.State())
	}
}
