package pop3

import (
	"context"
	"fmt"

	"github.com/inboxd/inboxd/internal/mail"
	"github.com/inboxd/inboxd/internal/store"
)

// AuthProvider is the interface for authentication operations.
type AuthProvider interface {
	Authenticate(ctx context.Context, username, password string) (*store.User, error)
}

// capaCommand implements the CAPA command (RFC 2449).
type capaCommand struct{}

func (c *capaCommand) Name() string {
	return "CAPA"
}

func (c *capaCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if len(args) > 0 {
		return Response{OK: false, Message: "CAPA command takes no arguments"}, nil
	}

	return Response{
		OK:        true,
		Message:   "Capability list follows",
		Lines:     sess.Capabilities(),
		Multiline: true,
	}, nil
}

// userCommand implements the USER command (RFC 1939).
type userCommand struct{}

func (u *userCommand) Name() string {
	return "USER"
}

func (u *userCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if sess.State() != StateAuthorization {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}

	if len(args) != 1 {
		return Response{OK: false, Message: "USER command requires username argument"}, nil
	}

	username := args[0]
	if username == "" {
		return Response{OK: false, Message: "Username cannot be empty"}, nil
	}

	sess.SetUsername(username)

	return Response{OK: true, Message: fmt.Sprintf("User %s accepted", username)}, nil
}

// passCommand implements the PASS command (RFC 1939). On success the
// session enters TRANSACTION and the inbox snapshot is taken.
type passCommand struct {
	authProvider AuthProvider
	svc          *mail.Service
}

func (p *passCommand) Name() string {
	return "PASS"
}

func (p *passCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if sess.State() != StateAuthorization {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}

	username := sess.Username()
	if username == "" {
		return Response{OK: false, Message: "No username specified"}, nil
	}

	if len(args) != 1 {
		return Response{OK: false, Message: "PASS command requires password argument"}, nil
	}

	password := args[0]

	user, err := p.authProvider.Authenticate(ctx, username, password)
	if err != nil {
		// Generic failure text prevents user enumeration. The session
		// stays in AUTHORIZATION so USER may be retried.
		conn.Logger().Info("authentication failed",
			"username", username,
			"error", err.Error(),
		)
		return Response{OK: false, Message: "Authentication failed"}, nil
	}

	sess.SetAuthenticated(user)

	if err := sess.InitializeInbox(ctx, p.svc); err != nil {
		conn.Logger().Error("failed to load inbox",
			"username", username,
			"error", err.Error(),
		)
		// Drop back to AUTHORIZATION so state matches the -ERR reply
		sess.ResetAuthorization()
		return Response{OK: false, Message: "Internal server error"}, nil
	}

	conn.Logger().Info("authentication successful",
		"username", username,
		"messages", sess.MessageCount(),
	)

	return Response{OK: true, Message: fmt.Sprintf("Logged in as %s", username)}, nil
}

// quitCommand implements the QUIT command (RFC 1939). From TRANSACTION
// it enters UPDATE; the handler commits marked deletions before the
// final response is written.
type quitCommand struct{}

func (q *quitCommand) Name() string {
	return "QUIT"
}

func (q *quitCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if len(args) > 0 {
		return Response{OK: false, Message: "QUIT command takes no arguments"}, nil
	}

	switch sess.State() {
	case StateTransaction:
		sess.EnterUpdate()
		return Response{OK: true, Message: "POP3 server signing off"}, nil
	default:
		return Response{OK: true, Message: "Goodbye"}, nil
	}
}
