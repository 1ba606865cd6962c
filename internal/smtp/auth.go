package smtp

import (
	"context"
	"encoding/base64"
	"errors"
	"regexp"
	"strings"

	"github.com/emersion/go-sasl"

	"github.com/inboxd/inboxd/internal/store"
)

// authPattern matches AUTH commands: AUTH <mechanism> [initial-response]
var authPattern = regexp.MustCompile(`(?i)^AUTH\s+(\w+)(?:\s+(\S+))?\s*$`)

// Authenticator verifies credentials for the AUTH command.
// Implemented by the authentication service.
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) (*store.User, error)
}

// authExchange is an in-progress SASL negotiation on a session. PLAIN
// completes in at most one round trip; LOGIN prompts for username and
// password in turn.
type authExchange struct {
	mechanism string
	server    sasl.Server
	username  string
}

// AUTHCommand implements AUTH PLAIN and AUTH LOGIN (RFC 4954).
type AUTHCommand struct {
	authenticator Authenticator
}

func (c *AUTHCommand) Pattern() *regexp.Regexp {
	return authPattern
}

func (c *AUTHCommand) Execute(ctx context.Context, session *SMTPSession, matches []string) (SMTPResult, error) {
	mechanism := strings.ToUpper(matches[1])
	initialResponse := matches[2]

	if session.IsAuthenticated() || session.AuthInProgress() {
		return SMTPResult{Code: 503, Message: "5.5.1 Bad sequence of commands"}, nil
	}
	if session.State() < StateGreeted {
		return SMTPResult{Code: 503, Message: "5.5.1 Bad sequence of commands"}, nil
	}

	ex := &authExchange{mechanism: mechanism}
	switch mechanism {
	case "PLAIN":
		ex.server = sasl.NewPlainServer(func(identity, username, password string) error {
			u, err := c.authenticator.Authenticate(ctx, username, password)
			if err != nil {
				return err
			}
			ex.username = u.Username
			return nil
		})
	case "LOGIN":
		ex.server = newLoginServer(func(username, password string) error {
			u, err := c.authenticator.Authenticate(ctx, username, password)
			if err != nil {
				return err
			}
			ex.username = u.Username
			return nil
		})
	default:
		return SMTPResult{Code: 504, Message: "5.5.4 Unrecognized authentication type"}, nil
	}

	session.pendingAuth = ex

	// "=" is the RFC 4954 encoding of an empty initial response.
	var response []byte
	switch initialResponse {
	case "":
		response = nil
	case "=":
		response = []byte{}
	default:
		decoded, err := base64.StdEncoding.DecodeString(initialResponse)
		if err != nil {
			session.pendingAuth = nil
			return SMTPResult{Code: 501, Message: "5.5.2 Invalid base64 encoding"}, nil
		}
		response = decoded
	}

	return ContinueAuth(session, response), nil
}

// loginServer is a sasl.Server for the LOGIN mechanism, which go-sasl
// only ships a client for. It prompts for the username and password in
// turn; an initial response is taken as the username, skipping the
// first prompt.
type loginServer struct {
	authenticate func(username, password string) error
	username     string
	state        int
}

func newLoginServer(authenticate func(username, password string) error) sasl.Server {
	return &loginServer{authenticate: authenticate}
}

func (s *loginServer) Next(response []byte) ([]byte, bool, error) {
	if s.state == 0 && response == nil {
		s.state = 1
		return []byte("Username:"), false, nil
	}

	switch s.state {
	case 0, 1:
		s.username = string(response)
		s.state = 2
		return []byte("Password:"), false, nil
	case 2:
		s.state = 3
		if err := s.authenticate(s.username, string(response)); err != nil {
			return nil, false, err
		}
		return nil, true, nil
	default:
		return nil, false, errors.New("unexpected client response")
	}
}

// ContinueAuth advances a pending SASL exchange with the client's
// response bytes. A nil response asks the mechanism for its first
// challenge.
func ContinueAuth(session *SMTPSession, response []byte) SMTPResult {
	ex := session.pendingAuth
	if ex == nil {
		return SMTPResult{Code: 503, Message: "5.5.1 Bad sequence of commands"}
	}

	challenge, done, err := ex.server.Next(response)
	if err != nil {
		session.pendingAuth = nil
		return SMTPResult{Code: 535, Message: "5.7.8 Authentication credentials invalid"}
	}
	if done {
		session.SetAuthenticated(ex.username, ex.mechanism)
		return SMTPResult{Code: 235, Message: "2.7.0 Authentication successful"}
	}

	return SMTPResult{Code: 334, Message: base64.StdEncoding.EncodeToString(challenge)}
}

// CancelAuth aborts a pending SASL exchange.
func CancelAuth(session *SMTPSession) {
	session.pendingAuth = nil
}
