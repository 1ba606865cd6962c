package smtp

import (
	"context"
	"strings"
	"testing"
)

// Helper function to create a test session with default config
func newTestSession() *SMTPSession {
	return NewSMTPSession(
		ConnectionInfo{ClientIP: "192.168.1.100"},
		DefaultSessionConfig(),
	)
}

// Helper function to create a session already in greeted state
func newGreetedSession() *SMTPSession {
	session := newTestSession()
	session.SetState(StateGreeted)
	session.SetHelo("client.example.com")
	return session
}

// Helper function to create a session with MAIL FROM set
func newMailFromSession() *SMTPSession {
	session := newGreetedSession()
	session.SetSender("sender@example.com")
	session.SetState(StateMailFrom)
	return session
}

// Helper function to create a session with at least one recipient
func newRcptToSession() *SMTPSession {
	session := newMailFromSession()
	session.AddRecipient("recipient@example.com")
	session.SetState(StateRcptTo)
	return session
}

func TestSessionState_String(t *testing.T) {
	tests := []struct {
		state    SessionState
		expected string
	}{
		{StateInit, "INIT"},
		{StateGreeted, "GREETED"},
		{StateMailFrom, "MAIL_FROM"},
		{StateRcptTo, "RCPT_TO"},
		{StateData, "DATA"},
		{SessionState(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.state.String(); got != tt.expected {
				t.Errorf("SessionState.String() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestDefaultSessionConfig(t *testing.T) {
	config := DefaultSessionConfig()

	if config.MaxRecipients != 100 {
		t.Errorf("MaxRecipients = %d, want 100", config.MaxRecipients)
	}
	if config.MaxMessageSize != 10*1024*1024 {
		t.Errorf("MaxMessageSize = %d, want 10 MiB", config.MaxMessageSize)
	}
	if config.MaxHeloDomainLen != 255 {
		t.Errorf("MaxHeloDomainLen = %d, want 255", config.MaxHeloDomainLen)
	}
	if config.MaxEmailLen != 320 {
		t.Errorf("MaxEmailLen = %d, want 320", config.MaxEmailLen)
	}
	if config.RequireAuth {
		t.Errorf("RequireAuth = true, want false by default")
	}
}

func TestGetRecipients_DefensiveCopy(t *testing.T) {
	session := newTestSession()
	session.AddRecipient("user1@example.com")
	session.AddRecipient("user2@example.com")

	recipients := session.GetRecipients()
	recipients[0] = "modified@example.com"

	original := session.GetRecipients()
	if original[0] == "modified@example.com" {
		t.Errorf("GetRecipients returned a reference to internal state")
	}
}

func TestSessionReset_KeepsHeloAndAuth(t *testing.T) {
	session := newRcptToSession()
	session.SetAuthenticated("alice", "PLAIN")

	session.Reset()

	if session.State() != StateGreeted {
		t.Errorf("state after Reset = %v, want StateGreeted", session.State())
	}
	if session.GetSender() != "" {
		t.Errorf("sender survived Reset: %q", session.GetSender())
	}
	if session.RecipientCount() != 0 {
		t.Errorf("recipients survived Reset: %d", session.RecipientCount())
	}
	if session.GetHelo() != "client.example.com" {
		t.Errorf("HELO lost on Reset: %q", session.GetHelo())
	}
	if !session.IsAuthenticated() {
		t.Errorf("authentication lost on Reset")
	}
}

func TestEHLOCommand(t *testing.T) {
	cmd := &EHLOCommand{hostname: "mail.example.com", authEnabled: true}
	session := newTestSession()

	matches := cmd.Pattern().FindStringSubmatch("EHLO client.example.com")
	if matches == nil {
		t.Fatalf("EHLO did not match")
	}

	result, err := cmd.Execute(context.Background(), session, matches)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Code != 250 {
		t.Errorf("Code = %d, want 250", result.Code)
	}
	if session.State() != StateGreeted {
		t.Errorf("state = %v, want StateGreeted", session.State())
	}

	joined := strings.Join(result.Lines, "\n")
	for _, want := range []string{
		"mail.example.com Hello client.example.com [192.168.1.100]",
		"SIZE 10485760",
		"8BITMIME",
		"AUTH PLAIN LOGIN",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("EHLO response missing %q:\n%s", want, joined)
		}
	}
}

func TestEHLOCommand_NoAuthCapabilityWithoutAuthenticator(t *testing.T) {
	cmd := &EHLOCommand{hostname: "mail.example.com"}
	session := newTestSession()

	matches := cmd.Pattern().FindStringSubmatch("EHLO client.example.com")
	result, _ := cmd.Execute(context.Background(), session, matches)

	if strings.Contains(strings.Join(result.Lines, "\n"), "AUTH") {
		t.Errorf("AUTH advertised without an authenticator:\n%v", result.Lines)
	}
}

func TestHELOCommand(t *testing.T) {
	cmd := &HELOCommand{}
	session := newTestSession()

	matches := cmd.Pattern().FindStringSubmatch("helo client.example.com")
	if matches == nil {
		t.Fatalf("lowercase helo did not match")
	}

	result, err := cmd.Execute(context.Background(), session, matches)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Code != 250 {
		t.Errorf("Code = %d, want 250", result.Code)
	}
	if session.GetHelo() != "client.example.com" {
		t.Errorf("GetHelo() = %q", session.GetHelo())
	}
}

func TestHELOCommand_DomainTooLong(t *testing.T) {
	cmd := &HELOCommand{}
	session := newTestSession()

	long := strings.Repeat("a", 300)
	matches := cmd.Pattern().FindStringSubmatch("HELO " + long)
	result, _ := cmd.Execute(context.Background(), session, matches)

	if result.Code != 501 {
		t.Errorf("Code = %d, want 501", result.Code)
	}
}

func TestMAILCommand_RequiresGreeting(t *testing.T) {
	cmd := &MAILCommand{}
	session := newTestSession()

	matches := cmd.Pattern().FindStringSubmatch("MAIL FROM:<sender@example.com>")
	result, _ := cmd.Execute(context.Background(), session, matches)

	if result.Code != 503 {
		t.Errorf("Code = %d, want 503", result.Code)
	}
}

func TestMAILCommand_RequireAuthGate(t *testing.T) {
	cmd := &MAILCommand{}

	config := DefaultSessionConfig()
	config.RequireAuth = true
	session := NewSMTPSession(ConnectionInfo{ClientIP: "10.0.0.1"}, config)
	session.SetState(StateGreeted)

	matches := cmd.Pattern().FindStringSubmatch("MAIL FROM:<sender@example.com>")
	result, _ := cmd.Execute(context.Background(), session, matches)

	// Auth gating takes precedence over sequencing errors
	if result.Code != 530 {
		t.Errorf("Code = %d, want 530", result.Code)
	}

	session.SetAuthenticated("alice", "PLAIN")
	result, _ = cmd.Execute(context.Background(), session, matches)
	if result.Code != 250 {
		t.Errorf("Code after auth = %d, want 250", result.Code)
	}
}

func TestMAILCommand_SetsEnvelope(t *testing.T) {
	cmd := &MAILCommand{}
	session := newGreetedSession()

	matches := cmd.Pattern().FindStringSubmatch("MAIL FROM:<sender@example.com> SIZE=1024")
	result, _ := cmd.Execute(context.Background(), session, matches)

	if result.Code != 250 {
		t.Errorf("Code = %d, want 250", result.Code)
	}
	if session.GetSender() != "sender@example.com" {
		t.Errorf("GetSender() = %q", session.GetSender())
	}
	if session.State() != StateMailFrom {
		t.Errorf("state = %v, want StateMailFrom", session.State())
	}
}

func TestMAILCommand_NullSender(t *testing.T) {
	cmd := &MAILCommand{}
	session := newGreetedSession()

	matches := cmd.Pattern().FindStringSubmatch("MAIL FROM:<>")
	result, _ := cmd.Execute(context.Background(), session, matches)

	if result.Code != 250 {
		t.Errorf("Code = %d, want 250 for null sender", result.Code)
	}
	if session.GetSender() != "" {
		t.Errorf("GetSender() = %q, want empty", session.GetSender())
	}
}

func TestMAILCommand_ResetsPriorTransaction(t *testing.T) {
	cmd := &MAILCommand{}
	session := newRcptToSession()

	matches := cmd.Pattern().FindStringSubmatch("MAIL FROM:<other@example.com>")
	result, _ := cmd.Execute(context.Background(), session, matches)

	if result.Code != 250 {
		t.Errorf("Code = %d, want 250", result.Code)
	}
	if session.GetSender() != "other@example.com" {
		t.Errorf("GetSender() = %q", session.GetSender())
	}
	if session.RecipientCount() != 0 {
		t.Errorf("recipients from prior transaction survived: %d", session.RecipientCount())
	}
}

func TestRCPTCommand_RequiresMailFrom(t *testing.T) {
	cmd := &RCPTCommand{}
	session := newGreetedSession()

	matches := cmd.Pattern().FindStringSubmatch("RCPT TO:<recipient@example.com>")
	result, _ := cmd.Execute(context.Background(), session, matches)

	if result.Code != 503 {
		t.Errorf("Code = %d, want 503", result.Code)
	}
}

func TestRCPTCommand_AddsRecipient(t *testing.T) {
	cmd := &RCPTCommand{}
	session := newMailFromSession()

	matches := cmd.Pattern().FindStringSubmatch("RCPT TO:<recipient@example.com>")
	result, _ := cmd.Execute(context.Background(), session, matches)

	if result.Code != 250 {
		t.Errorf("Code = %d, want 250", result.Code)
	}
	if session.RecipientCount() != 1 {
		t.Errorf("RecipientCount = %d, want 1", session.RecipientCount())
	}
	if session.State() != StateRcptTo {
		t.Errorf("state = %v, want StateRcptTo", session.State())
	}
}

func TestRCPTCommand_TooManyRecipients(t *testing.T) {
	cmd := &RCPTCommand{}

	config := DefaultSessionConfig()
	config.MaxRecipients = 2
	session := NewSMTPSession(ConnectionInfo{}, config)
	session.SetState(StateMailFrom)
	session.AddRecipient("one@example.com")
	session.AddRecipient("two@example.com")

	matches := cmd.Pattern().FindStringSubmatch("RCPT TO:<three@example.com>")
	result, _ := cmd.Execute(context.Background(), session, matches)

	if result.Code != 452 {
		t.Errorf("Code = %d, want 452", result.Code)
	}
	if session.RecipientCount() != 2 {
		t.Errorf("RecipientCount = %d, want 2", session.RecipientCount())
	}
}

func TestDATACommand_RequiresRcptTo(t *testing.T) {
	cmd := &DATACommand{}
	session := newMailFromSession()

	matches := cmd.Pattern().FindStringSubmatch("DATA")
	result, _ := cmd.Execute(context.Background(), session, matches)

	if result.Code != 503 {
		t.Errorf("Code = %d, want 503", result.Code)
	}
}

func TestDATACommand_EntersDataMode(t *testing.T) {
	cmd := &DATACommand{}
	session := newRcptToSession()

	matches := cmd.Pattern().FindStringSubmatch("DATA")
	result, _ := cmd.Execute(context.Background(), session, matches)

	if result.Code != 354 {
		t.Errorf("Code = %d, want 354", result.Code)
	}
	if !session.InData() {
		t.Errorf("InData() = false after DATA")
	}
}

func TestRSETCommand(t *testing.T) {
	cmd := &RSETCommand{}
	session := newRcptToSession()

	matches := cmd.Pattern().FindStringSubmatch("RSET")
	result, _ := cmd.Execute(context.Background(), session, matches)

	if result.Code != 250 {
		t.Errorf("Code = %d, want 250", result.Code)
	}
	if session.GetSender() != "" || session.RecipientCount() != 0 {
		t.Errorf("transaction state survived RSET")
	}
}

func TestQUITCommand(t *testing.T) {
	cmd := &QUITCommand{}
	session := newTestSession()

	matches := cmd.Pattern().FindStringSubmatch("QUIT")
	result, _ := cmd.Execute(context.Background(), session, matches)

	if result.Code != 221 {
		t.Errorf("Code = %d, want 221", result.Code)
	}
}

func TestCommandRegistry_Match(t *testing.T) {
	registry := NewCommandRegistry("mail.example.com", nil)

	tests := []struct {
		line    string
		matches bool
	}{
		{"EHLO client.example.com", true},
		{"HELO client.example.com", true},
		{"MAIL FROM:<a@b.co>", true},
		{"mail from: <a@b.co>", true},
		{"RCPT TO:<c@d.co>", true},
		{"DATA", true},
		{"RSET", true},
		{"NOOP", true},
		{"NOOP with trailing words", true},
		{"QUIT", true},
		{"VRFY someone", false},
		{"EXPN list", false},
		{"garbage", false},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			_, _, err := registry.Match(tt.line)
			if tt.matches && err != nil {
				t.Errorf("Match(%q) failed: %v", tt.line, err)
			}
			if !tt.matches && err == nil {
				t.Errorf("Match(%q) succeeded, want ErrUnknownCommand", tt.line)
			}
		})
	}
}

func TestCommandRegistry_AuthOnlyWithAuthenticator(t *testing.T) {
	noAuth := NewCommandRegistry("mail.example.com", nil)
	if _, _, err := noAuth.Match("AUTH PLAIN"); err == nil {
		t.Errorf("AUTH matched without an authenticator")
	}

	withAuth := NewCommandRegistry("mail.example.com", authenticatorFunc(nil))
	if _, _, err := withAuth.Match("AUTH PLAIN"); err != nil {
		t.Errorf("AUTH did not match with an authenticator: %v", err)
	}
}
