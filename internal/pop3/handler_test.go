package pop3

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/inboxd/inboxd/internal/logging"
	"github.com/inboxd/inboxd/internal/mail"
	"github.com/inboxd/inboxd/internal/metrics"
	"github.com/inboxd/inboxd/internal/server"
	"github.com/inboxd/inboxd/internal/store"
)

// mockConn implements net.Conn for testing.
type mockConn struct {
	readData   []byte
	readPos    int
	writeData  bytes.Buffer
	localAddr  net.Addr
	remoteAddr net.Addr
	closed     bool
}

func newMockConn(input string) *mockConn {
	return &mockConn{
		readData:   []byte(input),
		localAddr:  &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 110},
		remoteAddr: &net.TCPAddr{IP: net.ParseIP("192.168.1.100"), Port: 54321},
	}
}

func (m *mockConn) Read(b []byte) (n int, err error) {
	if m.readPos >= len(m.readData) {
		return 0, io.EOF
	}
	n = copy(b, m.readData[m.readPos:])
	m.readPos += n
	return n, nil
}

func (m *mockConn) Write(b []byte) (n int, err error) {
	return m.writeData.Write(b)
}

func (m *mockConn) Close() error {
	m.closed = true
	return nil
}

func (m *mockConn) LocalAddr() net.Addr                { return m.localAddr }
func (m *mockConn) RemoteAddr() net.Addr               { return m.remoteAddr }
func (m *mockConn) SetDeadline(t time.Time) error      { return nil }
func (m *mockConn) SetReadDeadline(t time.Time) error  { return nil }
func (m *mockConn) SetWriteDeadline(t time.Time) error { return nil }

func runPOP3Session(t *testing.T, svc *mail.Service, collector metrics.Collector, input string) string {
	t.Helper()
	mc := newMockConn(input)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	conn := server.NewConnection(mc, server.ConnectionConfig{
		Protocol:       "pop3",
		IdleTimeout:    5 * time.Minute,
		CommandTimeout: 1 * time.Minute,
		Logger:         logger,
	})
	ctx := logging.NewContext(context.Background(), logger)

	handler := Handler("mail.example.com", bobProvider(), svc, collector)
	handler(ctx, conn)

	return mc.writeData.String()
}

func TestHandlerGreetingAndQuit(t *testing.T) {
	svc, _ := newPOP3MailService(t)

	output := runPOP3Session(t, svc, nil, "QUIT\r\n")
	if !strings.HasPrefix(output, "+OK mail.example.com POP3 server ready\r\n") {
		t.Errorf("greeting missing:\n%s", output)
	}
	if !strings.Contains(output, "+OK Goodbye") {
		t.Errorf("QUIT response missing:\n%s", output)
	}
}

func TestHandlerUnknownCommand(t *testing.T) {
	svc, _ := newPOP3MailService(t)

	output := runPOP3Session(t, svc, nil, "XYZZY\r\nQUIT\r\n")
	if !strings.Contains(output, "-ERR Unknown command") {
		t.Errorf("expected -ERR for unknown command:\n%s", output)
	}
}

func TestHandlerFullSession(t *testing.T) {
	svc, _ := newPOP3MailService(t)
	seedInbox(t, svc, 2)

	input := strings.Join([]string{
		"USER bob",
		"PASS hunter2",
		"STAT",
		"LIST",
		"RETR 1",
		"QUIT",
	}, "\r\n") + "\r\n"

	output := runPOP3Session(t, svc, nil, input)

	for _, want := range []string{
		"+OK User bob accepted",
		"+OK Logged in as bob",
		"+OK 2 ",
		"+OK 2 messages",
		" octets",
		"Subject: Message 1",
		"+OK POP3 server signing off",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q:\n%s", want, output)
		}
	}
}

func TestHandlerDeletionsCommittedOnQuit(t *testing.T) {
	svc, _ := newPOP3MailService(t)
	seedInbox(t, svc, 2)
	collector := &deletionCollector{}

	input := strings.Join([]string{
		"USER bob",
		"PASS hunter2",
		"DELE 1",
		"QUIT",
	}, "\r\n") + "\r\n"

	output := runPOP3Session(t, svc, collector, input)
	if !strings.Contains(output, "+OK Message 1 deleted") {
		t.Fatalf("DELE response missing:\n%s", output)
	}

	// Sign-off comes after the commit
	if !strings.Contains(output, "+OK POP3 server signing off") {
		t.Fatalf("sign-off missing:\n%s", output)
	}
	if collector.deleted != 1 {
		t.Errorf("MessagesDeleted = %d, want 1", collector.deleted)
	}

	list, err := svc.ListEmails(context.Background(), store.ListFilter{UserEmail: "bob@test.local"})
	if err != nil {
		t.Fatalf("ListEmails failed: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("remaining messages = %d, want 1", len(list))
	}
	if list[0].MessageID != "<msg-2@h>" {
		t.Errorf("wrong message deleted, remaining = %q", list[0].MessageID)
	}
}

func TestHandlerDroppedConnectionDeletesNothing(t *testing.T) {
	svc, _ := newPOP3MailService(t)
	seedInbox(t, svc, 2)
	collector := &deletionCollector{}

	// Input ends after DELE with no QUIT, simulating a dropped connection
	input := strings.Join([]string{
		"USER bob",
		"PASS hunter2",
		"DELE 1",
	}, "\r\n") + "\r\n"

	runPOP3Session(t, svc, collector, input)

	if collector.deleted != 0 {
		t.Errorf("MessagesDeleted = %d, want 0", collector.deleted)
	}
	list, err := svc.ListEmails(context.Background(), store.ListFilter{UserEmail: "bob@test.local"})
	if err != nil {
		t.Fatalf("ListEmails failed: %v", err)
	}
	if len(list) != 2 {
		t.Errorf("messages = %d, want 2 untouched", len(list))
	}
}

func TestHandlerRSETBeforeQuit(t *testing.T) {
	svc, _ := newPOP3MailService(t)
	seedInbox(t, svc, 2)
	collector := &deletionCollector{}

	input := strings.Join([]string{
		"USER bob",
		"PASS hunter2",
		"DELE 1",
		"RSET",
		"QUIT",
	}, "\r\n") + "\r\n"

	runPOP3Session(t, svc, collector, input)

	if collector.deleted != 0 {
		t.Errorf("MessagesDeleted = %d, want 0 after RSET", collector.deleted)
	}
	list, _ := svc.ListEmails(context.Background(), store.ListFilter{UserEmail: "bob@test.local"})
	if len(list) != 2 {
		t.Errorf("messages = %d, want 2 untouched", len(list))
	}
}

func TestHandlerAuthMetrics(t *testing.T) {
	svc, _ := newPOP3MailService(t)
	collector := &deletionCollector{}

	input := strings.Join([]string{
		"USER bob",
		"PASS wrong",
		"USER bob",
		"PASS hunter2",
		"QUIT",
	}, "\r\n") + "\r\n"

	runPOP3Session(t, svc, collector, input)

	if len(collector.authAttempts) != 2 || collector.authAttempts[0] || !collector.authAttempts[1] {
		t.Errorf("authAttempts = %v, want [false true]", collector.authAttempts)
	}
}

// deletionCollector records deletion and auth metrics.
type deletionCollector struct {
	metrics.NoopCollector
	deleted      int
	authAttempts []bool
}

func (c *deletionCollector) MessagesDeleted(count int) {
	c.deleted += count
}

func (c *deletionCollector) AuthAttempt(protocol string, success bool) {
	c.authAttempts = append(c.authAttempts, success)
}
