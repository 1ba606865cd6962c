package pop3

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/inboxd/inboxd/internal/mail"
	"github.com/inboxd/inboxd/internal/metrics"
)

// statCommand implements the STAT command (RFC 1939).
type statCommand struct{}

func (s *statCommand) Name() string {
	return "STAT"
}

func (s *statCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if sess.State() != StateTransaction {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}
	if len(args) > 0 {
		return Response{OK: false, Message: "STAT command takes no arguments"}, nil
	}

	return Response{OK: true, Message: fmt.Sprintf("%d %d", sess.MessageCount(), sess.TotalSize())}, nil
}

// listCommand implements the LIST command (RFC 1939).
type listCommand struct{}

func (l *listCommand) Name() string {
	return "LIST"
}

func (l *listCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if sess.State() != StateTransaction {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}

	if len(args) == 0 {
		messages := sess.AllMessages()
		lines := make([]string, len(messages))
		for i, m := range messages {
			lines[i] = fmt.Sprintf("%d %d", m.MsgNum, m.Email.Size)
		}
		return Response{
			OK:        true,
			Message:   fmt.Sprintf("%d messages (%d octets)", sess.MessageCount(), sess.TotalSize()),
			Lines:     lines,
			Multiline: true,
		}, nil
	}

	if len(args) != 1 {
		return Response{OK: false, Message: "LIST command takes at most one argument"}, nil
	}

	msgNum, err := strconv.Atoi(args[0])
	if err != nil {
		return Response{OK: false, Message: "Invalid message number"}, nil
	}

	msg, err := sess.GetMessage(msgNum)
	if err != nil {
		return Response{OK: false, Message: "No such message"}, nil
	}

	return Response{OK: true, Message: fmt.Sprintf("%d %d", msgNum, msg.Size)}, nil
}

// uidlCommand implements the UIDL command (RFC 1939 extension). UIDs are
// Message-IDs with the angle brackets stripped.
type uidlCommand struct{}

func (u *uidlCommand) Name() string {
	return "UIDL"
}

func (u *uidlCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if sess.State() != StateTransaction {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}

	if len(args) == 0 {
		messages := sess.AllMessages()
		lines := make([]string, len(messages))
		for i, m := range messages {
			lines[i] = fmt.Sprintf("%d %s", m.MsgNum, UID(m.Email))
		}
		return Response{OK: true, Message: "", Lines: lines, Multiline: true}, nil
	}

	if len(args) != 1 {
		return Response{OK: false, Message: "UIDL command takes at most one argument"}, nil
	}

	msgNum, err := strconv.Atoi(args[0])
	if err != nil {
		return Response{OK: false, Message: "Invalid message number"}, nil
	}

	msg, err := sess.GetMessage(msgNum)
	if err != nil {
		return Response{OK: false, Message: "No such message"}, nil
	}

	return Response{OK: true, Message: fmt.Sprintf("%d %s", msgNum, UID(msg))}, nil
}

// retrCommand implements the RETR command (RFC 1939). Content is read
// from the .eml store with a metadata-synthesized fallback, normalized
// to CRLF, and dot-stuffed by the response writer. The status line
// reports the post-normalization octet count.
type retrCommand struct {
	svc       *mail.Service
	collector metrics.Collector
}

func (r *retrCommand) Name() string {
	return "RETR"
}

func (r *retrCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if sess.State() != StateTransaction {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}
	if len(args) != 1 {
		return Response{OK: false, Message: "RETR command requires message number"}, nil
	}

	msgNum, err := strconv.Atoi(args[0])
	if err != nil {
		return Response{OK: false, Message: "Invalid message number"}, nil
	}

	msg, err := sess.GetMessage(msgNum)
	if err != nil {
		return Response{OK: false, Message: "No such message"}, nil
	}

	content := r.svc.RawContent(msg)
	lines := splitMessageLines(string(content))

	var octets int64
	for _, line := range lines {
		octets += int64(len(line)) + 2
	}

	r.collector.MessageRetrieved(octets)

	return Response{
		OK:        true,
		Message:   fmt.Sprintf("%d octets", octets),
		Lines:     lines,
		Multiline: true,
	}, nil
}

// topCommand implements the TOP command (RFC 2449): headers plus the
// first n body lines.
type topCommand struct {
	svc *mail.Service
}

func (t *topCommand) Name() string {
	return "TOP"
}

func (t *topCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if sess.State() != StateTransaction {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}
	if len(args) != 2 {
		return Response{OK: false, Message: "TOP command requires message number and line count"}, nil
	}

	msgNum, err := strconv.Atoi(args[0])
	if err != nil {
		return Response{OK: false, Message: "Invalid message number"}, nil
	}
	lineCount, err := strconv.Atoi(args[1])
	if err != nil || lineCount < 0 {
		return Response{OK: false, Message: "Invalid line count"}, nil
	}

	msg, err := sess.GetMessage(msgNum)
	if err != nil {
		return Response{OK: false, Message: "No such message"}, nil
	}

	content := t.svc.RawContent(msg)
	lines := extractTopLines(string(content), lineCount)

	return Response{OK: true, Message: "Top of message follows", Lines: lines, Multiline: true}, nil
}

// deleCommand implements the DELE command (RFC 1939). Marks are applied
// only in the UPDATE phase; marking an already-marked message succeeds
// so the tombstone set is idempotent.
type deleCommand struct{}

func (d *deleCommand) Name() string {
	return "DELE"
}

func (d *deleCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if sess.State() != StateTransaction {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}
	if len(args) != 1 {
		return Response{OK: false, Message: "DELE command requires message number"}, nil
	}

	msgNum, err := strconv.Atoi(args[0])
	if err != nil {
		return Response{OK: false, Message: "Invalid message number"}, nil
	}

	err = sess.MarkDeleted(msgNum)
	if err != nil {
		if errors.Is(err, ErrMessageDeleted) {
			return Response{OK: true, Message: fmt.Sprintf("Message %d already deleted", msgNum)}, nil
		}
		return Response{OK: false, Message: "No such message"}, nil
	}

	return Response{OK: true, Message: fmt.Sprintf("Message %d deleted", msgNum)}, nil
}

// rsetCommand implements the RSET command (RFC 1939).
type rsetCommand struct{}

func (r *rsetCommand) Name() string {
	return "RSET"
}

func (r *rsetCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if sess.State() != StateTransaction {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}
	if len(args) > 0 {
		return Response{OK: false, Message: "RSET command takes no arguments"}, nil
	}

	sess.ResetDeletions()

	return Response{OK: true, Message: fmt.Sprintf("maildrop has %d messages", sess.MessageCount())}, nil
}

// noopCommand implements the NOOP command (RFC 1939).
type noopCommand struct{}

func (n *noopCommand) Name() string {
	return "NOOP"
}

func (n *noopCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if len(args) > 0 {
		return Response{OK: false, Message: "NOOP command takes no arguments"}, nil
	}

	return Response{OK: true, Message: ""}, nil
}

// splitMessageLines normalizes message content to lines for a POP3
// multi-line response, handling LF, CR, and CRLF endings.
func splitMessageLines(content string) []string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	content = strings.ReplaceAll(content, "\r", "\n")

	rawLines := strings.Split(content, "\n")

	// Drop the empty element a trailing newline produces
	if len(rawLines) > 0 && rawLines[len(rawLines)-1] == "" {
		rawLines = rawLines[:len(rawLines)-1]
	}

	return rawLines
}

// extractTopLines returns the header block plus the first bodyLines body
// lines of a message.
func extractTopLines(content string, bodyLines int) []string {
	var lines []string
	inBody := false
	bodyCount := 0

	for _, line := range splitMessageLines(content) {
		if !inBody {
			lines = append(lines, line)
			if line == "" {
				inBody = true
			}
			continue
		}
		if bodyCount >= bodyLines {
			break
		}
		lines = append(lines, line)
		bodyCount++
	}

	return lines
}
