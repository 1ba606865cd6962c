package smtp

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/inboxd/inboxd/internal/logging"
	"github.com/inboxd/inboxd/internal/mail"
	"github.com/inboxd/inboxd/internal/message"
	"github.com/inboxd/inboxd/internal/metrics"
	"github.com/inboxd/inboxd/internal/server"
)

// HandlerConfig carries the pieces a connection handler needs.
type HandlerConfig struct {
	Hostname       string
	MaxRecipients  int
	MaxMessageSize int64
	RequireAuth    bool
}

// Handler returns a ConnectionHandler that drives SMTP sessions.
// collector records metrics (nil for no-op). authenticator enables AUTH
// when non-nil. svc receives accepted messages.
func Handler(cfg HandlerConfig, collector metrics.Collector, authenticator Authenticator, svc *mail.Service) server.ConnectionHandler {
	if collector == nil {
		collector = &metrics.NoopCollector{}
	}
	registry := NewCommandRegistry(cfg.Hostname, authenticator)

	sessionCfg := DefaultSessionConfig()
	if cfg.MaxRecipients > 0 {
		sessionCfg.MaxRecipients = cfg.MaxRecipients
	}
	if cfg.MaxMessageSize > 0 {
		sessionCfg.MaxMessageSize = cfg.MaxMessageSize
	}
	sessionCfg.RequireAuth = cfg.RequireAuth

	return func(ctx context.Context, conn *server.Connection) {
		logger := logging.FromContext(ctx)

		collector.ConnectionOpened("smtp")
		defer collector.ConnectionClosed("smtp")
		if conn.IsTLS() {
			collector.TLSConnectionEstablished("smtp")
		}

		session := NewSMTPSession(ConnectionInfo{
			ClientIP:  extractIP(conn.RemoteAddr()),
			TLSActive: conn.IsTLS(),
		}, sessionCfg)

		if err := writeResponse(conn, SMTPResult{Code: 220, Message: cfg.Hostname + " ESMTP ready"}); err != nil {
			logger.Debug("failed to send greeting", "error", err.Error())
			return
		}
		if err := conn.ResetIdleTimeout(); err != nil {
			logger.Debug("failed to reset idle timeout", "error", err.Error())
			return
		}

		for {
			if err := conn.SetCommandTimeout(); err != nil {
				logger.Debug("failed to set command timeout", "error", err.Error())
				return
			}

			line, err := conn.Reader().ReadString('\n')
			if err != nil {
				if err != io.EOF {
					logger.Debug("failed to read command", "error", err.Error())
				}
				return
			}
			line = strings.TrimRight(line, "\r\n")

			if line == "" {
				continue
			}

			// A pending AUTH exchange consumes raw continuation lines.
			if session.AuthInProgress() {
				result := stepAuthExchange(session, line)
				if result.Code == 235 || result.Code == 535 {
					collector.AuthAttempt("smtp", result.Code == 235)
				}
				if err := writeResponse(conn, result); err != nil {
					logger.Debug("failed to write auth response", "error", err.Error())
					return
				}
				if err := conn.ResetIdleTimeout(); err != nil {
					logger.Debug("failed to reset idle timeout", "error", err.Error())
				}
				continue
			}

			if session.InData() {
				handleData(ctx, conn, session, line, collector, svc, cfg.Hostname)
				session.Reset()
				if err := conn.ResetIdleTimeout(); err != nil {
					logger.Debug("failed to reset idle timeout", "error", err.Error())
				}
				continue
			}

			cmd, matches, err := registry.Match(line)
			if err != nil {
				if err := writeResponse(conn, SMTPResult{Code: 500, Message: "Unrecognized command"}); err != nil {
					logger.Debug("failed to write error response", "error", err.Error())
					return
				}
				if err := conn.ResetIdleTimeout(); err != nil {
					logger.Debug("failed to reset idle timeout", "error", err.Error())
				}
				continue
			}

			collector.CommandProcessed("smtp", extractCommandName(line))

			result, execErr := cmd.Execute(ctx, session, matches)
			if execErr != nil {
				logger.Debug("command execution failed", "error", execErr.Error())
				result = SMTPResult{Code: 451, Message: "Requested action aborted"}
			}

			if _, isAuth := cmd.(*AUTHCommand); isAuth && (result.Code == 235 || result.Code == 535) {
				collector.AuthAttempt("smtp", result.Code == 235)
			}

			if err := writeResponse(conn, result); err != nil {
				logger.Debug("failed to write response", "error", err.Error())
				return
			}
			if err := conn.ResetIdleTimeout(); err != nil {
				logger.Debug("failed to reset idle timeout", "error", err.Error())
			}

			if result.Code == 221 {
				return
			}
		}
	}
}

// stepAuthExchange feeds one continuation line into the pending SASL
// exchange. "*" cancels per RFC 4954.
func stepAuthExchange(session *SMTPSession, line string) SMTPResult {
	if line == "*" {
		CancelAuth(session)
		return SMTPResult{Code: 501, Message: "5.7.0 Authentication cancelled"}
	}
	decoded, err := base64.StdEncoding.DecodeString(line)
	if err != nil {
		CancelAuth(session)
		return SMTPResult{Code: 501, Message: "5.5.2 Invalid base64 encoding"}
	}
	return ContinueAuth(session, decoded)
}

// handleData collects the message body and runs the ingress pipeline:
// lossy UTF-8 decode, header parse, envelope fallbacks for From and
// Message-ID, canonicalization, plain-text extraction, classification,
// and the transactional save. firstLine is the line already consumed by
// the command loop.
func handleData(ctx context.Context, conn *server.Connection, session *SMTPSession, firstLine string, collector metrics.Collector, svc *mail.Service, hostname string) {
	logger := logging.FromContext(ctx)
	domain := extractDomain(session.GetRecipients())

	messageData, err := collectMessageData(conn, session.Config().MaxMessageSize, firstLine)
	if err != nil {
		logger.Debug("failed to collect message data", "error", err.Error())
		collector.MessageRejected(domain, "data_error")
		writeOrLog(conn, logger, SMTPResult{Code: 451, Message: "Error collecting message"})
		return
	}

	raw := strings.ToValidUTF8(string(messageData), "�")

	var (
		parsedFrom    string
		parsedID      string
		parsedSubject string
		parsedDate    time.Time
	)
	if parsed, err := message.Parse([]byte(raw)); err == nil {
		parsedFrom = parsed.From.Addr
		parsedID = parsed.MessageID
		parsedSubject = parsed.Subject
		parsedDate = parsed.Date
	} else {
		logger.Debug("header parse failed, using envelope", "error", err.Error())
	}

	fromAddr := parsedFrom
	if fromAddr == "" {
		fromAddr = session.GetSender()
	}

	messageID := parsedID
	if messageID == "" {
		messageID = fmt.Sprintf("<%s@%s>", uuid.NewString(), hostname)
	}

	now := time.Now().UTC()
	headerDate := now.Format(time.RFC1123Z)
	metaDate := now.Format(time.RFC3339)
	if !parsedDate.IsZero() {
		headerDate = parsedDate.Format(time.RFC1123Z)
		metaDate = parsedDate.UTC().Format(time.RFC3339)
	}

	canonical := message.EnsureProperFormat(raw, message.Defaults{
		MessageID: messageID,
		Subject:   parsedSubject,
		From:      fromAddr,
		To:        strings.Join(session.GetRecipients(), ", "),
		Date:      headerDate,
	})

	plainText := ""
	if reparsed, err := message.Parse([]byte(canonical)); err == nil {
		plainText = reparsed.PlainText()
	}

	verdict, err := svc.SaveEmail(ctx, mail.SaveRequest{
		MessageID:  messageID,
		FromAddr:   fromAddr,
		ToAddrs:    session.GetRecipients(),
		Subject:    parsedSubject,
		Date:       metaDate,
		RawContent: []byte(canonical),
		PlainText:  plainText,
	})
	if err != nil {
		logger.Error("ingress save failed", "message_id", messageID, "error", err.Error())
		collector.MessageRejected(domain, "save_error")
		writeOrLog(conn, logger, SMTPResult{Code: 451, Message: "Requested action aborted"})
		return
	}

	collector.MessageReceived(domain, int64(len(canonical)))
	collector.SpamVerdict(verdict.IsSpam)
	logger.Info("message accepted",
		"message_id", messageID,
		"from", fromAddr,
		"recipients", session.RecipientCount(),
		"size", len(canonical),
		"spam", verdict.IsSpam,
	)
	writeOrLog(conn, logger, SMTPResult{Code: 250, Message: "Message accepted for delivery"})
}

// writeResponse writes an SMTP response to the connection. Multi-line
// responses use the code-hyphen continuation form.
func writeResponse(conn *server.Connection, result SMTPResult) error {
	w := conn.Writer()
	if len(result.Lines) > 0 {
		for i, line := range result.Lines {
			sep := "-"
			if i == len(result.Lines)-1 {
				sep = " "
			}
			if _, err := fmt.Fprintf(w, "%d%s%s\r\n", result.Code, sep, line); err != nil {
				return err
			}
		}
		return conn.Flush()
	}
	if _, err := fmt.Fprintf(w, "%d %s\r\n", result.Code, result.Message); err != nil {
		return err
	}
	return conn.Flush()
}

func writeOrLog(conn *server.Connection, logger *slog.Logger, result SMTPResult) {
	if err := writeResponse(conn, result); err != nil {
		logger.Debug("failed to write response", "error", err.Error())
	}
}

// collectMessageData reads message content until the terminating dot.
// It handles dot-stuffing per RFC 5321. firstLine is the line the
// command loop already consumed after the 354 reply. An oversized body
// is still consumed through the terminator so the lines after the cap
// are not replayed to the command loop as SMTP commands.
func collectMessageData(conn *server.Connection, maxSize int64, firstLine string) ([]byte, error) {
	var buf bytes.Buffer
	var totalSize int64
	overLimit := false

	appendLine := func(line string) {
		line = strings.TrimPrefix(line, ".")
		totalSize += int64(len(line)) + 2
		if maxSize > 0 && totalSize > maxSize {
			overLimit = true
		}
		if overLimit {
			return
		}
		buf.WriteString(line)
		buf.WriteString("\r\n")
	}

	if firstLine != "." {
		appendLine(firstLine)

		for {
			line, err := conn.Reader().ReadString('\n')
			if err != nil {
				return nil, err
			}
			line = strings.TrimSuffix(line, "\n")
			line = strings.TrimSuffix(line, "\r")

			if line == "." {
				break
			}
			appendLine(line)
		}
	}

	if overLimit {
		return nil, ErrInputTooLong
	}
	return buf.Bytes(), nil
}

// extractIP extracts the IP address string from a net.Addr.
func extractIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}

	switch v := addr.(type) {
	case *net.TCPAddr:
		return v.IP.String()
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return addr.String()
		}
		return host
	}
}

// extractDomain extracts the domain from the first recipient's email address.
func extractDomain(recipients []string) string {
	if len(recipients) == 0 {
		return "unknown"
	}

	email := recipients[0]
	if idx := strings.LastIndex(email, "@"); idx >= 0 {
		return email[idx+1:]
	}
	return "unknown"
}

// extractCommandName extracts the command name from an SMTP line for metrics.
func extractCommandName(line string) string {
	line = strings.ToUpper(line)
	if idx := strings.Index(line, " "); idx > 0 {
		return line[:idx]
	}
	return line
}
