package pop3

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/inboxd/inboxd/internal/logging"
	"github.com/inboxd/inboxd/internal/mail"
	"github.com/inboxd/inboxd/internal/metrics"
	"github.com/inboxd/inboxd/internal/server"
	"github.com/inboxd/inboxd/internal/store"
)

// Handler creates a POP3 protocol handler backed by the mail service.
// collector records metrics (nil for no-op).
func Handler(hostname string, authProvider AuthProvider, svc *mail.Service, collector metrics.Collector) server.ConnectionHandler {
	if collector == nil {
		collector = &metrics.NoopCollector{}
	}

	registry := NewRegistry()
	registry.Register(&capaCommand{})
	registry.Register(&userCommand{})
	registry.Register(&passCommand{authProvider: authProvider, svc: svc})
	registry.Register(&quitCommand{})
	registry.Register(&statCommand{})
	registry.Register(&listCommand{})
	registry.Register(&uidlCommand{})
	registry.Register(&retrCommand{svc: svc, collector: collector})
	registry.Register(&topCommand{svc: svc})
	registry.Register(&deleCommand{})
	registry.Register(&rsetCommand{})
	registry.Register(&noopCommand{})

	return func(ctx context.Context, conn *server.Connection) {
		handleConnection(ctx, conn, hostname, registry, svc, collector)
	}
}

// handleConnection manages a single POP3 connection. Marked deletions
// are committed only when QUIT reaches the UPDATE phase; a dropped
// connection changes nothing.
func handleConnection(ctx context.Context, conn *server.Connection, hostname string, registry *Registry, svc *mail.Service, collector metrics.Collector) {
	logger := logging.FromContext(ctx)

	collector.ConnectionOpened("pop3")
	defer collector.ConnectionClosed("pop3")
	if conn.IsTLS() {
		collector.TLSConnectionEstablished("pop3")
	}

	sess := NewSession(hostname)

	logger.Info("starting POP3 session", "state", sess.State().String())

	greeting := fmt.Sprintf("+OK %s POP3 server ready\r\n", hostname)
	if _, err := conn.Writer().WriteString(greeting); err != nil {
		logger.Error("failed to send greeting", "error", err.Error())
		return
	}
	if err := conn.Flush(); err != nil {
		logger.Error("failed to flush greeting", "error", err.Error())
		return
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info("context cancelled, closing connection")
			return
		default:
		}

		if conn.IsClosed() {
			return
		}

		if err := conn.SetCommandTimeout(); err != nil {
			logger.Error("failed to set command timeout", "error", err.Error())
			return
		}

		line, err := conn.Reader().ReadString('\n')
		if err != nil {
			if err == io.EOF {
				logger.Info("client closed connection")
				return
			}
			logger.Error("error reading command", "error", err.Error())
			return
		}

		if err := conn.ResetIdleTimeout(); err != nil {
			logger.Error("failed to reset idle timeout", "error", err.Error())
			return
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		cmdName, args, err := ParseCommand(line)
		if err != nil {
			sendError(conn, "Invalid command")
			continue
		}

		cmd, ok := registry.Get(cmdName)
		if !ok {
			sendError(conn, "Unknown command")
			continue
		}

		collector.CommandProcessed("pop3", cmdName)

		resp, err := cmd.Execute(ctx, sess, conn, args)
		if err != nil {
			logger.Error("command execution error",
				"command", cmdName,
				"error", err.Error(),
			)
			sendError(conn, "Internal server error")
			continue
		}

		if cmdName == "PASS" {
			collector.AuthAttempt("pop3", resp.OK)
		}

		// The UPDATE phase runs before the final response so the client
		// sees the sign-off only after deletions are committed.
		if cmdName == "QUIT" && sess.State() == StateUpdate {
			commitDeletions(ctx, sess, svc, collector, conn)
		}

		if _, err := conn.Writer().WriteString(resp.String()); err != nil {
			logger.Error("failed to send response", "error", err.Error())
			return
		}
		if err := conn.Flush(); err != nil {
			logger.Error("failed to flush response", "error", err.Error())
			return
		}

		if cmdName == "QUIT" {
			logger.Info("QUIT command received, closing connection")
			return
		}
	}
}

// commitDeletions soft-deletes each marked message. Per-message failures
// are logged and do not abort the phase.
func commitDeletions(ctx context.Context, sess *Session, svc *mail.Service, collector metrics.Collector, conn *server.Connection) {
	ids := sess.DeletedMessageIDs()
	if len(ids) == 0 {
		return
	}

	deleted := true
	committed := 0
	for _, id := range ids {
		if _, err := svc.UpdateEmail(ctx, id, store.EmailUpdate{IsDeleted: &deleted}); err != nil {
			conn.Logger().Error("failed to delete message",
				"message_id", id,
				"error", err.Error(),
			)
			continue
		}
		committed++
	}

	collector.MessagesDeleted(committed)
	conn.Logger().Info("committed deletions", "count", committed)
}

// sendError sends an error response to the client.
func sendError(conn *server.Connection, message string) {
	resp := Response{OK: false, Message: message}
	if _, err := conn.Writer().WriteString(resp.String()); err != nil {
		return
	}
	_ = conn.Flush()
}
