// Package pop3 implements the retrieval side: an RFC 1939 three-state
// session over the shared connection layer, serving the authenticated
// user's inbox snapshot from the mail service.
package pop3

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// ConnectionLogger is the interface for accessing the logger from commands.
type ConnectionLogger interface {
	Logger() *slog.Logger
}

// Command represents a POP3 command that can be executed.
type Command interface {
	// Name returns the command name (e.g., "USER", "PASS", "QUIT").
	Name() string

	// Execute processes the command and returns a response.
	// The response should not include the +OK or -ERR prefix.
	Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error)
}

// Response represents a POP3 response to a command.
type Response struct {
	// OK indicates success (+OK) or failure (-ERR).
	OK bool

	// Message is the response message (without +OK/-ERR prefix).
	Message string

	// Lines contains multi-line response data (for commands like LIST).
	// If present, it is sent after the status line, terminated by ".".
	Lines []string

	// Multiline forces the "." terminator even when Lines is empty, so a
	// scan over an empty maildrop still ends the response (RFC 1939 §5).
	Multiline bool
}

// String formats the response as a POP3 protocol string. Payload lines
// beginning with "." are byte-stuffed.
func (r Response) String() string {
	var sb strings.Builder

	if r.OK {
		sb.WriteString("+OK")
	} else {
		sb.WriteString("-ERR")
	}

	if r.Message != "" {
		sb.WriteString(" ")
		sb.WriteString(r.Message)
	}

	sb.WriteString("\r\n")

	if r.Multiline || len(r.Lines) > 0 {
		for _, line := range r.Lines {
			if strings.HasPrefix(line, ".") {
				sb.WriteString(".")
			}
			sb.WriteString(line)
			sb.WriteString("\r\n")
		}
		sb.WriteString(".\r\n")
	}

	return sb.String()
}

// Registry maps command names to their implementations.
type Registry struct {
	commands map[string]Command
}

// NewRegistry creates an empty command registry.
func NewRegistry() *Registry {
	return &Registry{commands: make(map[string]Command)}
}

// Register adds a command to the registry.
func (r *Registry) Register(cmd Command) {
	r.commands[strings.ToUpper(cmd.Name())] = cmd
}

// Get retrieves a command from the registry by name.
func (r *Registry) Get(name string) (Command, bool) {
	cmd, ok := r.commands[strings.ToUpper(name)]
	return cmd, ok
}

// ParseCommand parses a POP3 command line into command name and arguments.
func ParseCommand(line string) (string, []string, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", nil, fmt.Errorf("empty command")
	}

	parts := strings.Fields(line)
	cmdName := strings.ToUpper(parts[0])
	return cmdName, parts[1:], nil
}
