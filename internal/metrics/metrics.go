// Package metrics provides interfaces and implementations for collecting
// mail server metrics. This package defines the Collector interface for
// recording metrics and the Server interface for exposing them.
package metrics

import "context"

// Collector defines the interface for recording mail server metrics.
// Both protocol handlers share one collector; the protocol label
// distinguishes SMTP from POP3 activity.
type Collector interface {
	// Connection metrics
	ConnectionOpened(protocol string)
	ConnectionClosed(protocol string)
	TLSConnectionEstablished(protocol string)

	// Command metrics
	CommandProcessed(protocol, command string)

	// Authentication metrics
	AuthAttempt(protocol string, success bool)

	// Ingress metrics (SMTP DATA)
	MessageReceived(recipientDomain string, sizeBytes int64)
	MessageRejected(recipientDomain string, reason string)
	SpamVerdict(isSpam bool)

	// Retrieval metrics (POP3)
	MessageRetrieved(sizeBytes int64)
	MessagesDeleted(count int)
}

// Server defines the interface for a metrics HTTP server.
type Server interface {
	// Start begins serving metrics. It blocks until the context is canceled
	// or an error occurs.
	Start(ctx context.Context) error

	// Shutdown gracefully stops the metrics server.
	Shutdown(ctx context.Context) error
}
