package metrics

// NoopCollector is a no-op implementation of the Collector interface.
// All methods are empty stubs that do nothing.
type NoopCollector struct{}

// ConnectionOpened is a no-op.
func (n *NoopCollector) ConnectionOpened(protocol string) {}

// ConnectionClosed is a no-op.
func (n *NoopCollector) ConnectionClosed(protocol string) {}

// TLSConnectionEstablished is a no-op.
func (n *NoopCollector) TLSConnectionEstablished(protocol string) {}

// CommandProcessed is a no-op.
func (n *NoopCollector) CommandProcessed(protocol, command string) {}

// AuthAttempt is a no-op.
func (n *NoopCollector) AuthAttempt(protocol string, success bool) {}

// MessageReceived is a no-op.
func (n *NoopCollector) MessageReceived(recipientDomain string, sizeBytes int64) {}

// MessageRejected is a no-op.
func (n *NoopCollector) MessageRejected(recipientDomain string, reason string) {}

// SpamVerdict is a no-op.
func (n *NoopCollector) SpamVerdict(isSpam bool) {}

// MessageRetrieved is a no-op.
func (n *NoopCollector) MessageRetrieved(sizeBytes int64) {}

// MessagesDeleted is a no-op.
func (n *NoopCollector) MessagesDeleted(count int) {}
