package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements the Collector interface using Prometheus metrics.
type PrometheusCollector struct {
	// Connection metrics
	connectionsTotal   *prometheus.CounterVec
	connectionsActive  *prometheus.GaugeVec
	tlsConnectionTotal *prometheus.CounterVec

	// Command metrics
	commandsTotal *prometheus.CounterVec

	// Authentication metrics
	authAttemptsTotal *prometheus.CounterVec

	// Ingress metrics
	messagesReceivedTotal *prometheus.CounterVec
	messagesRejectedTotal *prometheus.CounterVec
	messagesSizeBytes     prometheus.Histogram
	spamVerdictsTotal     *prometheus.CounterVec

	// Retrieval metrics
	messagesRetrievedTotal prometheus.Counter
	messagesDeletedTotal   prometheus.Counter
}

// NewPrometheusCollector creates a new PrometheusCollector with all metrics registered.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	c := &PrometheusCollector{
		connectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "inboxd_connections_total",
			Help: "Total number of connections opened.",
		}, []string{"protocol"}),
		connectionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "inboxd_connections_active",
			Help: "Number of currently active connections.",
		}, []string{"protocol"}),
		tlsConnectionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "inboxd_tls_connections_total",
			Help: "Total number of TLS connections established.",
		}, []string{"protocol"}),

		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "inboxd_commands_total",
			Help: "Total number of protocol commands processed.",
		}, []string{"protocol", "command"}),

		authAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "inboxd_auth_attempts_total",
			Help: "Total number of authentication attempts.",
		}, []string{"protocol", "result"}),

		messagesReceivedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "inboxd_messages_received_total",
			Help: "Total number of messages accepted via SMTP.",
		}, []string{"recipient_domain"}),
		messagesRejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "inboxd_messages_rejected_total",
			Help: "Total number of messages rejected.",
		}, []string{"recipient_domain", "reason"}),
		messagesSizeBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "inboxd_messages_size_bytes",
			Help:    "Size of received messages in bytes.",
			Buckets: []float64{1024, 10240, 102400, 1048576, 5242880, 10485760},
		}),
		spamVerdictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "inboxd_spam_verdicts_total",
			Help: "Total number of spam classifier verdicts.",
		}, []string{"verdict"}),

		messagesRetrievedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inboxd_messages_retrieved_total",
			Help: "Total number of messages retrieved via POP3 RETR.",
		}),
		messagesDeletedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inboxd_messages_deleted_total",
			Help: "Total number of messages soft-deleted during POP3 UPDATE.",
		}),
	}

	reg.MustRegister(
		c.connectionsTotal,
		c.connectionsActive,
		c.tlsConnectionTotal,
		c.commandsTotal,
		c.authAttemptsTotal,
		c.messagesReceivedTotal,
		c.messagesRejectedTotal,
		c.messagesSizeBytes,
		c.spamVerdictsTotal,
		c.messagesRetrievedTotal,
		c.messagesDeletedTotal,
	)

	return c
}

// ConnectionOpened increments the connection counter and active gauge.
func (c *PrometheusCollector) ConnectionOpened(protocol string) {
	c.connectionsTotal.WithLabelValues(protocol).Inc()
	c.connectionsActive.WithLabelValues(protocol).Inc()
}

// ConnectionClosed decrements the active connections gauge.
func (c *PrometheusCollector) ConnectionClosed(protocol string) {
	c.connectionsActive.WithLabelValues(protocol).Dec()
}

// TLSConnectionEstablished increments the TLS connection counter.
func (c *PrometheusCollector) TLSConnectionEstablished(protocol string) {
	c.tlsConnectionTotal.WithLabelValues(protocol).Inc()
}

// CommandProcessed increments the command counter.
func (c *PrometheusCollector) CommandProcessed(protocol, command string) {
	c.commandsTotal.WithLabelValues(protocol, command).Inc()
}

// AuthAttempt increments the authentication attempts counter.
func (c *PrometheusCollector) AuthAttempt(protocol string, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	c.authAttemptsTotal.WithLabelValues(protocol, result).Inc()
}

// MessageReceived increments the message received counter and observes message size.
func (c *PrometheusCollector) MessageReceived(recipientDomain string, sizeBytes int64) {
	c.messagesReceivedTotal.WithLabelValues(recipientDomain).Inc()
	c.messagesSizeBytes.Observe(float64(sizeBytes))
}

// MessageRejected increments the message rejected counter.
func (c *PrometheusCollector) MessageRejected(recipientDomain string, reason string) {
	c.messagesRejectedTotal.WithLabelValues(recipientDomain, reason).Inc()
}

// SpamVerdict increments the spam verdict counter.
func (c *PrometheusCollector) SpamVerdict(isSpam bool) {
	verdict := "ham"
	if isSpam {
		verdict = "spam"
	}
	c.spamVerdictsTotal.WithLabelValues(verdict).Inc()
}

// MessageRetrieved increments the retrieval counter.
func (c *PrometheusCollector) MessageRetrieved(sizeBytes int64) {
	c.messagesRetrievedTotal.Inc()
}

// MessagesDeleted adds to the deletion counter.
func (c *PrometheusCollector) MessagesDeleted(count int) {
	c.messagesDeletedTotal.Add(float64(count))
}
