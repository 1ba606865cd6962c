package server

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/inboxd/inboxd/internal/config"
	"github.com/inboxd/inboxd/internal/logging"
)

// ConnectionHandler is called for each new connection.
// It receives the context and connection, and should drive the protocol session.
type ConnectionHandler func(ctx context.Context, conn *Connection)

// Listener manages a single TCP listener for accepting protocol connections.
type Listener struct {
	address    string
	mode       config.ListenerMode
	tlsConfig  *tls.Config
	connCfg    ConnectionConfig
	handler    ConnectionHandler
	limiter    *ConnectionLimiter
	rejectLine string
	drainWait  time.Duration
	logger     *slog.Logger

	listener net.Listener
	wg       sync.WaitGroup
	mu       sync.Mutex
	conns    map[*Connection]struct{}
	closed   bool
}

// ListenerConfig holds configuration for creating a new Listener.
type ListenerConfig struct {
	Address        string
	Mode           config.ListenerMode
	TLSConfig      *tls.Config
	MaxConnections int
	// RejectLine is written to over-capacity connections before closing.
	// Empty means close at the transport level without a reply.
	RejectLine     string
	IdleTimeout    time.Duration
	CommandTimeout time.Duration
	// DrainWait bounds how long Start waits for in-flight sessions after
	// the context is cancelled before force-closing them.
	DrainWait      time.Duration
	LogTransaction bool
	Logger         *slog.Logger
	Handler        ConnectionHandler
}

// NewListener creates a new Listener with the given configuration.
func NewListener(cfg ListenerConfig) *Listener {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	maxConns := cfg.MaxConnections
	if maxConns <= 0 {
		maxConns = 100
	}

	protocol := "smtp"
	if cfg.Mode.IsPop3() {
		protocol = "pop3"
	}

	return &Listener{
		address:   cfg.Address,
		mode:      cfg.Mode,
		tlsConfig: cfg.TLSConfig,
		connCfg: ConnectionConfig{
			Protocol:       protocol,
			IdleTimeout:    cfg.IdleTimeout,
			CommandTimeout: cfg.CommandTimeout,
			LogTransaction: cfg.LogTransaction,
			Logger:         logger,
		},
		handler:    cfg.Handler,
		limiter:    NewConnectionLimiter(maxConns),
		rejectLine: cfg.RejectLine,
		drainWait:  cfg.DrainWait,
		logger:     logging.WithListener(logger, cfg.Address, string(cfg.Mode)),
		conns:      make(map[*Connection]struct{}),
	}
}

// Start begins listening for connections.
// It blocks until the context is cancelled or an unrecoverable error occurs.
func (l *Listener) Start(ctx context.Context) error {
	var err error
	var ln net.Listener

	// Implicit-TLS modes wrap the socket before any banner is sent
	if l.mode.IsTLS() {
		if l.tlsConfig == nil {
			return errors.New("TLS configuration required for implicit-TLS mode")
		}
		ln, err = tls.Listen("tcp", l.address, l.tlsConfig)
	} else {
		ln, err = net.Listen("tcp", l.address)
	}

	if err != nil {
		return err
	}

	l.mu.Lock()
	l.listener = ln
	l.mu.Unlock()

	l.logger.Info("listener started",
		slog.String("address", l.address),
		slog.String("mode", string(l.mode)),
	)

	go l.acceptLoop(ctx)

	<-ctx.Done()

	l.logger.Info("listener shutting down")

	if err := l.Close(); err != nil {
		l.logger.Debug("error closing listener",
			slog.String("error", err.Error()),
		)
	}

	// Give in-flight sessions the drain budget, then force-close stragglers.
	if !l.waitConnections(l.drainWait) {
		l.logger.Warn("drain budget exceeded, force-closing connections")
		l.mu.Lock()
		for c := range l.conns {
			_ = c.Close()
		}
		l.mu.Unlock()
		l.wg.Wait()
	}

	l.logger.Info("listener stopped")
	return ctx.Err()
}

// waitConnections waits for all handler goroutines to finish.
// Returns false if the budget elapsed first. A zero budget waits forever.
func (l *Listener) waitConnections(budget time.Duration) bool {
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	if budget <= 0 {
		<-done
		return true
	}

	select {
	case <-done:
		return true
	case <-time.After(budget):
		return false
	}
}

// acceptLoop accepts connections until the listener is closed.
func (l *Listener) acceptLoop(ctx context.Context) {
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			l.mu.Lock()
			closed := l.closed
			l.mu.Unlock()

			if closed {
				return
			}

			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				l.logger.Warn("temporary accept error",
					slog.String("error", err.Error()),
				)
				time.Sleep(5 * time.Millisecond)
				continue
			}

			l.logger.Error("accept error",
				slog.String("error", err.Error()),
			)
			return
		}

		// Over capacity: reply (when the protocol allows a pre-banner
		// error line) and close immediately.
		if !l.limiter.TryAcquire() {
			l.logger.Warn("connection limit reached, rejecting",
				slog.Int64("active", l.limiter.Current()),
			)
			if l.rejectLine != "" {
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				_, _ = conn.Write([]byte(l.rejectLine + "\r\n"))
			}
			_ = conn.Close()
			continue
		}

		l.wg.Add(1)
		go l.handleConnection(ctx, conn)
	}
}

// handleConnection wraps a connection and calls the handler.
func (l *Listener) handleConnection(ctx context.Context, netConn net.Conn) {
	defer l.wg.Done()
	defer l.limiter.Release()

	conn := NewConnection(netConn, l.connCfg)

	l.mu.Lock()
	l.conns[conn] = struct{}{}
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		delete(l.conns, conn)
		l.mu.Unlock()
	}()

	conn.Logger().Info("connection accepted")

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	connCtx = logging.NewContext(connCtx, conn.Logger())

	if err := conn.ResetIdleTimeout(); err != nil {
		conn.Logger().Error("failed to set initial timeout",
			slog.String("error", err.Error()),
		)
		_ = conn.Close()
		return
	}

	go conn.IdleMonitor(connCtx)

	if l.handler != nil {
		l.handler(connCtx, conn)
	}

	_ = conn.Close()
	conn.Logger().Info("connection closed")
}

// Close stops the listener from accepting new connections.
func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	if l.listener != nil {
		return l.listener.Close()
	}
	return nil
}

// Address returns the listener's address.
func (l *Listener) Address() string {
	return l.address
}

// BoundAddr returns the actual bound address, useful when listening on port 0.
func (l *Listener) BoundAddr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

// Mode returns the listener's mode.
func (l *Listener) Mode() config.ListenerMode {
	return l.mode
}
