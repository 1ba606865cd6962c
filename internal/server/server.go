package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"

	"github.com/inboxd/inboxd/internal/config"
	"github.com/inboxd/inboxd/internal/logging"
)

// Server coordinates the SMTP and POP3 listeners over a shared configuration.
type Server struct {
	cfg         *config.Config
	tlsConfig   *tls.Config
	logger      *slog.Logger
	smtpHandler ConnectionHandler
	pop3Handler ConnectionHandler

	listeners []*Listener
	mu        sync.Mutex
}

// New creates a new Server with the given configuration.
// If certificate files are configured they must load; otherwise a
// self-signed certificate is generated so implicit-TLS listeners can start.
func New(cfg *config.Config) (*Server, error) {
	logger := logging.NewLogger(cfg.LogLevel)

	s := &Server{
		cfg:    cfg,
		logger: logger,
	}

	var cert tls.Certificate
	var err error
	if cfg.TLS.CertFile != "" && cfg.TLS.KeyFile != "" {
		cert, err = tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading TLS certificate: %w", err)
		}
		logger.Info("TLS configured",
			slog.String("cert", cfg.TLS.CertFile),
			slog.String("min_version", cfg.TLS.MinVersion),
		)
	} else {
		cert, err = SelfSignedCertificate(cfg.Hostname)
		if err != nil {
			return nil, fmt.Errorf("generating self-signed certificate: %w", err)
		}
		logger.Warn("no TLS certificate configured, generated self-signed certificate")
	}

	s.tlsConfig = &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   cfg.TLS.MinTLSVersion(),
	}

	return s, nil
}

// SetSMTPHandler sets the connection handler for SMTP listeners.
// Must be called before Run.
func (s *Server) SetSMTPHandler(handler ConnectionHandler) {
	s.smtpHandler = handler
}

// SetPOP3Handler sets the connection handler for POP3 listeners.
// Must be called before Run.
func (s *Server) SetPOP3Handler(handler ConnectionHandler) {
	s.pop3Handler = handler
}

// Run starts all configured listeners and blocks until the context is cancelled.
// All listeners run in their own goroutines.
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()

	for _, lc := range s.cfg.Listeners {
		var tlsCfg *tls.Config
		if lc.Mode.IsTLS() {
			tlsCfg = s.tlsConfig
		}

		handler := s.smtpHandler
		idle := s.cfg.Timeouts.IdleTimeout()
		rejectLine := "421 Too many connections"
		if lc.Mode.IsPop3() {
			handler = s.pop3Handler
			idle = s.cfg.Timeouts.Pop3IdleTimeout()
			rejectLine = "-ERR Too many connections"
		}
		if lc.Mode.IsTLS() {
			// Pre-handshake replies are not possible; close at the transport.
			rejectLine = ""
		}
		if handler == nil {
			s.mu.Unlock()
			return fmt.Errorf("listener %s: no handler configured for mode %s", lc.Address, lc.Mode)
		}

		listener := NewListener(ListenerConfig{
			Address:        lc.Address,
			Mode:           lc.Mode,
			TLSConfig:      tlsCfg,
			MaxConnections: s.cfg.Limits.MaxConnections,
			RejectLine:     rejectLine,
			IdleTimeout:    idle,
			CommandTimeout: s.cfg.Timeouts.CommandTimeout(),
			DrainWait:      s.cfg.Timeouts.ShutdownTimeout(),
			LogTransaction: s.cfg.LogLevel == "debug",
			Logger:         s.logger,
			Handler:        handler,
		})
		s.listeners = append(s.listeners, listener)
	}

	s.mu.Unlock()

	s.logger.Info("starting server",
		slog.String("hostname", s.cfg.Hostname),
		slog.Int("listener_count", len(s.listeners)),
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errChan := make(chan error, len(s.listeners))

	for _, l := range s.listeners {
		wg.Add(1)
		go func(listener *Listener) {
			defer wg.Done()
			if err := listener.Start(runCtx); err != nil && err != context.Canceled {
				errChan <- fmt.Errorf("listener %s: %w", listener.Address(), err)
			}
		}(l)
	}

	// A listener failure (bind error included) tears down the rest;
	// the server never keeps running on a partial listener set.
	var firstErr error
	select {
	case <-runCtx.Done():
	case err := <-errChan:
		firstErr = err
		s.logger.Error("listener failed, stopping server", slog.String("error", err.Error()))
		cancel()
	}

	s.logger.Info("server shutting down")

	wg.Wait()

	close(errChan)
	for err := range errChan {
		if firstErr == nil {
			firstErr = err
		}
		s.logger.Error("listener error", slog.String("error", err.Error()))
	}

	s.logger.Info("server stopped")

	if firstErr != nil {
		return firstErr
	}
	return ctx.Err()
}

// Shutdown stops accepting new connections on all listeners.
func (s *Server) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, l := range s.listeners {
		_ = l.Close()
	}
}

// Logger returns the server's logger.
func (s *Server) Logger() *slog.Logger {
	return s.logger
}

// TLSConfig returns the server's TLS configuration.
func (s *Server) TLSConfig() *tls.Config {
	return s.tlsConfig
}
