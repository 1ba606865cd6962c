// Package config provides configuration management for the mail servers.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"time"
)

// ListenerMode defines the operational mode for a listener.
type ListenerMode string

const (
	// ModeSmtp is plaintext SMTP on port 25.
	ModeSmtp ListenerMode = "smtp"
	// ModeSmtps is SMTP with implicit TLS on port 465.
	ModeSmtps ListenerMode = "smtps"
	// ModePop3 is plaintext POP3 on port 110.
	ModePop3 ListenerMode = "pop3"
	// ModePop3s is POP3 with implicit TLS on port 995.
	ModePop3s ListenerMode = "pop3s"
)

// IsTLS reports whether the mode wraps connections in TLS before any banner.
func (m ListenerMode) IsTLS() bool {
	return m == ModeSmtps || m == ModePop3s
}

// IsPop3 reports whether the mode serves the POP3 protocol.
func (m ListenerMode) IsPop3() bool {
	return m == ModePop3 || m == ModePop3s
}

// FileConfig is the top-level wrapper for the configuration file.
type FileConfig struct {
	Inboxd Config `toml:"inboxd"`
}

// Config holds the complete configuration for both protocol servers.
type Config struct {
	Hostname  string           `toml:"hostname"`
	LogLevel  string           `toml:"log_level"`
	Listeners []ListenerConfig `toml:"listeners"`
	TLS       TLSConfig        `toml:"tls"`
	Limits    LimitsConfig     `toml:"limits"`
	Timeouts  TimeoutsConfig   `toml:"timeouts"`
	Metrics   MetricsConfig    `toml:"metrics"`
	Storage   StorageConfig    `toml:"storage"`
	SMTP      SMTPConfig       `toml:"smtp"`
	Spam      SpamConfig       `toml:"spam"`
}

// ListenerConfig defines settings for a single listener.
type ListenerConfig struct {
	Address string       `toml:"address"`
	Mode    ListenerMode `toml:"mode"`
}

// TLSConfig holds TLS certificate and version settings.
type TLSConfig struct {
	CertFile   string `toml:"cert_file"`
	KeyFile    string `toml:"key_file"`
	MinVersion string `toml:"min_version"`
}

// LimitsConfig defines resource limits for the servers.
type LimitsConfig struct {
	MaxMessageSize int64 `toml:"max_message_size"`
	MaxRecipients  int   `toml:"max_recipients"`
	MaxConnections int   `toml:"max_connections"`
}

// TimeoutsConfig defines timeout durations as parseable strings.
type TimeoutsConfig struct {
	Command  string `toml:"command"`
	Idle     string `toml:"idle"`
	Pop3Idle string `toml:"pop3_idle"`
	Shutdown string `toml:"shutdown"`
}

// MetricsConfig holds configuration for Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Path    string `toml:"path"`
}

// StorageConfig holds the mail store locations.
type StorageConfig struct {
	DBPath   string `toml:"db_path"`
	EmailDir string `toml:"email_dir"`
	PoolSize int    `toml:"pool_size"`
}

// SMTPConfig holds SMTP-specific behavior.
type SMTPConfig struct {
	RequireAuth bool `toml:"require_auth"`
}

// SpamConfig configures the keyword spam classifier.
type SpamConfig struct {
	Keywords       []string `toml:"keywords"`
	SenderPatterns []string `toml:"sender_patterns"`
	Threshold      float64  `toml:"threshold"`
}

// Default returns a Config with sensible default values.
func Default() Config {
	return Config{
		Hostname: "localhost",
		LogLevel: "info",
		Listeners: []ListenerConfig{
			{Address: ":25", Mode: ModeSmtp},
			{Address: ":465", Mode: ModeSmtps},
			{Address: ":110", Mode: ModePop3},
			{Address: ":995", Mode: ModePop3s},
		},
		TLS: TLSConfig{
			MinVersion: "1.2",
		},
		Limits: LimitsConfig{
			MaxMessageSize: 10 * 1024 * 1024,
			MaxRecipients:  100,
			MaxConnections: 100,
		},
		Timeouts: TimeoutsConfig{
			Command:  "30s",
			Idle:     "60s",
			Pop3Idle: "300s",
			Shutdown: "30s",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9100",
			Path:    "/metrics",
		},
		Storage: StorageConfig{
			DBPath:   "./data/mail.db",
			EmailDir: "./data/emails",
			PoolSize: 30,
		},
		Spam: SpamConfig{
			Keywords:  []string{"viagra", "casino", "lottery", "prize", "winner"},
			Threshold: 0.7,
		},
	}
}

// Validate checks that the configuration is valid and returns an error if not.
func (c *Config) Validate() error {
	if c.Hostname == "" {
		return errors.New("hostname is required")
	}

	if len(c.Listeners) == 0 {
		return errors.New("at least one listener is required")
	}

	for i, l := range c.Listeners {
		if l.Address == "" {
			return fmt.Errorf("listener %d: address is required", i)
		}
		if !isValidMode(l.Mode) {
			return fmt.Errorf("listener %d: invalid mode %q", i, l.Mode)
		}
	}

	if c.Limits.MaxMessageSize <= 0 {
		return errors.New("max_message_size must be positive")
	}

	if c.Limits.MaxRecipients <= 0 {
		return errors.New("max_recipients must be positive")
	}

	if c.Limits.MaxConnections <= 0 {
		return errors.New("max_connections must be positive")
	}

	for name, d := range map[string]string{
		"command":  c.Timeouts.Command,
		"idle":     c.Timeouts.Idle,
		"pop3_idle": c.Timeouts.Pop3Idle,
		"shutdown": c.Timeouts.Shutdown,
	} {
		if d == "" {
			continue
		}
		if _, err := time.ParseDuration(d); err != nil {
			return fmt.Errorf("invalid %s timeout: %w", name, err)
		}
	}

	if c.TLS.MinVersion != "" {
		if _, ok := minTLSVersions[c.TLS.MinVersion]; !ok {
			return fmt.Errorf("invalid TLS min_version %q (valid: 1.0, 1.1, 1.2, 1.3)", c.TLS.MinVersion)
		}
	}

	if c.Storage.DBPath == "" {
		return errors.New("storage db_path is required")
	}

	if c.Storage.EmailDir == "" {
		return errors.New("storage email_dir is required")
	}

	if c.Storage.PoolSize <= 0 {
		return errors.New("storage pool_size must be positive")
	}

	if c.Spam.Threshold <= 0 {
		return errors.New("spam threshold must be positive")
	}

	if c.Metrics.Enabled {
		if c.Metrics.Address == "" {
			return errors.New("metrics address is required when metrics are enabled")
		}
		if c.Metrics.Path == "" {
			return errors.New("metrics path is required when metrics are enabled")
		}
	}

	return nil
}

func isValidMode(m ListenerMode) bool {
	switch m {
	case ModeSmtp, ModeSmtps, ModePop3, ModePop3s:
		return true
	}
	return false
}

// MinTLSVersion returns the crypto/tls constant for the configured minimum TLS version.
// Returns tls.VersionTLS12 if not configured or invalid.
func (c *TLSConfig) MinTLSVersion() uint16 {
	if v, ok := minTLSVersions[c.MinVersion]; ok {
		return v
	}
	return tls.VersionTLS12
}

// CommandTimeout returns the per-command read timeout.
// Returns 30 seconds if not configured or invalid.
func (c *TimeoutsConfig) CommandTimeout() time.Duration {
	return parseDuration(c.Command, 30*time.Second)
}

// IdleTimeout returns the per-session idle timeout.
// Returns 60 seconds if not configured or invalid.
func (c *TimeoutsConfig) IdleTimeout() time.Duration {
	return parseDuration(c.Idle, 60*time.Second)
}

// Pop3IdleTimeout returns the idle timeout for POP3 TRANSACTION sessions.
// Returns 300 seconds if not configured or invalid.
func (c *TimeoutsConfig) Pop3IdleTimeout() time.Duration {
	return parseDuration(c.Pop3Idle, 300*time.Second)
}

// ShutdownTimeout returns the graceful shutdown budget.
// Returns 30 seconds if not configured or invalid.
func (c *TimeoutsConfig) ShutdownTimeout() time.Duration {
	return parseDuration(c.Shutdown, 30*time.Second)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

var minTLSVersions = map[string]uint16{
	"1.0": tls.VersionTLS10,
	"1.1": tls.VersionTLS11,
	"1.2": tls.VersionTLS12,
	"1.3": tls.VersionTLS13,
}
