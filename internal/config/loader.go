package config

import (
	"flag"
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"
)

// Flags holds command-line flag values.
type Flags struct {
	ConfigPath  string
	Hostname    string
	LogLevel    string
	SmtpPort    int
	SmtpSslPort int
	Pop3Port    int
	Pop3SslPort int
	TLSCert     string
	TLSKey      string
	DBPath      string
	EmailDir    string
	RequireAuth bool
}

// ParseFlags parses command-line flags and returns a Flags struct.
func ParseFlags() *Flags {
	f := &Flags{}

	flag.StringVar(&f.ConfigPath, "config", "./inboxd.toml", "Path to configuration file")
	flag.StringVar(&f.Hostname, "hostname", "", "Server hostname")
	flag.StringVar(&f.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.IntVar(&f.SmtpPort, "smtp-port", 0, "SMTP plaintext port")
	flag.IntVar(&f.SmtpSslPort, "smtp-ssl-port", 0, "SMTP implicit-TLS port")
	flag.IntVar(&f.Pop3Port, "pop3-port", 0, "POP3 plaintext port")
	flag.IntVar(&f.Pop3SslPort, "pop3-ssl-port", 0, "POP3 implicit-TLS port")
	flag.StringVar(&f.TLSCert, "tls-cert", "", "TLS certificate file path")
	flag.StringVar(&f.TLSKey, "tls-key", "", "TLS key file path")
	flag.StringVar(&f.DBPath, "db", "", "Path to the SQLite mail database")
	flag.StringVar(&f.EmailDir, "email-dir", "", "Directory for stored .eml files")
	flag.BoolVar(&f.RequireAuth, "require-auth", false, "Require SMTP authentication before MAIL FROM")

	flag.Parse()
	return f
}

// Load parses a TOML configuration file and returns the Config.
// If the file does not exist, returns the default configuration.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config file: %w", err)
	}

	var fileConfig FileConfig
	if err := toml.Unmarshal(data, &fileConfig); err != nil {
		return cfg, fmt.Errorf("parsing config file: %w", err)
	}

	cfg = mergeConfig(cfg, fileConfig.Inboxd)

	return cfg, nil
}

// ApplyFlags merges command-line flag values into the config.
// Non-zero/non-empty flag values override config file and environment values.
func ApplyFlags(cfg Config, f *Flags) Config {
	if f.Hostname != "" {
		cfg.Hostname = f.Hostname
	}

	if f.LogLevel != "" {
		cfg.LogLevel = f.LogLevel
	}

	if f.SmtpPort > 0 {
		SetListenerPort(&cfg, ModeSmtp, f.SmtpPort)
	}

	if f.SmtpSslPort > 0 {
		SetListenerPort(&cfg, ModeSmtps, f.SmtpSslPort)
	}

	if f.Pop3Port > 0 {
		SetListenerPort(&cfg, ModePop3, f.Pop3Port)
	}

	if f.Pop3SslPort > 0 {
		SetListenerPort(&cfg, ModePop3s, f.Pop3SslPort)
	}

	if f.TLSCert != "" {
		cfg.TLS.CertFile = f.TLSCert
	}

	if f.TLSKey != "" {
		cfg.TLS.KeyFile = f.TLSKey
	}

	if f.DBPath != "" {
		cfg.Storage.DBPath = f.DBPath
	}

	if f.EmailDir != "" {
		cfg.Storage.EmailDir = f.EmailDir
	}

	if f.RequireAuth {
		cfg.SMTP.RequireAuth = true
	}

	return cfg
}

// LoadWithFlags loads configuration from the path specified in flags,
// then applies environment and flag overrides.
func LoadWithFlags(f *Flags) (Config, error) {
	cfg, err := Load(f.ConfigPath)
	if err != nil {
		return cfg, err
	}
	cfg = ApplyEnv(cfg)
	return ApplyFlags(cfg, f), nil
}

// mergeConfig merges non-zero values from src into dst.
func mergeConfig(dst, src Config) Config {
	if src.Hostname != "" {
		dst.Hostname = src.Hostname
	}

	if src.LogLevel != "" {
		dst.LogLevel = src.LogLevel
	}

	if len(src.Listeners) > 0 {
		dst.Listeners = src.Listeners
	}

	if src.TLS.CertFile != "" {
		dst.TLS.CertFile = src.TLS.CertFile
	}

	if src.TLS.KeyFile != "" {
		dst.TLS.KeyFile = src.TLS.KeyFile
	}

	if src.TLS.MinVersion != "" {
		dst.TLS.MinVersion = src.TLS.MinVersion
	}

	if src.Limits.MaxMessageSize > 0 {
		dst.Limits.MaxMessageSize = src.Limits.MaxMessageSize
	}

	if src.Limits.MaxRecipients > 0 {
		dst.Limits.MaxRecipients = src.Limits.MaxRecipients
	}

	if src.Limits.MaxConnections > 0 {
		dst.Limits.MaxConnections = src.Limits.MaxConnections
	}

	if src.Timeouts.Command != "" {
		dst.Timeouts.Command = src.Timeouts.Command
	}

	if src.Timeouts.Idle != "" {
		dst.Timeouts.Idle = src.Timeouts.Idle
	}

	if src.Timeouts.Pop3Idle != "" {
		dst.Timeouts.Pop3Idle = src.Timeouts.Pop3Idle
	}

	if src.Timeouts.Shutdown != "" {
		dst.Timeouts.Shutdown = src.Timeouts.Shutdown
	}

	if src.Metrics.Enabled {
		dst.Metrics.Enabled = src.Metrics.Enabled
	}

	if src.Metrics.Address != "" {
		dst.Metrics.Address = src.Metrics.Address
	}

	if src.Metrics.Path != "" {
		dst.Metrics.Path = src.Metrics.Path
	}

	if src.Storage.DBPath != "" {
		dst.Storage.DBPath = src.Storage.DBPath
	}

	if src.Storage.EmailDir != "" {
		dst.Storage.EmailDir = src.Storage.EmailDir
	}

	if src.Storage.PoolSize > 0 {
		dst.Storage.PoolSize = src.Storage.PoolSize
	}

	if src.SMTP.RequireAuth {
		dst.SMTP.RequireAuth = src.SMTP.RequireAuth
	}

	if len(src.Spam.Keywords) > 0 {
		dst.Spam.Keywords = src.Spam.Keywords
	}

	if len(src.Spam.SenderPatterns) > 0 {
		dst.Spam.SenderPatterns = src.Spam.SenderPatterns
	}

	if src.Spam.Threshold > 0 {
		dst.Spam.Threshold = src.Spam.Threshold
	}

	return dst
}
