package config

import (
	"os"
	"strconv"
	"strings"
)

// ApplyEnv applies environment variable overrides to the configuration.
// Environment variables take precedence over TOML config but are overridden
// by command-line flags.
func ApplyEnv(cfg Config) Config {
	if v := os.Getenv("INBOXD_HOSTNAME"); v != "" {
		cfg.Hostname = v
	}
	if v := os.Getenv("INBOXD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("INBOXD_TLS_CERT_FILE"); v != "" {
		cfg.TLS.CertFile = v
	}
	if v := os.Getenv("INBOXD_TLS_KEY_FILE"); v != "" {
		cfg.TLS.KeyFile = v
	}
	if v := os.Getenv("EMAIL_STORAGE_DIR"); v != "" {
		cfg.Storage.EmailDir = v
	}
	if v := os.Getenv("MAIL_DB_PATH"); v != "" {
		cfg.Storage.DBPath = v
	}
	if v := os.Getenv("DB_CONNECTION_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Storage.PoolSize = n
		}
	}
	if v := os.Getenv("SPAM_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.Spam.Threshold = f
		}
	}
	if v := os.Getenv("SPAM_KEYWORDS"); v != "" {
		var keywords []string
		for _, k := range strings.Split(v, ",") {
			if k = strings.TrimSpace(k); k != "" {
				keywords = append(keywords, k)
			}
		}
		if len(keywords) > 0 {
			cfg.Spam.Keywords = keywords
		}
	}

	// Per-protocol port overrides rewrite the matching listener address.
	applyPortEnv(&cfg, "SMTP_PORT", ModeSmtp)
	applyPortEnv(&cfg, "SMTP_SSL_PORT", ModeSmtps)
	applyPortEnv(&cfg, "POP3_PORT", ModePop3)
	applyPortEnv(&cfg, "POP3_SSL_PORT", ModePop3s)

	return cfg
}

// applyPortEnv sets the port for the first listener in the given mode,
// creating one if none exists.
func applyPortEnv(cfg *Config, envVar string, mode ListenerMode) {
	v := os.Getenv(envVar)
	if v == "" {
		return
	}
	port, err := strconv.Atoi(v)
	if err != nil || port <= 0 || port > 65535 {
		return
	}
	SetListenerPort(cfg, mode, port)
}

// SetListenerPort rewrites the address of the first listener in the given
// mode to use the specified port, keeping the host part. Appends a new
// listener if none exists for the mode.
func SetListenerPort(cfg *Config, mode ListenerMode, port int) {
	addr := ":" + strconv.Itoa(port)
	for i := range cfg.Listeners {
		if cfg.Listeners[i].Mode == mode {
			host := ""
			if idx := strings.LastIndex(cfg.Listeners[i].Address, ":"); idx >= 0 {
				host = cfg.Listeners[i].Address[:idx]
			}
			cfg.Listeners[i].Address = host + addr
			return
		}
	}
	cfg.Listeners = append(cfg.Listeners, ListenerConfig{Address: addr, Mode: mode})
}
