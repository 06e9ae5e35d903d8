// Package config loads the server configuration from a config file,
// environment variables, and defaults, in that order of precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Configuration stores all the server settings.
type Configuration struct {
	Server   ServerConfiguration
	Session  SessionConfiguration
	Storage  StorageConfiguration
	Redis    RedisConfiguration
	Policies PolicyConfiguration
	Audit    AuditConfiguration
}

// ServerConfiguration stores the listen address and TLS settings.
type ServerConfiguration struct {
	Addr     string
	TLSCert  string
	TLSKey   string
	Fallback string
}

// SessionConfiguration stores the elevated-session timings.
type SessionConfiguration struct {
	Duration        time.Duration
	Grace           time.Duration
	MaxAttempts     int
	Lockout         time.Duration
	TwoFactorWindow time.Duration
	SecureCookies   bool
}

// StorageConfiguration stores the durable store settings.
type StorageConfiguration struct {
	// Path is the bbolt database file.
	Path string
}

// RedisConfiguration stores the optional Redis TTL-store connection.
// With an empty Addr the in-memory TTL store is used instead.
type RedisConfiguration struct {
	Addr     string
	Password string
	DB       int
}

// PolicyConfiguration stores the per-surface policy tiers.
type PolicyConfiguration struct {
	API             string
	CLI             string
	Cron            string
	LegacyRPC       string
	APIKeyOverrides map[string]string
}

// AuditConfiguration stores the optional audit webhook settings.
type AuditConfiguration struct {
	WebhookURL        string
	WebhookAuthHeader string
}

// Load reads the configuration. An explicit path wins; otherwise the
// default search locations apply. A missing config file is not an
// error, defaults and environment variables still apply.
func Load(path string) (*Configuration, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/sudogate")
		v.SetConfigName("sudogate")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("SUDOGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.addr", ":8443")
	v.SetDefault("server.fallback", "/admin/")
	v.SetDefault("session.duration", "10m")
	v.SetDefault("session.grace", "30s")
	v.SetDefault("session.maxattempts", 5)
	v.SetDefault("session.lockout", "5m")
	v.SetDefault("session.twofactorwindow", "5m")
	v.SetDefault("session.securecookies", true)
	v.SetDefault("storage.path", "sudogate.db")
	v.SetDefault("policies.api", "limited")
	v.SetDefault("policies.cli", "limited")
	v.SetDefault("policies.cron", "limited")
	v.SetDefault("policies.legacyrpc", "limited")

	if err := v.ReadInConfig(); err != nil {
		if path != "" {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Configuration
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return &cfg, nil
}
