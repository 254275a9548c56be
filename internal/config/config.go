package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix             = "PLM"
	defaultHTTPAddress    = "0.0.0.0:3001"
	defaultDatabasePath   = "plm.db"
	defaultLogLevel       = "info"
	defaultTokenIssuer    = "plm-auth"
	defaultTokenAudience  = "plm-api"
	defaultFlushDebounce  = 2000
	defaultEvictGraceMs   = 30000
	defaultTokenTTLMinute = 7 * 24 * 60
)

// AppConfig captures runtime configuration for the collaboration server.
type AppConfig struct {
	HTTPAddress   string
	SigningSecret string
	TokenIssuer   string
	TokenAudience string
	TokenTTL      time.Duration
	DatabasePath  string
	LogLevel      string
	FlushDebounce time.Duration
	EvictGrace    time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultTokenIssuer)
	configViper.SetDefault("auth.audience", defaultTokenAudience)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinute)
	configViper.SetDefault("collab.flush_debounce_ms", defaultFlushDebounce)
	configViper.SetDefault("collab.evict_grace_ms", defaultEvictGraceMs)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:   configViper.GetString("http.address"),
		SigningSecret: configViper.GetString("auth.signing_secret"),
		TokenIssuer:   configViper.GetString("auth.issuer"),
		TokenAudience: configViper.GetString("auth.audience"),
		TokenTTL:      time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		DatabasePath:  configViper.GetString("database.path"),
		LogLevel:      configViper.GetString("log.level"),
		FlushDebounce: time.Duration(configViper.GetInt("collab.flush_debounce_ms")) * time.Millisecond,
		EvictGrace:    time.Duration(configViper.GetInt("collab.evict_grace_ms")) * time.Millisecond,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.FlushDebounce <= 0 {
		return fmt.Errorf("collab.flush_debounce_ms must be positive")
	}
	if c.EvictGrace < 0 {
		return fmt.Errorf("collab.evict_grace_ms must not be negative")
	}
	return nil
}
