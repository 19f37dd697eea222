package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "SLOTSYNC"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabaseDriver    = DatabaseDriverSQLite
	defaultDatabasePath      = "slotsync.db"
	defaultLogLevel          = "info"
	defaultLogFormat         = "json"
	defaultSessionIssuer     = "slotsync-auth"
	defaultCookieName        = "app_session"
	defaultTokenTTLMinutes   = 60 * 24
	defaultMaxGroupMembers   = 5
	defaultHeartbeatSeconds  = 25
	defaultRedisChannel      = "slotsync:realtime"
	DatabaseDriverSQLite     = "sqlite"
	DatabaseDriverPostgres   = "postgres"
	minimumSigningSecretSize = 16
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress       string
	DatabaseDriver    string
	DatabasePath      string
	DatabaseDSN       string
	LogLevel          string
	LogFormat         string
	SigningSecret     string
	SessionIssuer     string
	SessionCookieName string
	TokenTTL          time.Duration
	MaxGroupMembers   int
	HeartbeatInterval time.Duration
	Redis             RedisConfig
}

// RedisConfig describes the optional relay used to fan realtime traffic out across nodes.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Channel  string
}

// Enabled reports whether a redis address was configured.
func (c RedisConfig) Enabled() bool {
	return strings.TrimSpace(c.Address) != ""
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
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("auth.issuer", defaultSessionIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("groups.max_members", defaultMaxGroupMembers)
	configViper.SetDefault("realtime.heartbeat_seconds", defaultHeartbeatSeconds)
	configViper.SetDefault("redis.channel", defaultRedisChannel)
	configViper.SetDefault("redis.db", 0)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		DatabaseDriver:    strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:      configViper.GetString("database.path"),
		DatabaseDSN:       configViper.GetString("database.dsn"),
		LogLevel:          configViper.GetString("log.level"),
		LogFormat:         configViper.GetString("log.format"),
		SigningSecret:     configViper.GetString("auth.signing_secret"),
		SessionIssuer:     configViper.GetString("auth.issuer"),
		SessionCookieName: configViper.GetString("auth.cookie_name"),
		TokenTTL:          time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		MaxGroupMembers:   configViper.GetInt("groups.max_members"),
		HeartbeatInterval: time.Duration(configViper.GetInt("realtime.heartbeat_seconds")) * time.Second,
		Redis: RedisConfig{
			Address:  configViper.GetString("redis.address"),
			Password: configViper.GetString("redis.password"),
			DB:       configViper.GetInt("redis.db"),
			Channel:  configViper.GetString("redis.channel"),
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if len(strings.TrimSpace(c.SigningSecret)) < minimumSigningSecretSize {
		return fmt.Errorf("auth.signing_secret must be at least %d characters", minimumSigningSecretSize)
	}
	switch c.DatabaseDriver {
	case DatabaseDriverSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case DatabaseDriverPostgres:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseDriver)
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if strings.TrimSpace(c.SessionIssuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	if c.MaxGroupMembers < 1 {
		return fmt.Errorf("groups.max_members must be at least 1")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("realtime.heartbeat_seconds must be positive")
	}
	if c.Redis.Enabled() && strings.TrimSpace(c.Redis.Channel) == "" {
		return fmt.Errorf("redis.channel is required when redis.address is set")
	}
	return nil
}
