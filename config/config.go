// Package config loads the environment into a typed Config used across the service.
// Defaults let the binary run locally against docker-compose Postgres with only
// DISCORD_TOKEN set.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
)

// Store backends.
const (
	BackendPostgres = "postgres"
	BackendMongo    = "mongo"
	BackendMemory   = "memory"
)

var validate = validator.New()

type Config struct {
	// Discord
	DiscordToken    string        `envconfig:"DISCORD_TOKEN" validate:"required"`
	DiscordGuildID  string        `envconfig:"DISCORD_GUILD_ID"`
	ChatCallTimeout time.Duration `envconfig:"CHAT_CALL_TIMEOUT" default:"10s"`

	// Storage
	StoreBackend string `envconfig:"STORE_BACKEND" default:"postgres" validate:"oneof=postgres mongo memory"`
	DBDsn        string `envconfig:"DB_DSN"`
	MongoURI     string `envconfig:"MONGO_URI" validate:"required_if=StoreBackend mongo"`
	MongoDB      string `envconfig:"MONGO_DB" default:"guildsync"`

	// Sync
	ReconcileInterval    time.Duration `envconfig:"RECONCILE_INTERVAL" default:"1m"`
	ReconcileMaxAttempts int           `envconfig:"RECONCILE_MAX_ATTEMPTS" default:"5" validate:"min=1"`
	JoinFanoutLimit      int           `envconfig:"JOIN_FANOUT_LIMIT" default:"4" validate:"min=1,max=32"`
	// RoleColor accepts hex (0xE74C3C) or decimal.
	RoleColor       int   `envconfig:"ROLE_COLOR" default:"0xE74C3C" validate:"min=0,max=16777215"`
	RolePermissions int64 `envconfig:"ROLE_PERMISSIONS" default:"104126528" validate:"min=0"`

	// HTTP
	HTTPAddr      string `envconfig:"HTTP_ADDR" default:":8080"`
	AdminToken    string `envconfig:"ADMIN_TOKEN"`
	AdminUsername string `envconfig:"ADMIN_USERNAME" validate:"required_with=AdminPassword"`
	AdminPassword string `envconfig:"ADMIN_PASSWORD" validate:"required_with=AdminUsername"`

	// Observability
	LogLevel     string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat    string `envconfig:"LOG_FORMAT" default:"text" validate:"oneof=text json"`
	OTLPEndpoint string `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// Load reads the environment, applies defaults and validates the result.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints that the environment cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.ChatCallTimeout <= 0 {
		return errors.New("invalid config: CHAT_CALL_TIMEOUT must be positive")
	}
	if c.ReconcileInterval < time.Second {
		return errors.New("invalid config: RECONCILE_INTERVAL must be at least 1s")
	}
	return nil
}

// AdminAuthConfigured reports whether admin endpoints are protected.
func (c *Config) AdminAuthConfigured() bool {
	return c.AdminToken != "" || (c.AdminUsername != "" && c.AdminPassword != "")
}
