package postgres

import (
	"fmt"
	"time"
)

// Config holds the connection and pool parameters for the postgres
// MetadataBackend.
type Config struct {
	Host     string `mapstructure:"host" validate:"required"`
	Port     int    `mapstructure:"port" validate:"required"`
	Database string `mapstructure:"database" validate:"required"`
	User     string `mapstructure:"user" validate:"required"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"ssl_mode" validate:"oneof=disable require verify-ca verify-full"`

	MaxConns        int           `mapstructure:"max_conns"`         // default: 10
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`    // default: 3
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"` // default: 1h
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`   // default: 5s

	AutoMigrate bool `mapstructure:"auto_migrate"` // default: false; when true the registry runs RunMigrations before Open
}

// ApplyDefaults fills unset pool and timeout fields with conservative
// defaults.
func (c *Config) ApplyDefaults() {
	if c.MaxConns == 0 {
		c.MaxConns = 10
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 3
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = time.Hour
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.SSLMode == "" {
		c.SSLMode = "disable"
	}
}

// DSN builds a libpq-style connection string from the config.
func (c *Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s connect_timeout=%d",
		c.Host, c.Port, c.Database, c.User, c.Password, c.SSLMode, int(c.ConnectTimeout.Seconds()),
	)
}
