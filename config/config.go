/*
Package config loads server configuration from the environment.

PURPOSE:
  One struct, parsed once at startup. Flags in cmd/server may override
  the port and database path for local runs.

VARIABLES:
  PORT                     HTTP server port (default 8080)
  DB_PATH                  SQLite database path (default entitlements.db)
  REFRESH_INTERVAL         Background entitlement refresh period
  CALL_TIMEOUT             Per billing-provider call timeout
  CONNECTIVITY_DEBOUNCE    Quiet period after a connectivity flap
  COMMAND_WAIT             Bounded wait for purchase/restore handles
  BACKOFF_BASE             First retry delay
  BACKOFF_CAP              Maximum retry delay
*/
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the server configuration.
type Config struct {
	Port   int    `env:"PORT" envDefault:"8080"`
	DBPath string `env:"DB_PATH" envDefault:"entitlements.db"`

	RefreshInterval      time.Duration `env:"REFRESH_INTERVAL" envDefault:"1h"`
	CallTimeout          time.Duration `env:"CALL_TIMEOUT" envDefault:"30s"`
	ConnectivityDebounce time.Duration `env:"CONNECTIVITY_DEBOUNCE" envDefault:"2s"`
	CommandWait          time.Duration `env:"COMMAND_WAIT" envDefault:"15s"`

	BackoffBase time.Duration `env:"BACKOFF_BASE" envDefault:"2s"`
	BackoffCap  time.Duration `env:"BACKOFF_CAP" envDefault:"5m"`
}

// Load parses configuration from environment variables.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}
