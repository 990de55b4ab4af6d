// Package config loads process configuration from the environment plus the
// YAML fleet manifest.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config is the process-wide environment configuration, following the
// teacher's caarlos0/env struct-tag convention.
type Config struct {
	Env string `env:"FLEET_ENV" envDefault:"dev"`

	ConfigPath string `env:"FLEET_CONFIG_PATH" envDefault:"./fleet.yaml"`

	BaseCheckIntervalSec int `env:"FLEET_BASE_CHECK_INTERVAL_SEC" envDefault:"60"`
	FirstCheckDelaySec   int `env:"FLEET_FIRST_CHECK_DELAY_SEC" envDefault:"10"`

	EventLogDBPath           string `env:"FLEET_EVENTLOG_DB_PATH" envDefault:"./fleet-events.db"`
	EventLogHeartbeatSec      int    `env:"FLEET_EVENTLOG_HEARTBEAT_SEC" envDefault:"30"`
	EventLogHeartbeatGraceSec int    `env:"FLEET_EVENTLOG_HEARTBEAT_GRACE_SEC" envDefault:"120"`

	AdminListenAddr  string `env:"FLEET_ADMIN_LISTEN_ADDR" envDefault:":8089"`
	AdminUsername    string `env:"FLEET_ADMIN_USERNAME"`
	AdminPasswordHash string `env:"FLEET_ADMIN_PASSWORD_HASH"`
	AdminSessionSecret string `env:"FLEET_ADMIN_SESSION_SECRET"`

	HTTPConnectTimeoutMS     int `env:"FLEET_HTTP_CONNECT_TIMEOUT_MS" envDefault:"5000"`
	HTTPReadTimeoutMS        int `env:"FLEET_HTTP_READ_TIMEOUT_MS" envDefault:"300000"`
	HealthCheckReadTimeoutMS int `env:"FLEET_HEALTHCHECK_READ_TIMEOUT_MS" envDefault:"5000"`

	RetryMaxAttempts   int `env:"FLEET_RETRY_MAX_ATTEMPTS" envDefault:"3"`
	RetryBaseMS        int `env:"FLEET_RETRY_BASE_MS" envDefault:"2000"`
	RetryMaxElapsedSec int `env:"FLEET_RETRY_MAX_ELAPSED_SEC" envDefault:"30"`

	OTLPEndpoint string `env:"FLEET_OTLP_ENDPOINT"`
}

// Load parses Config from the environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// IsDev reports whether Env is "dev".
func (c Config) IsDev() bool { return c.Env == "dev" }

// AdminEnabled reports whether the admin surface's credential gate is
// configured. Matches the teacher's "admin disabled unless both fields are
// set" rule.
func (c Config) AdminEnabled() bool { return c.AdminUsername != "" && c.AdminPasswordHash != "" }

// HTTPConnectTimeout returns the connect timeout as a time.Duration.
func (c Config) HTTPConnectTimeout() time.Duration {
	return time.Duration(c.HTTPConnectTimeoutMS) * time.Millisecond
}

// HTTPReadTimeout returns the normal-call read timeout as a time.Duration.
func (c Config) HTTPReadTimeout() time.Duration {
	return time.Duration(c.HTTPReadTimeoutMS) * time.Millisecond
}

// HealthCheckReadTimeout returns the health-check read timeout.
func (c Config) HealthCheckReadTimeout() time.Duration {
	return time.Duration(c.HealthCheckReadTimeoutMS) * time.Millisecond
}

// RetryBaseInterval returns the retry base interval as a time.Duration.
func (c Config) RetryBaseInterval() time.Duration {
	return time.Duration(c.RetryBaseMS) * time.Millisecond
}

// RetryMaxElapsed returns the retry max elapsed time as a time.Duration.
func (c Config) RetryMaxElapsed() time.Duration {
	return time.Duration(c.RetryMaxElapsedSec) * time.Second
}

// BaseCheckInterval returns the health-check loop's base tick interval.
func (c Config) BaseCheckInterval() time.Duration {
	return time.Duration(c.BaseCheckIntervalSec) * time.Second
}

// FirstCheckDelay returns the health-check loop's startup delay.
func (c Config) FirstCheckDelay() time.Duration {
	return time.Duration(c.FirstCheckDelaySec) * time.Second
}

// EventLogHeartbeatInterval returns the event log heartbeat cadence.
func (c Config) EventLogHeartbeatInterval() time.Duration {
	return time.Duration(c.EventLogHeartbeatSec) * time.Second
}

// EventLogHeartbeatGrace returns the crash-reconciliation grace period.
func (c Config) EventLogHeartbeatGrace() time.Duration {
	return time.Duration(c.EventLogHeartbeatGraceSec) * time.Second
}
