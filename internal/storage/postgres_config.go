package storage

import "time"

// PostgresConfig captures pool tuning for the Postgres repository.
type PostgresConfig struct {
	DSN                 string
	MaxConnections      int32
	MinConnections      int32
	MaxConnLifetime     time.Duration
	MaxConnIdleTime     time.Duration
	HealthCheckInterval time.Duration
	AcquireTimeout      time.Duration
	ApplicationName     string
}

// PostgresOption mutates the Postgres repository configuration.
type PostgresOption func(*PostgresConfig)

// WithPostgresPoolLimits bounds the connection pool size.
func WithPostgresPoolLimits(maxConns, minConns int32) PostgresOption {
	return func(cfg *PostgresConfig) {
		if maxConns > 0 {
			cfg.MaxConnections = maxConns
		}
		if minConns >= 0 {
			cfg.MinConnections = minConns
		}
	}
}

// WithPostgresPoolDurations configures connection lifetime, idle time, and
// health check cadence.
func WithPostgresPoolDurations(maxLifetime, maxIdle, healthInterval time.Duration) PostgresOption {
	return func(cfg *PostgresConfig) {
		if maxLifetime > 0 {
			cfg.MaxConnLifetime = maxLifetime
		}
		if maxIdle > 0 {
			cfg.MaxConnIdleTime = maxIdle
		}
		if healthInterval > 0 {
			cfg.HealthCheckInterval = healthInterval
		}
	}
}

// WithPostgresAcquireTimeout bounds how long connection establishment may
// take before surfacing a retryable error.
func WithPostgresAcquireTimeout(timeout time.Duration) PostgresOption {
	return func(cfg *PostgresConfig) {
		if timeout > 0 {
			cfg.AcquireTimeout = timeout
		}
	}
}

// WithPostgresApplicationName sets the application_name reported to Postgres.
func WithPostgresApplicationName(name string) PostgresOption {
	return func(cfg *PostgresConfig) {
		cfg.ApplicationName = name
	}
}

func newPostgresConfig(dsn string, opts ...PostgresOption) PostgresConfig {
	cfg := PostgresConfig{DSN: dsn}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}
