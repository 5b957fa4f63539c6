// Package storage holds the persistence and cache configuration shared by
// the trust core's stores. The actual stores live next to the domain logic
// they serve; this package only carries connection settings and defaults.
package storage

import "time"

// Config holds database and cache connection configuration
type Config struct {
	// PostgreSQL config
	PostgresURL      string
	PostgresMaxConns int
	PostgresMinConns int
	PostgresTimeout  time.Duration

	// Redis config
	RedisURL        string
	RedisPassword   string
	RedisDB         int
	RedisMaxRetries int
	RedisPoolSize   int

	// OperationTimeout bounds every individual store and cache call.
	// Security-critical checks fail closed when it is exceeded.
	OperationTimeout time.Duration
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() Config {
	return Config{
		PostgresMaxConns: 20,
		PostgresMinConns: 2,
		PostgresTimeout:  10 * time.Second,
		RedisURL:         "redis://localhost:6379/0",
		RedisDB:          -1,
		OperationTimeout: 3 * time.Second,
	}
}
