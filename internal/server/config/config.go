// Package config handles configuration for the relay server,
// including defaults, JSON overlay, and command-line flags.
package config

import "time"

// Config holds runtime settings for the tab relay server.
//
// Fields:
//   - EndpointAddr: bind address for the public websocket endpoint.
//   - DatabaseDSN: PostgreSQL DSN (pgx). The literal value "mem" selects
//     the in-memory user directory instead.
//   - ShutdownTimeout: how long graceful shutdown may take before the
//     listener is torn down.
//   - Debug: enables debug-level logging.
type Config struct {
	EndpointAddr    string
	DatabaseDSN     string
	ShutdownTimeout time.Duration
	Debug           bool
}

// LoadDefaults populates Config with sensible development defaults.
func (c *Config) LoadDefaults() {
	c.EndpointAddr = ":5000"
	c.DatabaseDSN = "mem"
	c.ShutdownTimeout = 5 * time.Second
	c.Debug = false
}

// LoadConfig builds a Config by applying defaults, then overlaying values
// from an optional JSON file and finally from command-line flags.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseFlags(cfg)
	return cfg
}
