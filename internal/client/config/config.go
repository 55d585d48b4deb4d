// Package config handles configuration for the relay client,
// including defaults, JSON overlay, and command-line flags.
package config

import "time"

// Config holds runtime settings for the tab relay client.
//
// Fields:
//   - ServerURL: websocket URL of the relay endpoint.
//   - KeystorePath: path of the local SQLite keystore file.
//   - HeartbeatInterval: how often the client pings an idle connection.
//   - BackoffBase: base b of the reconnect delay b^retries.
//   - BackoffCap: upper bound on the reconnect delay.
//   - Debug: enables debug-level logging.
type Config struct {
	ServerURL         string
	KeystorePath      string
	HeartbeatInterval time.Duration
	BackoffBase       time.Duration
	BackoffCap        time.Duration
	Debug             bool
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.ServerURL = "ws://127.0.0.1:5000/ws"
	c.KeystorePath = "tabrelay.db"
	c.HeartbeatInterval = 30 * time.Second
	c.BackoffBase = 5 * time.Second
	c.BackoffCap = 5 * time.Minute
	c.Debug = false
}

// LoadConfig constructs a Config, applies defaults, then overlays values from
// JSON (if present) and command-line flags (if present). Later sources take
// precedence over earlier ones.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseFlags(cfg)
	return cfg
}
