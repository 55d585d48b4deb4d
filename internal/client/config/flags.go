package config

import (
	"flag"
	"os"
	"time"

	"github.com/dmitrijs2005/tabrelay/internal/flagx"
)

// parseFlags populates selected client Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-s string   relay websocket URL (e.g., "ws://127.0.0.1:5000/ws")
//	-k string   keystore file path
//	-i int      heartbeat interval, seconds
//	-b int      reconnect backoff base, seconds
//	-m int      reconnect backoff cap, seconds
//	-v          enable debug logging
//
// The function first filters os.Args to only the flags it recognizes using
// flagx.FilterArgs, avoiding collisions with other components.
func parseFlags(config *Config) {
	// Filter args to include only the flags handled here.
	args := flagx.FilterArgs(os.Args[1:], []string{"-s", "-k", "-i", "-b", "-m", "-v"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.ServerURL, "s", config.ServerURL, "relay websocket URL")
	fs.StringVar(&config.KeystorePath, "k", config.KeystorePath, "keystore file path")

	heartbeatInterval := fs.Int("i", int(config.HeartbeatInterval.Seconds()), "heartbeat interval (in seconds)")
	backoffBase := fs.Int("b", int(config.BackoffBase.Seconds()), "reconnect backoff base (in seconds)")
	backoffCap := fs.Int("m", int(config.BackoffCap.Seconds()), "reconnect backoff cap (in seconds)")

	fs.BoolVar(&config.Debug, "v", config.Debug, "enable debug logging")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	config.HeartbeatInterval = time.Duration(*heartbeatInterval) * time.Second
	config.BackoffBase = time.Duration(*backoffBase) * time.Second
	config.BackoffCap = time.Duration(*backoffCap) * time.Second
}
