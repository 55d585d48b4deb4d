package config

import (
	"flag"
	"os"
	"time"

	"github.com/dmitrijs2005/tabrelay/internal/flagx"
)

// parseFlags populates selected server Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string   websocket bind address (e.g., ":5000")
//	-d string   PostgreSQL DSN, or "mem" for the in-memory directory
//	-w int      graceful shutdown timeout, seconds
//	-v          enable debug logging
//
// The function first filters os.Args to only the flags it recognizes using
// flagx.FilterArgs, avoiding collisions with other components.
func parseFlags(config *Config) {
	// Filter args to include only the flags handled here.
	args := flagx.FilterArgs(os.Args[1:], []string{"-a", "-d", "-w", "-v"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.EndpointAddr, "a", config.EndpointAddr, "address and port to run server")
	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")

	shutdownTimeout := fs.Int("w", int(config.ShutdownTimeout.Seconds()), "graceful shutdown timeout (in seconds)")

	fs.BoolVar(&config.Debug, "v", config.Debug, "enable debug logging")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	config.ShutdownTimeout = time.Duration(*shutdownTimeout) * time.Second
}
