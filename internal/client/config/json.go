package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/dmitrijs2005/tabrelay/internal/flagx"
	"github.com/dmitrijs2005/tabrelay/internal/timex"
)

// JsonConfig defines a configuration structure tailored for JSON unmarshalling.
// It uses timex.Duration for interval fields, which allows parsing both
// string values such as "30s" and integer nanoseconds.
//
// This struct is an intermediate DTO used only for reading JSON configuration
// files. After unmarshalling, its fields are copied into the runtime Config.
type JsonConfig struct {
	ServerURL         string         `json:"server_url"`
	KeystorePath      string         `json:"keystore_path"`
	HeartbeatInterval timex.Duration `json:"heartbeat_interval"`
	BackoffBase       timex.Duration `json:"backoff_base"`
	BackoffCap        timex.Duration `json:"backoff_cap"`
	Debug             bool           `json:"debug"`
}

// parseJson loads configuration values from a JSON file into the provided
// Config instance.
//
// The file path is taken from the -c or -config command-line flags; if
// neither is set, no JSON file is loaded. If the file cannot be read or
// contains invalid JSON, the function panics.
func parseJson(config *Config) {

	// try flags
	jsonConfigFile := flagx.JsonConfigFlags()

	// nothing to load
	if jsonConfigFile == "" {
		return
	}

	c := &JsonConfig{}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}

	err = json.Unmarshal(file, c)
	if err != nil {
		panic(err)
	}

	config.ServerURL = c.ServerURL
	config.KeystorePath = c.KeystorePath
	config.HeartbeatInterval = time.Duration(c.HeartbeatInterval.Duration)
	config.BackoffBase = time.Duration(c.BackoffBase.Duration)
	config.BackoffCap = time.Duration(c.BackoffCap.Duration)
	config.Debug = c.Debug
}
