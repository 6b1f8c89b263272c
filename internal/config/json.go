package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/dmitrijs2005/accountkeeper/internal/flagx"
	"github.com/dmitrijs2005/accountkeeper/internal/timex"
)

// JsonConfig is the intermediate DTO for JSON configuration files. Interval
// fields use timex.Duration so both "30m" strings and integer nanoseconds
// parse; after unmarshalling the values are copied into Config.
type JsonConfig struct {
	Engine          string         `json:"engine"`
	DatabaseDSN     string         `json:"database_dsn"`
	SQLiteFile      string         `json:"sqlite_file"`
	RedisAddr       string         `json:"redis_addr"`
	SessionDuration timex.Duration `json:"session_duration"`
	TokenValidity   timex.Duration `json:"token_validity"`
}

// parseJson loads configuration from the JSON file named by the -c or
// -config flags into config. When no flag is given, nothing is loaded.
// Unreadable files or invalid JSON panic.
func parseJson(config *Config) {
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return
	}

	c := &JsonConfig{}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}

	if err := json.Unmarshal(file, c); err != nil {
		panic(err)
	}

	config.Engine = c.Engine
	config.DatabaseDSN = c.DatabaseDSN
	config.SQLiteFile = c.SQLiteFile
	config.RedisAddr = c.RedisAddr
	config.SessionDuration = time.Duration(c.SessionDuration.Duration)
	config.TokenValidity = time.Duration(c.TokenValidity.Duration)
}
