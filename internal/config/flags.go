package config

import (
	"flag"
	"os"
	"time"

	"github.com/dmitrijs2005/accountkeeper/internal/flagx"
)

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-e string   backend engine: memory, sqlite, postgres or redis
//	-d string   PostgreSQL DSN
//	-f string   SQLite database file
//	-r string   Redis server address
//	-s int      session duration, minutes
//	-t int      token validity, minutes
//
// The function first filters os.Args to only the flags it recognizes using
// flagx.FilterArgs, avoiding collisions with other components. Duration
// flags are accepted as integers in minutes.
func parseFlags(config *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-e", "-d", "-f", "-r", "-s", "-t"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.Engine, "e", config.Engine, "backend engine")
	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.SQLiteFile, "f", config.SQLiteFile, "sqlite database file")
	fs.StringVar(&config.RedisAddr, "r", config.RedisAddr, "redis server address")

	sessionDuration := fs.Int("s", int(config.SessionDuration.Minutes()), "session duration (in minutes)")
	tokenValidity := fs.Int("t", int(config.TokenValidity.Minutes()), "token validity (in minutes)")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	config.SessionDuration = time.Duration(*sessionDuration) * time.Minute
	config.TokenValidity = time.Duration(*tokenValidity) * time.Minute
}
