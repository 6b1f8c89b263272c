// Package sqlite provides an embedded accountkeeper backend built on the
// pure-Go modernc.org/sqlite driver, suitable for single-node deployments
// and for running the conformance suite without external services.
//
// The connection pool is limited to one connection: SQLite allows a single
// writer anyway, and the cap makes every transaction a serialized critical
// section, which is what UpdateUser's atomicity contract needs on an engine
// without row locks.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
	sqlitedrv "modernc.org/sqlite"

	"github.com/dmitrijs2005/accountkeeper"
	"github.com/dmitrijs2005/accountkeeper/internal/sqlstore"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// SQLite extended result codes for constraint violations.
const (
	codeConstraint           = 19
	codeConstraintPrimaryKey = 1555
	codeConstraintUnique     = 2067
)

// Options holds backend configuration. The zero value is valid.
type Options struct {
	// BcryptCost is the bcrypt work factor for password hashing.
	BcryptCost int

	// SessionIDBytes and TokenBytes size the random identifiers.
	// 0 means the sqlstore defaults.
	SessionIDBytes int
	TokenBytes     int

	// Logger receives housekeeping reports. nil disables logging.
	Logger *slog.Logger

	// Now is a test seam for the time source. nil means time.Now.
	Now func() time.Time
}

// Open opens the SQLite database at dsn (a file path or a file: URI) and
// returns a backend over it. Call Init to create the schema.
func Open[T any](dsn string, opts Options) (accountkeeper.Backend[T], error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}
	db.SetMaxOpenConns(1)
	return New[T](db, opts), nil
}

// New wraps an already open handle. The backend takes ownership of db; the
// handle must be capped at one open connection, as Open does.
func New[T any](db *sql.DB, opts Options) accountkeeper.Backend[T] {
	return sqlstore.New[T](sqlstore.Config{
		DB:                db,
		Migrate:           migrate,
		RowLock:           false,
		Rebind:            false,
		IsUniqueViolation: isUniqueViolation,
		BcryptCost:        opts.BcryptCost,
		SessionIDBytes:    opts.SessionIDBytes,
		TokenBytes:        opts.TokenBytes,
		Logger:            opts.Logger,
		Now:               opts.Now,
	})
}

func migrate(ctx context.Context, db *sql.DB) error {
	fsys, err := fs.Sub(embedMigrations, "migrations")
	if err != nil {
		return err
	}
	p, err := goose.NewProvider(database.DialectSQLite3, db, fsys)
	if err != nil {
		return err
	}
	_, err = p.Up(ctx)
	return err
}

func isUniqueViolation(err error) bool {
	var se *sqlitedrv.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case codeConstraint, codeConstraintPrimaryKey, codeConstraintUnique:
		return true
	}
	return false
}
