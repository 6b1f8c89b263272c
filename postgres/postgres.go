// Package postgres provides a PostgreSQL accountkeeper backend built on the
// pgx stdlib driver. The schema is managed by goose migrations embedded in
// the package; Init applies them and is safe to call repeatedly.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"

	"github.com/dmitrijs2005/accountkeeper"
	"github.com/dmitrijs2005/accountkeeper/internal/sqlstore"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// pgUniqueViolation is the PostgreSQL error code for unique_violation.
const pgUniqueViolation = "23505"

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

// Open connects to the given PostgreSQL DSN and returns a backend over it.
// Call Init to create the schema.
func Open[T any](dsn string, opts Options) (accountkeeper.Backend[T], error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}
	return New[T](db, opts), nil
}

// New wraps an already open handle. The backend takes ownership of db.
func New[T any](db *sql.DB, opts Options) accountkeeper.Backend[T] {
	return sqlstore.New[T](sqlstore.Config{
		DB:                db,
		Migrate:           migrate,
		RowLock:           true,
		Rebind:            true,
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
	p, err := goose.NewProvider(database.DialectPostgres, db, fsys)
	if err != nil {
		return err
	}
	_, err = p.Up(ctx)
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
