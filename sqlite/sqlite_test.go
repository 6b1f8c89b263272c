package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/dmitrijs2005/accountkeeper/storetest"

	"github.com/stretchr/testify/require"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Backend {
		dsn := "file:" + filepath.Join(t.TempDir(), "accountkeeper.db")
		be, err := Open[storetest.Profile](dsn, Options{BcryptCost: bcrypt.MinCost})
		require.NoError(t, err)
		t.Cleanup(func() {
			if c, ok := be.(interface{ DB() *sql.DB }); ok {
				_ = c.DB().Close()
			}
		})
		return be
	})
}

func TestIsUniqueViolation(t *testing.T) {
	db, err := sql.Open("sqlite", "file:"+filepath.Join(t.TempDir(), "uniq.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	_, err = db.ExecContext(ctx, `CREATE TABLE t (v TEXT PRIMARY KEY)`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `INSERT INTO t (v) VALUES ('x')`)
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, `INSERT INTO t (v) VALUES ('x')`)
	require.Error(t, err)
	require.True(t, isUniqueViolation(err))

	_, err = db.ExecContext(ctx, `INSERT INTO missing (v) VALUES ('x')`)
	require.Error(t, err)
	require.False(t, isUniqueViolation(err))
}
