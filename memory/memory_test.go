package memory

import (
	"context"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/dmitrijs2005/accountkeeper"
	"github.com/dmitrijs2005/accountkeeper/storetest"

	"github.com/stretchr/testify/require"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Backend {
		return New[storetest.Profile](Options{BcryptCost: bcrypt.MinCost})
	})
}

// The fake clock exercises expiry decisions without sleeping.
func TestVerifySession_FakeClock(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s := New[struct{}](Options{
		BcryptCost: bcrypt.MinCost,
		Now:        func() time.Time { return now },
	})
	ctx := context.Background()
	require.NoError(t, s.Init(ctx))

	id, err := s.CreateUser(ctx, accountkeeper.User[struct{}]{
		Name:     "x",
		Email:    "x@example.com",
		Password: accountkeeper.PlainText("pw"),
	})
	require.NoError(t, err)

	sid, err := s.AuthUser(ctx, "x", "pw", 10*time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, sid)

	// just before expiry
	now = now.Add(10*time.Minute - time.Second)
	uid, err := s.VerifySession(ctx, sid, time.Minute)
	require.NoError(t, err)
	require.Equal(t, id, uid)

	// the verification above slid the expiry to now+1m
	now = now.Add(30 * time.Second)
	uid, err = s.VerifySession(ctx, sid, 0)
	require.NoError(t, err)
	require.Equal(t, id, uid)

	// a short extension never shortens the session
	uid, err = s.VerifySession(ctx, sid, time.Nanosecond)
	require.NoError(t, err)
	require.Equal(t, id, uid)

	now = now.Add(time.Hour)
	uid, err = s.VerifySession(ctx, sid, time.Minute)
	require.NoError(t, err)
	require.Empty(t, uid)
}

func TestHousekeep_FakeClock(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s := New[struct{}](Options{
		BcryptCost: bcrypt.MinCost,
		Now:        func() time.Time { return now },
	})
	ctx := context.Background()
	require.NoError(t, s.Init(ctx))

	id, err := s.CreateUser(ctx, accountkeeper.User[struct{}]{
		Name:     "y",
		Email:    "y@example.com",
		Password: accountkeeper.PlainText("pw"),
	})
	require.NoError(t, err)

	short, err := s.AuthUser(ctx, "y", "pw", time.Minute)
	require.NoError(t, err)
	long, err := s.AuthUser(ctx, "y", "pw", time.Hour)
	require.NoError(t, err)
	tok, err := s.RequestPasswordReset(ctx, id, time.Minute)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	require.NoError(t, s.Housekeep(ctx))

	uid, err := s.VerifySession(ctx, short, time.Minute)
	require.NoError(t, err)
	require.Empty(t, uid)

	uid, err = s.VerifySession(ctx, long, time.Minute)
	require.NoError(t, err)
	require.Equal(t, id, uid)

	owner, err := s.VerifyPasswordResetToken(ctx, tok)
	require.NoError(t, err)
	require.Nil(t, owner)
}

func TestDestroy_WipesEverything(t *testing.T) {
	s := New[struct{}](Options{BcryptCost: bcrypt.MinCost})
	ctx := context.Background()
	require.NoError(t, s.Init(ctx))

	_, err := s.CreateUser(ctx, accountkeeper.User[struct{}]{
		Name:     "z",
		Email:    "z@example.com",
		Password: accountkeeper.PlainText("pw"),
	})
	require.NoError(t, err)

	require.NoError(t, s.Destroy(ctx))
	require.NoError(t, s.Init(ctx))

	n, err := s.CountUsers(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

// The store must be usable straight from New and straight after Destroy,
// without an Init in between.
func TestUsableWithoutInit(t *testing.T) {
	s := New[struct{}](Options{BcryptCost: bcrypt.MinCost})
	ctx := context.Background()

	id, err := s.CreateUser(ctx, accountkeeper.User[struct{}]{
		Name:     "w",
		Email:    "w@example.com",
		Password: accountkeeper.PlainText("pw"),
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.NoError(t, s.Destroy(ctx))

	id, err = s.CreateUser(ctx, accountkeeper.User[struct{}]{
		Name:     "w",
		Email:    "w@example.com",
		Password: accountkeeper.PlainText("pw"),
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	n, err := s.CountUsers(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}
