package redis

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/dmitrijs2005/accountkeeper"
	"github.com/dmitrijs2005/accountkeeper/storetest"
)

// TestConformance runs the full contract suite against a real server.
// Set ACCOUNTKEEPER_TEST_REDIS_ADDR (e.g. localhost:6379) to enable it.
func TestConformance(t *testing.T) {
	addr := os.Getenv("ACCOUNTKEEPER_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("ACCOUNTKEEPER_TEST_REDIS_ADDR not set")
	}

	var seq int
	storetest.Run(t, func(t *testing.T) storetest.Backend {
		seq++
		s := Open[storetest.Profile](addr, Options{
			KeyPrefix:  fmt.Sprintf("aktest:%d:%d:", os.Getpid(), seq),
			BcryptCost: bcrypt.MinCost,
		})
		t.Cleanup(func() {
			_ = s.Destroy(context.Background())
		})
		require.NoError(t, s.Init(context.Background()))
		return s
	})
}

func newMockStore(t *testing.T) (*Store[storetest.Profile], redismock.ClientMock) {
	t.Helper()
	client, mock := redismock.NewClientMock()
	return New[storetest.Profile](client, Options{BcryptCost: bcrypt.MinCost}), mock
}

func TestGetUserFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectHGetAll("ak:user:u1").SetVal(map[string]string{
		"name":   "foo",
		"email":  "bar@baz.com",
		"digest": "x",
		"active": "1",
		"more":   `{"full_name":"Foo Bar","age":30}`,
	})

	u, err := s.GetUser(context.Background(), "u1")
	require.NoError(t, err)
	require.NotNil(t, u)
	require.Equal(t, "foo", u.Name)
	require.Equal(t, "bar@baz.com", u.Email)
	require.True(t, u.Active)
	require.True(t, u.Password.IsHidden())
	require.Equal(t, "Foo Bar", u.More.FullName)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetUserNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectHGetAll("ak:user:missing").SetVal(map[string]string{})

	u, err := s.GetUser(context.Background(), "missing")
	require.NoError(t, err)
	require.Nil(t, u)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCountUsers(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectSCard("ak:users").SetVal(7)

	n, err := s.CountUsers(context.Background())
	require.NoError(t, err)
	require.Equal(t, 7, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestVerifySessionUnknown(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectGet("ak:sess:nope").RedisNil()

	uid, err := s.VerifySession(context.Background(), "nope", time.Minute)
	require.NoError(t, err)
	require.Empty(t, uid)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestVerifySessionExtends(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectGet("ak:sess:s1").SetVal("u1")
	mock.ExpectPTTL("ak:sess:s1").SetVal(10 * time.Second)
	mock.ExpectPExpire("ak:sess:s1", time.Minute).SetVal(true)

	uid, err := s.VerifySession(context.Background(), "s1", time.Minute)
	require.NoError(t, err)
	require.Equal(t, accountkeeper.UserID("u1"), uid)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestVerifySessionKeepsLongerExpiry(t *testing.T) {
	s, mock := newMockStore(t)

	// remaining TTL already exceeds the extension, so no PEXPIRE is issued
	mock.ExpectGet("ak:sess:s1").SetVal("u1")
	mock.ExpectPTTL("ak:sess:s1").SetVal(time.Hour)

	uid, err := s.VerifySession(context.Background(), "s1", time.Minute)
	require.NoError(t, err)
	require.Equal(t, accountkeeper.UserID("u1"), uid)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDestroySessionUnknownIsNoop(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectGet("ak:sess:gone").RedisNil()

	require.NoError(t, s.DestroySession(context.Background(), "gone"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAuthUserUnknownIdentifier(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectGet("ak:ident:ghost").RedisNil()

	sid, err := s.AuthUser(context.Background(), "ghost", "pw", time.Minute)
	require.NoError(t, err)
	require.Empty(t, sid)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateUserReleasesClaimsWhenRecordWriteFails(t *testing.T) {
	s, mock := newMockStore(t)

	// the claimed value is a random user id, so match on position only
	anyArgs := func(expected, actual []interface{}) error { return nil }
	mock.CustomMatch(anyArgs).ExpectSetNX("ak:ident:leaky", "", 0).SetVal(true)
	mock.CustomMatch(anyArgs).ExpectSetNX("ak:ident:leaky@x.com", "", 0).SetVal(true)
	// no expectations for the record write, so it fails after both claims;
	// both ident keys must then be released
	mock.ExpectDel("ak:ident:leaky", "ak:ident:leaky@x.com").SetVal(2)

	_, err := s.CreateUser(context.Background(), accountkeeper.User[storetest.Profile]{
		Name:     "leaky",
		Email:    "leaky@x.com",
		Password: accountkeeper.PlainText("pw"),
	})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateUserRollsBackNameClaimOnEmailConflict(t *testing.T) {
	s, mock := newMockStore(t)

	anyArgs := func(expected, actual []interface{}) error { return nil }
	mock.CustomMatch(anyArgs).ExpectSetNX("ak:ident:fresh", "", 0).SetVal(true)
	mock.CustomMatch(anyArgs).ExpectSetNX("ak:ident:taken@x.com", "", 0).SetVal(false)
	mock.ExpectDel("ak:ident:fresh").SetVal(1)

	_, err := s.CreateUser(context.Background(), accountkeeper.User[storetest.Profile]{
		Name:     "fresh",
		Email:    "taken@x.com",
		Password: accountkeeper.PlainText("pw"),
	})
	require.ErrorIs(t, err, accountkeeper.ErrUsernameOrEmailTaken)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestVerifyPasswordResetTokenWrongPurpose(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectHGetAll("ak:tok:t1").SetVal(map[string]string{
		"user": "u1", "purpose": "activate",
	})

	u, err := s.VerifyPasswordResetToken(context.Background(), "t1")
	require.NoError(t, err)
	require.Nil(t, u)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHousekeepNoUsers(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectSMembers("ak:users").SetVal([]string{})

	require.NoError(t, s.Housekeep(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
