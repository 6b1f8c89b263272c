// Package storetest is a behavioral conformance suite for accountkeeper
// backends. Any implementation of the Backend interface, including
// third-party ones, should pass Run unchanged.
//
// Scenario groups are independent: each receives a fresh backend from the
// factory, initialized before and destroyed after, so no state leaks
// between groups. Expiry scenarios use real clocks with sub-second
// durations; factories should configure a low bcrypt cost (e.g.
// bcrypt.MinCost) to keep the suite fast.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/accountkeeper"
)

// Profile is the application payload the suite drives backends with.
type Profile struct {
	FullName string `json:"full_name"`
	Age      int    `json:"age"`
}

// Backend is the contract instantiated at the suite's payload type.
type Backend = accountkeeper.Backend[Profile]

// Factory returns a fresh, uninitialized backend for one scenario group.
type Factory func(t *testing.T) Backend

// Run drives the full conformance battery against backends produced by
// factory.
func Run(t *testing.T, factory Factory) {
	t.Run("CreateAndUniqueness", scenario(factory, testCreateAndUniqueness))
	t.Run("ListAndCount", scenario(factory, testListAndCount))
	t.Run("UpdateUser", scenario(factory, testUpdateUser))
	t.Run("UpdateUserDetails", scenario(factory, testUpdateUserDetails))
	t.Run("DeleteAndReuse", scenario(factory, testDeleteAndReuse))
	t.Run("ReinitKeepsData", scenario(factory, testReinitKeepsData))
	t.Run("AuthUser", scenario(factory, testAuthUser))
	t.Run("SessionLifecycle", scenario(factory, testSessionLifecycle))
	t.Run("PasswordReset", scenario(factory, testPasswordReset))
	t.Run("Activation", scenario(factory, testActivation))
	t.Run("Housekeep", scenario(factory, testHousekeep))
	t.Run("ConcurrentCreate", scenario(factory, testConcurrentCreate))
	t.Run("ConcurrentUpdate", scenario(factory, testConcurrentUpdate))
}

func scenario(factory Factory, fn func(t *testing.T, ctx context.Context, be Backend)) func(*testing.T) {
	return func(t *testing.T) {
		be := factory(t)
		ctx := context.Background()
		require.NoError(t, be.Init(ctx))
		t.Cleanup(func() {
			require.NoError(t, be.Destroy(context.Background()))
		})
		fn(t, ctx, be)
	}
}

func sampleUser(name, email, password string) accountkeeper.User[Profile] {
	return accountkeeper.User[Profile]{
		Name:     name,
		Email:    email,
		Password: accountkeeper.PlainText(password),
		More:     Profile{FullName: "Sample " + name, Age: 30},
	}
}

func mustCreate(t *testing.T, ctx context.Context, be Backend, u accountkeeper.User[Profile]) accountkeeper.UserID {
	t.Helper()
	id, err := be.CreateUser(ctx, u)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	return id
}

func testCreateAndUniqueness(t *testing.T, ctx context.Context, be Backend) {
	id := mustCreate(t, ctx, be, sampleUser("foo", "bar@baz.com", "1234"))

	// round-trip, password hidden
	got, err := be.GetUser(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "foo", got.Name)
	require.Equal(t, "bar@baz.com", got.Email)
	require.False(t, got.Active)
	require.Equal(t, Profile{FullName: "Sample foo", Age: 30}, got.More)
	require.True(t, got.Password.IsHidden())

	// unknown id
	missing, err := be.GetUser(ctx, accountkeeper.UserID("no-such-id"))
	require.NoError(t, err)
	require.Nil(t, missing)

	// same name
	_, err = be.CreateUser(ctx, sampleUser("foo", "other@baz.com", "pw"))
	require.ErrorIs(t, err, accountkeeper.ErrUsernameOrEmailTaken)

	// same email
	_, err = be.CreateUser(ctx, sampleUser("other", "bar@baz.com", "pw"))
	require.ErrorIs(t, err, accountkeeper.ErrUsernameOrEmailTaken)

	// cross-field: new name equals existing email
	_, err = be.CreateUser(ctx, sampleUser("bar@baz.com", "third@baz.com", "pw"))
	require.ErrorIs(t, err, accountkeeper.ErrUsernameOrEmailTaken)

	// cross-field: new email equals existing name
	_, err = be.CreateUser(ctx, sampleUser("third", "foo", "pw"))
	require.ErrorIs(t, err, accountkeeper.ErrUsernameOrEmailTaken)

	// password must be plain text
	u := sampleUser("plainless", "plainless@baz.com", "x")
	u.Password = accountkeeper.Hidden()
	_, err = be.CreateUser(ctx, u)
	require.ErrorIs(t, err, accountkeeper.ErrPasswordNotPlain)

	// empty name / email
	_, err = be.CreateUser(ctx, sampleUser("", "empty@baz.com", "pw"))
	require.ErrorIs(t, err, accountkeeper.ErrInvalidUserData)
	_, err = be.CreateUser(ctx, sampleUser("empty", "", "pw"))
	require.ErrorIs(t, err, accountkeeper.ErrInvalidUserData)

	// a user's own name may not equal their own email
	_, err = be.CreateUser(ctx, sampleUser("same@baz.com", "same@baz.com", "pw"))
	require.ErrorIs(t, err, accountkeeper.ErrInvalidUserData)

	// failed creates left no trace
	n, err := be.CountUsers(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func testListAndCount(t *testing.T, ctx context.Context, be Backend) {
	n, err := be.CountUsers(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	want := map[accountkeeper.UserID]string{}
	for i := 0; i < 5; i++ {
		name := fmt.Sprintf("user%d", i)
		id := mustCreate(t, ctx, be, sampleUser(name, name+"@example.com", "pw"))
		want[id] = name
	}

	n, err = be.CountUsers(ctx)
	require.NoError(t, err)
	require.Equal(t, 5, n)

	// unbounded listing: every user exactly once, passwords hidden
	all, err := be.ListUsers(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	seen := map[accountkeeper.UserID]bool{}
	for _, e := range all {
		require.True(t, e.User.Password.IsHidden())
		require.Equal(t, want[e.ID], e.User.Name)
		require.False(t, seen[e.ID], "user listed twice")
		seen[e.ID] = true
	}

	// pagination is stable and complete
	var paged []accountkeeper.UserEntry[Profile]
	for off := 0; off < 5; off += 2 {
		page, err := be.ListUsers(ctx, off, 2)
		require.NoError(t, err)
		paged = append(paged, page...)
	}
	require.Equal(t, all, paged)

	// offset past the end
	empty, err := be.ListUsers(ctx, 10, 2)
	require.NoError(t, err)
	require.Empty(t, empty)
}

func testUpdateUser(t *testing.T, ctx context.Context, be Backend) {
	id := mustCreate(t, ctx, be, sampleUser("alice", "alice@example.com", "old-pw"))
	otherID := mustCreate(t, ctx, be, sampleUser("bob", "bob@example.com", "pw"))

	// mutation sees the password as Hidden
	err := be.UpdateUser(ctx, id, func(u accountkeeper.User[Profile]) accountkeeper.User[Profile] {
		require.True(t, u.Password.IsHidden())
		u.Email = "alice@new.example.com"
		u.More.Age = 31
		return u
	})
	require.NoError(t, err)

	got, err := be.GetUser(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "alice@new.example.com", got.Email)
	require.Equal(t, 31, got.More.Age)
	require.True(t, got.Password.IsHidden())

	// credentials survive unrelated edits
	sid, err := be.AuthUser(ctx, "alice", "old-pw", time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, sid)

	// supplying PlainText replaces the password
	err = be.UpdateUser(ctx, id, func(u accountkeeper.User[Profile]) accountkeeper.User[Profile] {
		u.Password = accountkeeper.PlainText("new-pw")
		return u
	})
	require.NoError(t, err)

	sid, err = be.AuthUser(ctx, "alice", "old-pw", time.Minute)
	require.NoError(t, err)
	require.Empty(t, sid)
	sid, err = be.AuthUser(ctx, "alice", "new-pw", time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, sid)

	// uniqueness collision leaves the record unchanged
	err = be.UpdateUser(ctx, id, func(u accountkeeper.User[Profile]) accountkeeper.User[Profile] {
		u.Name = "bob"
		return u
	})
	require.ErrorIs(t, err, accountkeeper.ErrUsernameOrEmailExists)

	err = be.UpdateUser(ctx, id, func(u accountkeeper.User[Profile]) accountkeeper.User[Profile] {
		u.Email = "bob@example.com"
		return u
	})
	require.ErrorIs(t, err, accountkeeper.ErrUsernameOrEmailExists)

	// mutating name to equal the own email is invalid, not a collision
	err = be.UpdateUser(ctx, id, func(u accountkeeper.User[Profile]) accountkeeper.User[Profile] {
		u.Name = u.Email
		return u
	})
	require.ErrorIs(t, err, accountkeeper.ErrInvalidUserData)

	got, err = be.GetUser(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "alice", got.Name)
	require.Equal(t, "alice@new.example.com", got.Email)

	// keeping your own name is not a collision
	err = be.UpdateUser(ctx, id, func(u accountkeeper.User[Profile]) accountkeeper.User[Profile] {
		u.More.FullName = "Alice A."
		return u
	})
	require.NoError(t, err)

	// unknown id
	err = be.UpdateUser(ctx, accountkeeper.UserID("no-such-id"), func(u accountkeeper.User[Profile]) accountkeeper.User[Profile] {
		return u
	})
	require.ErrorIs(t, err, accountkeeper.ErrUserDoesntExist)

	// neighbor untouched
	other, err := be.GetUser(ctx, otherID)
	require.NoError(t, err)
	require.Equal(t, "bob", other.Name)
}

func testUpdateUserDetails(t *testing.T, ctx context.Context, be Backend) {
	id := mustCreate(t, ctx, be, sampleUser("carol", "carol@example.com", "pw"))

	err := be.UpdateUserDetails(ctx, id, func(p Profile) Profile {
		p.Age++
		p.FullName = "Carol C."
		return p
	})
	require.NoError(t, err)

	got, err := be.GetUser(ctx, id)
	require.NoError(t, err)
	require.Equal(t, Profile{FullName: "Carol C.", Age: 31}, got.More)
	require.Equal(t, "carol", got.Name)
	require.Equal(t, "carol@example.com", got.Email)
	require.True(t, got.Password.IsHidden())

	err = be.UpdateUserDetails(ctx, accountkeeper.UserID("no-such-id"), func(p Profile) Profile { return p })
	require.ErrorIs(t, err, accountkeeper.ErrUserDoesntExist)
}

func testDeleteAndReuse(t *testing.T, ctx context.Context, be Backend) {
	id := mustCreate(t, ctx, be, sampleUser("dave", "dave@example.com", "pw"))
	sid, err := be.AuthUser(ctx, "dave", "pw", time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, sid)

	require.NoError(t, be.DeleteUser(ctx, id))

	got, err := be.GetUser(ctx, id)
	require.NoError(t, err)
	require.Nil(t, got)

	all, err := be.ListUsers(ctx, 0, 0)
	require.NoError(t, err)
	require.Empty(t, all)

	// sessions of a deleted user die with it
	uid, err := be.VerifySession(ctx, sid, time.Minute)
	require.NoError(t, err)
	require.Empty(t, uid)

	// idempotent on unknown id
	require.NoError(t, be.DeleteUser(ctx, id))

	// name and email are immediately reusable, under a fresh id
	newID := mustCreate(t, ctx, be, sampleUser("dave", "dave@example.com", "pw2"))
	require.NotEqual(t, id, newID)
}

func testReinitKeepsData(t *testing.T, ctx context.Context, be Backend) {
	id := mustCreate(t, ctx, be, sampleUser("erin", "erin@example.com", "pw"))

	require.NoError(t, be.Init(ctx))
	require.NoError(t, be.Init(ctx))

	got, err := be.GetUser(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "erin", got.Name)

	n, err := be.CountUsers(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func testAuthUser(t *testing.T, ctx context.Context, be Backend) {
	id := mustCreate(t, ctx, be, sampleUser("foo", "bar@baz.com", "1234"))

	// by name
	sid, err := be.AuthUser(ctx, "foo", "1234", 500*time.Second)
	require.NoError(t, err)
	require.NotEmpty(t, sid)

	uid, err := be.VerifySession(ctx, sid, 500*time.Second)
	require.NoError(t, err)
	require.Equal(t, id, uid)

	// by email, same account
	sid2, err := be.AuthUser(ctx, "bar@baz.com", "1234", 500*time.Second)
	require.NoError(t, err)
	require.NotEmpty(t, sid2)
	require.NotEqual(t, sid, sid2)

	uid, err = be.VerifySession(ctx, sid2, 500*time.Second)
	require.NoError(t, err)
	require.Equal(t, id, uid)

	// wrong password
	none, err := be.AuthUser(ctx, "foo", "4321", 500*time.Second)
	require.NoError(t, err)
	require.Empty(t, none)

	// unknown identifier
	none, err = be.AuthUser(ctx, "nobody", "1234", 500*time.Second)
	require.NoError(t, err)
	require.Empty(t, none)

	// query-shaped inputs must simply fail to match
	for _, evil := range []string{
		"' OR '1'='1",
		"foo' --",
		"'; DROP TABLE users; --",
		"foo\" OR \"\"=\"",
		"*",
	} {
		none, err = be.AuthUser(ctx, evil, "1234", 500*time.Second)
		require.NoError(t, err)
		require.Empty(t, none, "input %q must not authenticate", evil)

		none, err = be.AuthUser(ctx, "foo", evil, 500*time.Second)
		require.NoError(t, err)
		require.Empty(t, none, "password %q must not authenticate", evil)
	}
}

func testSessionLifecycle(t *testing.T, ctx context.Context, be Backend) {
	id := mustCreate(t, ctx, be, sampleUser("frank", "frank@example.com", "pw"))

	// lazy expiry at verification time
	sid, err := be.AuthUser(ctx, "frank", "pw", 80*time.Millisecond)
	require.NoError(t, err)
	require.NotEmpty(t, sid)

	uid, err := be.VerifySession(ctx, sid, 80*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, id, uid)

	time.Sleep(150 * time.Millisecond)

	uid, err = be.VerifySession(ctx, sid, 80*time.Millisecond)
	require.NoError(t, err)
	require.Empty(t, uid)

	// sliding extension outlives the original expiry
	sid, err = be.AuthUser(ctx, "frank", "pw", 150*time.Millisecond)
	require.NoError(t, err)
	uid, err = be.VerifySession(ctx, sid, 500*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, id, uid)

	time.Sleep(250 * time.Millisecond) // past the original 150ms

	uid, err = be.VerifySession(ctx, sid, 500*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, id, uid)

	// explicit destruction, idempotent
	require.NoError(t, be.DestroySession(ctx, sid))
	uid, err = be.VerifySession(ctx, sid, time.Minute)
	require.NoError(t, err)
	require.Empty(t, uid)
	require.NoError(t, be.DestroySession(ctx, sid))

	// unknown session id
	uid, err = be.VerifySession(ctx, accountkeeper.SessionID("bogus"), time.Minute)
	require.NoError(t, err)
	require.Empty(t, uid)
}

func testPasswordReset(t *testing.T, ctx context.Context, be Backend) {
	id := mustCreate(t, ctx, be, sampleUser("grace", "grace@example.com", "old-pw"))

	_, err := be.RequestPasswordReset(ctx, accountkeeper.UserID("no-such-id"), time.Minute)
	require.ErrorIs(t, err, accountkeeper.ErrUserDoesntExist)

	tok, err := be.RequestPasswordReset(ctx, id, time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, tok)

	// verification does not consume
	for i := 0; i < 2; i++ {
		owner, err := be.VerifyPasswordResetToken(ctx, tok)
		require.NoError(t, err)
		require.NotNil(t, owner)
		require.Equal(t, "grace", owner.Name)
		require.True(t, owner.Password.IsHidden())
	}

	// a session opened before the reset...
	sid, err := be.AuthUser(ctx, "grace", "old-pw", time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, sid)

	require.NoError(t, be.ApplyNewPassword(ctx, tok, "new-pw"))

	// ...stays valid: password change does not force logout
	uid, err := be.VerifySession(ctx, sid, time.Minute)
	require.NoError(t, err)
	require.Equal(t, id, uid)

	none, err := be.AuthUser(ctx, "grace", "old-pw", time.Minute)
	require.NoError(t, err)
	require.Empty(t, none)
	sid2, err := be.AuthUser(ctx, "grace", "new-pw", time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, sid2)

	// consumed exactly once
	require.ErrorIs(t, be.ApplyNewPassword(ctx, tok, "again"), accountkeeper.ErrTokenInvalid)
	owner, err := be.VerifyPasswordResetToken(ctx, tok)
	require.NoError(t, err)
	require.Nil(t, owner)

	// random strings
	require.ErrorIs(t, be.ApplyNewPassword(ctx, accountkeeper.ResetToken("bogus"), "pw"), accountkeeper.ErrTokenInvalid)

	// multiple outstanding tokens are independent
	tokA, err := be.RequestPasswordReset(ctx, id, time.Minute)
	require.NoError(t, err)
	tokB, err := be.RequestPasswordReset(ctx, id, time.Minute)
	require.NoError(t, err)
	require.NotEqual(t, tokA, tokB)
	require.NoError(t, be.ApplyNewPassword(ctx, tokA, "pw-a"))
	owner, err = be.VerifyPasswordResetToken(ctx, tokB)
	require.NoError(t, err)
	require.NotNil(t, owner)

	// expired token changes nothing
	tokExp, err := be.RequestPasswordReset(ctx, id, 60*time.Millisecond)
	require.NoError(t, err)
	time.Sleep(120 * time.Millisecond)
	require.ErrorIs(t, be.ApplyNewPassword(ctx, tokExp, "too-late"), accountkeeper.ErrTokenInvalid)

	sid3, err := be.AuthUser(ctx, "grace", "pw-a", time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, sid3)
}

func testActivation(t *testing.T, ctx context.Context, be Backend) {
	id := mustCreate(t, ctx, be, sampleUser("heidi", "heidi@example.com", "pw"))

	got, err := be.GetUser(ctx, id)
	require.NoError(t, err)
	require.False(t, got.Active)

	_, err = be.RequestActivationToken(ctx, accountkeeper.UserID("no-such-id"), time.Minute)
	require.ErrorIs(t, err, accountkeeper.ErrUserDoesntExist)

	tok, err := be.RequestActivationToken(ctx, id, time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, tok)

	require.NoError(t, be.ActivateUser(ctx, tok))

	got, err = be.GetUser(ctx, id)
	require.NoError(t, err)
	require.True(t, got.Active)

	// single use
	require.ErrorIs(t, be.ActivateUser(ctx, tok), accountkeeper.ErrTokenInvalid)

	// expired token leaves the flag untouched
	id2 := mustCreate(t, ctx, be, sampleUser("ivan", "ivan@example.com", "pw"))
	tokExp, err := be.RequestActivationToken(ctx, id2, 60*time.Millisecond)
	require.NoError(t, err)
	time.Sleep(120 * time.Millisecond)
	require.ErrorIs(t, be.ActivateUser(ctx, tokExp), accountkeeper.ErrTokenInvalid)

	got, err = be.GetUser(ctx, id2)
	require.NoError(t, err)
	require.False(t, got.Active)

	// random strings
	require.ErrorIs(t, be.ActivateUser(ctx, accountkeeper.ActivationToken("bogus")), accountkeeper.ErrTokenInvalid)
}

func testHousekeep(t *testing.T, ctx context.Context, be Backend) {
	// no-op on a fresh backend
	require.NoError(t, be.Housekeep(ctx))

	id := mustCreate(t, ctx, be, sampleUser("judy", "judy@example.com", "pw"))

	live, err := be.AuthUser(ctx, "judy", "pw", time.Minute)
	require.NoError(t, err)
	expiring, err := be.AuthUser(ctx, "judy", "pw", 60*time.Millisecond)
	require.NoError(t, err)
	tokExp, err := be.RequestPasswordReset(ctx, id, 60*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(120 * time.Millisecond)
	require.NoError(t, be.Housekeep(ctx))

	// expired entries are gone, live ones untouched
	uid, err := be.VerifySession(ctx, expiring, time.Minute)
	require.NoError(t, err)
	require.Empty(t, uid)

	uid, err = be.VerifySession(ctx, live, time.Minute)
	require.NoError(t, err)
	require.Equal(t, id, uid)

	owner, err := be.VerifyPasswordResetToken(ctx, tokExp)
	require.NoError(t, err)
	require.Nil(t, owner)

	// safe to repeat
	require.NoError(t, be.Housekeep(ctx))
}

func testConcurrentCreate(t *testing.T, ctx context.Context, be Backend) {
	const racers = 8

	var wg sync.WaitGroup
	errs := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = be.CreateUser(ctx, sampleUser("race", "race@example.com", "pw"))
		}(i)
	}
	wg.Wait()

	var wins int
	for _, err := range errs {
		if err == nil {
			wins++
		} else {
			require.ErrorIs(t, err, accountkeeper.ErrUsernameOrEmailTaken)
		}
	}
	require.Equal(t, 1, wins, "exactly one racing create must succeed")

	n, err := be.CountUsers(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func testConcurrentUpdate(t *testing.T, ctx context.Context, be Backend) {
	id := mustCreate(t, ctx, be, sampleUser("kim", "kim@example.com", "pw"))

	const (
		workers    = 4
		increments = 5
	)

	var wg sync.WaitGroup
	errs := make([]error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < increments; i++ {
				if err := be.UpdateUserDetails(ctx, id, func(p Profile) Profile {
					p.Age++
					return p
				}); err != nil {
					errs[w] = err
					return
				}
			}
		}(w)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	got, err := be.GetUser(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 30+workers*increments, got.More.Age, "no update may be lost")
}
