package accountkeeper

import (
	"context"
	"time"
)

// Backend is the capability set every storage implementation must expose.
// T is the application payload type carried in User.More; it must round-trip
// through encoding/json.
//
// All implementations must be safe for concurrent use from multiple
// goroutines against a shared instance. Lookup-style operations report
// "not found" through a nil pointer or zero-valued id, never through an
// error: absence is a normal outcome there. Expiry is evaluated lazily at
// verification time, so an expired session or token is never honored even
// if Housekeep has not run.
type Backend[T any] interface {
	// Init performs idempotent setup (schema migrations, connectivity
	// checks). Calling it twice must not fail or duplicate anything, and
	// existing data must survive repeated calls.
	Init(ctx context.Context) error

	// Destroy irreversibly wipes all data owned by the backend. Meant for
	// tests and bootstrap only.
	Destroy(ctx context.Context) error

	// Housekeep purges expired sessions and expired or consumed tokens.
	// It is safe to call at any time, including concurrently with normal
	// traffic, and never removes live entries.
	Housekeep(ctx context.Context) error

	// GetUser returns the user with the given id, password Hidden, or nil
	// if the id is unknown or the account was deleted.
	GetUser(ctx context.Context, id UserID) (*User[T], error)

	// ListUsers returns non-deleted users in a stable, implementation
	// defined order, passwords Hidden. A limit <= 0 means no limit; an
	// unbounded listing contains every user exactly once.
	ListUsers(ctx context.Context, offset, limit int) ([]UserEntry[T], error)

	// CountUsers returns the number of non-deleted users.
	CountUsers(ctx context.Context) (int, error)

	// CreateUser persists a new account and returns its fresh id. The
	// password must be PlainText (ErrPasswordNotPlain otherwise) and is
	// one-way hashed before storage. Name and email must be non-empty and
	// distinct from each other (ErrInvalidUserData otherwise). Collisions
	// with existing accounts, including cross-field ones, yield
	// ErrUsernameOrEmailTaken; under concurrent racing creates exactly one
	// call wins.
	CreateUser(ctx context.Context, user User[T]) (UserID, error)

	// UpdateUser fetches the stored user, applies the pure mutation fn and
	// stores the result, all as one atomic unit with respect to concurrent
	// updates of the same id. fn sees the password as Hidden; leaving it
	// Hidden keeps the stored credentials, supplying PlainText replaces
	// them. Uniqueness of name/email is re-validated against all other
	// users (ErrUsernameOrEmailExists); an unknown id yields
	// ErrUserDoesntExist. On error nothing changes.
	UpdateUser(ctx context.Context, id UserID, fn func(User[T]) User[T]) error

	// UpdateUserDetails is UpdateUser restricted to the payload field. It
	// cannot fail on uniqueness since the payload takes no part in the
	// uniqueness invariant.
	UpdateUserDetails(ctx context.Context, id UserID, fn func(T) T) error

	// DeleteUser removes the account and frees its name and email for
	// reuse. Unknown ids are a no-op.
	DeleteUser(ctx context.Context, id UserID) error

	// AuthUser looks an account up by exact name or email match, verifies
	// the plain password against the stored hash and, on success, opens a
	// session valid for sessionDur. Any mismatch, unknown identifier,
	// wrong password or query-shaped garbage, returns a zero SessionID;
	// the reason is never distinguished.
	AuthUser(ctx context.Context, nameOrEmail, password string, sessionDur time.Duration) (SessionID, error)

	// VerifySession returns the owning user of a live session and slides
	// its expiry forward to now+extendBy if that is later than the current
	// expiry. Unknown or expired sessions yield a zero UserID; expired
	// ones may be evicted on the spot.
	VerifySession(ctx context.Context, sid SessionID, extendBy time.Duration) (UserID, error)

	// DestroySession removes a session. Unknown ids are a no-op.
	DestroySession(ctx context.Context, sid SessionID) error

	// RequestPasswordReset mints a fresh single-use reset token for the
	// user, expiring after validFor. Multiple outstanding tokens per user
	// are allowed. Unknown ids yield ErrUserDoesntExist.
	RequestPasswordReset(ctx context.Context, id UserID, validFor time.Duration) (ResetToken, error)

	// VerifyPasswordResetToken returns the owner of a live, unconsumed
	// reset token (password Hidden) without consuming it, or nil.
	VerifyPasswordResetToken(ctx context.Context, token ResetToken) (*User[T], error)

	// ApplyNewPassword hashes and stores the new password and consumes the
	// token, atomically. Unknown, expired or consumed tokens yield
	// ErrTokenInvalid and change nothing. Existing sessions of the user
	// stay valid.
	ApplyNewPassword(ctx context.Context, token ResetToken, newPassword string) error

	// RequestActivationToken mints a fresh single-use activation token,
	// analogous to RequestPasswordReset.
	RequestActivationToken(ctx context.Context, id UserID, validFor time.Duration) (ActivationToken, error)

	// ActivateUser sets the account active and consumes the token, under
	// the same validity rules as ApplyNewPassword.
	ActivateUser(ctx context.Context, token ActivationToken) error
}
