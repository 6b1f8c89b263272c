package accountkeeper

import "errors"

// Sentinel errors returned by backends. Callers should match them with
// errors.Is; anything else coming out of a backend is a storage fault
// wrapped in an ordinary error.
var (
	// ErrUsernameOrEmailTaken is returned by CreateUser when the name or
	// email (including a name colliding with another user's email) is
	// already claimed by a non-deleted account.
	ErrUsernameOrEmailTaken = errors.New("username or email already taken")

	// ErrUsernameOrEmailExists is the UpdateUser counterpart of
	// ErrUsernameOrEmailTaken: the mutated name or email collides with a
	// different user.
	ErrUsernameOrEmailExists = errors.New("username or email already exists")

	// ErrUserDoesntExist is returned by operations addressing an unknown
	// or deleted user id.
	ErrUserDoesntExist = errors.New("user does not exist")

	// ErrTokenInvalid is returned when a reset or activation token is
	// unknown, expired or already consumed. The three cases are
	// intentionally indistinguishable so token existence never leaks.
	ErrTokenInvalid = errors.New("token invalid")

	// ErrPasswordNotPlain is returned by CreateUser when the supplied
	// password is not of the PlainText kind.
	ErrPasswordNotPlain = errors.New("password must be plain text")

	// ErrInvalidUserData is returned when a created or mutated user has an
	// empty name or email, or a name equal to its own email. The two fields
	// live in one identity namespace, so such a record could never be
	// stored consistently on every backend.
	ErrInvalidUserData = errors.New("invalid user name or email")
)
