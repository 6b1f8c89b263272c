package accountkeeper

import "encoding/json"

// UserID identifies an account. It is an opaque string chosen by the
// backend (a UUID, a serial, ...), stable for the lifetime of the account
// and never handed out again while the account exists. It is comparable
// and usable as a map key.
type UserID string

// SessionID is an opaque session token minted by AuthUser.
type SessionID string

// ResetToken is a single-use password-reset capability.
type ResetToken string

// ActivationToken is a single-use account-activation capability.
type ActivationToken string

// User is an account record. T is an opaque application payload; backends
// only require it to round-trip through encoding/json and never inspect it.
type User[T any] struct {
	// Name is the unique, non-empty, case-sensitive handle of the account.
	Name string

	// Email is unique and non-empty, and can be used interchangeably with
	// Name when authenticating. Name and Email share one identity namespace:
	// no user's name may equal another user's email.
	Email string

	// Password is PlainText on the way in and Hidden on the way out.
	Password Password

	// Active reports whether the account may be considered activated. It is
	// stored as given on create; ActivateUser flips it to true.
	Active bool

	// More is the application payload.
	More T
}

// UserEntry pairs a user with its id, as returned by ListUsers.
type UserEntry[T any] struct {
	ID   UserID  `json:"id"`
	User User[T] `json:"user"`
}

type userJSON[T any] struct {
	Name     string  `json:"name"`
	Email    string  `json:"email"`
	Password *string `json:"password,omitempty"`
	Active   bool    `json:"active"`
	More     T       `json:"more"`
}

// MarshalJSON emits {name, email, active, more}. The password field is
// omitted entirely, whatever its kind.
func (u User[T]) MarshalJSON() ([]byte, error) {
	return json.Marshal(userJSON[T]{
		Name:   u.Name,
		Email:  u.Email,
		Active: u.Active,
		More:   u.More,
	})
}

// UnmarshalJSON reconstructs the password as Hidden, unless the document
// carries an explicit "password" string, which becomes PlainText.
func (u *User[T]) UnmarshalJSON(data []byte) error {
	var raw userJSON[T]
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	u.Name = raw.Name
	u.Email = raw.Email
	u.Active = raw.Active
	u.More = raw.More
	if raw.Password != nil {
		u.Password = PlainText(*raw.Password)
	} else {
		u.Password = Hidden()
	}
	return nil
}
