package accountkeeper

type passwordKind uint8

const (
	passwordHidden passwordKind = iota
	passwordPlain
	passwordHashed
)

// Password is the credential slot of a User. It is one of three kinds:
//
//   - PlainText: a secret supplied by the caller, e.g. on CreateUser.
//     Backends must hash it before storage and must never persist the
//     plain form.
//   - Hashed: a one-way digest. Only backend internals ever see this kind.
//   - Hidden: the not-disclosed sentinel. Every read path (GetUser,
//     ListUsers, VerifyPasswordResetToken, ...) returns Hidden regardless
//     of what is stored.
//
// The zero value is Hidden.
type Password struct {
	kind  passwordKind
	value string
}

// PlainText returns a Password holding the given clear-text secret.
func PlainText(secret string) Password {
	return Password{kind: passwordPlain, value: secret}
}

// Hashed returns a Password holding an already computed one-way digest.
func Hashed(digest string) Password {
	return Password{kind: passwordHashed, value: digest}
}

// Hidden returns the not-disclosed password sentinel.
func Hidden() Password {
	return Password{}
}

// IsHidden reports whether p is the Hidden sentinel.
func (p Password) IsHidden() bool {
	return p.kind == passwordHidden
}

// Plain returns the clear-text secret and true if p is of the PlainText kind.
func (p Password) Plain() (string, bool) {
	if p.kind != passwordPlain {
		return "", false
	}
	return p.value, true
}

// Digest returns the stored digest and true if p is of the Hashed kind.
func (p Password) Digest() (string, bool) {
	if p.kind != passwordHashed {
		return "", false
	}
	return p.value, true
}

// String never reveals credential material, so a Password is safe to log.
func (p Password) String() string {
	switch p.kind {
	case passwordPlain:
		return "<plaintext>"
	case passwordHashed:
		return "<hashed>"
	default:
		return "<hidden>"
	}
}
