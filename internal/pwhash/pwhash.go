// Package pwhash wraps bcrypt for the one-way password hashing every
// backend performs before storing credentials.
package pwhash

import "golang.org/x/crypto/bcrypt"

// DefaultCost is the bcrypt cost used when a backend does not override it.
const DefaultCost = bcrypt.DefaultCost

// dummyDigest is compared against when no stored digest exists, so a failed
// lookup costs roughly the same as a failed password.
const dummyDigest = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// Hash derives a salted bcrypt digest from the plain password.
func Hash(plain string, cost int) (string, error) {
	if cost == 0 {
		cost = DefaultCost
	}
	digest, err := bcrypt.GenerateFromPassword([]byte(plain), cost)
	if err != nil {
		return "", err
	}
	return string(digest), nil
}

// Verify reports whether candidate matches the stored digest. An empty
// digest means "no such user"; the dummy comparison still runs so callers
// do not leak account existence through timing.
func Verify(digest, candidate string) bool {
	if digest == "" {
		_ = bcrypt.CompareHashAndPassword([]byte(dummyDigest), []byte(candidate))
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(digest), []byte(candidate)) == nil
}
