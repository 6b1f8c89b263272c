// Package randx generates the random identifiers used for sessions and
// single-use tokens.
package randx

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
)

// Hex returns a random hexadecimal string built from size random bytes, so
// the result is twice as many hex digits.
func Hex(size int) (string, error) {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Token returns a random URL-safe base64 string built from size random
// bytes. The result is usable directly in a URL path segment.
func Token(size int) (string, error) {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
