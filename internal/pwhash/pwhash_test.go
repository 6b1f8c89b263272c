package pwhash

import (
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/stretchr/testify/require"
)

func TestHashAndVerify(t *testing.T) {
	digest, err := Hash("1234", bcrypt.MinCost)
	require.NoError(t, err)
	require.NotEqual(t, "1234", digest)

	require.True(t, Verify(digest, "1234"))
	require.False(t, Verify(digest, "12345"))
	require.False(t, Verify(digest, ""))
}

func TestHash_Salted(t *testing.T) {
	a, err := Hash("same", bcrypt.MinCost)
	require.NoError(t, err)
	b, err := Hash("same", bcrypt.MinCost)
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestVerify_EmptyDigestNeverMatches(t *testing.T) {
	require.False(t, Verify("", "anything"))
	require.False(t, Verify("", ""))
}
