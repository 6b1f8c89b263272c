package randx

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHex_LengthAndUniqueness(t *testing.T) {
	a, err := Hex(16)
	require.NoError(t, err)
	require.Len(t, a, 32)

	b, err := Hex(16)
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestToken_URLSafe(t *testing.T) {
	tok, err := Token(24)
	require.NoError(t, err)
	require.NotEmpty(t, tok)

	// must survive a URL path segment untouched
	require.Equal(t, tok, url.PathEscape(tok))
}
