package accountkeeper

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

type profile struct {
	City string `json:"city"`
	Age  int    `json:"age"`
}

func TestUserMarshal_OmitsPassword(t *testing.T) {
	u := User[profile]{
		Name:     "alice",
		Email:    "alice@example.com",
		Password: PlainText("s3cret"),
		Active:   true,
		More:     profile{City: "Riga", Age: 30},
	}

	data, err := json.Marshal(u)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	require.NotContains(t, m, "password")
	require.Equal(t, "alice", m["name"])
	require.Equal(t, "alice@example.com", m["email"])
	require.Equal(t, true, m["active"])
	require.NotContains(t, string(data), "s3cret")
}

func TestUserUnmarshal_PasswordHiddenByDefault(t *testing.T) {
	var u User[profile]
	err := json.Unmarshal([]byte(`{"name":"bob","email":"bob@example.com","active":false,"more":{"city":"Oslo","age":41}}`), &u)
	require.NoError(t, err)

	require.Equal(t, "bob", u.Name)
	require.True(t, u.Password.IsHidden())
	require.Equal(t, profile{City: "Oslo", Age: 41}, u.More)
}

func TestUserUnmarshal_ExplicitPasswordBecomesPlainText(t *testing.T) {
	var u User[profile]
	err := json.Unmarshal([]byte(`{"name":"bob","email":"bob@example.com","password":"hunter2","more":{}}`), &u)
	require.NoError(t, err)

	plain, ok := u.Password.Plain()
	require.True(t, ok)
	require.Equal(t, "hunter2", plain)
}

func TestPasswordKinds(t *testing.T) {
	var zero Password
	require.True(t, zero.IsHidden())

	p := PlainText("pw")
	require.False(t, p.IsHidden())
	plain, ok := p.Plain()
	require.True(t, ok)
	require.Equal(t, "pw", plain)
	_, ok = p.Digest()
	require.False(t, ok)

	h := Hashed("$2a$10$digest")
	digest, ok := h.Digest()
	require.True(t, ok)
	require.Equal(t, "$2a$10$digest", digest)
	_, ok = h.Plain()
	require.False(t, ok)

	require.True(t, Hidden().IsHidden())
}

func TestPasswordString_NeverLeaks(t *testing.T) {
	require.Equal(t, "<plaintext>", PlainText("topsecret").String())
	require.Equal(t, "<hashed>", Hashed("digest").String())
	require.Equal(t, "<hidden>", Hidden().String())
}
