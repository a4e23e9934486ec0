package auth

import (
	"net/http"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signed(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)
	return s
}

func TestTokenClient(t *testing.T) {
	c, err := NewTokenClient(signed(t, jwt.MapClaims{"sub": "u1", "username": "alice"}))
	require.NoError(t, err)
	assert.Equal(t, &Identity{UserID: "u1", Username: "alice"}, c.Identity())

	h := http.Header{}
	c.Authorize(h)
	assert.Contains(t, h.Get("Authorization"), "Bearer ")

	var causes []error
	c.OnTeardown = func(cause error) { causes = append(causes, cause) }
	c.Teardown(ErrUnauthorized)
	c.Teardown(ErrUnauthorized)
	assert.Nil(t, c.Identity())
	assert.Equal(t, []error{ErrUnauthorized}, causes)

	h = http.Header{}
	c.Authorize(h)
	assert.Empty(t, h.Get("Authorization"))
}

func TestTokenClientBadToken(t *testing.T) {
	_, err := NewTokenClient("not-a-token")
	assert.Error(t, err)

	_, err = NewTokenClient(signed(t, jwt.MapClaims{"username": "alice"}))
	assert.Error(t, err)
}

func TestMockClient(t *testing.T) {
	c := NewMockClient("7")
	h := http.Header{}
	c.Authorize(h)
	assert.Equal(t, "x-uid=7", h.Get("Cookie"))

	var called int
	c.OnTeardown = func(error) { called++ }
	c.Teardown(ErrUnauthorized)
	c.Teardown(ErrUnauthorized)
	assert.Equal(t, 1, called)
	assert.Nil(t, c.Identity())
}
