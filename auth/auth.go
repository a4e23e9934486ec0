package auth

import (
	"errors"
	"net/http"
)

// ErrUnauthorized reports an invalid session. It is terminal for the
// current session and never retried.
var ErrUnauthorized = errors.New("unauthorized")

// Identity is the authenticated local user.
type Identity struct {
	UserID   string
	Username string
}

type Client interface {
	// Identity returns the current user, nil after teardown.
	Identity() *Identity

	// Authorize adds session credentials to an outgoing request header.
	Authorize(h http.Header)

	// Teardown drops the session, e.g. on ErrUnauthorized.
	Teardown(cause error)
}
