package auth

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/golang-jwt/jwt/v5"
	"github.com/golang/glog"
)

// TokenClient authenticates with a bearer token issued by the server. The
// token is not verified here, the server does that; its claims only name
// the local user.
type TokenClient struct {
	mu       sync.Mutex
	token    string
	identity *Identity

	OnTeardown func(cause error)
}

// NewTokenClient reads `sub` and the optional `username` claim of token.
func NewTokenClient(token string) (*TokenClient, error) {
	id, err := parseIdentity(token)
	if err != nil {
		return nil, err
	}
	return &TokenClient{token: token, identity: id}, nil
}

func parseIdentity(token string) (*Identity, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return nil, fmt.Errorf("token subject: %w", err)
	}
	if sub == "" {
		return nil, fmt.Errorf("token subject: empty")
	}
	id := &Identity{UserID: sub, Username: sub}
	if v, ok := claims["username"].(string); ok && v != "" {
		id.Username = v
	}
	return id, nil
}

func (c *TokenClient) Identity() *Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

func (c *TokenClient) Authorize(h http.Header) {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
}

func (c *TokenClient) Teardown(cause error) {
	c.mu.Lock()
	if c.identity == nil {
		c.mu.Unlock()
		return
	}
	c.identity = nil
	c.token = ""
	fn := c.OnTeardown
	c.mu.Unlock()

	glog.Infof("auth: session teardown: %v", cause)
	if fn != nil {
		fn(cause)
	}
}
