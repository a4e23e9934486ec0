package auth

import (
	"net/http"
	"sync"

	"github.com/golang/glog"
)

// MockClient authenticates with the `x-uid` cookie only. Dev servers accept
// it in place of a real session.
type MockClient struct {
	mu       sync.Mutex
	identity *Identity

	// OnTeardown is called once when the session is dropped.
	OnTeardown func(cause error)
}

var _ Client = (*MockClient)(nil)

func NewMockClient(uid string) *MockClient {
	return &MockClient{identity: &Identity{UserID: uid, Username: uid}}
}

func (c *MockClient) Identity() *Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

func (c *MockClient) Authorize(h http.Header) {
	id := c.Identity()
	if id == nil {
		return
	}
	cookie := &http.Cookie{Name: "x-uid", Value: id.UserID}
	h.Add("Cookie", cookie.String())
}

func (c *MockClient) Teardown(cause error) {
	c.mu.Lock()
	if c.identity == nil {
		c.mu.Unlock()
		return
	}
	c.identity = nil
	fn := c.OnTeardown
	c.mu.Unlock()

	glog.Infof("auth: session teardown: %v", cause)
	if fn != nil {
		fn(cause)
	}
}
