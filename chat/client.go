// Package chat glues the connection, the REST loader and the timeline store
// into conversation views and the chat list.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/golang/glog"

	"github.com/mqy/minichat/api"
	"github.com/mqy/minichat/auth"
	pb "github.com/mqy/minichat/proto"
)

//go:generate mockgen -destination=mock/chat.go -package=mock github.com/mqy/minichat/chat Channel,Loader,Lister

var (
	ErrViewClosed     = errors.New("conversation view closed")
	ErrEmptyText      = errors.New("empty message text")
	ErrUnknownMessage = errors.New("unknown message")
	ErrNotOwner       = errors.New("message sent by partner")
)

// Channel is the shared server connection. Implemented by ws.Manager.
type Channel interface {
	Send(ctx context.Context, event string, payload interface{}) (*pb.Ack, error)
	Emit(event string, payload interface{}) error
	JoinRoom(chatID string) error
	LeaveRoom(chatID string) error
	Subscribe(fn func(*pb.ServerMsg)) (unsubscribe func())
}

// Loader fetches the initial state of a conversation. Implemented by
// api.Client.
type Loader interface {
	LoadSnapshot(ctx context.Context, chatID string) (*api.Snapshot, error)
}

// Lister fetches and deletes chats. Implemented by api.Client.
type Lister interface {
	ListChats(ctx context.Context) ([]*pb.ChatSummary, error)
	DeleteChat(ctx context.Context, chatID string) error
}

type Config struct {
	// AutoMarkRead tells the server from a background worker whenever the
	// read boundary of the open view moves forward.
	AutoMarkRead bool

	// OnError receives rolled back sends and background failures.
	OnError func(chatID string, err error)

	// OnChange is called after the timeline of the open view changed. It
	// may run on the connection goroutine and must not block.
	OnChange func(chatID string)
}

// Client holds at most one open conversation view.
type Client struct {
	mu sync.Mutex

	conf       Config
	authClient auth.Client
	ch         Channel
	loader     Loader
	view       *View
}

func NewClient(authClient auth.Client, ch Channel, loader Loader, conf Config) *Client {
	return &Client{
		conf:       conf,
		authClient: authClient,
		ch:         ch,
		loader:     loader,
	}
}

// Open switches to chatID. The previous view leaves its room before the new
// one joins, its snapshot load is canceled and its pending events are
// dropped. Open returns once the snapshot is seeded.
func (c *Client) Open(ctx context.Context, chatID string) (*View, error) {
	id := c.authClient.Identity()
	if id == nil {
		return nil, auth.ErrUnauthorized
	}

	c.mu.Lock()
	if prev := c.view; prev != nil {
		prev.close()
	}
	v := newView(c, chatID, id.UserID)
	c.view = v
	v.unsubscribe = c.ch.Subscribe(v.handle)
	if err := c.ch.JoinRoom(chatID); err != nil {
		c.view = nil
		c.mu.Unlock()
		v.close()
		return nil, fmt.Errorf("open %s: join room: %w", chatID, err)
	}
	c.mu.Unlock()

	snap, err := v.load(ctx)
	if err != nil {
		v.close()
		c.forget(v)
		if errors.Is(err, auth.ErrUnauthorized) {
			c.authClient.Teardown(err)
		}
		return nil, fmt.Errorf("open %s: %w", chatID, err)
	}
	if !v.ready(snap) {
		return nil, fmt.Errorf("open %s: %w", chatID, ErrViewClosed)
	}

	if c.conf.AutoMarkRead {
		go v.markReadLoop()
	}
	glog.Infof("chat: open %s, messages: %d", chatID, v.store.Len())
	return v, nil
}

// Current returns the open view, nil if none.
func (c *Client) Current() *View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view
}

// Close closes the open view.
func (c *Client) Close() {
	c.mu.Lock()
	v := c.view
	c.view = nil
	c.mu.Unlock()
	if v != nil {
		v.close()
	}
}

func (c *Client) forget(v *View) {
	c.mu.Lock()
	if c.view == v {
		c.view = nil
	}
	c.mu.Unlock()
}

func (c *Client) onError(chatID string, err error) {
	if fn := c.conf.OnError; fn != nil {
		fn(chatID, err)
	}
}

func (c *Client) onChange(chatID string) {
	if fn := c.conf.OnChange; fn != nil {
		fn(chatID)
	}
}
