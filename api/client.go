package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/golang/glog"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/sync/errgroup"

	"github.com/mqy/minichat/auth"
	pb "github.com/mqy/minichat/proto"
)

// ErrSnapshotLoadFailed reports a failed REST fetch other than 401.
var ErrSnapshotLoadFailed = errors.New("snapshot load failed")

const DefaultTimeout = 15 * time.Second

// StatusError is a non-2xx response.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Msg    string
}

func (e *StatusError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, e.Msg)
	}
	return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.Code)
}

func (e *StatusError) Unwrap() error {
	return ErrSnapshotLoadFailed
}

// Snapshot is the initial state of a conversation view.
type Snapshot struct {
	ChatID   string
	Messages []*pb.Message
	Partner  *pb.Profile
}

// Client talks to the REST side of the chat server on behalf of one
// session.
type Client struct {
	baseURL    string
	authClient auth.Client
	httpClient *http.Client
}

// NewClient creates a `Client`. The returned client owns a cookie jar,
// share it with the websocket via Jar.
func NewClient(baseURL string, authClient auth.Client) (*Client, error) {
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("api: base url: %w", err)
	}
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, err
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		authClient: authClient,
		httpClient: &http.Client{Jar: jar, Timeout: DefaultTimeout},
	}, nil
}

func (c *Client) Jar() http.CookieJar {
	return c.httpClient.Jar
}

// LoadSnapshot fetches the messages and the partner of chatID concurrently.
// The view is unusable until both succeed.
func (c *Client) LoadSnapshot(ctx context.Context, chatID string) (*Snapshot, error) {
	snap := &Snapshot{ChatID: chatID}
	esc := url.PathEscape(chatID)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var resp struct {
			Messages []*pb.Message `json:"messages"`
		}
		if err := c.do(gctx, http.MethodGet, "/messages/"+esc, nil, &resp); err != nil {
			return err
		}
		snap.Messages = resp.Messages
		return nil
	})
	g.Go(func() error {
		var resp struct {
			Partner *pb.Profile `json:"partner"`
		}
		if err := c.do(gctx, http.MethodGet, "/chats/"+esc+"/info", nil, &resp); err != nil {
			return err
		}
		snap.Partner = resp.Partner
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	glog.V(5).Infof("api: snapshot of %s: %d messages", chatID, len(snap.Messages))
	return snap, nil
}

func (c *Client) ListChats(ctx context.Context) ([]*pb.ChatSummary, error) {
	var resp struct {
		Chats []*pb.ChatSummary `json:"chats"`
	}
	if err := c.do(ctx, http.MethodGet, "/chats/my-chats", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Chats, nil
}

func (c *Client) DeleteChat(ctx context.Context, chatID string) error {
	return c.do(ctx, http.MethodDelete, "/chats/"+url.PathEscape(chatID), nil, nil)
}

// Profile returns the logged in user, used to validate a session at start.
func (c *Client) Profile(ctx context.Context) (*pb.Profile, error) {
	var resp struct {
		User *pb.Profile `json:"user"`
	}
	if err := c.do(ctx, http.MethodGet, "/user/profile", nil, &resp); err != nil {
		return nil, err
	}
	if resp.User == nil {
		return nil, fmt.Errorf("api: profile: empty user: %w", ErrSnapshotLoadFailed)
	}
	return resp.User, nil
}

// Logout ends the server session. The local session is torn down even if
// the request fails.
func (c *Client) Logout(ctx context.Context) error {
	err := c.do(ctx, http.MethodPost, "/logout", nil, nil)
	c.authClient.Teardown(errors.New("logout"))
	return err
}

// BlockUser stops userID from messaging us.
func (c *Client) BlockUser(ctx context.Context, userID string) error {
	return c.do(ctx, http.MethodPost, "/users/block", &blockReq{UserID: userID}, nil)
}

func (c *Client) UnblockUser(ctx context.Context, userID string) error {
	return c.do(ctx, http.MethodPost, "/users/unblock", &blockReq{UserID: userID}, nil)
}

type blockReq struct {
	UserID string `json:"userId"`
}

// do sends in as the JSON body when not nil and decodes the response into
// out when not nil.
func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("api: %s %s: encode: %w", method, path, err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authClient.Authorize(req.Header)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("api: %s %s: %v: %w", method, path, err, ErrSnapshotLoadFailed)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("api: %s %s: read body: %v: %w", method, path, err, ErrSnapshotLoadFailed)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		glog.Errorf("api: %s %s: unauthorized", method, path)
		c.authClient.Teardown(auth.ErrUnauthorized)
		return fmt.Errorf("api: %s %s: %w", method, path, auth.ErrUnauthorized)
	}
	if resp.StatusCode >= 300 {
		var errResp struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(data, &errResp)
		msg := errResp.Error
		if msg == "" {
			msg = errResp.Message
		}
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Msg: msg}
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("api: %s %s: decode: %v: %w", method, path, err, ErrSnapshotLoadFailed)
	}
	return nil
}
