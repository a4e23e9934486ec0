package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mqy/minichat/auth"
)

func newTestClient(t *testing.T, h http.Handler) (*Client, *auth.MockClient) {
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	ac := auth.NewMockClient("u1")
	c, err := NewClient(srv.URL+"/", ac)
	require.NoError(t, err)
	return c, ac
}

func TestLoadSnapshot(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/messages/c1", func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie("x-uid")
		if assert.NoError(t, err) {
			assert.Equal(t, "u1", cookie.Value)
		}
		w.Write([]byte(`{"messages":[
			{"messageId":"m1","chatId":"c1","senderId":"u1","text":"hi","createdAt":"2024-05-01T12:00:00.000Z"},
			{"messageId":"p1","chatId":"c1","senderId":"u2","text":"yo","createdAt":"2024-05-01T12:00:01.500Z","readByPartner":true}
		]}`))
	})
	mux.HandleFunc("/chats/c1/info", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"partner":{"id":"u2","username":"bob","isOnline":true}}`))
	})
	c, _ := newTestClient(t, mux)

	snap, err := c.LoadSnapshot(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, "p1", snap.Messages[1].MessageID)
	assert.True(t, snap.Messages[1].ReadByPartner)
	assert.Equal(t, time.Date(2024, 5, 1, 12, 0, 1, 500e6, time.UTC), snap.Messages[1].CreatedAt.UTC())
	assert.Equal(t, "bob", snap.Partner.Username)
	assert.True(t, snap.Partner.IsOnline)
}

func TestLoadSnapshotFailsIfEitherFetchFails(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/messages/c1", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"messages":[]}`))
	})
	mux.HandleFunc("/chats/c1/info", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"chat not found"}`))
	})
	c, ac := newTestClient(t, mux)

	snap, err := c.LoadSnapshot(context.Background(), "c1")
	assert.Nil(t, snap)
	assert.ErrorIs(t, err, ErrSnapshotLoadFailed)
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusNotFound, se.Code)
	assert.Equal(t, "chat not found", se.Msg)
	assert.NotNil(t, ac.Identity())
}

func TestUnauthorizedTearsDownSession(t *testing.T) {
	var calls int32
	c, ac := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	var cause error
	ac.OnTeardown = func(err error) { cause = err }

	_, err := c.ListChats(context.Background())
	assert.ErrorIs(t, err, auth.ErrUnauthorized)
	assert.NotErrorIs(t, err, ErrSnapshotLoadFailed)
	assert.Nil(t, ac.Identity())
	assert.ErrorIs(t, cause, auth.ErrUnauthorized)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestListAndDeleteChats(t *testing.T) {
	var deleted string
	mux := http.NewServeMux()
	mux.HandleFunc("/chats/my-chats", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"chats":[{"id":"c1","partner":{"id":"u2","username":"bob"},"lastMessage":"yo","unreadCount":2}]}`))
	})
	mux.HandleFunc("/chats/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			deleted = r.URL.Path
		}
		w.WriteHeader(http.StatusNoContent)
	})
	c, _ := newTestClient(t, mux)

	chats, err := c.ListChats(context.Background())
	require.NoError(t, err)
	require.Len(t, chats, 1)
	assert.Equal(t, "c1", chats[0].ID)
	assert.Equal(t, 2, chats[0].UnreadCount)
	assert.Equal(t, "bob", chats[0].Partner.Username)

	require.NoError(t, c.DeleteChat(context.Background(), "c1"))
	assert.Equal(t, "/chats/c1", deleted)
}

func TestListChatsSnakeCase(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"chats":[{"id":"c1","partner":{"id":"u2","username":"bob","is_online":1,"last_seen":"2024-05-01T12:00:00Z"},"last_message":"hi","last_message_user_id":"u2"}]}`))
	}))

	chats, err := c.ListChats(context.Background())
	require.NoError(t, err)
	require.Len(t, chats, 1)
	assert.Equal(t, "hi", chats[0].LastMessage)
	assert.Equal(t, "u2", chats[0].LastMessageUserID)
	assert.True(t, chats[0].Partner.IsOnline)
	assert.NotNil(t, chats[0].Partner.LastSeen)
}

func TestBlockAndUnblock(t *testing.T) {
	var calls []string
	handler := func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var req struct {
			UserID string `json:"userId"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		calls = append(calls, r.URL.Path+" "+req.UserID)
		w.Write([]byte(`{"success":true}`))
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/users/block", handler)
	mux.HandleFunc("/users/unblock", handler)
	c, _ := newTestClient(t, mux)

	require.NoError(t, c.BlockUser(context.Background(), "u2"))
	require.NoError(t, c.UnblockUser(context.Background(), "u2"))
	assert.Equal(t, []string{"/users/block u2", "/users/unblock u2"}, calls)
}

func TestBlockUnauthorized(t *testing.T) {
	c, ac := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	assert.ErrorIs(t, c.BlockUser(context.Background(), "u2"), auth.ErrUnauthorized)
	assert.Nil(t, ac.Identity())
}

func TestProfileAndLogout(t *testing.T) {
	var loggedOut bool
	mux := http.NewServeMux()
	mux.HandleFunc("/user/profile", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"user":{"id":"u1","username":"alice"}}`))
	})
	mux.HandleFunc("/logout", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		loggedOut = true
	})
	c, ac := newTestClient(t, mux)

	p, err := c.Profile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "alice", p.Username)

	require.NoError(t, c.Logout(context.Background()))
	assert.True(t, loggedOut)
	assert.Nil(t, ac.Identity())
}

func TestCanceledLoad(t *testing.T) {
	release := make(chan struct{})
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := c.LoadSnapshot(ctx, "c1")
	assert.ErrorIs(t, err, context.Canceled)
}
