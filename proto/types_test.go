package proto

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProfileSnakeCase(t *testing.T) {
	var p Profile
	require.NoError(t, json.Unmarshal([]byte(`{"id":"u2","username":"bob","is_online":1,"last_seen":"2024-05-01T12:00:00Z","blockedByPartner":true}`), &p))

	assert.Equal(t, "u2", p.ID)
	assert.True(t, p.IsOnline)
	assert.True(t, p.BlockedByPartner)
	require.NotNil(t, p.LastSeen)
	assert.True(t, p.LastSeen.Equal(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)))
	assert.False(t, p.Online(), "blocked partner looks offline")
}

func TestProfileOnlineFlag(t *testing.T) {
	cases := []struct {
		data string
		want bool
	}{
		{`{"isOnline":true}`, true},
		{`{"isOnline":false}`, false},
		{`{"is_online":0}`, false},
		{`{"is_online":1}`, true},
		{`{"is_online":"1"}`, true},
		{`{"is_online":true}`, true},
		{`{"isOnline":null,"is_online":1}`, true},
		{`{}`, false},
	}
	for _, c := range cases {
		var p Profile
		require.NoError(t, json.Unmarshal([]byte(c.data), &p), c.data)
		assert.Equal(t, c.want, p.IsOnline, c.data)
	}

	var p Profile
	assert.Error(t, json.Unmarshal([]byte(`{"is_online":"yes"}`), &p))
}

func TestProfileCamelCaseWins(t *testing.T) {
	var p Profile
	require.NoError(t, json.Unmarshal([]byte(`{"lastSeen":"2024-05-01T12:00:00Z","last_seen":"2023-01-01T00:00:00Z","blockedByMe":true}`), &p))
	require.NotNil(t, p.LastSeen)
	assert.Equal(t, 2024, p.LastSeen.Year())
	assert.True(t, p.BlockedByMe)
}

func TestChatSummarySnakeCase(t *testing.T) {
	var c ChatSummary
	require.NoError(t, json.Unmarshal([]byte(`{"id":"c1","last_message":"hi","last_message_time":"2024-05-01T12:00:00Z","last_message_user_id":"u2","unreadCount":3,"partner":{"id":"u2","is_online":1}}`), &c))

	assert.Equal(t, "hi", c.LastMessage)
	assert.Equal(t, "u2", c.LastMessageUserID)
	assert.Equal(t, 3, c.UnreadCount)
	require.NotNil(t, c.LastMessageTime)
	assert.Equal(t, 2024, c.LastMessageTime.Year())
	require.NotNil(t, c.Partner)
	assert.True(t, c.Partner.Online())

	var camel ChatSummary
	require.NoError(t, json.Unmarshal([]byte(`{"id":"c1","lastMessage":"new","last_message":"old","lastMessageUserId":"u1"}`), &camel))
	assert.Equal(t, "new", camel.LastMessage)
	assert.Equal(t, "u1", camel.LastMessageUserID)
	assert.Nil(t, camel.LastMessageTime)
}
