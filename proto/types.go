package proto

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Message is the server view of a chat message.
type Message struct {
	MessageID     string    `json:"messageId"`
	ChatID        string    `json:"chatId"`
	SenderID      string    `json:"senderId"`
	Text          string    `json:"text"`
	CreatedAt     time.Time `json:"createdAt"`
	ReadByPartner bool      `json:"readByPartner,omitempty"`
}

type SendMessageReq struct {
	ChatID    string    `json:"chatId"`
	SenderID  string    `json:"senderId"`
	Text      string    `json:"text"`
	MessageID string    `json:"messageId"`
	CreatedAt time.Time `json:"createdAt"`
}

type DeleteMessageReq struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
}

type UpdateMessageReq struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
	Text      string `json:"text"`
}

type MarkChatReadReq struct {
	ChatID            string `json:"chatId"`
	LastReadMessageID string `json:"lastReadMessageId"`
}

// MarkAsReadReq is the chat list level read marker.
type MarkAsReadReq struct {
	ChatID string `json:"chatId"`
}

// MessageDeleted is pushed as `deleteMessage`. ChatID is optional.
type MessageDeleted struct {
	MessageID string `json:"messageId"`
	ChatID    string `json:"chatId,omitempty"`
}

// MessageUpdated is pushed as `updateMessage`. ChatID is optional.
type MessageUpdated struct {
	MessageID string `json:"messageId"`
	ChatID    string `json:"chatId,omitempty"`
	Text      string `json:"text"`
}

// ReadWatermark is pushed as `messagesRead` and `chatReadByPartner`.
type ReadWatermark struct {
	ChatID            string `json:"chatId"`
	ReaderID          string `json:"readerId"`
	LastReadMessageID string `json:"lastReadMessageId"`
}

type UnreadCountUpdated struct {
	ChatID      string `json:"chatId"`
	UnreadCount int    `json:"unreadCount"`
}

// Profile is a chat participant with presence. Some endpoints send the
// presence fields in snake_case with a numeric online flag; both forms decode.
type Profile struct {
	ID               string     `json:"id"`
	Username         string     `json:"username"`
	Avatar           string     `json:"avatar,omitempty"`
	IsOnline         bool       `json:"isOnline"`
	LastSeen         *time.Time `json:"lastSeen,omitempty"`
	BlockedByMe      bool       `json:"blockedByMe,omitempty"`
	BlockedByPartner bool       `json:"blockedByPartner,omitempty"`
}

func (p *Profile) UnmarshalJSON(data []byte) error {
	type plain Profile
	aux := struct {
		*plain
		Online        json.RawMessage `json:"isOnline"`
		OnlineSnake   json.RawMessage `json:"is_online"`
		LastSeenSnake *time.Time      `json:"last_seen"`
	}{plain: (*plain)(p)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	raw := aux.Online
	if isNull(raw) {
		raw = aux.OnlineSnake
	}
	online, err := decodeFlag(raw)
	if err != nil {
		return fmt.Errorf("profile %s: %w", p.ID, err)
	}
	p.IsOnline = online
	if p.LastSeen == nil {
		p.LastSeen = aux.LastSeenSnake
	}
	return nil
}

// Online reports whether the partner should be shown as online. A partner
// who blocked us always looks offline.
func (p *Profile) Online() bool {
	return p != nil && p.IsOnline && !p.BlockedByPartner
}

// ChatSummary is an entry of the chat list. The last message fields also
// decode from their snake_case spelling.
type ChatSummary struct {
	ID                string     `json:"id"`
	Partner           *Profile   `json:"partner,omitempty"`
	LastMessage       string     `json:"lastMessage"`
	LastMessageTime   *time.Time `json:"lastMessageTime,omitempty"`
	LastMessageUserID string     `json:"lastMessageUserId,omitempty"`
	UnreadCount       int        `json:"unreadCount"`
}

func (c *ChatSummary) UnmarshalJSON(data []byte) error {
	type plain ChatSummary
	aux := struct {
		*plain
		LastMessageSnake       *string    `json:"last_message"`
		LastMessageTimeSnake   *time.Time `json:"last_message_time"`
		LastMessageUserIDSnake *string    `json:"last_message_user_id"`
	}{plain: (*plain)(c)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if c.LastMessage == "" && aux.LastMessageSnake != nil {
		c.LastMessage = *aux.LastMessageSnake
	}
	if c.LastMessageTime == nil {
		c.LastMessageTime = aux.LastMessageTimeSnake
	}
	if c.LastMessageUserID == "" && aux.LastMessageUserIDSnake != nil {
		c.LastMessageUserID = *aux.LastMessageUserIDSnake
	}
	return nil
}

func isNull(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s == "" || s == "null"
}

// decodeFlag accepts a JSON bool, or a number or string where only 1 is true.
func decodeFlag(raw json.RawMessage) (bool, error) {
	if isNull(raw) {
		return false, nil
	}
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if b, err := strconv.ParseBool(s); err == nil {
		return b, nil
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return false, fmt.Errorf("online flag %s: not a bool or number", raw)
	}
	return n == 1, nil
}
