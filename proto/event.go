// Package proto defines the JSON frames exchanged with the chat server over
// websocket and REST.
package proto

import (
	"encoding/json"
	"fmt"
)

// Client to server commands.
const (
	EventUserConnected    = "user_connected"
	EventUserDisconnected = "user_disconnected"
	EventJoinRoom         = "joinRoom"
	EventLeaveRoom        = "leaveRoom"
	EventSendMessage      = "sendMessage"
	EventDeleteMessage    = "deleteMessage"
	EventUpdateMessage    = "updateMessage"
	EventMarkChatRead     = "markChatRead"
	EventMarkAsRead       = "markAsRead"
)

// Server to client events. `deleteMessage` and `updateMessage` are shared
// with the commands above.
const (
	EventAck                = "ack"
	EventReceiveMessage     = "receiveMessage"
	EventMessagesRead       = "messagesRead"
	EventChatReadByPartner  = "chatReadByPartner"
	EventChatCreated        = "chat-created"
	EventUpdateLastMessage  = "updateLastMessage"
	EventUnreadCountUpdated = "unreadCountUpdated"
)

// EventReconnected is never sent by the server. The connection manager
// delivers it to subscribers after a dropped connection is re-established
// and the rooms are rejoined, since pushes during the outage are lost.
const EventReconnected = "reconnected"

// StatusOK is the ack status of an accepted `sendMessage`.
const StatusOK = "ok"

// ClientMsg is a frame sent to the server. AckID is set only on commands
// that expect an acknowledgement.
type ClientMsg struct {
	Event string          `json:"event"`
	AckID int64           `json:"ack_id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ServerMsg is a frame pushed by the server. Frames with Event == EventAck
// acknowledge the client command carrying the same AckID.
type ServerMsg struct {
	Event string          `json:"event"`
	AckID int64           `json:"ack_id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func (m *ServerMsg) String() string {
	const max = 100
	s := string(m.Data)
	if len(s) > max {
		s = s[:max] + " ..."
	}
	return fmt.Sprintf("event=%s ack_id=%d data=%s", m.Event, m.AckID, s)
}

// Decode unmarshals the frame payload into v.
func (m *ServerMsg) Decode(v interface{}) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("event %q: empty payload", m.Event)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("event %q: decode payload: %w", m.Event, err)
	}
	return nil
}

// NewClientMsg encodes payload into a client frame. A nil payload leaves
// Data empty.
func NewClientMsg(event string, payload interface{}) (*ClientMsg, error) {
	msg := &ClientMsg{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("event %q: encode payload: %w", event, err)
		}
		msg.Data = data
	}
	return msg, nil
}

// Ack is the payload of an acknowledgement frame. Servers answer with
// either {"status":"ok"} or {"success":bool,"error":"..."}.
type Ack struct {
	Status  string `json:"status,omitempty"`
	Success *bool  `json:"success,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Rejected returns the failure reason, or "" when the ack is a success.
// An ack without a success flag or status counts as success.
func (a *Ack) Rejected() string {
	if a == nil {
		return ""
	}
	if a.Success != nil && !*a.Success {
		if a.Error != "" {
			return a.Error
		}
		return "rejected"
	}
	if a.Status != "" && a.Status != StatusOK {
		if a.Error != "" {
			return a.Error
		}
		return a.Status
	}
	return ""
}
