package chatstore

import (
	"time"

	pb "github.com/mqy/minichat/proto"
)

// State is the local delivery state of a message. It never goes on the
// wire.
type State int

const (
	Confirmed State = iota
	Pending
)

func (s State) String() string {
	if s == Pending {
		return "pending"
	}
	return "confirmed"
}

// Msg is a timeline entry of one-on-one chat.
type Msg struct {
	ID        string
	ChatID    string
	SenderID  string
	Text      string
	CreatedAt time.Time

	// ReadByPartner is derived from the partner's read watermark.
	ReadByPartner bool
	State         State
}

func (m *Msg) Pending() bool {
	return m.State == Pending
}

// FromProto converts a server message into a confirmed timeline entry.
func FromProto(m *pb.Message) Msg {
	return Msg{
		ID:            m.MessageID,
		ChatID:        m.ChatID,
		SenderID:      m.SenderID,
		Text:          m.Text,
		CreatedAt:     m.CreatedAt,
		ReadByPartner: m.ReadByPartner,
		State:         Confirmed,
	}
}

// SendReq builds the `sendMessage` payload of m.
func (m *Msg) SendReq() *pb.SendMessageReq {
	return &pb.SendMessageReq{
		ChatID:    m.ChatID,
		SenderID:  m.SenderID,
		Text:      m.Text,
		MessageID: m.ID,
		CreatedAt: m.CreatedAt,
	}
}
