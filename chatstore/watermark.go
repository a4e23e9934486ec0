package chatstore

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"

	pb "github.com/mqy/minichat/proto"
)

//go:generate mockgen -destination=mock/dispatcher.go -package=mock github.com/mqy/minichat/chatstore Dispatcher

// Dispatcher sends an acknowledged command. Implemented by ws.Manager.
type Dispatcher interface {
	Send(ctx context.Context, event string, payload interface{}) (*pb.Ack, error)
}

// ComputeBoundary returns the most recent message in msgs not authored by
// selfID, nil if there is none. msgs must be in timeline order.
func ComputeBoundary(msgs []Msg, selfID string) *Msg {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].SenderID != selfID {
			m := msgs[i]
			return &m
		}
	}
	return nil
}

// Tracker exchanges read watermarks of one conversation: it tells the
// server how far the local user has read, and applies the partner's
// watermark to the store.
type Tracker struct {
	mu sync.Mutex

	chatID string
	selfID string
	store  *Store
	disp   Dispatcher

	// last boundary the server acknowledged.
	ackedID string
	ackedAt time.Time

	// boundary of the markChatRead awaiting its ack.
	inflight string
}

func NewTracker(store *Store, selfID string, disp Dispatcher) *Tracker {
	return &Tracker{
		chatID: store.ChatID(),
		selfID: selfID,
		store:  store,
		disp:   disp,
	}
}

// Acked returns the last boundary acknowledged by the server.
func (t *Tracker) Acked() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ackedID
}

// Sync sends `markChatRead` when the current boundary moved forward since
// the last acknowledged one. A boundary already in flight is not sent
// again. Returns whether a command was sent.
func (t *Tracker) Sync(ctx context.Context) (bool, error) {
	b, ok := t.store.Boundary(t.selfID)
	if !ok {
		return false, nil
	}

	t.mu.Lock()
	if b.ID == t.ackedID || b.ID == t.inflight || (t.ackedID != "" && b.CreatedAt.Before(t.ackedAt)) {
		t.mu.Unlock()
		return false, nil
	}
	t.inflight = b.ID
	t.mu.Unlock()

	err := t.MarkAsRead(ctx, b.ID)

	t.mu.Lock()
	if t.inflight == b.ID {
		t.inflight = ""
	}
	t.mu.Unlock()
	return true, err
}

// MarkAsRead tells the server the local user has read up to messageID. On
// ack, own messages up to the boundary are marked read by the partner.
func (t *Tracker) MarkAsRead(ctx context.Context, messageID string) error {
	req := &pb.MarkChatReadReq{ChatID: t.chatID, LastReadMessageID: messageID}
	if _, err := t.disp.Send(ctx, pb.EventMarkChatRead, req); err != nil {
		glog.Errorf("tracker %s: markChatRead %s: %v", t.chatID, messageID, err)
		return err
	}

	b, ok := t.store.Get(messageID)
	if !ok {
		// deleted while in flight.
		return nil
	}

	t.mu.Lock()
	if t.ackedID == "" || !b.CreatedAt.Before(t.ackedAt) {
		t.ackedID = b.ID
		t.ackedAt = b.CreatedAt
	}
	t.mu.Unlock()

	t.store.ApplyReadWatermark(b.SenderID, b.ID)
	return nil
}

// ApplyRemote applies a watermark pushed by the server. Watermarks of the
// local user or of another chat are ignored. Nothing is sent back.
func (t *Tracker) ApplyRemote(w *pb.ReadWatermark) bool {
	if w.ChatID != t.chatID || w.ReaderID == t.selfID || w.LastReadMessageID == "" {
		return false
	}
	return t.store.ApplyReadWatermark(w.ReaderID, w.LastReadMessageID)
}
