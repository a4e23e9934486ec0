package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/pborman/uuid"

	"github.com/mqy/minichat/api"
	"github.com/mqy/minichat/auth"
	"github.com/mqy/minichat/chatstore"
	"github.com/mqy/minichat/metrics"
	pb "github.com/mqy/minichat/proto"
	"github.com/mqy/minichat/ws"
)

// View is one open conversation. Inbound events of its room are applied to
// its store in arrival order; events received while the snapshot loads are
// replayed after the seed. After a reconnect the snapshot is loaded again
// the same way, since pushes sent during the outage never arrive.
type View struct {
	mu sync.Mutex

	client  *Client
	chatID  string
	selfID  string
	store   *chatstore.Store
	tracker *chatstore.Tracker
	partner *pb.Profile

	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()

	loaded   bool
	seeded   bool
	closed   bool
	buffered []*pb.ServerMsg
	// stale is set by a reconnect during a load, the load is redone.
	stale bool

	// readSignal wakes the mark-read worker, one slot so bursts coalesce.
	readSignal chan struct{}
}

func newView(c *Client, chatID, selfID string) *View {
	ctx, cancel := context.WithCancel(context.Background())
	store := chatstore.NewStore(chatID)
	return &View{
		client:     c,
		chatID:     chatID,
		selfID:     selfID,
		store:      store,
		tracker:    chatstore.NewTracker(store, selfID, c.ch),
		ctx:        ctx,
		cancel:     cancel,
		readSignal: make(chan struct{}, 1),
	}
}

func (v *View) ChatID() string {
	return v.chatID
}

func (v *View) Partner() *pb.Profile {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.partner
}

// Messages returns the timeline in display order.
func (v *View) Messages() []chatstore.Msg {
	return v.store.Messages()
}

func (v *View) Tracker() *chatstore.Tracker {
	return v.tracker
}

func (v *View) Closed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.closed
}

// Close leaves the room and drops the view. Safe to call more than once.
func (v *View) Close() {
	v.client.forget(v)
	v.close()
}

func (v *View) close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	v.buffered = nil
	v.mu.Unlock()

	v.cancel()
	if v.unsubscribe != nil {
		v.unsubscribe()
	}
	if err := v.client.ch.LeaveRoom(v.chatID); err != nil {
		glog.Errorf("chat: leave room %s: %v", v.chatID, err)
	}
	glog.V(5).Infof("chat: closed %s", v.chatID)
}

// load fetches the snapshot, canceled by ctx or by closing the view.
func (v *View) load(ctx context.Context) (*api.Snapshot, error) {
	loadCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-v.ctx.Done():
			cancel()
		case <-loadCtx.Done():
		}
	}()

	snap, err := v.client.loader.LoadSnapshot(loadCtx, v.chatID)
	if err != nil {
		if v.Closed() {
			return nil, ErrViewClosed
		}
		return nil, err
	}
	return snap, nil
}

// ready seeds the store and replays the events buffered during the load. A
// nil snap, from a failed reload, only replays.
func (v *View) ready(snap *api.Snapshot) bool {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return false
	}
	if snap != nil {
		if snap.Partner != nil || !v.seeded {
			v.partner = snap.Partner
		}
		if v.seeded {
			v.store.Resync(snap.Messages)
		} else {
			v.store.Seed(snap.Messages)
		}
		v.seeded = true
	}
	for _, msg := range v.buffered {
		v.apply(msg)
	}
	v.buffered = nil
	v.loaded = true
	stale := v.stale
	v.stale = false
	v.mu.Unlock()

	v.notifyRead()
	v.client.onChange(v.chatID)
	if stale {
		v.resync()
	}
	return true
}

// resync reloads the snapshot in the background, buffering events until it
// is merged.
func (v *View) resync() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	if !v.loaded {
		v.stale = true
		v.mu.Unlock()
		return
	}
	v.loaded = false
	v.mu.Unlock()

	metrics.Resyncs.Inc()
	go v.reload()
}

func (v *View) reload() {
	glog.Infof("chat: resync %s", v.chatID)
	snap, err := v.load(v.ctx)
	if err != nil {
		if errors.Is(err, ErrViewClosed) || v.ctx.Err() != nil {
			return
		}
		if errors.Is(err, auth.ErrUnauthorized) {
			v.client.authClient.Teardown(err)
		}
		v.client.onError(v.chatID, fmt.Errorf("resync: %w", err))
	}
	v.ready(snap)
}

// SetBlocked records that the partner was blocked or unblocked by the
// local user.
func (v *View) SetBlocked(blocked bool) {
	v.mu.Lock()
	if v.partner == nil || v.partner.BlockedByMe == blocked {
		v.mu.Unlock()
		return
	}
	p := *v.partner
	p.BlockedByMe = blocked
	v.partner = &p
	v.mu.Unlock()

	v.client.onChange(v.chatID)
}

func (v *View) handle(msg *pb.ServerMsg) {
	if msg.Event == pb.EventReconnected {
		v.resync()
		return
	}

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	if !v.loaded {
		v.buffered = append(v.buffered, msg)
		v.mu.Unlock()
		return
	}
	changed := v.apply(msg)
	v.mu.Unlock()

	if changed {
		v.client.onChange(v.chatID)
	}
}

// apply routes one server event to the store. Events of other chats are
// ignored.
func (v *View) apply(msg *pb.ServerMsg) bool {
	switch msg.Event {
	case pb.EventReceiveMessage:
		var m pb.Message
		if err := msg.Decode(&m); err != nil {
			glog.Errorf("chat %s: %v", v.chatID, err)
			return false
		}
		if m.ChatID != v.chatID {
			return false
		}
		if !v.store.MergeIncoming(chatstore.FromProto(&m)) {
			return false
		}
		if m.SenderID != v.selfID {
			v.notifyRead()
		}
		return true

	case pb.EventDeleteMessage:
		var d pb.MessageDeleted
		if err := msg.Decode(&d); err != nil {
			glog.Errorf("chat %s: %v", v.chatID, err)
			return false
		}
		if d.ChatID != "" && d.ChatID != v.chatID {
			return false
		}
		return v.store.ApplyDelete(d.MessageID)

	case pb.EventUpdateMessage:
		var u pb.MessageUpdated
		if err := msg.Decode(&u); err != nil {
			glog.Errorf("chat %s: %v", v.chatID, err)
			return false
		}
		if u.ChatID != "" && u.ChatID != v.chatID {
			return false
		}
		return v.store.ApplyEdit(u.MessageID, u.Text)

	case pb.EventMessagesRead, pb.EventChatReadByPartner:
		var w pb.ReadWatermark
		if err := msg.Decode(&w); err != nil {
			glog.Errorf("chat %s: %v", v.chatID, err)
			return false
		}
		return v.tracker.ApplyRemote(&w)
	}
	return false
}

func (v *View) notifyRead() {
	select {
	case v.readSignal <- struct{}{}:
	default:
	}
}

func (v *View) markReadLoop() {
	for {
		select {
		case <-v.ctx.Done():
			return
		case <-v.readSignal:
		}
		if v.ctx.Err() != nil {
			return
		}

		sent, err := v.tracker.Sync(v.ctx)
		if err != nil {
			if v.ctx.Err() == nil {
				v.client.onError(v.chatID, fmt.Errorf("mark read: %w", err))
			}
			continue
		}
		if sent {
			v.client.onChange(v.chatID)
		}
	}
}

// MarkRead tells the server the latest partner message was read, if that
// moved since the last acknowledged mark.
func (v *View) MarkRead(ctx context.Context) (bool, error) {
	if v.Closed() {
		return false, ErrViewClosed
	}
	return v.tracker.Sync(ctx)
}

// Send appends text as a pending message and dispatches it. The message is
// rolled back if the server does not accept it.
func (v *View) Send(ctx context.Context, text string) (chatstore.Msg, error) {
	if strings.TrimSpace(text) == "" {
		return chatstore.Msg{}, ErrEmptyText
	}
	if v.Closed() {
		return chatstore.Msg{}, ErrViewClosed
	}

	m := chatstore.Msg{
		ID:        uuid.New(),
		ChatID:    v.chatID,
		SenderID:  v.selfID,
		Text:      text,
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	if err := v.store.AppendOptimistic(m); err != nil {
		return m, err
	}
	v.client.onChange(v.chatID)

	ack, err := v.client.ch.Send(ctx, pb.EventSendMessage, m.SendReq())
	if err == nil && (ack == nil || ack.Status != pb.StatusOK) {
		err = &ws.RejectedError{Event: pb.EventSendMessage, Reason: "no ok status"}
	}
	if err != nil {
		if v.store.Rollback(m.ID) {
			metrics.Rollbacks.Inc()
			v.client.onChange(v.chatID)
		}
		err = fmt.Errorf("send %s: %w", m.ID, err)
		v.client.onError(v.chatID, err)
		return m, err
	}

	v.store.Confirm(m.ID)
	m.State = chatstore.Confirmed
	v.client.onChange(v.chatID)
	return m, nil
}

// Edit replaces the text of an own message once the server accepts it.
func (v *View) Edit(ctx context.Context, messageID, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyText
	}
	if err := v.checkOwn(messageID); err != nil {
		return err
	}

	req := &pb.UpdateMessageReq{ChatID: v.chatID, MessageID: messageID, Text: text}
	if _, err := v.client.ch.Send(ctx, pb.EventUpdateMessage, req); err != nil {
		err = fmt.Errorf("edit %s: %w", messageID, err)
		v.client.onError(v.chatID, err)
		return err
	}
	if v.store.ApplyEdit(messageID, text) {
		v.client.onChange(v.chatID)
	}
	return nil
}

// Delete removes an own message once the server accepts it.
func (v *View) Delete(ctx context.Context, messageID string) error {
	if err := v.checkOwn(messageID); err != nil {
		return err
	}

	req := &pb.DeleteMessageReq{ChatID: v.chatID, MessageID: messageID}
	if _, err := v.client.ch.Send(ctx, pb.EventDeleteMessage, req); err != nil {
		err = fmt.Errorf("delete %s: %w", messageID, err)
		v.client.onError(v.chatID, err)
		return err
	}
	if v.store.ApplyDelete(messageID) {
		v.client.onChange(v.chatID)
	}
	return nil
}

func (v *View) checkOwn(messageID string) error {
	if v.Closed() {
		return ErrViewClosed
	}
	m, ok := v.store.Get(messageID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, messageID)
	}
	if m.SenderID != v.selfID {
		return fmt.Errorf("%w: %s", ErrNotOwner, messageID)
	}
	if m.Pending() {
		return fmt.Errorf("%s is not confirmed yet", messageID)
	}
	return nil
}
