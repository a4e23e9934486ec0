package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/mqy/minichat/auth"
	pb "github.com/mqy/minichat/proto"
)

const listRefreshTimeout = 10 * time.Second

// List is the chat list of the session. It refetches on events that move
// a chat's preview and updates unread counts in place.
type List struct {
	mu sync.Mutex

	authClient auth.Client
	ch         Channel
	lister     Lister
	chats      []*pb.ChatSummary

	// OnChange is called after the list changed. Set before Start.
	OnChange func()

	unsubscribe func()
	refresh     chan struct{}
	cancel      context.CancelFunc
	done        chan struct{}
}

func NewList(authClient auth.Client, ch Channel, lister Lister) *List {
	return &List{
		authClient: authClient,
		ch:         ch,
		lister:     lister,
		refresh:    make(chan struct{}, 1),
	}
}

// Start loads the list and follows server events until Close.
func (l *List) Start(ctx context.Context) error {
	if err := l.Refresh(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	l.mu.Lock()
	l.cancel = cancel
	l.done = make(chan struct{})
	done := l.done
	l.mu.Unlock()

	l.unsubscribe = l.ch.Subscribe(l.handle)
	go l.refreshLoop(runCtx, done)
	return nil
}

func (l *List) Close() {
	if l.unsubscribe != nil {
		l.unsubscribe()
	}
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel = nil
	l.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// Refresh refetches the whole list.
func (l *List) Refresh(ctx context.Context) error {
	chats, err := l.lister.ListChats(ctx)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			l.authClient.Teardown(err)
		}
		return err
	}
	l.mu.Lock()
	l.chats = chats
	l.mu.Unlock()
	l.changed()
	return nil
}

// Chats returns a copy of the list.
func (l *List) Chats() []pb.ChatSummary {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]pb.ChatSummary, len(l.chats))
	for i, c := range l.chats {
		out[i] = *c
	}
	return out
}

// Delete deletes chatID on the server, then drops it from the list.
func (l *List) Delete(ctx context.Context, chatID string) error {
	if err := l.lister.DeleteChat(ctx, chatID); err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			l.authClient.Teardown(err)
		}
		return err
	}
	l.mu.Lock()
	for i, c := range l.chats {
		if c.ID == chatID {
			l.chats = append(l.chats[:i], l.chats[i+1:]...)
			break
		}
	}
	l.mu.Unlock()
	l.changed()
	return nil
}

// MarkAsRead tells the server chatID was opened and clears its local
// unread count.
func (l *List) MarkAsRead(chatID string) error {
	if err := l.ch.Emit(pb.EventMarkAsRead, &pb.MarkAsReadReq{ChatID: chatID}); err != nil {
		return err
	}
	if l.setUnread(chatID, 0) {
		l.changed()
	}
	return nil
}

func (l *List) setUnread(chatID string, n int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, c := range l.chats {
		if c.ID == chatID {
			if c.UnreadCount == n {
				return false
			}
			c.UnreadCount = n
			return true
		}
	}
	return false
}

func (l *List) handle(msg *pb.ServerMsg) {
	switch msg.Event {
	case pb.EventChatCreated, pb.EventReceiveMessage, pb.EventUpdateLastMessage, pb.EventReconnected:
		select {
		case l.refresh <- struct{}{}:
		default:
		}
	case pb.EventUnreadCountUpdated:
		var u pb.UnreadCountUpdated
		if err := msg.Decode(&u); err != nil {
			glog.Errorf("chat list: %v", err)
			return
		}
		if l.setUnread(u.ChatID, u.UnreadCount) {
			l.changed()
		}
	}
}

func (l *List) refreshLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.refresh:
		}

		rctx, cancel := context.WithTimeout(ctx, listRefreshTimeout)
		err := l.Refresh(rctx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			glog.Errorf("chat list: refresh: %v", err)
			if errors.Is(err, auth.ErrUnauthorized) {
				return
			}
		}
	}
}

func (l *List) changed() {
	if fn := l.OnChange; fn != nil {
		fn()
	}
}
