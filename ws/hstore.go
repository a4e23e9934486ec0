package ws

import (
	"sort"
	"sync"

	pb "github.com/mqy/minichat/proto"
)

// HandlerStore keeps the subscribers of server pushed events.
type HandlerStore struct {
	sync.RWMutex
	seq      int
	handlers map[int]func(*pb.ServerMsg)
}

func newHandlerStore() *HandlerStore {
	return &HandlerStore{handlers: make(map[int]func(*pb.ServerMsg))}
}

func (hs *HandlerStore) add(fn func(*pb.ServerMsg)) int {
	hs.Lock()
	defer hs.Unlock()
	hs.seq++
	hs.handlers[hs.seq] = fn
	return hs.seq
}

func (hs *HandlerStore) del(id int) bool {
	hs.Lock()
	defer hs.Unlock()
	if _, ok := hs.handlers[id]; ok {
		delete(hs.handlers, id)
		return true
	}
	return false
}

func (hs *HandlerStore) len() int {
	hs.RLock()
	defer hs.RUnlock()
	return len(hs.handlers)
}

// snapshot returns handlers in subscription order.
func (hs *HandlerStore) snapshot() []func(*pb.ServerMsg) {
	hs.RLock()
	defer hs.RUnlock()
	ids := make([]int, 0, len(hs.handlers))
	for id := range hs.handlers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]func(*pb.ServerMsg), 0, len(ids))
	for _, id := range ids {
		out = append(out, hs.handlers[id])
	}
	return out
}

// deliver calls every handler with msg. Handlers run without the store lock
// held so they may unsubscribe.
func (hs *HandlerStore) deliver(msg *pb.ServerMsg) {
	for _, fn := range hs.snapshot() {
		fn(msg)
	}
}
