package chatstore

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/golang/glog"

	pb "github.com/mqy/minichat/proto"
)

var ErrDuplicateID = errors.New("duplicate message id")

type watermark struct {
	// msgID is the last watermark message accepted for the reader.
	msgID string
	at    time.Time
	// resolved is false until msgID has been seen, at is unset until then.
	resolved bool

	// parked is a watermark naming a message not in the store yet.
	parked string
}

// Store is the timeline of one conversation: messages unique by id, ordered
// by CreatedAt, ties kept in arrival order. All methods are safe for
// concurrent use and each one is applied atomically.
type Store struct {
	sync.RWMutex

	chatID     string
	msgs       []*Msg
	byID       map[string]*Msg
	watermarks map[string]*watermark // by reader id
}

func NewStore(chatID string) *Store {
	return &Store{
		chatID:     chatID,
		byID:       make(map[string]*Msg),
		watermarks: make(map[string]*watermark),
	}
}

func (s *Store) ChatID() string {
	return s.chatID
}

// AppendOptimistic inserts a locally created message as pending.
func (s *Store) AppendOptimistic(m Msg) error {
	s.Lock()
	defer s.Unlock()
	if _, ok := s.byID[m.ID]; ok {
		return fmt.Errorf("append %s: %w", m.ID, ErrDuplicateID)
	}
	m.State = Pending
	s.insert(&m)
	return nil
}

// Confirm clears the pending state. Returns false if m is absent or not
// pending.
func (s *Store) Confirm(id string) bool {
	s.Lock()
	defer s.Unlock()
	m, ok := s.byID[id]
	if !ok || m.State != Pending {
		return false
	}
	m.State = Confirmed
	return true
}

// Rollback removes a pending message after its send failed. Confirmed
// messages are never rolled back.
func (s *Store) Rollback(id string) bool {
	s.Lock()
	defer s.Unlock()
	m, ok := s.byID[id]
	if !ok || m.State != Pending {
		return false
	}
	s.remove(id)
	return true
}

// MergeIncoming applies a server copy of a message. An unseen id is
// inserted, a pending copy is confirmed with the server text, a confirmed
// copy is left alone. Returns whether the store changed.
func (s *Store) MergeIncoming(m Msg) bool {
	s.Lock()
	defer s.Unlock()
	return s.merge(m)
}

// Seed merges a snapshot. Nil entries are skipped.
func (s *Store) Seed(msgs []*pb.Message) int {
	s.Lock()
	defer s.Unlock()
	var n int
	for _, pm := range msgs {
		if pm == nil {
			continue
		}
		if s.merge(FromProto(pm)) {
			n++
		}
	}
	return n
}

// Resync reconciles the timeline with a snapshot fetched after pushes may
// have been missed. Snapshot messages are merged and refresh the text and
// read flag of confirmed copies. A confirmed message absent from the
// snapshot and not newer than its latest message was deleted meanwhile and
// is removed. Pending messages are kept.
func (s *Store) Resync(msgs []*pb.Message) bool {
	s.Lock()
	defer s.Unlock()

	var changed bool
	var latest time.Time
	seen := make(map[string]bool, len(msgs))
	for _, pm := range msgs {
		if pm == nil {
			continue
		}
		m := FromProto(pm)
		seen[m.ID] = true
		if m.CreatedAt.After(latest) {
			latest = m.CreatedAt
		}
		cur, ok := s.byID[m.ID]
		if !ok || cur.State == Pending {
			changed = s.merge(m) || changed
			continue
		}
		if cur.Text != m.Text {
			cur.Text = m.Text
			changed = true
		}
		if m.ReadByPartner && !cur.ReadByPartner {
			cur.ReadByPartner = true
			changed = true
		}
	}

	var gone []string
	for _, m := range s.msgs {
		if m.State == Confirmed && !seen[m.ID] && !m.CreatedAt.After(latest) {
			gone = append(gone, m.ID)
		}
	}
	for _, id := range gone {
		s.remove(id)
	}
	if len(gone) > 0 {
		glog.V(5).Infof("chatstore %s: resync removed %d messages", s.chatID, len(gone))
	}
	return changed || len(gone) > 0
}

func (s *Store) merge(m Msg) bool {
	if cur, ok := s.byID[m.ID]; ok {
		if cur.State != Pending {
			return false
		}
		cur.State = Confirmed
		cur.Text = m.Text
		cur.ReadByPartner = cur.ReadByPartner || m.ReadByPartner
		return true
	}
	m.State = Confirmed
	s.insert(&m)
	return true
}

// ApplyEdit replaces the text of message id, no-op if absent.
func (s *Store) ApplyEdit(id, text string) bool {
	s.Lock()
	defer s.Unlock()
	m, ok := s.byID[id]
	if !ok || m.Text == text {
		return false
	}
	m.Text = text
	return true
}

// ApplyDelete removes message id, no-op if absent.
func (s *Store) ApplyDelete(id string) bool {
	s.Lock()
	defer s.Unlock()
	if _, ok := s.byID[id]; !ok {
		return false
	}
	s.remove(id)
	return true
}

// ApplyReadWatermark records that readerID has read up to message
// lastReadID: every message not sent by readerID and created no later is
// marked ReadByPartner, now and on later arrival. Older watermarks are
// ignored. A watermark naming an unknown message is parked until the
// message arrives.
func (s *Store) ApplyReadWatermark(readerID, lastReadID string) bool {
	s.Lock()
	defer s.Unlock()

	w := s.watermarks[readerID]
	if w == nil {
		w = &watermark{}
		s.watermarks[readerID] = w
	}

	m, ok := s.byID[lastReadID]
	if !ok {
		glog.V(5).Infof("chatstore %s: park watermark of %s at unknown message %s", s.chatID, readerID, lastReadID)
		w.parked = lastReadID
		return false
	}
	return s.advance(readerID, w, m)
}

func (s *Store) advance(readerID string, w *watermark, m *Msg) bool {
	if w.resolved && m.CreatedAt.Before(w.at) {
		glog.V(5).Infof("chatstore %s: ignore watermark regression of %s: %s < %s", s.chatID, readerID, m.ID, w.msgID)
		return false
	}
	w.msgID = m.ID
	w.at = m.CreatedAt
	w.resolved = true

	var changed bool
	for _, x := range s.msgs {
		if x.CreatedAt.After(w.at) {
			break
		}
		if x.SenderID != readerID && !x.ReadByPartner {
			x.ReadByPartner = true
			changed = true
		}
	}
	return changed
}

// Watermark returns the last accepted watermark message of readerID.
func (s *Store) Watermark(readerID string) (string, bool) {
	s.RLock()
	defer s.RUnlock()
	w := s.watermarks[readerID]
	if w == nil || !w.resolved {
		return "", false
	}
	return w.msgID, true
}

func (s *Store) insert(m *Msg) {
	// after the last element not later than m.
	i := sort.Search(len(s.msgs), func(i int) bool {
		return s.msgs[i].CreatedAt.After(m.CreatedAt)
	})
	s.msgs = append(s.msgs, nil)
	copy(s.msgs[i+1:], s.msgs[i:])
	s.msgs[i] = m
	s.byID[m.ID] = m

	for readerID, w := range s.watermarks {
		if w.parked == m.ID {
			w.parked = ""
			s.advance(readerID, w, m)
		}
		if w.resolved && m.SenderID != readerID && !m.CreatedAt.After(w.at) {
			m.ReadByPartner = true
		}
	}
}

func (s *Store) remove(id string) {
	delete(s.byID, id)
	for i, m := range s.msgs {
		if m.ID == id {
			s.msgs = append(s.msgs[:i], s.msgs[i+1:]...)
			return
		}
	}
}

// Messages returns a copy of the timeline.
func (s *Store) Messages() []Msg {
	s.RLock()
	defer s.RUnlock()
	out := make([]Msg, len(s.msgs))
	for i, m := range s.msgs {
		out[i] = *m
	}
	return out
}

func (s *Store) Get(id string) (Msg, bool) {
	s.RLock()
	defer s.RUnlock()
	m, ok := s.byID[id]
	if !ok {
		return Msg{}, false
	}
	return *m, true
}

func (s *Store) Len() int {
	s.RLock()
	defer s.RUnlock()
	return len(s.msgs)
}

// Boundary returns the latest message not sent by selfID.
func (s *Store) Boundary(selfID string) (Msg, bool) {
	s.RLock()
	defer s.RUnlock()
	for i := len(s.msgs) - 1; i >= 0; i-- {
		if s.msgs[i].SenderID != selfID {
			return *s.msgs[i], true
		}
	}
	return Msg{}, false
}
