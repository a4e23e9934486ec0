package chatstore

import (
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pb "github.com/mqy/minichat/proto"
)

const (
	self    = "me"
	partner = "bob"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func at(sec int) time.Time {
	return t0.Add(time.Duration(sec) * time.Second)
}

func msg(id, sender string, sec int) Msg {
	return Msg{ID: id, ChatID: "c1", SenderID: sender, Text: "text of " + id, CreatedAt: at(sec)}
}

func ids(s *Store) []string {
	var out []string
	for _, m := range s.Messages() {
		out = append(out, m.ID)
	}
	return out
}

func TestMergeIncomingIsIdempotent(t *testing.T) {
	s := NewStore("c1")
	assert.True(t, s.MergeIncoming(msg("p1", partner, 1)))
	before := s.Messages()
	assert.False(t, s.MergeIncoming(msg("p1", partner, 1)))
	assert.Equal(t, before, s.Messages())
	assert.Equal(t, 1, s.Len())
}

func TestOrderingRegardlessOfArrival(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for round := 0; round < 20; round++ {
		var all []Msg
		for i := 0; i < 30; i++ {
			all = append(all, msg(string(rune('a'+i)), partner, r.Intn(10)))
		}
		r.Shuffle(len(all), func(i, j int) { all[i], all[j] = all[j], all[i] })

		s := NewStore("c1")
		for _, m := range all {
			s.MergeIncoming(m)
			s.MergeIncoming(m)
		}

		got := s.Messages()
		require.Len(t, got, len(all))
		assert.True(t, sort.SliceIsSorted(got, func(i, j int) bool {
			return got[i].CreatedAt.Before(got[j].CreatedAt)
		}))
		seen := map[string]bool{}
		for _, m := range got {
			assert.False(t, seen[m.ID], "duplicate %s", m.ID)
			seen[m.ID] = true
		}
	}
}

func TestEqualTimestampsKeepArrivalOrder(t *testing.T) {
	s := NewStore("c1")
	s.MergeIncoming(msg("b", partner, 1))
	s.MergeIncoming(msg("a", partner, 1))
	s.MergeIncoming(msg("c", partner, 0))
	assert.Equal(t, []string{"c", "b", "a"}, ids(s))
}

func TestOptimisticSendConfirmed(t *testing.T) {
	s := NewStore("c1")
	require.NoError(t, s.AppendOptimistic(msg("m1", self, 0)))
	m, _ := s.Get("m1")
	assert.True(t, m.Pending())

	assert.True(t, s.Confirm("m1"))
	assert.False(t, s.Confirm("m1"))
	m, _ = s.Get("m1")
	assert.False(t, m.Pending())
	assert.Equal(t, 1, s.Len())
}

func TestOptimisticRollbackRestoresIDSet(t *testing.T) {
	s := NewStore("c1")
	s.MergeIncoming(msg("p1", partner, 1))
	require.NoError(t, s.AppendOptimistic(msg("m1", self, 2)))
	s.Confirm("m1")
	before := ids(s)

	require.NoError(t, s.AppendOptimistic(msg("m2", self, 3)))
	assert.True(t, s.Rollback("m2"))
	assert.Equal(t, before, ids(s))

	// confirmed and unknown messages never roll back.
	assert.False(t, s.Rollback("m1"))
	assert.False(t, s.Rollback("nope"))
	assert.Equal(t, before, ids(s))
}

func TestAppendOptimisticDuplicate(t *testing.T) {
	s := NewStore("c1")
	require.NoError(t, s.AppendOptimistic(msg("m1", self, 0)))
	assert.ErrorIs(t, s.AppendOptimistic(msg("m1", self, 0)), ErrDuplicateID)
}

func TestServerCopyConfirmsPending(t *testing.T) {
	s := NewStore("c1")
	require.NoError(t, s.AppendOptimistic(msg("m1", self, 0)))

	server := msg("m1", self, 0)
	server.Text = "normalized"
	assert.True(t, s.MergeIncoming(server))

	m, _ := s.Get("m1")
	assert.Equal(t, Confirmed, m.State)
	assert.Equal(t, "normalized", m.Text)
	assert.Equal(t, 1, s.Len())

	// a later confirm of the same send is a no-op.
	assert.False(t, s.Confirm("m1"))
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := NewStore("c1")
	s.MergeIncoming(msg("p1", partner, 1))
	s.MergeIncoming(msg("p2", partner, 2))

	assert.True(t, s.ApplyDelete("p1"))
	once := s.Messages()
	assert.False(t, s.ApplyDelete("p1"))
	assert.Equal(t, once, s.Messages())
}

func TestEditAfterDeleteIsNoop(t *testing.T) {
	s := NewStore("c1")
	s.MergeIncoming(msg("p1", partner, 1))
	assert.True(t, s.ApplyEdit("p1", "edited"))
	assert.False(t, s.ApplyEdit("p1", "edited"))
	m, _ := s.Get("p1")
	assert.Equal(t, "edited", m.Text)

	s.ApplyDelete("p1")
	assert.False(t, s.ApplyEdit("p1", "resurrected"))
	assert.Equal(t, 0, s.Len())
}

func TestSeed(t *testing.T) {
	s := NewStore("c1")
	require.NoError(t, s.AppendOptimistic(msg("m1", self, 5)))
	n := s.Seed([]*pb.Message{
		{MessageID: "p1", ChatID: "c1", SenderID: partner, Text: "hi", CreatedAt: at(1)},
		{MessageID: "m1", ChatID: "c1", SenderID: self, Text: "text of m1", CreatedAt: at(5), ReadByPartner: true},
	})
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"p1", "m1"}, ids(s))
	m, _ := s.Get("m1")
	assert.False(t, m.Pending())
	assert.True(t, m.ReadByPartner)
}

func TestSeedSkipsNil(t *testing.T) {
	s := NewStore("c1")
	n := s.Seed([]*pb.Message{
		nil,
		{MessageID: "p1", ChatID: "c1", SenderID: partner, Text: "hi", CreatedAt: at(1)},
		nil,
	})
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"p1"}, ids(s))
	assert.False(t, s.Resync([]*pb.Message{nil}))
}

func TestResync(t *testing.T) {
	s := NewStore("c1")
	s.MergeIncoming(msg("p1", partner, 1))
	s.MergeIncoming(msg("p2", partner, 2))
	s.MergeIncoming(msg("m3", self, 3))
	require.NoError(t, s.AppendOptimistic(msg("m9", self, 9)))

	// p2 was deleted, m3 edited and read, p4 arrived while disconnected.
	changed := s.Resync([]*pb.Message{
		{MessageID: "p1", ChatID: "c1", SenderID: partner, Text: "text of p1", CreatedAt: at(1)},
		{MessageID: "m3", ChatID: "c1", SenderID: self, Text: "fixed", CreatedAt: at(3), ReadByPartner: true},
		{MessageID: "p4", ChatID: "c1", SenderID: partner, Text: "missed", CreatedAt: at(4)},
	})
	assert.True(t, changed)
	assert.Equal(t, []string{"p1", "m3", "p4", "m9"}, ids(s))

	m, _ := s.Get("m3")
	assert.Equal(t, "fixed", m.Text)
	assert.True(t, m.ReadByPartner)
	m, _ = s.Get("m9")
	assert.True(t, m.Pending())

	assert.False(t, s.Resync([]*pb.Message{
		{MessageID: "p1", ChatID: "c1", SenderID: partner, Text: "text of p1", CreatedAt: at(1)},
		{MessageID: "m3", ChatID: "c1", SenderID: self, Text: "fixed", CreatedAt: at(3), ReadByPartner: true},
		{MessageID: "p4", ChatID: "c1", SenderID: partner, Text: "missed", CreatedAt: at(4)},
	}))
}

func TestReadWatermark(t *testing.T) {
	s := NewStore("c1")
	s.MergeIncoming(msg("m1", self, 1))
	s.MergeIncoming(msg("p1", partner, 2))
	s.MergeIncoming(msg("m2", self, 3))
	s.MergeIncoming(msg("m3", self, 5))

	assert.True(t, s.ApplyReadWatermark(partner, "m2"))
	read := map[string]bool{}
	for _, m := range s.Messages() {
		read[m.ID] = m.ReadByPartner
	}
	// the partner's own message is not flagged.
	assert.Equal(t, map[string]bool{"m1": true, "p1": false, "m2": true, "m3": false}, read)

	id, ok := s.Watermark(partner)
	assert.True(t, ok)
	assert.Equal(t, "m2", id)

	// same watermark twice changes nothing.
	before := s.Messages()
	assert.False(t, s.ApplyReadWatermark(partner, "m2"))
	assert.Equal(t, before, s.Messages())
}

func TestReadWatermarkNeverRegresses(t *testing.T) {
	s := NewStore("c1")
	s.MergeIncoming(msg("m1", self, 1))
	s.MergeIncoming(msg("m2", self, 2))
	s.MergeIncoming(msg("m3", self, 3))

	s.ApplyReadWatermark(partner, "m2")
	afterW1 := s.Messages()

	assert.False(t, s.ApplyReadWatermark(partner, "m1"))
	assert.Equal(t, afterW1, s.Messages())
	id, _ := s.Watermark(partner)
	assert.Equal(t, "m2", id)
}

func TestReadWatermarkAppliesToLateArrivals(t *testing.T) {
	s := NewStore("c1")
	s.MergeIncoming(msg("m2", self, 5))
	s.ApplyReadWatermark(partner, "m2")

	// an own message created before the watermark arrives late.
	s.MergeIncoming(msg("m1", self, 3))
	m, _ := s.Get("m1")
	assert.True(t, m.ReadByPartner)

	require.NoError(t, s.AppendOptimistic(msg("m3", self, 9)))
	m, _ = s.Get("m3")
	assert.False(t, m.ReadByPartner)
}

func TestReadWatermarkParkedUntilMessageArrives(t *testing.T) {
	s := NewStore("c1")
	s.MergeIncoming(msg("m1", self, 1))

	assert.False(t, s.ApplyReadWatermark(partner, "m2"))
	m, _ := s.Get("m1")
	assert.False(t, m.ReadByPartner)
	_, ok := s.Watermark(partner)
	assert.False(t, ok)

	s.MergeIncoming(msg("m2", self, 2))
	for _, m := range s.Messages() {
		assert.True(t, m.ReadByPartner, m.ID)
	}
	id, _ := s.Watermark(partner)
	assert.Equal(t, "m2", id)
}

func TestBoundary(t *testing.T) {
	s := NewStore("c1")
	_, ok := s.Boundary(self)
	assert.False(t, ok)

	s.MergeIncoming(msg("p1", partner, 1))
	s.MergeIncoming(msg("p2", partner, 2))
	s.MergeIncoming(msg("m1", self, 3))

	b, ok := s.Boundary(self)
	assert.True(t, ok)
	assert.Equal(t, "p2", b.ID)
	assert.Equal(t, "p2", ComputeBoundary(s.Messages(), self).ID)
	assert.Nil(t, ComputeBoundary([]Msg{msg("m1", self, 1)}, self))
}
