package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/mqy/minichat/metrics"
	pb "github.com/mqy/minichat/proto"
)

// ErrNoConnection is returned when no websocket is established, or the one
// a command was written to dropped before its ack arrived.
var ErrNoConnection = errors.New("no connection to server")

// ReasonTimeout is the RejectedError reason of a command whose ack did not
// arrive in time.
const ReasonTimeout = "timeout"

// RejectedError is a command the server answered with a failure ack, or
// never answered.
type RejectedError struct {
	Event  string
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s rejected: %s", e.Event, e.Reason)
}

// IsTimeout reports whether err is an ack timeout.
func IsTimeout(err error) bool {
	var re *RejectedError
	return errors.As(err, &re) && re.Reason == ReasonTimeout
}

type ackResult struct {
	ack *pb.Ack
	err error
}

type pendingAck struct {
	event   string
	handler *Handler
	sentAt  time.Time
	ch      chan ackResult
}

// Dispatcher correlates commands with their acks. All mutating commands go
// through it.
type Dispatcher struct {
	sync.Mutex

	mgr     *Manager
	timeout time.Duration
	seq     int64
	pending map[int64]*pendingAck
}

func newDispatcher(mgr *Manager, timeout time.Duration) *Dispatcher {
	return &Dispatcher{
		mgr:     mgr,
		timeout: timeout,
		pending: make(map[int64]*pendingAck),
	}
}

// Send writes event with payload and waits for the ack, the ack timeout or
// ctx. Frames are queued in call order.
func (d *Dispatcher) Send(ctx context.Context, event string, payload interface{}) (*pb.Ack, error) {
	msg, err := pb.NewClientMsg(event, payload)
	if err != nil {
		return nil, err
	}

	m := d.mgr
	m.sendMu.Lock()
	h := m.handler
	if h == nil {
		m.sendMu.Unlock()
		metrics.DispatchTotal.WithLabelValues(event, "no_connection").Inc()
		return nil, ErrNoConnection
	}

	p := &pendingAck{event: event, handler: h, ch: make(chan ackResult, 1)}
	d.Lock()
	d.seq++
	id := d.seq
	d.pending[id] = p
	d.Unlock()

	msg.AckID = id
	p.sentAt = time.Now()
	ok := h.appendDataChan(&SessionData{ClientMsg: msg})
	m.sendMu.Unlock()

	if !ok {
		d.drop(id)
		metrics.DispatchTotal.WithLabelValues(event, "no_connection").Inc()
		return nil, ErrNoConnection
	}

	timer := time.NewTimer(d.timeout)
	defer timer.Stop()

	select {
	case res := <-p.ch:
		if res.err != nil {
			metrics.DispatchTotal.WithLabelValues(event, "no_connection").Inc()
			return nil, res.err
		}
		metrics.AckLatency.WithLabelValues(event).Observe(time.Since(p.sentAt).Seconds())
		if reason := res.ack.Rejected(); reason != "" {
			metrics.DispatchTotal.WithLabelValues(event, "rejected").Inc()
			return res.ack, &RejectedError{Event: event, Reason: reason}
		}
		metrics.DispatchTotal.WithLabelValues(event, "ok").Inc()
		return res.ack, nil
	case <-timer.C:
		d.drop(id)
		glog.Errorf("dispatcher: %s ack_id=%d: no ack in %s", event, id, d.timeout)
		metrics.DispatchTotal.WithLabelValues(event, "timeout").Inc()
		return nil, &RejectedError{Event: event, Reason: ReasonTimeout}
	case <-ctx.Done():
		d.drop(id)
		metrics.DispatchTotal.WithLabelValues(event, "canceled").Inc()
		return nil, ctx.Err()
	}
}

func (d *Dispatcher) drop(id int64) {
	d.Lock()
	delete(d.pending, id)
	d.Unlock()
}

// resolve completes the command acked by msg. Late acks are dropped.
func (d *Dispatcher) resolve(msg *pb.ServerMsg) {
	d.Lock()
	p, ok := d.pending[msg.AckID]
	delete(d.pending, msg.AckID)
	d.Unlock()

	if !ok {
		glog.V(5).Infof("dispatcher: drop ack_id=%d, no pending command", msg.AckID)
		return
	}

	ack := &pb.Ack{}
	if len(msg.Data) > 0 && string(msg.Data) != "null" {
		if err := json.Unmarshal(msg.Data, ack); err != nil {
			glog.Errorf("dispatcher: %s ack_id=%d: bad ack payload %s: %v", p.event, msg.AckID, string(msg.Data), err)
			ack = &pb.Ack{Error: "malformed ack", Success: new(bool)}
		}
	}
	p.ch <- ackResult{ack: ack}
}

// failAll fails the commands written to h.
func (d *Dispatcher) failAll(h *Handler, err error) {
	d.Lock()
	defer d.Unlock()
	for id, p := range d.pending {
		if p.handler != h {
			continue
		}
		delete(d.pending, id)
		p.ch <- ackResult{err: err}
	}
}

func (d *Dispatcher) numPending() int {
	d.Lock()
	defer d.Unlock()
	return len(d.pending)
}
