package ws

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/mqy/minichat/metrics"
	pb "github.com/mqy/minichat/proto"
)

type SessionError int

const (
	ReadError  SessionError = 1
	WriteError SessionError = 2
	PingError  SessionError = 3
	ClientStop SessionError = 4
)

func (e SessionError) String() string {
	switch e {
	case ReadError:
		return "read error"
	case WriteError:
		return "write error"
	case PingError:
		return "ping error"
	case ClientStop:
		return "client stop"
	}
	return fmt.Sprintf("session error %d", int(e))
}

const (
	// Time allowed to write a message to the peer.
	writeWait = 3 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = 20 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 25 * time.Second

	// websocket max message size to read.
	readLimit = 64 * 1024

	dataChanSize = 64
)

// Handler owns one established websocket connection. A reconnect creates a
// new Handler; the Manager outlives all of them.
type Handler struct {
	sync.Mutex

	id   int
	mgr  *Manager
	conn *websocket.Conn

	dataChan chan *SessionData
	done     chan struct{}
	closing  bool
	cause    SessionError
}

// SessionData is the data structure for `dataChan`.
type SessionData struct {
	Error     SessionError  `json:"error,omitempty"`
	ClientMsg *pb.ClientMsg `json:"msg,omitempty"`
}

func newHandler(id int, mgr *Manager, conn *websocket.Conn) *Handler {
	return &Handler{
		id:       id,
		mgr:      mgr,
		conn:     conn,
		dataChan: make(chan *SessionData, dataChanSize),
		done:     make(chan struct{}),
	}
}

func (h *Handler) String() string {
	return fmt.Sprintf("conn#%d(%s)", h.id, h.conn.RemoteAddr())
}

func (h *Handler) start() {
	go h.recvLoop()
	go h.sendLoop()
}

func (h *Handler) close(cause SessionError) {
	h.Lock()
	defer h.Unlock()
	if h.closing {
		return
	}

	h.closing = true
	h.cause = cause

	_ = h.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	h.conn.Close()
	close(h.done)

	glog.V(5).Infof("session closed, cause: %s, %s", cause, h)
}

func (h *Handler) isClosing() bool {
	h.Lock()
	defer h.Unlock()
	return h.closing
}

// appendDataChan queues v for the send loop, false once the connection is
// closed.
func (h *Handler) appendDataChan(v *SessionData) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case h.dataChan <- v:
		return true
	case <-h.done:
		return false
	}
}

func (h *Handler) recvLoop() {
	defer func() { glog.V(5).Infof("recvLoop(): exited, %s", h) }()

	h.conn.SetReadLimit(readLimit)
	h.conn.SetReadDeadline(time.Now().Add(pongWait))
	h.conn.SetPongHandler(func(string) error {
		h.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, data, err := h.conn.ReadMessage()
		if err != nil {
			if !h.isClosing() {
				glog.Errorf("recvLoop(): read error: %v, %s", err, h)
			}
			h.close(ReadError)
			return
		}

		// Any frame proves the peer alive.
		h.conn.SetReadDeadline(time.Now().Add(pongWait))

		if msgType != websocket.TextMessage {
			glog.Errorf("recvLoop(): unexpected message type: %d", msgType)
			continue
		}

		var msg pb.ServerMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			glog.Errorf("recvLoop(): message error: msg: %s, err: %v", string(data), err)
			continue
		}

		if glog.V(5) {
			glog.Infof("recvLoop(): incoming server message: %s", &msg)
		}

		if msg.Event == pb.EventAck {
			h.mgr.dispatcher.resolve(&msg)
			continue
		}
		metrics.InboundEvents.WithLabelValues(msg.Event).Inc()
		h.mgr.hstore.deliver(&msg)
	}
}

func (h *Handler) sendLoop() {
	pingTicker := time.NewTicker(pingPeriod)
	defer func() {
		pingTicker.Stop()
		glog.V(5).Infof("sendLoop(): exited, %s", h)
	}()

	for {
		select {
		case <-h.done:
			return
		case v := <-h.dataChan:
			if v.Error > 0 {
				h.close(v.Error)
				return
			}

			out, err := json.Marshal(v.ClientMsg)
			if err != nil {
				// should not happen, payloads are marshaled before queueing.
				glog.Errorf("sendLoop(): marshal error: %v", err)
				continue
			}
			if glog.V(5) {
				glog.Infof("sendLoop(): write event=%s ack_id=%d, %s", v.ClientMsg.Event, v.ClientMsg.AckID, h)
			}

			h.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := h.conn.WriteMessage(websocket.TextMessage, out); err != nil {
				glog.Errorf("sendLoop(): error write message, %s, err: %v", h, err)
				h.close(WriteError)
				return
			}
		case <-pingTicker.C:
			h.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := h.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				glog.Errorf("sendLoop(): error write ping message, %s, err: %v", h, err)
				h.close(PingError)
				return
			}
		}
	}
}
