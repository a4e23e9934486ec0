package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/mqy/minichat/auth"
	"github.com/mqy/minichat/metrics"
	pb "github.com/mqy/minichat/proto"
)

const (
	DefaultAckTimeout       = 10 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultMinBackoff       = 500 * time.Millisecond
	DefaultMaxBackoff       = 30 * time.Second
)

type Config struct {
	// URL is the websocket endpoint, e.g. ws://127.0.0.1:5000/ws.
	URL string

	// Header is sent with every handshake in addition to auth credentials.
	Header http.Header

	// Jar holds session cookies shared with the REST client.
	Jar http.CookieJar

	AckTimeout       time.Duration
	HandshakeTimeout time.Duration

	// Reconnect backoff. MaxElapsed 0 retries forever.
	MinBackoff time.Duration
	MaxBackoff time.Duration
	MaxElapsed time.Duration
}

func (c *Config) withDefaults() *Config {
	out := *c
	if out.AckTimeout <= 0 {
		out.AckTimeout = DefaultAckTimeout
	}
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if out.MinBackoff <= 0 {
		out.MinBackoff = DefaultMinBackoff
	}
	if out.MaxBackoff <= 0 {
		out.MaxBackoff = DefaultMaxBackoff
	}
	return &out
}

// Manager owns the single websocket of an authenticated session: presence
// announcements, room subscriptions, reconnects and event fan-out.
type Manager struct {
	sync.Mutex

	conf       *Config
	authClient auth.Client
	dialer     *websocket.Dialer
	dispatcher *Dispatcher
	hstore     *HandlerStore

	// connMu serializes Connect and Disconnect.
	connMu sync.Mutex

	// sendMu orders frames and guards handler swaps and rooms.
	sendMu  sync.Mutex
	handler *Handler
	rooms   map[string]int
	numConn int

	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a `Manager`. Nothing is dialed until Connect.
func NewManager(authClient auth.Client, conf *Config) *Manager {
	conf = conf.withDefaults()
	m := &Manager{
		conf:       conf,
		authClient: authClient,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: conf.HandshakeTimeout,
			Jar:              conf.Jar,
			ReadBufferSize:   4096,
			WriteBufferSize:  1024,
		},
		hstore: newHandlerStore(),
		rooms:  make(map[string]int),
	}
	m.dispatcher = newDispatcher(m, conf.AckTimeout)
	return m
}

// Connect dials the server and keeps the connection alive until Disconnect.
// A second call while connected or reconnecting is a no-op.
func (m *Manager) Connect(ctx context.Context) error {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	m.Lock()
	running := m.cancel != nil
	m.Unlock()
	if running {
		return nil
	}

	if m.authClient.Identity() == nil {
		return auth.ErrUnauthorized
	}

	h, err := m.dial(ctx)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			m.authClient.Teardown(err)
		}
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.Lock()
	m.cancel = cancel
	m.done = done
	m.Unlock()

	m.attach(h)
	go m.run(runCtx, h, done)
	return nil
}

// Disconnect announces `user_disconnected` best-effort and closes the
// connection. Rooms stay recorded for a later Connect.
func (m *Manager) Disconnect() {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	m.Lock()
	cancel, done := m.cancel, m.done
	m.Unlock()
	if cancel == nil {
		return
	}

	if err := m.Emit(pb.EventUserDisconnected, nil); err != nil {
		glog.V(5).Infof("ws: announce user_disconnected: %v", err)
	}
	m.sendMu.Lock()
	if h := m.handler; h != nil {
		h.appendDataChan(&SessionData{Error: ClientStop})
	}
	m.sendMu.Unlock()

	cancel()
	<-done
}

// Connected reports whether a websocket is established right now.
func (m *Manager) Connected() bool {
	return m.current() != nil
}

// Send dispatches an acknowledged command, see Dispatcher.Send.
func (m *Manager) Send(ctx context.Context, event string, payload interface{}) (*pb.Ack, error) {
	return m.dispatcher.Send(ctx, event, payload)
}

// Emit writes a fire-and-forget command.
func (m *Manager) Emit(event string, payload interface{}) error {
	msg, err := pb.NewClientMsg(event, payload)
	if err != nil {
		return err
	}
	m.sendMu.Lock()
	defer m.sendMu.Unlock()
	return m.emitLocked(msg)
}

func (m *Manager) emitLocked(msg *pb.ClientMsg) error {
	h := m.handler
	if h == nil || !h.appendDataChan(&SessionData{ClientMsg: msg}) {
		return ErrNoConnection
	}
	return nil
}

// JoinRoom subscribes the connection to a conversation. Joins are reference
// counted; while disconnected the room is joined on reconnect.
func (m *Manager) JoinRoom(chatID string) error {
	msg, err := pb.NewClientMsg(pb.EventJoinRoom, chatID)
	if err != nil {
		return err
	}

	m.sendMu.Lock()
	defer m.sendMu.Unlock()
	m.rooms[chatID]++
	if m.rooms[chatID] > 1 {
		return nil
	}
	if err := m.emitLocked(msg); err != nil {
		glog.V(5).Infof("ws: joinRoom %s deferred until connected", chatID)
	}
	return nil
}

// LeaveRoom undoes one JoinRoom.
func (m *Manager) LeaveRoom(chatID string) error {
	msg, err := pb.NewClientMsg(pb.EventLeaveRoom, chatID)
	if err != nil {
		return err
	}

	m.sendMu.Lock()
	defer m.sendMu.Unlock()
	n, ok := m.rooms[chatID]
	if !ok {
		return nil
	}
	if n > 1 {
		m.rooms[chatID] = n - 1
		return nil
	}
	delete(m.rooms, chatID)
	if err := m.emitLocked(msg); err != nil {
		glog.V(5).Infof("ws: leaveRoom %s: %v", chatID, err)
	}
	return nil
}

// Rooms returns the joined rooms.
func (m *Manager) Rooms() []string {
	m.sendMu.Lock()
	defer m.sendMu.Unlock()
	out := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		out = append(out, id)
	}
	return out
}

// Subscribe registers fn for every server pushed event. fn runs on the
// receive goroutine in arrival order and must not block on Send.
func (m *Manager) Subscribe(fn func(*pb.ServerMsg)) (unsubscribe func()) {
	id := m.hstore.add(fn)
	var once sync.Once
	return func() {
		once.Do(func() { m.hstore.del(id) })
	}
}

func (m *Manager) current() *Handler {
	m.sendMu.Lock()
	defer m.sendMu.Unlock()
	return m.handler
}

func (m *Manager) dial(ctx context.Context) (*Handler, error) {
	header := http.Header{}
	for k, v := range m.conf.Header {
		header[k] = append([]string(nil), v...)
	}
	m.authClient.Authorize(header)

	conn, resp, err := m.dialer.DialContext(ctx, m.conf.URL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("ws: dial %s: %w", m.conf.URL, auth.ErrUnauthorized)
		}
		return nil, fmt.Errorf("ws: dial %s: %v", m.conf.URL, err)
	}

	m.Lock()
	m.numConn++
	id := m.numConn
	m.Unlock()
	return newHandler(id, m, conn), nil
}

// attach makes h the current connection and replays presence and rooms
// ahead of any other frame.
func (m *Manager) attach(h *Handler) {
	m.sendMu.Lock()
	defer m.sendMu.Unlock()

	m.handler = h
	h.start()
	metrics.Connected.Set(1)

	glog.Infof("ws: connected, %s, rooms: %d", h, len(m.rooms))

	msg, _ := pb.NewClientMsg(pb.EventUserConnected, nil)
	h.appendDataChan(&SessionData{ClientMsg: msg})
	for chatID := range m.rooms {
		msg, _ := pb.NewClientMsg(pb.EventJoinRoom, chatID)
		h.appendDataChan(&SessionData{ClientMsg: msg})
	}
}

func (m *Manager) detach(h *Handler) {
	m.sendMu.Lock()
	if m.handler == h {
		m.handler = nil
		metrics.Connected.Set(0)
	}
	m.sendMu.Unlock()
	m.dispatcher.failAll(h, ErrNoConnection)
}

func (m *Manager) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.conf.MinBackoff
	b.MaxInterval = m.conf.MaxBackoff
	b.MaxElapsedTime = m.conf.MaxElapsed
	b.Reset()
	return b
}

func (m *Manager) run(ctx context.Context, h *Handler, done chan struct{}) {
	defer func() {
		m.Lock()
		if m.done == done {
			m.cancel = nil
			m.done = nil
		}
		m.Unlock()
		close(done)
		glog.Infof("ws: manager stopped")
	}()

	for {
		select {
		case <-h.done:
		case <-ctx.Done():
			// let the send loop flush user_disconnected.
			select {
			case <-h.done:
			case <-time.After(writeWait):
			}
			h.close(ClientStop)
			m.detach(h)
			return
		}

		m.detach(h)
		if ctx.Err() != nil {
			return
		}
		glog.Errorf("ws: connection lost, cause: %s, %s", h.cause, h)

		var next *Handler
		op := func() error {
			nh, err := m.dial(ctx)
			if err != nil {
				if errors.Is(err, auth.ErrUnauthorized) {
					return backoff.Permanent(err)
				}
				return err
			}
			next = nh
			return nil
		}
		notify := func(err error, d time.Duration) {
			glog.Errorf("ws: reconnect failed: %v, retry in %s", err, d)
		}
		if err := backoff.RetryNotify(op, backoff.WithContext(m.newBackOff(), ctx), notify); err != nil {
			if errors.Is(err, auth.ErrUnauthorized) {
				m.authClient.Teardown(err)
			}
			if ctx.Err() == nil {
				glog.Errorf("ws: give up reconnecting: %v", err)
			}
			return
		}
		if ctx.Err() != nil {
			next.close(ClientStop)
			return
		}

		metrics.Reconnects.Inc()
		h = next
		m.attach(h)
		// pushes sent while disconnected are gone, subscribers reload.
		m.hstore.deliver(&pb.ServerMsg{Event: pb.EventReconnected})
	}
}
