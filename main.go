package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mqy/minichat/api"
	"github.com/mqy/minichat/auth"
	"github.com/mqy/minichat/chat"
	"github.com/mqy/minichat/chatstore"
	pb "github.com/mqy/minichat/proto"
	"github.com/mqy/minichat/ws"
)

const requestTimeout = 15 * time.Second

var (
	flagWsURL       = flag.String("ws-url", "ws://127.0.0.1:5000/ws", "chat server websocket url")
	flagAPIURL      = flag.String("api-url", "http://127.0.0.1:5000/api", "chat server REST base url")
	flagUID         = flag.String("uid", "", "dev login: user id sent as the `x-uid` cookie")
	flagToken       = flag.String("token", "", "session token (JWT), takes precedence over --uid")
	flagChat        = flag.String("chat", "", "chat to open at start")
	flagAckTimeout  = flag.Duration("ack-timeout", ws.DefaultAckTimeout, "how long to wait for a command ack")
	flagMaxBackoff  = flag.Duration("max-backoff", ws.DefaultMaxBackoff, "max delay between reconnect attempts")
	flagAutoRead    = flag.Bool("auto-mark-read", true, "mark the open chat read as messages arrive")
	flagMetricsAddr = flag.String("metrics-addr", "", "serve prometheus metrics on ip:port, disabled if empty")
)

func main() {
	flag.Parse()

	// NOTE: os.Exit() does not call defers.
	os.Exit(run())
}

func run() int {
	defer glog.Flush()

	if v := validateFlags(); v > 0 {
		return v
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	authClient, err := newAuthClient(func(cause error) {
		fmt.Printf("session ended: %v\n", cause)
		cancel()
	})
	if err != nil {
		return errorf("auth: %v", err)
	}

	apiClient, err := api.NewClient(*flagAPIURL, authClient)
	if err != nil {
		return errorf("--api-url: %v", err)
	}

	pctx, pcancel := context.WithTimeout(ctx, requestTimeout)
	me, err := apiClient.Profile(pctx)
	pcancel()
	if err != nil {
		return errorf("session check: %v", err)
	}
	glog.Infof("logged in as %s (%s)", me.Username, me.ID)

	if *flagMetricsAddr != "" {
		go serveMetrics(*flagMetricsAddr)
	}

	mgr := ws.NewManager(authClient, &ws.Config{
		URL:        *flagWsURL,
		Jar:        apiClient.Jar(),
		AckTimeout: *flagAckTimeout,
		MaxBackoff: *flagMaxBackoff,
	})
	if err := mgr.Connect(ctx); err != nil {
		return errorf("connect %s: %v", *flagWsURL, err)
	}
	defer mgr.Disconnect()

	out := &printer{w: os.Stdout, selfID: authClient.Identity().UserID}

	list := chat.NewList(authClient, mgr, apiClient)
	if err := list.Start(ctx); err != nil {
		return errorf("chat list: %v", err)
	}
	defer list.Close()

	var client *chat.Client
	client = chat.NewClient(authClient, mgr, apiClient, chat.Config{
		AutoMarkRead: *flagAutoRead,
		OnError: func(chatID string, err error) {
			out.printf("! %s: %v\n", chatID, err)
		},
		OnChange: func(chatID string) {
			if v := client.Current(); v != nil && v.ChatID() == chatID {
				out.tail(v)
			}
		},
	})
	defer client.Close()

	sh := &shell{ctx: ctx, out: out, mgr: mgr, api: apiClient, list: list, client: client}
	if *flagChat != "" {
		sh.exec("/open " + *flagChat)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	lines := make(chan string)
	go readLines(os.Stdin, lines)

	glog.Infof("minichat client is running, `/help` for commands")
	for {
		select {
		case sig := <-sigCh:
			glog.Infof("received signal `%s` stopping", sig.String())
			return 0
		case <-ctx.Done():
			return 0
		case line, ok := <-lines:
			if !ok {
				return 0
			}
			if sh.exec(line) {
				return 0
			}
		}
	}
}

func newAuthClient(onTeardown func(error)) (auth.Client, error) {
	if *flagToken != "" {
		c, err := auth.NewTokenClient(*flagToken)
		if err != nil {
			return nil, err
		}
		c.OnTeardown = onTeardown
		return c, nil
	}
	c := auth.NewMockClient(*flagUID)
	c.OnTeardown = onTeardown
	return c, nil
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(
		prometheus.DefaultGatherer,
		promhttp.HandlerOpts{},
	))
	glog.Infof("metrics on http://%s/metrics", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		glog.Errorf("metrics server: %v", err)
	}
}

func readLines(r io.Reader, lines chan<- string) {
	defer close(lines)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		lines <- sc.Text()
	}
}

func validateFlags() int {
	if *flagToken == "" && *flagUID == "" {
		return errorf("--token or --uid is required")
	}
	if err := validateURL(*flagWsURL, "ws", "wss"); err != nil {
		return errorf("--ws-url: %v", err)
	}
	if err := validateURL(*flagAPIURL, "http", "https"); err != nil {
		return errorf("--api-url: %v", err)
	}
	if *flagAckTimeout < time.Second || *flagAckTimeout > time.Minute {
		return errorf("invalid --ack-timeout, expect in range [1s, 1m]")
	}
	if *flagMaxBackoff < time.Second {
		return errorf("invalid --max-backoff, expect at least 1s")
	}
	if *flagMetricsAddr != "" {
		if _, _, err := net.SplitHostPort(*flagMetricsAddr); err != nil {
			return errorf("--metrics-addr: %v", err)
		}
	}
	return 0
}

func validateURL(s string, schemes ...string) error {
	u, err := url.Parse(s)
	if err != nil {
		return err
	}
	for _, scheme := range schemes {
		if u.Scheme == scheme {
			if u.Host == "" {
				return fmt.Errorf("`%s` has no host", s)
			}
			return nil
		}
	}
	return fmt.Errorf("`%s`: scheme must be one of %v", s, schemes)
}

func errorf(fmt string, args ...interface{}) int {
	glog.Errorf(fmt, args...)
	return 1
}

// shell runs the interactive commands.
type shell struct {
	ctx    context.Context
	out    *printer
	mgr    *ws.Manager
	api    *api.Client
	list   *chat.List
	client *chat.Client
}

const helpText = `commands:
  /list                 show chats
  /open <chat>          open a chat
  /show                 print the open chat
  /read                 mark the open chat read
  /edit <message> <text>
  /del <message>
  /delchat <chat>
  /block, /unblock      block or unblock the partner of the open chat
  /logout
  /quit
anything else is sent to the open chat
`

type command struct {
	name string
	args []string
	text string
}

// parseCommand splits a line into a command and its arguments. A plain
// line is a send. The last argument of /edit keeps its spaces.
func parseCommand(line string) command {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return command{name: "send", text: line}
	}
	fields := strings.Fields(line)
	cmd := command{name: strings.TrimPrefix(fields[0], "/")}
	switch cmd.name {
	case "edit":
		parts := strings.SplitN(line, " ", 3)
		if len(parts) == 3 {
			cmd.args = []string{strings.TrimSpace(parts[1])}
			cmd.text = strings.TrimSpace(parts[2])
		}
	default:
		cmd.args = fields[1:]
	}
	return cmd
}

// exec runs one command line, returns true to quit.
func (s *shell) exec(line string) bool {
	cmd := parseCommand(line)
	if cmd.name == "send" && cmd.text == "" {
		return false
	}

	ctx, cancel := context.WithTimeout(s.ctx, requestTimeout)
	defer cancel()

	switch cmd.name {
	case "quit", "exit":
		return true

	case "help":
		s.out.printf("%s", helpText)

	case "list":
		s.out.chats(s.list.Chats())

	case "open":
		if len(cmd.args) != 1 {
			s.out.printf("usage: /open <chat>\n")
			return false
		}
		v, err := s.client.Open(ctx, cmd.args[0])
		if err != nil {
			s.out.printf("! open: %v\n", err)
			return errors.Is(err, auth.ErrUnauthorized)
		}
		if err := s.list.MarkAsRead(v.ChatID()); err != nil {
			glog.V(5).Infof("mark %s read in list: %v", v.ChatID(), err)
		}
		s.out.view(v)

	case "show":
		if v := s.current(); v != nil {
			s.out.view(v)
		}

	case "read":
		if v := s.current(); v != nil {
			if _, err := v.MarkRead(ctx); err != nil {
				s.out.printf("! read: %v\n", err)
			}
		}

	case "edit":
		v := s.current()
		if v == nil {
			return false
		}
		if len(cmd.args) != 1 || cmd.text == "" {
			s.out.printf("usage: /edit <message> <text>\n")
			return false
		}
		if err := v.Edit(ctx, cmd.args[0], cmd.text); err != nil {
			s.out.printf("! edit: %v\n", err)
		}

	case "del":
		v := s.current()
		if v == nil {
			return false
		}
		if len(cmd.args) != 1 {
			s.out.printf("usage: /del <message>\n")
			return false
		}
		if err := v.Delete(ctx, cmd.args[0]); err != nil {
			s.out.printf("! delete: %v\n", err)
		}

	case "delchat":
		if len(cmd.args) != 1 {
			s.out.printf("usage: /delchat <chat>\n")
			return false
		}
		if v := s.client.Current(); v != nil && v.ChatID() == cmd.args[0] {
			v.Close()
		}
		if err := s.list.Delete(ctx, cmd.args[0]); err != nil {
			s.out.printf("! delete chat: %v\n", err)
		}

	case "block", "unblock":
		v := s.current()
		if v == nil {
			return false
		}
		partner := v.Partner()
		if partner == nil {
			s.out.printf("! %s: no partner\n", cmd.name)
			return false
		}
		block := cmd.name == "block"
		var err error
		if block {
			err = s.api.BlockUser(ctx, partner.ID)
		} else {
			err = s.api.UnblockUser(ctx, partner.ID)
		}
		if err != nil {
			s.out.printf("! %s: %v\n", cmd.name, err)
			return errors.Is(err, auth.ErrUnauthorized)
		}
		v.SetBlocked(block)
		s.out.printf("%sed %s\n", cmd.name, partner.Username)

	case "logout":
		s.client.Close()
		s.mgr.Disconnect()
		if err := s.api.Logout(ctx); err != nil {
			s.out.printf("! logout: %v\n", err)
		}
		return true

	case "send":
		v := s.current()
		if v == nil {
			return false
		}
		// failures are reported by OnError.
		_, _ = v.Send(ctx, cmd.text)

	default:
		s.out.printf("unknown command `/%s`, try /help\n", cmd.name)
	}
	return false
}

func (s *shell) current() *chat.View {
	v := s.client.Current()
	if v == nil {
		s.out.printf("no open chat, /open <chat> first\n")
	}
	return v
}

// printer serializes terminal output of the shell and the event callbacks.
type printer struct {
	mu     sync.Mutex
	w      io.Writer
	selfID string
	lastID string
}

func (p *printer) printf(format string, args ...interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format, args...)
}

func (p *printer) chats(chats []pb.ChatSummary) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(chats) == 0 {
		fmt.Fprintln(p.w, "no chats")
		return
	}
	for _, c := range chats {
		name := "?"
		online := ""
		if c.Partner != nil {
			name = c.Partner.Username
			if c.Partner.Online() {
				online = " *"
			}
		}
		fmt.Fprintf(p.w, "%s  %s%s  (%d unread)  %s\n", c.ID, name, online, c.UnreadCount, c.LastMessage)
	}
}

func (p *printer) view(v *chat.View) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if partner := v.Partner(); partner != nil {
		var status string
		if partner.BlockedByMe {
			status = " (blocked)"
		}
		fmt.Fprintf(p.w, "--- %s with %s%s ---\n", v.ChatID(), partner.Username, status)
	}
	msgs := v.Messages()
	for i := range msgs {
		p.line(&msgs[i])
	}
	if n := len(msgs); n > 0 {
		p.lastID = msgs[n-1].ID
	}
}

// tail prints the newest message once.
func (p *printer) tail(v *chat.View) {
	msgs := v.Messages()
	if len(msgs) == 0 {
		return
	}
	m := msgs[len(msgs)-1]
	p.mu.Lock()
	defer p.mu.Unlock()
	if m.ID == p.lastID || m.SenderID == p.selfID {
		return
	}
	p.lastID = m.ID
	p.line(&m)
}

func (p *printer) line(m *chatstore.Msg) {
	var flags string
	if m.SenderID == p.selfID {
		switch {
		case m.Pending():
			flags = " …"
		case m.ReadByPartner:
			flags = " ✓✓"
		default:
			flags = " ✓"
		}
	}
	fmt.Fprintf(p.w, "[%s] %s %s: %s%s\n", m.CreatedAt.Local().Format("15:04"), m.ID, m.SenderID, m.Text, flags)
}
