package channel

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/millwright-cad/millwright/internal/plugin/security"
	"github.com/millwright-cad/millwright/internal/rpc"
)

// Window timeouts and queue bounds.
const (
	windowWriteTimeout = 10 * time.Second
	windowOutboxSize   = 64
)

// Window is the channel for a plugin that renders into its own surface.
// The surface connects back over a WebSocket identified by a one-time
// token; messages sent before the surface attaches are queued and flush
// on attach.
type Window struct {
	pluginID string
	policy   *security.Policy
	token    string

	mu       sync.Mutex
	conn     *websocket.Conn
	attached bool
	closed   bool

	outbox  chan rpc.Message
	done    chan struct{}
	once    sync.Once
	handler func(rpc.Message)

	// Logf receives transport warnings. Defaults to log.Printf.
	Logf func(format string, args ...any)
}

// NewWindow creates an unattached window channel for the plugin.
func NewWindow(pluginID string, policy *security.Policy) *Window {
	return &Window{
		pluginID: pluginID,
		policy:   policy,
		token:    uuid.NewString(),
		outbox:   make(chan rpc.Message, windowOutboxSize),
		done:     make(chan struct{}),
		Logf:     log.Printf,
	}
}

// Token returns the connection token the surface must present.
func (w *Window) Token() string {
	return w.token
}

// PluginID returns the owning plugin's identifier.
func (w *Window) PluginID() string {
	return w.pluginID
}

// Attached reports whether a surface holds the socket.
func (w *Window) Attached() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.attached
}

// Attach claims the window for a live WebSocket connection and starts
// the read and write pumps. A window accepts exactly one surface.
func (w *Window) Attach(conn *websocket.Conn) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrChannelClosed
	}
	if w.attached {
		return fmt.Errorf("%w: plugin %q", ErrAlreadyAttached, w.pluginID)
	}
	w.conn = conn
	w.attached = true

	conn.SetReadLimit(w.policy.Limits().MaxMessageSize)

	go w.readPump(conn)
	go w.writePump(conn)
	return nil
}

// Send queues a message for the surface. Messages queue while no
// surface is attached yet.
func (w *Window) Send(msg rpc.Message) error {
	select {
	case <-w.done:
		return ErrChannelClosed
	default:
	}

	select {
	case w.outbox <- msg:
		return nil
	default:
		return fmt.Errorf("%w: plugin %q window", ErrQueueFull, w.pluginID)
	}
}

// OnMessage registers the host-side handler for surface messages.
func (w *Window) OnMessage(handler func(rpc.Message)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handler = handler
}

// Close tears down the socket and rejects further sends.
func (w *Window) Close() error {
	w.once.Do(func() { close(w.done) })

	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	if w.conn != nil {
		return w.conn.Close()
	}
	return nil
}

func (w *Window) readPump(conn *websocket.Conn) {
	defer w.Close() //nolint:errcheck

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				w.Logf("channel: plugin %q window read: %v", w.pluginID, err)
			}
			return
		}

		msg, err := w.parseFrame(data)
		if err != nil {
			w.Logf("channel: plugin %q window: %v", w.pluginID, err)
			continue
		}

		w.mu.Lock()
		handler := w.handler
		w.mu.Unlock()
		if handler != nil {
			handler(msg)
		}
	}
}

// parseFrame validates and decodes one inbound frame. Shape is checked
// before unmarshalling so a garbage frame never reaches json.
func (w *Window) parseFrame(data []byte) (rpc.Message, error) {
	if !gjson.ValidBytes(data) {
		return rpc.Message{}, fmt.Errorf("%w: not json", ErrBadFrame)
	}
	if !gjson.GetBytes(data, "id").Exists() || !gjson.GetBytes(data, "type").Exists() {
		return rpc.Message{}, fmt.Errorf("%w: missing id or type", ErrBadFrame)
	}

	var msg rpc.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return rpc.Message{}, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}

	// The channel, not the frame, is the identity authority.
	msg.PluginID = w.pluginID
	return msg, nil
}

func (w *Window) writePump(conn *websocket.Conn) {
	for {
		select {
		case <-w.done:
			return
		case msg := <-w.outbox:
			conn.SetWriteDeadline(time.Now().Add(windowWriteTimeout)) //nolint:errcheck
			if err := conn.WriteJSON(msg); err != nil {
				w.Logf("channel: plugin %q window write: %v", w.pluginID, err)
				w.Close() //nolint:errcheck
				return
			}
		}
	}
}

// Server exposes window surfaces over HTTP. Each registered window is
// reachable at /plugins/<token>/ (bootstrap document) and
// /plugins/<token>/ws (message socket).
type Server struct {
	mu      sync.Mutex
	windows map[string]*Window

	origins  []string
	upgrader websocket.Upgrader

	// Logf receives transport warnings. Defaults to log.Printf.
	Logf func(format string, args ...any)
}

// NewServer creates a window server accepting the given origins.
// Requests with no Origin header (non-browser surfaces) are always
// accepted.
func NewServer(allowedOrigins ...string) *Server {
	s := &Server{
		windows: make(map[string]*Window),
		origins: allowedOrigins,
		Logf:    log.Printf,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.originAllowed,
	}
	return s
}

func (s *Server) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.origins {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}
	return false
}

// Add registers a window so its surface can connect.
func (s *Server) Add(w *Window) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.windows[w.token] = w
}

// Remove unregisters a window. Its token stops resolving immediately.
func (s *Server) Remove(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.windows, token)
}

func (s *Server) lookup(token string) *Window {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.windows[token]
}

// ServeHTTP routes surface requests by token.
func (s *Server) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	rest, ok := strings.CutPrefix(req.URL.Path, "/plugins/")
	if !ok {
		http.NotFound(rw, req)
		return
	}

	token, tail, _ := strings.Cut(rest, "/")
	win := s.lookup(token)
	if win == nil {
		s.Logf("channel: surface presented unknown token")
		http.Error(rw, ErrBadToken.Error(), http.StatusForbidden)
		return
	}

	switch tail {
	case "ws":
		s.serveSocket(rw, req, win)
	case "":
		s.serveBootstrap(rw, win)
	default:
		http.NotFound(rw, req)
	}
}

func (s *Server) serveSocket(rw http.ResponseWriter, req *http.Request, win *Window) {
	conn, err := s.upgrader.Upgrade(rw, req, nil)
	if err != nil {
		s.Logf("channel: plugin %q upgrade: %v", win.pluginID, err)
		return
	}
	if err := win.Attach(conn); err != nil {
		s.Logf("channel: plugin %q attach: %v", win.pluginID, err)
		conn.Close() //nolint:errcheck
	}
}

// serveBootstrap delivers the surface document. The policy's CSP header
// is what actually confines the surface; the document only wires the
// socket and the plugin-facing API.
func (s *Server) serveBootstrap(rw http.ResponseWriter, win *Window) {
	rw.Header().Set("Content-Security-Policy", win.policy.ContentSecurityPolicy())
	rw.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(rw, bootstrapDocument, win.pluginID, win.token)
}

// bootstrapDocument is the minimal surface page. It opens the socket,
// exposes the messaging API, and signals readiness once connected.
const bootstrapDocument = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>%s</title></head>
<body>
<div id="root"></div>
<script>
(function () {
  var token = %q;
  var proto = location.protocol === "https:" ? "wss:" : "ws:";
  var sock = new WebSocket(proto + "//" + location.host + "/plugins/" + token + "/ws");
  var handlers = [];
  window.millwright = {
    send: function (msg) { sock.send(JSON.stringify(msg)); },
    onMessage: function (fn) { handlers.push(fn); }
  };
  sock.onmessage = function (ev) {
    var msg = JSON.parse(ev.data);
    handlers.forEach(function (fn) { fn(msg); });
  };
  sock.onopen = function () {
    window.millwright.send({ id: token, type: "event", method: "_lifecycle.ready" });
  };
})();
</script>
</body>
</html>
`
