package channel

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/millwright-cad/millwright/internal/plugin/security"
	"github.com/millwright-cad/millwright/internal/rpc"
)

func newTestSurface(t *testing.T) (*Server, *Window, *httptest.Server, *recorder) {
	t.Helper()

	policy := security.NewPolicy("co.x.demo",
		[]security.Permission{security.PermUISidebar}, security.DefaultPolicyDefaults())

	srv := NewServer()
	srv.Logf = func(string, ...any) {}

	win := NewWindow("co.x.demo", policy)
	win.Logf = func(string, ...any) {}
	srv.Add(win)

	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	t.Cleanup(func() { win.Close() }) //nolint:errcheck

	rec := &recorder{}
	win.OnMessage(rec.handle)
	return srv, win, ts, rec
}

func dialSurface(t *testing.T, ts *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/plugins/" + token + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() }) //nolint:errcheck
	return conn
}

func TestWindowRoundTrip(t *testing.T) {
	_, win, ts, rec := newTestSurface(t)
	conn := dialSurface(t, ts, win.Token())

	// Surface to host.
	if err := conn.WriteJSON(rpc.Message{ID: "e1", Type: rpc.TypeEvent, Method: rpc.MethodReady}); err != nil {
		t.Fatal(err)
	}
	msgs := rec.wait(t, 1)
	if msgs[0].Method != rpc.MethodReady {
		t.Errorf("message = %+v", msgs[0])
	}
	if msgs[0].PluginID != "co.x.demo" {
		t.Errorf("plugin id = %q, want channel identity", msgs[0].PluginID)
	}

	// Host to surface.
	if err := win.Send(rpc.Message{ID: "r1", PluginID: "co.x.demo", Type: rpc.TypeRequest, Method: "ui.render"}); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
	var got rpc.Message
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatal(err)
	}
	if got.ID != "r1" || got.Method != "ui.render" {
		t.Errorf("surface received %+v", got)
	}
}

func TestWindowQueuesBeforeAttach(t *testing.T) {
	_, win, ts, _ := newTestSurface(t)

	// Sent while no surface is connected yet.
	if err := win.Send(rpc.Message{ID: "r1", PluginID: "co.x.demo", Type: rpc.TypeRequest, Method: "ui.render"}); err != nil {
		t.Fatal(err)
	}

	conn := dialSurface(t, ts, win.Token())
	conn.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
	var got rpc.Message
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatal(err)
	}
	if got.ID != "r1" {
		t.Errorf("queued message = %+v", got)
	}
}

func TestWindowRejectsBadToken(t *testing.T) {
	_, _, ts, _ := newTestSurface(t)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/plugins/not-a-token/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("dial with bad token succeeded")
	}
	if resp != nil && resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusForbidden)
	}
}

func TestWindowSingleSurface(t *testing.T) {
	_, win, ts, _ := newTestSurface(t)

	dialSurface(t, ts, win.Token())

	// Second surface cannot claim the same window.
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/plugins/" + win.Token() + "/ws"
	second, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		// The upgrade itself may succeed before the attach is refused.
		return
	}
	second.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
	if _, _, err := second.ReadMessage(); err == nil {
		t.Error("second surface kept its connection")
	}
	second.Close() //nolint:errcheck
}

func TestWindowIgnoresMalformedFrames(t *testing.T) {
	_, win, ts, rec := newTestSurface(t)
	conn := dialSurface(t, ts, win.Token())

	// Garbage, then a frame missing required fields, then a valid one.
	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"method":"x"}`)); err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteJSON(rpc.Message{ID: "e1", Type: rpc.TypeEvent, Method: "ui.clicked"}); err != nil {
		t.Fatal(err)
	}

	msgs := rec.wait(t, 1)
	if len(msgs) != 1 || msgs[0].Method != "ui.clicked" {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestWindowBootstrapDocument(t *testing.T) {
	_, win, ts, _ := newTestSurface(t)

	resp, err := http.Get(ts.URL + "/plugins/" + win.Token() + "/")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close() //nolint:errcheck

	csp := resp.Header.Get("Content-Security-Policy")
	if !strings.Contains(csp, "default-src") {
		t.Errorf("missing CSP header, got %q", csp)
	}
	// UI permission widens style sources for the surface.
	if !strings.Contains(csp, "'unsafe-inline'") {
		t.Errorf("CSP = %q, want widened style-src", csp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(body), win.Token()) {
		t.Error("bootstrap document missing connection token")
	}
	if !strings.Contains(string(body), "_lifecycle.ready") {
		t.Error("bootstrap document missing ready signal")
	}
}

func TestWindowRemovedTokenStopsResolving(t *testing.T) {
	srv, win, ts, _ := newTestSurface(t)

	srv.Remove(win.Token())

	resp, err := http.Get(ts.URL + "/plugins/" + win.Token() + "/")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusForbidden)
	}
}
