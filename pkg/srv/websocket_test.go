package srv

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/net/websocket"

	"github.com/connectchat/relay/pkg/auth"
	"github.com/connectchat/relay/pkg/security"
	"github.com/connectchat/relay/pkg/store"
	"github.com/connectchat/relay/pkg/wire"
)

// newTestServer spins up a full relay over an in-memory store.
func newTestServer(t *testing.T, maxPerIP, maxTotal int) *httptest.Server {
	t.Helper()

	mem := store.NewMemory()
	gateway := auth.NewGateway(mem, auth.NewTokenService("test-secret", time.Hour))
	registry := NewRegistry()
	router := NewRouter(mem, gateway, registry, NewBroadcaster(registry))
	limiter := security.NewConnectionLimiter(maxPerIP, maxTotal)
	t.Cleanup(limiter.Stop)

	handler := NewHandler(router, gateway, registry, limiter)
	server := httptest.NewServer(http.HandlerFunc(handler.ServeHTTP))
	t.Cleanup(server.Close)
	return server
}

func dialRelay(t *testing.T, server *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	wsURL := strings.Replace(server.URL, "http://", "ws://", 1) + query
	ws, err := websocket.Dial(wsURL, "", "http://localhost/")
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func sendFrame(t *testing.T, ws *websocket.Conn, event string, payload any) {
	t.Helper()
	env, err := wire.Encode(event, payload)
	if err != nil {
		t.Fatalf("encode %s: %v", event, err)
	}
	if err := websocket.JSON.Send(ws, env); err != nil {
		t.Fatalf("send %s: %v", event, err)
	}
}

func recvFrame(t *testing.T, ws *websocket.Conn) wire.Envelope {
	t.Helper()
	if err := ws.SetReadDeadline(time.Now().Add(3 * time.Second)); err != nil {
		t.Fatal(err)
	}
	var env wire.Envelope
	if err := websocket.JSON.Receive(ws, &env); err != nil {
		t.Fatalf("receive: %v", err)
	}
	return env
}

func registerOverWire(t *testing.T, ws *websocket.Conn, username string) AuthResponse {
	t.Helper()
	sendFrame(t, ws, "auth:register", map[string]string{
		"username":    username,
		"displayName": "The " + username,
		"email":       username + "@example.com",
		"password":    "hunter22",
	})
	reply := recvFrame(t, ws)
	return decodeReply[AuthResponse](t, &reply, "auth:register")
}

func TestEndToEndDirectMessage(t *testing.T) {
	server := newTestServer(t, 10, 100)

	wsA := dialRelay(t, server, "")
	wsB := dialRelay(t, server, "")

	registerOverWire(t, wsA, "alice")
	respB := registerOverWire(t, wsB, "bob")

	sendFrame(t, wsA, "chat:createDirect", map[string]string{"userId": respB.User.ID})
	chatReply := recvFrame(t, wsA)
	chat := decodeReply[store.Chat](t, &chatReply, "chat:created")

	sendFrame(t, wsA, "message:send", map[string]string{"chatId": chat.ID, "content": "hi bob"})

	for name, ws := range map[string]*websocket.Conn{"alice": wsA, "bob": wsB} {
		env := recvFrame(t, ws)
		if env.Event != "message:receive" {
			t.Fatalf("%s received %q, want message:receive", name, env.Event)
		}
	}
}

func TestEndToEndHandshakeToken(t *testing.T) {
	server := newTestServer(t, 10, 100)

	first := dialRelay(t, server, "")
	resp := registerOverWire(t, first, "carol")
	first.Close()

	// Reconnect carrying the token; no in-band auth needed.
	ws := dialRelay(t, server, "?token="+resp.Token)
	sendFrame(t, ws, "auth:me", nil)
	reply := recvFrame(t, ws)
	me := decodeReply[store.User](t, &reply, "auth:me")
	if me.Username != "carol" {
		t.Errorf("auth:me returned %q, want carol", me.Username)
	}
}

func TestEndToEndInvalidTokenDegrades(t *testing.T) {
	server := newTestServer(t, 10, 100)

	ws := dialRelay(t, server, "?token=garbage")
	sendFrame(t, ws, "chat:list", nil)
	reply := recvFrame(t, ws)
	errData := decodeReply[wire.ErrorData](t, &reply, "error")
	if errData.Message != "not authenticated" {
		t.Errorf("message = %q, want not authenticated", errData.Message)
	}

	// The connection is still usable.
	registerOverWire(t, ws, "dave")
}

func TestEndToEndUnknownEventEcho(t *testing.T) {
	server := newTestServer(t, 10, 100)

	ws := dialRelay(t, server, "")
	sendFrame(t, ws, "custom:thing", map[string]string{"k": "v"})
	env := recvFrame(t, ws)
	if env.Event != "custom:thing" {
		t.Errorf("echo event = %q, want custom:thing", env.Event)
	}
}

func TestEndToEndPingPong(t *testing.T) {
	server := newTestServer(t, 10, 100)

	ws := dialRelay(t, server, "")
	sendFrame(t, ws, "ping", nil)
	env := recvFrame(t, ws)
	if env.Event != "pong" {
		t.Errorf("reply = %q, want pong", env.Event)
	}
}

func TestEndToEndMalformedFrameCloses(t *testing.T) {
	server := newTestServer(t, 10, 100)

	ws := dialRelay(t, server, "")
	if err := websocket.Message.Send(ws, "this is not json"); err != nil {
		t.Fatalf("send: %v", err)
	}

	if err := ws.SetReadDeadline(time.Now().Add(3 * time.Second)); err != nil {
		t.Fatal(err)
	}
	var env wire.Envelope
	if err := websocket.JSON.Receive(ws, &env); err == nil {
		t.Errorf("expected the connection to close, got %s", env.Event)
	}
}

func TestEndToEndConnectionLimit(t *testing.T) {
	server := newTestServer(t, 1, 100)

	// First connection takes the single per-IP slot.
	first := dialRelay(t, server, "")
	registerOverWire(t, first, "erin")

	wsURL := strings.Replace(server.URL, "http://", "ws://", 1)
	if ws, err := websocket.Dial(wsURL, "", "http://localhost/"); err == nil {
		ws.Close()
		t.Error("expected the second connection to be rejected")
	}
}

func TestFailedHandshakeReleasesSlot(t *testing.T) {
	server := newTestServer(t, 1, 100)

	// A plain GET reserves the single per-IP slot but never completes
	// the WebSocket handshake.
	resp, err := http.Get(server.URL)
	if err != nil {
		t.Fatalf("plain GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusSwitchingProtocols {
		t.Fatalf("plain GET unexpectedly upgraded: %d", resp.StatusCode)
	}

	// The reservation must be released immediately, not held until its
	// TTL expires, so a real connection still fits in the slot.
	ws := dialRelay(t, server, "")
	registerOverWire(t, ws, "hank")
}

func TestEndToEndReconnectReplacesBinding(t *testing.T) {
	server := newTestServer(t, 10, 100)

	old := dialRelay(t, server, "")
	respA := registerOverWire(t, old, "frank")

	sender := dialRelay(t, server, "")
	registerOverWire(t, sender, "grace")

	// frank reconnects; the new connection takes over routing.
	replacement := dialRelay(t, server, "?token="+respA.Token)
	sendFrame(t, replacement, "auth:me", nil)
	recvFrame(t, replacement)

	sendFrame(t, sender, "chat:createDirect", map[string]string{"userId": respA.User.ID})
	chatReply := recvFrame(t, sender)
	chat := decodeReply[store.Chat](t, &chatReply, "chat:created")
	sendFrame(t, sender, "message:send", map[string]string{"chatId": chat.ID, "content": "hello again"})

	env := recvFrame(t, replacement)
	if env.Event != "message:receive" {
		t.Errorf("replacement connection received %q, want message:receive", env.Event)
	}

	if err := old.SetReadDeadline(time.Now().Add(300 * time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	var stale wire.Envelope
	if err := websocket.JSON.Receive(old, &stale); err == nil && stale.Event == "message:receive" {
		t.Error("superseded connection should not receive routed events")
	}
}

func TestHandshakeTokenSources(t *testing.T) {
	for name, tc := range map[string]struct {
		query  string
		header string
		want   string
	}{
		"query param":    {query: "?token=abc", want: "abc"},
		"bearer header":  {header: "Bearer xyz", want: "xyz"},
		"query wins":     {query: "?token=abc", header: "Bearer xyz", want: "abc"},
		"missing":        {want: ""},
		"non-bearer":     {header: "Basic dXNlcg==", want: ""},
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ws/chat"+tc.query, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			if got := handshakeToken(req); got != tc.want {
				t.Errorf("handshakeToken = %q, want %q", got, tc.want)
			}
		})
	}
}
