package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/guild-gateway-go/auth/authtest"
	"github.com/ggoodman/guild-gateway-go/closecode"
	"github.com/ggoodman/guild-gateway-go/guildbus/memorybus"
	"github.com/ggoodman/guild-gateway-go/internal/logctx"
	"github.com/ggoodman/guild-gateway-go/protocol"
	"github.com/gorilla/websocket"
)

func fastTimings() Timings {
	return Timings{
		HeartbeatInterval: 20 * time.Millisecond,
		ClientTimeout:     60 * time.Millisecond,
		IdentifyTimeout:   50 * time.Millisecond,
	}
}

type testServer struct {
	gw    *Gateway
	srv   *httptest.Server
	wsURL string
}

func newTestServer(t *testing.T, opts ...Option) *testServer {
	t.Helper()
	opts = append([]Option{WithLogger(slog.New(testLogHandler(t)))}, opts...)
	gw, err := New(memorybus.New(), opts...)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := gw.Shutdown(ctx); err != nil {
			t.Errorf("shutdown: %v", err)
		}
	})
	return &testServer{
		gw:    gw,
		srv:   srv,
		wsURL: "ws" + strings.TrimPrefix(srv.URL, "http") + DefaultPath,
	}
}

type client struct {
	ws     *websocket.Conn
	msgs   chan []byte
	closed chan error
	pings  atomic.Int32
}

func dial(t *testing.T, url string, answerPings bool) *client {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	c := &client{
		ws:     ws,
		msgs:   make(chan []byte, 64),
		closed: make(chan error, 1),
	}
	ws.SetPingHandler(func(data string) error {
		c.pings.Add(1)
		if !answerPings {
			return nil
		}
		return ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})
	go func() {
		for {
			_, b, err := ws.ReadMessage()
			if err != nil {
				c.closed <- err
				return
			}
			c.msgs <- b
		}
	}()
	t.Cleanup(func() { ws.Close() })
	return c
}

func (c *client) send(t *testing.T, msg string) {
	t.Helper()
	if err := c.ws.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func (c *client) next(t *testing.T) protocol.Envelope {
	t.Helper()
	select {
	case b := <-c.msgs:
		env, err := protocol.Decode(b)
		if err != nil {
			t.Fatalf("decode %s: %v", b, err)
		}
		return env
	case err := <-c.closed:
		t.Fatalf("connection closed while waiting for a message: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a message")
	}
	return protocol.Envelope{}
}

func (c *client) hello(t *testing.T) protocol.Hello {
	t.Helper()
	env := c.next(t)
	if env.Op != protocol.OpHello {
		t.Fatalf("first message op = %s, want Hello", env.Op)
	}
	var h protocol.Hello
	if err := env.DecodeData(&h); err != nil {
		t.Fatalf("hello payload: %v", err)
	}
	return h
}

func (c *client) expectClose(t *testing.T, code int) {
	t.Helper()
	select {
	case err := <-c.closed:
		var ce *websocket.CloseError
		if !errors.As(err, &ce) {
			t.Fatalf("connection ended with %v, want close code %d", err, code)
		}
		if ce.Code != code {
			t.Fatalf("close code = %d (%q), want %d", ce.Code, ce.Text, code)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for close code %d", code)
	}
}

func (c *client) stillOpen(t *testing.T) {
	t.Helper()
	select {
	case err := <-c.closed:
		t.Fatalf("connection closed unexpectedly: %v", err)
	default:
	}
}

func TestSessionLifecycle(t *testing.T) {
	ts := newTestServer(t, WithTimings(fastTimings()))
	c := dial(t, ts.wsURL, true)

	h := c.hello(t)
	if h.SessionID.String() == "" || h.SessionID.Version() != 4 {
		t.Fatalf("session id = %s, want a random uuid", h.SessionID)
	}

	c.send(t, `{"op":2,"d":{"token":"abc"}}`)

	// Well past the identify deadline and several client timeouts; only the
	// answered pings keep the session alive.
	time.Sleep(300 * time.Millisecond)
	c.stillOpen(t)
	if n := c.pings.Load(); n < 3 {
		t.Fatalf("client saw %d pings, want several", n)
	}

	c.send(t, `{"op":4,"d":{"subscribe_to":"guild-1"}}`)
	c.expectClose(t, 4001)
}

func TestHelloAdvertisesHeartbeatSeconds(t *testing.T) {
	ts := newTestServer(t)
	c := dial(t, ts.wsURL, true)
	if h := c.hello(t); h.Heartbeat != 5 {
		t.Fatalf("heartbeat = %d, want 5", h.Heartbeat)
	}
}

func TestIdentifyDeadline(t *testing.T) {
	ts := newTestServer(t, WithTimings(fastTimings()))
	c := dial(t, ts.wsURL, true)
	c.hello(t)
	c.expectClose(t, 4009)
}

func TestHeartbeatTimeout(t *testing.T) {
	ts := newTestServer(t, WithTimings(Timings{
		HeartbeatInterval: 20 * time.Millisecond,
		ClientTimeout:     60 * time.Millisecond,
		IdentifyTimeout:   time.Minute,
	}))
	c := dial(t, ts.wsURL, false)
	c.hello(t)
	c.send(t, `{"op":2,"d":{"token":"abc"}}`)
	c.expectClose(t, 4008)
}

func TestProtocolViolations(t *testing.T) {
	tests := []struct {
		name string
		send func(t *testing.T, c *client)
		code int
	}{
		{"binary frame", func(t *testing.T, c *client) {
			if err := c.ws.WriteMessage(websocket.BinaryMessage, []byte{0x01}); err != nil {
				t.Fatalf("write: %v", err)
			}
		}, 4002},
		{"malformed json", func(t *testing.T, c *client) { c.send(t, `{"op":`) }, 4002},
		{"unknown opcode", func(t *testing.T, c *client) { c.send(t, `{"op":42}`) }, 4002},
		{"invalid utf-8", func(t *testing.T, c *client) { c.send(t, "{\"op\":2,\"d\":{\"token\":\"\xff\"}}") }, 4002},
		{"server opcode", func(t *testing.T, c *client) { c.send(t, `{"op":6,"d":{"subscribed":true}}`) }, 4001},
		{"guild request", func(t *testing.T, c *client) { c.send(t, `{"op":7,"d":{"guild_id":"1"}}`) }, 4001},
		{"identify without token", func(t *testing.T, c *client) { c.send(t, `{"op":2,"d":{}}`) }, 4001},
		{"identify twice", func(t *testing.T, c *client) {
			c.send(t, `{"op":2,"d":{"token":"abc"}}`)
			c.send(t, `{"op":2,"d":{"token":"abc"}}`)
		}, 4001},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			c := dial(t, ts.wsURL, true)
			c.hello(t)
			tt.send(t, c)
			c.expectClose(t, tt.code)
		})
	}
}

func TestOversizeMessage(t *testing.T) {
	ts := newTestServer(t, WithReadLimit(64))
	c := dial(t, ts.wsURL, true)
	c.hello(t)
	c.send(t, `{"op":2,"d":{"token":"`+strings.Repeat("a", 200)+`"}}`)
	c.expectClose(t, 4002)
}

func TestMessageAtReadLimitIsAccepted(t *testing.T) {
	msg := `{"op":2,"d":{"token":"abc"}}`
	ts := newTestServer(t, WithReadLimit(int64(len(msg))))
	c := dial(t, ts.wsURL, true)
	c.hello(t)
	c.send(t, msg)
	time.Sleep(100 * time.Millisecond)
	c.stillOpen(t)
}

func TestAuthenticatorRejectsToken(t *testing.T) {
	tokens := authtest.NewStaticTokens(map[string]string{"good": "user-1"})
	ts := newTestServer(t, WithAuthenticator(tokens))

	ok := dial(t, ts.wsURL, true)
	ok.hello(t)
	ok.send(t, `{"op":2,"d":{"token":"good"}}`)

	bad := dial(t, ts.wsURL, true)
	bad.hello(t)
	bad.send(t, `{"op":2,"d":{"token":"forged"}}`)
	bad.expectClose(t, 4006)

	time.Sleep(50 * time.Millisecond)
	ok.stillOpen(t)
}

func TestCustomCloseRegistry(t *testing.T) {
	var entries []closecode.Entry
	for _, r := range closecode.AllReasons() {
		entries = append(entries, closecode.Entry{Reason: r, Code: closecode.Default.CodeFor(r) + 100, Description: r.String()})
	}
	reg, err := closecode.NewRegistry(entries...)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	ts := newTestServer(t, WithCloseRegistry(reg))
	c := dial(t, ts.wsURL, true)
	c.hello(t)
	c.send(t, `nope`)
	c.expectClose(t, 4102)
}

func TestShutdownClosesLiveSessions(t *testing.T) {
	ts := newTestServer(t)
	c := dial(t, ts.wsURL, true)
	c.hello(t)

	deadline := time.Now().Add(2 * time.Second)
	for ts.gw.ActiveSessions() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("active sessions = %d, want 1", ts.gw.ActiveSessions())
		}
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := ts.gw.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	c.expectClose(t, websocket.CloseGoingAway)
	if n := ts.gw.ActiveSessions(); n != 0 {
		t.Fatalf("active sessions after shutdown = %d", n)
	}

	// New connections are refused once shut down.
	_, resp, err := websocket.DefaultDialer.Dial(ts.wsURL, nil)
	if err == nil {
		t.Fatal("dial succeeded after shutdown")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("dial after shutdown: %v", err)
	}
}

func TestPlainRequests(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name       string
		method     string
		path       string
		accept     string
		wantStatus int
		wantType   string
	}{
		{"plain get wants json", http.MethodGet, DefaultPath, "application/json", http.StatusUpgradeRequired, "application/json"},
		{"plain get wants text", http.MethodGet, DefaultPath, "text/plain", http.StatusUpgradeRequired, "text/plain; charset=utf-8"},
		{"post", http.MethodPost, DefaultPath, "", http.StatusMethodNotAllowed, ""},
		{"other path", http.MethodGet, "/ws/extra", "", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, ts.srv.URL+tt.path, nil)
			if err != nil {
				t.Fatal(err)
			}
			if tt.accept != "" {
				req.Header.Set("Accept", tt.accept)
			}
			res, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("request: %v", err)
			}
			defer res.Body.Close()
			if res.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", res.StatusCode, tt.wantStatus)
			}
			if tt.wantType == "" {
				return
			}
			if got := res.Header.Get("Content-Type"); got != tt.wantType {
				t.Fatalf("content type = %q, want %q", got, tt.wantType)
			}
			if res.Header.Get("Upgrade") != "websocket" {
				t.Fatal("missing Upgrade header")
			}
			if tt.wantType == "application/json" {
				var body errorBody
				if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
					t.Fatalf("decode body: %v", err)
				}
				if body.Error != "upgrade_required" {
					t.Fatalf("body = %+v", body)
				}
			}
		})
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(nil); !errors.Is(err, ErrBusRequired) {
		t.Fatalf("nil bus: err = %v", err)
	}
	if _, err := New(memorybus.New(), WithPath("ws")); !errors.Is(err, ErrInvalidPath) {
		t.Fatalf("relative path: err = %v", err)
	}
	if _, err := New(memorybus.New(), WithResourceMetadata(ResourceMetadata{})); !errors.Is(err, ErrNoResource) {
		t.Fatalf("metadata without resource: err = %v", err)
	}
	gw, err := New(memorybus.New(), WithPath("/gateway"))
	if err != nil {
		t.Fatalf("custom path: %v", err)
	}
	if gw.Guilds() == nil {
		t.Fatal("guild bus not retained")
	}
}

func TestResourceMetadata(t *testing.T) {
	ts := newTestServer(t, WithResourceMetadata(ResourceMetadata{
		Resource: "wss://gateway.example/ws/",
		Issuers:  []string{"https://issuer.example"},
		Name:     "guild gateway",
	}))
	url := ts.srv.URL + "/.well-known/oauth-protected-resource/ws"

	res, err := http.Get(url)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", res.StatusCode)
	}
	if res.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("missing CORS header")
	}
	var doc struct {
		Resource             string   `json:"resource"`
		AuthorizationServers []string `json:"authorization_servers"`
		ResourceName         string   `json:"resource_name"`
	}
	if err := json.NewDecoder(res.Body).Decode(&doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc.Resource != "wss://gateway.example/ws/" || len(doc.AuthorizationServers) != 1 || doc.AuthorizationServers[0] != "https://issuer.example" || doc.ResourceName != "guild gateway" {
		t.Fatalf("document = %+v", doc)
	}

	req, _ := http.NewRequest(http.MethodOptions, url, nil)
	pre, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("options: %v", err)
	}
	pre.Body.Close()
	if pre.StatusCode != http.StatusNoContent {
		t.Fatalf("preflight status = %d", pre.StatusCode)
	}
}

func TestResourceMetadataDisabledByDefault(t *testing.T) {
	ts := newTestServer(t)
	res, err := http.Get(ts.srv.URL + "/.well-known/oauth-protected-resource/ws")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", res.StatusCode)
	}
}

// ============================================================================

// Bridge is an implementation of slog.Handler that works
// with the stdlib testing pkg.
type Bridge struct {
	slog.Handler
	t   testing.TB
	buf *bytes.Buffer
	mu  *sync.Mutex
}

// Handle implements slog.Handler.
func (b *Bridge) Handle(ctx context.Context, rec slog.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	err := b.Handler.Handle(ctx, rec)
	if err != nil {
		return err
	}

	output, err := io.ReadAll(b.buf)
	if err != nil {
		return err
	}

	// The output comes back with a newline, which we need to
	// trim before feeding to t.Log.
	output = bytes.TrimSuffix(output, []byte("\n"))

	b.t.Helper()

	b.t.Log(string(output))

	return nil
}

// WithAttrs implements slog.Handler.
func (b *Bridge) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Bridge{
		t:       b.t,
		buf:     b.buf,
		mu:      b.mu,
		Handler: b.Handler.WithAttrs(attrs),
	}
}

// WithGroup implements slog.Handler.
func (b *Bridge) WithGroup(name string) slog.Handler {
	return &Bridge{
		t:       b.t,
		buf:     b.buf,
		mu:      b.mu,
		Handler: b.Handler.WithGroup(name),
	}
}

// testLogHandler returns a Bridge wrapped in the context-enriching handler
// so request and session groups show up in test output.
func testLogHandler(t *testing.T) slog.Handler {
	b := &Bridge{
		t:   t,
		buf: &bytes.Buffer{},
		mu:  &sync.Mutex{},
	}
	hOpts := &slog.HandlerOptions{
		AddSource: false,
		Level:     slog.LevelDebug,
	}
	b.Handler = slog.NewTextHandler(b.buf, hOpts)

	return logctx.Handler{Handler: b}
}
