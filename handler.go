// Package gateway serves the guild event gateway over WebSocket.
//
// A Gateway is an http.Handler. Each upgraded connection runs one session on
// the request goroutine: the server greets with Hello, expects Identify within
// the identify deadline and pings the client on every heartbeat interval,
// closing the connection with a numbered reason when the client misbehaves.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/guild-gateway-go/auth"
	"github.com/ggoodman/guild-gateway-go/closecode"
	"github.com/ggoodman/guild-gateway-go/guildbus"
	"github.com/ggoodman/guild-gateway-go/internal/logctx"
	"github.com/ggoodman/guild-gateway-go/internal/session"
	"github.com/ggoodman/guild-gateway-go/internal/wellknown"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var (
	_ http.Handler = (*Gateway)(nil)
)

var (
	ErrBusRequired  = errors.New("gateway: guild bus is required")
	ErrInvalidPath  = errors.New("gateway: path must start with /")
	ErrShuttingDown = errors.New("gateway: shutting down")
	ErrNoResource   = errors.New("gateway: resource metadata requires a resource URL")
)

var (
	jsonMediaType  = contenttype.NewMediaType("application/json")
	textMediaType  = contenttype.NewMediaType("text/plain")
	errorMediaType = []contenttype.MediaType{jsonMediaType, textMediaType}
)

const (
	DefaultPath         = "/ws/"
	defaultWriteTimeout = 5 * time.Second
	defaultReadLimit    = 64 << 10
)

// Timings are the protocol clocks applied to every session. Zero fields keep
// their defaults: a 5s heartbeat interval, a 10s client timeout and a 10s
// identify deadline.
type Timings struct {
	HeartbeatInterval time.Duration
	ClientTimeout     time.Duration
	IdentifyTimeout   time.Duration
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) {
		if l != nil {
			g.log = l
		}
	}
}

// WithAuthenticator verifies the token of every Identify. Rejected tokens
// close the session with InvalidUserToken. Without an authenticator any
// well-formed Identify is accepted.
func WithAuthenticator(a auth.Authenticator) Option {
	return func(g *Gateway) { g.authn = a }
}

// WithPath sets the endpoint path. Defaults to DefaultPath.
func WithPath(path string) Option {
	return func(g *Gateway) { g.path = path }
}

// WithTimings overrides the session protocol clocks.
func WithTimings(t Timings) Option {
	return func(g *Gateway) { g.timings = t }
}

// WithCheckOrigin sets the origin policy for upgrades. The default rejects
// cross-origin browser requests.
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(g *Gateway) { g.upgrader.CheckOrigin = fn }
}

// WithCloseRegistry replaces the close code table.
func WithCloseRegistry(r *closecode.Registry) Option {
	return func(g *Gateway) {
		if r != nil {
			g.registry = r
		}
	}
}

// WithWriteTimeout bounds every frame write. Defaults to 5s.
func WithWriteTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.writeTimeout = d
		}
	}
}

// WithReadLimit caps the size of an inbound message. Defaults to 64 KiB.
func WithReadLimit(n int64) Option {
	return func(g *Gateway) {
		if n > 0 {
			g.readLimit = n
		}
	}
}

// ResourceMetadata describes where clients obtain identify tokens. See
// WithResourceMetadata.
type ResourceMetadata struct {
	// Resource is the public URL of the gateway endpoint. Required.
	Resource string
	// Issuers are the authorization servers whose tokens are accepted.
	Issuers []string
	JWKSURL string
	Scopes  []string
	Name    string
}

// WithResourceMetadata publishes an OAuth protected resource document at
// /.well-known/oauth-protected-resource followed by the endpoint path.
func WithResourceMetadata(md ResourceMetadata) Option {
	return func(g *Gateway) {
		g.prm = &wellknown.ProtectedResourceMetadata{
			Resource:             md.Resource,
			AuthorizationServers: md.Issuers,
			JwksURI:              md.JWKSURL,
			ScopesSupported:      md.Scopes,
			ResourceName:         md.Name,
		}
	}
}

// Gateway accepts WebSocket connections and runs a session on each.
type Gateway struct {
	mux          *http.ServeMux
	log          *slog.Logger
	bus          guildbus.Bus
	authn        auth.Authenticator
	path         string
	timings      Timings
	registry     *closecode.Registry
	upgrader     websocket.Upgrader
	writeTimeout time.Duration
	readLimit    int64
	prm          *wellknown.ProtectedResourceMetadata

	mu       sync.Mutex
	live     map[*session.Session]context.CancelFunc
	wg       sync.WaitGroup
	shutdown bool
}

// New creates a Gateway. The guild bus is where sessions will source guild
// events from; it is required even though no session subscribes yet.
func New(bus guildbus.Bus, opts ...Option) (*Gateway, error) {
	if bus == nil {
		return nil, ErrBusRequired
	}
	g := &Gateway{
		log:          slog.Default(),
		bus:          bus,
		path:         DefaultPath,
		registry:     closecode.Default,
		writeTimeout: defaultWriteTimeout,
		readLimit:    defaultReadLimit,
		live:         make(map[*session.Session]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(g)
	}
	if !strings.HasPrefix(g.path, "/") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPath, g.path)
	}
	if g.prm != nil && g.prm.Resource == "" {
		return nil, ErrNoResource
	}
	g.upgrader.HandshakeTimeout = g.writeTimeout

	pattern := g.path
	if strings.HasSuffix(pattern, "/") {
		pattern += "{$}"
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+pattern, g.handleConnect)
	if g.prm != nil {
		prmPath := wellknown.ProtectedResourcePrefix + strings.TrimSuffix(g.path, "/")
		mux.HandleFunc("GET "+prmPath, g.handleGetResourceMetadata)
		mux.HandleFunc("OPTIONS "+prmPath, g.handleOptionsResourceMetadata)
	}
	g.mux = mux
	return g, nil
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.mux.ServeHTTP(w, r)
}

// Guilds returns the guild bus the gateway was built with.
func (g *Gateway) Guilds() guildbus.Bus { return g.bus }

// ActiveSessions returns the number of sessions currently running.
func (g *Gateway) ActiveSessions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.live)
}

// Shutdown stops accepting connections, closes every live session with a
// going-away status and waits for them to finish or for ctx to end.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.shutdown = true
	for _, cancel := range g.live {
		cancel()
	}
	n := len(g.live)
	g.mu.Unlock()

	g.log.InfoContext(ctx, "gateway.shutdown", slog.Int("sessions", n))

	drained := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Gateway) handleConnect(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})

	if !websocket.IsWebSocketUpgrade(r) {
		g.log.DebugContext(ctx, "http.upgrade.missing")
		g.writeError(w, r, http.StatusUpgradeRequired, "upgrade_required", "this endpoint only accepts WebSocket connections")
		return
	}

	g.mu.Lock()
	closing := g.shutdown
	g.mu.Unlock()
	if closing {
		g.writeError(w, r, http.StatusServiceUnavailable, "shutting_down", ErrShuttingDown.Error())
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already replied with an HTTP error.
		g.log.InfoContext(ctx, "http.upgrade.fail", slog.String("err", err.Error()))
		return
	}
	conn := newWSConn(ws, g.readLimit, g.writeTimeout)

	sess, err := session.New(session.Config{
		Conn: conn,
		Timings: session.Timings{
			HeartbeatInterval: g.timings.HeartbeatInterval,
			ClientTimeout:     g.timings.ClientTimeout,
			IdentifyTimeout:   g.timings.IdentifyTimeout,
		},
		Registry:      g.registry,
		Authenticator: g.authn,
		Logger:        g.log,
	})
	if err != nil {
		g.log.ErrorContext(ctx, "session.create.fail", slog.String("err", err.Error()))
		conn.Close()
		return
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	if !g.track(sess, cancel) {
		conn.WriteClose(closecode.GoingAway, ErrShuttingDown.Error())
		conn.Close()
		return
	}
	defer g.untrack(sess)

	g.log.InfoContext(ctx, "session.start", slog.String("session_id", sess.ID().String()))
	res, err := sess.Run(runCtx)
	attrs := []any{
		slog.String("session_id", sess.ID().String()),
		slog.Int("code", int(res.Code)),
		slog.Bool("remote", res.Remote),
		slog.Bool("identified", res.Identified),
	}
	if res.Reason.Valid() {
		attrs = append(attrs, slog.String("reason", res.Reason.String()))
	}
	if err != nil {
		attrs = append(attrs, slog.String("err", err.Error()))
	}
	g.log.InfoContext(ctx, "session.end", attrs...)
}

func (g *Gateway) track(s *session.Session, cancel context.CancelFunc) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.shutdown {
		return false
	}
	g.live[s] = cancel
	g.wg.Add(1)
	return true
}

func (g *Gateway) untrack(s *session.Session) {
	g.mu.Lock()
	delete(g.live, s)
	g.mu.Unlock()
	g.wg.Done()
}

func (g *Gateway) handleOptionsResourceMetadata(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept")
	w.Header().Set("Access-Control-Max-Age", "600")
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleGetResourceMetadata(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Vary", "Origin")
	w.Header().Set("Content-Type", jsonMediaType.String())
	if err := json.NewEncoder(w).Encode(g.prm); err != nil {
		g.log.ErrorContext(r.Context(), "http.metadata.fail", slog.String("err", err.Error()))
	}
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (g *Gateway) writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	if status == http.StatusUpgradeRequired {
		w.Header().Set("Upgrade", "websocket")
		w.Header().Set("Connection", "Upgrade")
	}
	mt, _, err := contenttype.GetAcceptableMediaType(r, errorMediaType)
	if err == nil && mt.Matches(jsonMediaType) {
		w.Header().Set("Content-Type", jsonMediaType.String())
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(errorBody{Error: code, Message: msg})
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintln(w, msg)
}
