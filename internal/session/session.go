// Package session implements the lifecycle of a single gateway connection:
// the Hello handshake, the identify deadline, heartbeat supervision and the
// opcode dispatch that decides when a connection must be closed.
//
// A Session runs entirely on the goroutine that calls Run. Inbound frames,
// heartbeat ticks, the identify deadline and context cancellation are all
// multiplexed by one select loop, so session state is never touched
// concurrently.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ggoodman/guild-gateway-go/auth"
	"github.com/ggoodman/guild-gateway-go/closecode"
	"github.com/ggoodman/guild-gateway-go/internal/logctx"
	"github.com/ggoodman/guild-gateway-go/protocol"
	"github.com/google/uuid"
)

var (
	ErrNoConn     = errors.New("session: conn is required")
	ErrAlreadyRun = errors.New("session: already run")
)

// State is the lifecycle position of a Session.
type State uint32

const (
	AwaitingIdentify State = iota + 1
	Identified
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case AwaitingIdentify:
		return "awaiting_identify"
	case Identified:
		return "identified"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", uint32(s))
}

// Timings are the protocol clocks of a session.
type Timings struct {
	// HeartbeatInterval is how often the server pings the client. It is
	// advertised in Hello in whole seconds.
	HeartbeatInterval time.Duration
	// ClientTimeout is how long the client may stay silent before the
	// session is closed with HeartbeatTimeout.
	ClientTimeout time.Duration
	// IdentifyTimeout is how long the client has to send Identify.
	IdentifyTimeout time.Duration
}

// DefaultTimings returns the reference protocol timings: a 5s heartbeat, a
// 10s client timeout and a 10s identify deadline.
func DefaultTimings() Timings {
	return Timings{
		HeartbeatInterval: 5 * time.Second,
		ClientTimeout:     10 * time.Second,
		IdentifyTimeout:   10 * time.Second,
	}
}

func (t Timings) withDefaults() Timings {
	d := DefaultTimings()
	if t.HeartbeatInterval <= 0 {
		t.HeartbeatInterval = d.HeartbeatInterval
	}
	if t.ClientTimeout <= 0 {
		t.ClientTimeout = d.ClientTimeout
	}
	if t.IdentifyTimeout <= 0 {
		t.IdentifyTimeout = d.IdentifyTimeout
	}
	return t
}

// Config configures a Session.
type Config struct {
	Conn Conn
	// Timings left zero take their DefaultTimings value.
	Timings Timings
	// Registry maps close reasons to wire codes. Defaults to closecode.Default.
	Registry *closecode.Registry
	// Authenticator verifies identify tokens. When nil any structurally
	// valid Identify is accepted.
	Authenticator auth.Authenticator
	Logger        *slog.Logger
	// Now is the clock used for liveness. Defaults to time.Now.
	Now func() time.Time
}

// Result describes how a session ended.
type Result struct {
	// Reason is set when the session closed the connection for a registry
	// reason.
	Reason closecode.Reason
	// Code is the close code sent to the peer, or zero when no close frame
	// was sent.
	Code uint16
	// Remote reports that the peer or the transport ended the session.
	Remote bool
	// Identified reports whether the session completed Identify.
	Identified bool
	// UserID is the subject accepted by the Authenticator, if any.
	UserID string
}

// Session is one gateway connection.
type Session struct {
	id       uuid.UUID
	conn     Conn
	timings  Timings
	registry *closecode.Registry
	authn    auth.Authenticator
	log      *slog.Logger
	hb       *Supervisor

	state      atomic.Uint32
	identified atomic.Bool
	started    atomic.Bool

	userID    string
	logData   *logctx.SessionData
	identifyC <-chan time.Time
	identifyT *time.Timer
	result    Result
	err       error
}

// New creates a session with a fresh random id. The session does nothing
// until Run is called.
func New(cfg Config) (*Session, error) {
	if cfg.Conn == nil {
		return nil, ErrNoConn
	}
	registry := cfg.Registry
	if registry == nil {
		registry = closecode.Default
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	timings := cfg.Timings.withDefaults()

	s := &Session{
		id:       uuid.New(),
		conn:     cfg.Conn,
		timings:  timings,
		registry: registry,
		authn:    cfg.Authenticator,
		log:      log,
		hb:       NewSupervisor(timings.ClientTimeout, cfg.Now),
	}
	s.logData = &logctx.SessionData{SessionID: s.id.String()}
	s.setState(AwaitingIdentify)
	return s, nil
}

// ID returns the session id announced in Hello.
func (s *Session) ID() uuid.UUID { return s.id }

// State returns the current lifecycle state. It is safe to call from any
// goroutine.
func (s *Session) State() State { return State(s.state.Load()) }

// Identified reports whether the session has completed Identify.
func (s *Session) Identified() bool { return s.identified.Load() }

func (s *Session) setState(st State) {
	s.state.Store(uint32(st))
	s.logData.State = st.String()
}

// Run sends Hello and serves the connection until it is closed. Cancelling
// ctx closes the connection with a going-away status.
//
// Protocol violations and timeouts are reported in the Result, not as an
// error. The error is non-nil only when writing to the transport failed.
func (s *Session) Run(ctx context.Context) (Result, error) {
	if !s.started.CompareAndSwap(false, true) {
		return Result{}, ErrAlreadyRun
	}
	ctx = logctx.WithSessionData(ctx, s.logData)

	if err := s.sendHello(); err != nil {
		s.log.ErrorContext(ctx, "session.hello.fail", slog.String("err", err.Error()))
		s.result.Remote = true
		s.release(ctx)
		return s.result, fmt.Errorf("send hello: %w", err)
	}
	s.log.InfoContext(ctx, "session.hello.sent")

	heartbeat := time.NewTicker(s.timings.HeartbeatInterval)
	defer heartbeat.Stop()
	s.identifyT = time.NewTimer(s.timings.IdentifyTimeout)
	s.identifyC = s.identifyT.C
	defer s.identifyT.Stop()

	frames := s.conn.Frames()
	done := ctx.Done()
	for s.State() != Closed {
		select {
		case f, ok := <-frames:
			if !ok {
				s.transportGone(ctx, nil)
				continue
			}
			s.handleFrame(ctx, f)
		case <-heartbeat.C:
			s.onHeartbeat(ctx)
		case <-s.identifyC:
			s.onIdentifyDeadline(ctx)
		case <-done:
			s.shutdown(ctx)
		}
	}

	s.result.Identified = s.identified.Load()
	s.result.UserID = s.userID
	return s.result, s.err
}

func (s *Session) sendHello() error {
	env, err := protocol.FromOp(protocol.Hello{
		Heartbeat: uint64(s.timings.HeartbeatInterval / time.Second),
		SessionID: s.id,
	}, protocol.OpHello)
	if err != nil {
		return err
	}
	b, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	return s.conn.WriteText(b)
}

func (s *Session) closingOrClosed() bool {
	return s.State() >= Closing
}

func (s *Session) handleFrame(ctx context.Context, f Frame) {
	if s.closingOrClosed() {
		return
	}
	switch f.Kind {
	case FramePing:
		s.hb.Touch()
		if err := s.conn.WritePong(f.Data); err != nil {
			s.writeFailed(ctx, "pong", err)
		}
	case FramePong:
		s.hb.Touch()
	case FrameText:
		s.handleText(ctx, f.Data)
	case FrameClosed:
		s.transportGone(ctx, f.Err)
	case FrameOversize:
		s.log.DebugContext(ctx, "session.packet.oversize")
		s.closeWith(ctx, closecode.InvalidPacket)
	default:
		s.log.DebugContext(ctx, "session.packet.invalid", slog.String("kind", f.Kind.String()))
		s.closeWith(ctx, closecode.InvalidPacket)
	}
}

func (s *Session) handleText(ctx context.Context, data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		s.log.DebugContext(ctx, "session.packet.invalid", slog.String("err", err.Error()))
		s.closeWith(ctx, closecode.InvalidPacket)
		return
	}

	switch env.Op {
	case protocol.OpIdentify:
		s.handleIdentify(ctx, env)
	case protocol.OpGuildSubscribe, protocol.OpGuildUnsubscribe, protocol.OpGuildRequest:
		// Guild subscriptions are not served yet.
		s.log.DebugContext(ctx, "session.op.unsupported", slog.String("op", env.Op.String()))
		s.closeWith(ctx, closecode.InvalidOpCode)
	default:
		s.log.DebugContext(ctx, "session.op.invalid", slog.String("op", env.Op.String()))
		s.closeWith(ctx, closecode.InvalidOpCode)
	}
}

func (s *Session) handleIdentify(ctx context.Context, env protocol.Envelope) {
	if s.identified.Load() {
		s.log.DebugContext(ctx, "session.identify.repeat")
		s.closeWith(ctx, closecode.InvalidOpCode)
		return
	}

	var id protocol.Identify
	if err := protocol.ValidateCommand(env.Op, env.Data); err != nil {
		s.log.DebugContext(ctx, "session.identify.invalid", slog.String("err", err.Error()))
		s.closeWith(ctx, closecode.InvalidOpCode)
		return
	}
	if err := env.DecodeData(&id); err != nil {
		s.log.DebugContext(ctx, "session.identify.invalid", slog.String("err", err.Error()))
		s.closeWith(ctx, closecode.InvalidOpCode)
		return
	}

	if s.authn != nil {
		ui, err := s.authn.CheckAuthentication(ctx, id.Token)
		switch {
		case err == nil:
			if ui != nil {
				s.userID = ui.UserID()
			}
		case errors.Is(err, auth.ErrUnauthorized):
			s.log.InfoContext(ctx, "session.identify.rejected", slog.String("err", err.Error()))
			s.closeWith(ctx, closecode.InvalidUserToken)
			return
		case ctx.Err() != nil:
			s.shutdown(ctx)
			return
		default:
			s.log.ErrorContext(ctx, "session.identify.fail", slog.String("err", err.Error()))
			if s.beginClosing() {
				s.finish(ctx, closecode.InternalError, "identify could not be verified")
			}
			return
		}
	}

	s.identified.Store(true)
	s.logData.UserID = s.userID
	s.setState(Identified)
	s.stopIdentifyDeadline()
	s.log.InfoContext(ctx, "session.identify.ok")
}

func (s *Session) onHeartbeat(ctx context.Context) {
	if s.closingOrClosed() {
		return
	}
	if s.hb.Check() == Stale {
		s.log.InfoContext(ctx, "session.heartbeat.timeout", slog.Time("last_liveness", s.hb.LastLiveness()))
		s.closeWith(ctx, closecode.HeartbeatTimeout)
		return
	}
	if err := s.conn.WritePing(nil); err != nil {
		s.writeFailed(ctx, "ping", err)
	}
}

func (s *Session) onIdentifyDeadline(ctx context.Context) {
	s.identifyC = nil
	if s.closingOrClosed() || s.identified.Load() {
		return
	}
	s.closeWith(ctx, closecode.IdentifyTimeout)
}

func (s *Session) stopIdentifyDeadline() {
	if s.identifyT != nil {
		s.identifyT.Stop()
	}
	s.identifyC = nil
}

func (s *Session) shutdown(ctx context.Context) {
	if !s.beginClosing() {
		return
	}
	s.log.InfoContext(ctx, "session.shutdown")
	s.finish(ctx, closecode.GoingAway, "server shutting down")
}

// closeWith closes the connection for reason. Only the first call has any
// effect.
func (s *Session) closeWith(ctx context.Context, reason closecode.Reason) {
	if !s.beginClosing() {
		return
	}
	s.result.Reason = reason
	code := s.registry.CodeFor(reason)
	s.log.InfoContext(ctx, "session.close", slog.String("reason", reason.String()), slog.Int("code", int(code)))
	s.finish(ctx, code, s.registry.DescriptionFor(reason))
}

func (s *Session) beginClosing() bool {
	if s.closingOrClosed() {
		return false
	}
	s.setState(Closing)
	return true
}

func (s *Session) finish(ctx context.Context, code uint16, text string) {
	s.result.Code = code
	if err := s.conn.WriteClose(code, text); err != nil {
		s.log.WarnContext(ctx, "session.close.write.fail", slog.String("err", err.Error()))
		s.err = fmt.Errorf("write close frame: %w", err)
	}
	s.release(ctx)
}

func (s *Session) transportGone(ctx context.Context, cause error) {
	if s.State() == Closed {
		return
	}
	attrs := []any{}
	if cause != nil {
		attrs = append(attrs, slog.String("err", cause.Error()))
	}
	s.log.InfoContext(ctx, "session.transport.closed", attrs...)
	s.result.Remote = true
	s.release(ctx)
}

func (s *Session) writeFailed(ctx context.Context, what string, err error) {
	s.log.WarnContext(ctx, "session.write.fail", slog.String("frame", what), slog.String("err", err.Error()))
	s.err = fmt.Errorf("write %s: %w", what, err)
	s.result.Remote = true
	s.release(ctx)
}

func (s *Session) release(ctx context.Context) {
	if err := s.conn.Close(); err != nil {
		s.log.DebugContext(ctx, "session.conn.close.fail", slog.String("err", err.Error()))
	}
	s.stopIdentifyDeadline()
	s.setState(Closed)
}
