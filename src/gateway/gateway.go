package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hendrywilliam/chime/src/presence"
	"github.com/hendrywilliam/chime/src/structs"
)

type GatewayStatus = string

const (
	StatusConnecting    GatewayStatus = "CONNECTING"
	StatusAwaitingHello GatewayStatus = "AWAITING_HELLO"
	StatusIdentifying   GatewayStatus = "IDENTIFYING"
	StatusReady         GatewayStatus = "READY"
	StatusReconnecting  GatewayStatus = "RECONNECTING"
	StatusStopped       GatewayStatus = "STOPPED"
)

type GatewayOpcode = int

const (
	OpcodeDispatch       GatewayOpcode = 0
	OpcodeHeartbeat      GatewayOpcode = 1
	OpcodeIdentify       GatewayOpcode = 2
	OpcodePresenceUpdate GatewayOpcode = 3
	OpcodeResume         GatewayOpcode = 6
	OpcodeReconnect      GatewayOpcode = 7
	OpcodeInvalidSession GatewayOpcode = 9
	OpcodeHello          GatewayOpcode = 10
	OpcodeHeartbeatAck   GatewayOpcode = 11
)

type GatewayCloseEventCode = int

const (
	UnknownError         GatewayCloseEventCode = 4000
	UnknownOpcode        GatewayCloseEventCode = 4001
	DecodeError          GatewayCloseEventCode = 4002
	NotAuthenticated     GatewayCloseEventCode = 4003
	AuthenticationFailed GatewayCloseEventCode = 4004
	AlreadyAuthenticated GatewayCloseEventCode = 4005
	InvalidSeq           GatewayCloseEventCode = 4007
	RateLimited          GatewayCloseEventCode = 4008
	SessionTimedOut      GatewayCloseEventCode = 4009

	DisallowedIntents GatewayCloseEventCode = 4014
)

// CloseCodeStop is the code this client sends on an intentional stop.
// The listener treats it as terminal and never reconnects from it.
const CloseCodeStop = 4000

var (
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrNotAuthenticated     = errors.New("not authenticated")
	ErrDecode               = errors.New("invalid payload")
	ErrDisallowedIntents    = errors.New("disallowed intent. you may have tried to specify an intent that you have not enabled")
	ErrUnknown              = errors.New("unknown error")
	ErrNotConnected         = errors.New("gateway is not connected")
	ErrReadyTimeout         = errors.New("timed out waiting for ready, authentication may have been rejected")
)

// Gateway owns one live websocket connection to the realtime endpoint
// and runs the identify/heartbeat protocol on it. Presence sends are
// gated on the first ready signal.
type Gateway struct {
	rwlock   sync.RWMutex // guards wsConn and serializes frame writes
	wsurl    string
	wsDialer *websocket.Dialer
	wsConn   *websocket.Conn
	ctx      context.Context

	stateMu  sync.Mutex
	sequence *uint64 // last seen, nil until the first frame carrying s
	user     *structs.User
	status   GatewayStatus

	// Exactly one pending heartbeat exists at any time; scheduling a
	// new one cancels the previous one first.
	hbMu              sync.Mutex
	heartbeatTimer    *time.Timer
	heartbeatInterval time.Duration

	readyOnce sync.Once
	ready     chan struct{}
	stopped   atomic.Bool

	identity       structs.IdentifyEvent
	composer       *presence.Composer
	invisible      bool
	readyTimeout   time.Duration
	reconnectDelay time.Duration
	errs           chan error
	log            *slog.Logger
}

type GatewayArguments struct {
	Token      string
	Composer   *presence.Composer
	Properties structs.IdentifyEventProperties
	Intents    uint64
	Compress   bool
	// Invisible selects the status of the empty presence sent right
	// after identify, so the wire status never flaps between identify
	// and the first playback event.
	Invisible bool

	// GatewayURL overrides the wss endpoint in tests.
	GatewayURL     string
	ReadyTimeout   time.Duration
	ReconnectDelay time.Duration
	Logger         *slog.Logger
}

func NewGateway(args GatewayArguments) *Gateway {
	if args.GatewayURL == "" {
		// https://discord.com/developers/docs/reference#http-api
		u := url.URL{
			Scheme:   "wss",
			Host:     "gateway.discord.gg",
			RawQuery: fmt.Sprintf("v=%v&encoding=json", 10),
		}
		args.GatewayURL = u.String()
	}
	if args.Properties == (structs.IdentifyEventProperties{}) {
		args.Properties = structs.IdentifyEventProperties{
			Os:      "windows",
			Browser: "Chrome",
			Device:  "disco",
		}
	}
	if args.ReadyTimeout <= 0 {
		args.ReadyTimeout = 30 * time.Second
	}
	if args.ReconnectDelay <= 0 {
		args.ReconnectDelay = 2 * time.Second
	}
	if args.Logger == nil {
		args.Logger = slog.Default()
	}
	return &Gateway{
		wsurl:    args.GatewayURL,
		wsDialer: websocket.DefaultDialer,
		status:   StatusConnecting,
		ready:    make(chan struct{}),
		identity: structs.IdentifyEvent{
			Token:      args.Token,
			Properties: args.Properties,
			Compress:   args.Compress,
			Intents:    args.Intents,
		},
		composer:       args.Composer,
		invisible:      args.Invisible,
		readyTimeout:   args.ReadyTimeout,
		reconnectDelay: args.ReconnectDelay,
		errs:           make(chan error, 16),
		log:            args.Logger,
	}
}

func (g *Gateway) Open(ctx context.Context) error {
	g.ctx = ctx
	return g.openConn()
}

func (g *Gateway) openConn() error {
	g.log.Info("connecting to gateway...")
	conn, _, err := g.wsDialer.DialContext(g.ctx, g.wsurl, nil)
	if err != nil {
		return fmt.Errorf("failed to dial gateway: %w", err)
	}
	g.rwlock.Lock()
	g.wsConn = conn
	g.rwlock.Unlock()
	g.setStatus(StatusAwaitingHello)
	go g.listen(conn)
	return nil
}

// Errors delivers background protocol failures (socket drops, rejected
// authentication) that have no synchronous caller to land on.
func (g *Gateway) Errors() <-chan error {
	return g.errs
}

func (g *Gateway) Status() GatewayStatus {
	g.stateMu.Lock()
	defer g.stateMu.Unlock()
	return g.status
}

// SendPresence composes and transmits the presence built by mutate. It
// blocks until the account has been observed ready at least once; the
// wait is bounded so a silently rejected token fails instead of hanging
// the caller forever.
func (g *Gateway) SendPresence(ctx context.Context, invisible bool, mutate func(*presence.State)) error {
	st := &presence.State{}
	mutate(st)
	if err := g.waitReady(ctx); err != nil {
		return err
	}
	activity := g.composer.Activity(ctx, st)
	d := g.composer.Presence([]structs.Activity{activity}, invisible)
	return g.sendRaw(structs.Event{Op: OpcodePresenceUpdate, D: d})
}

// SendDefaultPresence transmits an empty-activity presence so the state
// on the wire is never undefined.
func (g *Gateway) SendDefaultPresence(invisible bool) error {
	d := g.composer.Presence(nil, invisible)
	return g.sendRaw(structs.Event{Op: OpcodePresenceUpdate, D: d})
}

// User returns the authenticated account, waiting for the first ready
// event to publish it.
func (g *Gateway) User(ctx context.Context) (*structs.User, error) {
	if err := g.waitReady(ctx); err != nil {
		return nil, err
	}
	g.stateMu.Lock()
	defer g.stateMu.Unlock()
	return g.user, nil
}

// Stop closes the socket with the distinguished stop code. Terminal: no
// reconnect, heartbeat canceled without error propagation.
func (g *Gateway) Stop() {
	if !g.stopped.CompareAndSwap(false, true) {
		return
	}
	g.cancelHeartbeat()
	g.setStatus(StatusStopped)
	g.rwlock.Lock()
	defer g.rwlock.Unlock()
	if g.wsConn != nil {
		msg := websocket.FormatCloseMessage(CloseCodeStop, "stop")
		_ = g.wsConn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		g.wsConn.Close()
		g.wsConn = nil
	}
	g.log.Info("gateway connection stopped")
}

func (g *Gateway) waitReady(ctx context.Context) error {
	timer := time.NewTimer(g.readyTimeout)
	defer timer.Stop()
	select {
	case <-g.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrReadyTimeout
	}
}

func (g *Gateway) listen(conn *websocket.Conn) {
	for {
		select {
		case <-g.ctx.Done():
			g.log.Info("gateway stop listening")
			return
		default:
		}
		g.rwlock.RLock()
		same := g.wsConn == conn
		g.rwlock.RUnlock()
		if !same {
			// A newer connection took over; this goroutine simply exits.
			return
		}
		_, message, err := conn.ReadMessage()
		if err != nil {
			g.handleSocketFailure(conn, err)
			return
		}
		if err := g.acceptEvent(message); err != nil {
			g.log.Error("failed to process gateway frame", "error", err)
		}
	}
}

func (g *Gateway) handleSocketFailure(conn *websocket.Conn, err error) {
	if g.stopped.Load() || g.ctx.Err() != nil {
		g.log.Info("gateway stopped listening")
		return
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		mapped := closeCodeError(ce.Code)
		g.emitErr(mapped)
		switch ce.Code {
		case NotAuthenticated, AuthenticationFailed, DisallowedIntents:
			// Retrying with the same credentials cannot succeed.
			g.log.Error("gateway closed by server", "close_code", ce.Code, "error", mapped)
			g.cancelHeartbeat()
			g.setStatus(StatusStopped)
			g.rwlock.Lock()
			if g.wsConn == conn {
				g.wsConn = nil
			}
			g.rwlock.Unlock()
			conn.Close()
			return
		}
	} else {
		g.emitErr(fmt.Errorf("gateway socket failed: %w", err))
	}
	g.cancelHeartbeat()
	go g.reconnect(conn)
}

func (g *Gateway) acceptEvent(raw []byte) error {
	var e structs.RawEvent
	if err := json.Unmarshal(raw, &e); err != nil {
		return fmt.Errorf("failed to unmarshal gateway frame: %w", err)
	}
	if e.S != nil {
		// Losing this breaks resume semantics: every heartbeat echoes it.
		seq := *e.S
		g.stateMu.Lock()
		g.sequence = &seq
		g.stateMu.Unlock()
	}
	switch e.Op {
	case OpcodeHello:
		var hello structs.HelloEvent
		if err := json.Unmarshal(e.D, &hello); err != nil {
			return fmt.Errorf("malformed hello frame: %w", err)
		}
		g.hbMu.Lock()
		g.heartbeatInterval = time.Duration(hello.HeartbeatInterval) * time.Millisecond
		g.hbMu.Unlock()
		g.scheduleHeartbeat()
		g.setStatus(StatusIdentifying)
		if err := g.identify(); err != nil {
			return fmt.Errorf("failed to send identify event: %w", err)
		}
		g.log.Info("identify event sent")
		if err := g.SendDefaultPresence(g.invisible); err != nil {
			g.log.Warn("failed to send default presence", "error", err)
		}
	case OpcodeDispatch:
		if e.T == structs.EventNameReady {
			var ready structs.ReadyEvent
			if err := json.Unmarshal(e.D, &ready); err != nil {
				return fmt.Errorf("malformed ready event: %w", err)
			}
			g.stateMu.Lock()
			g.user = &ready.User
			g.status = StatusReady
			g.stateMu.Unlock()
			g.readyOnce.Do(func() { close(g.ready) })
			g.log.Info("gateway is ready", "username", ready.User.Username)
		}
	case OpcodeHeartbeat:
		// Server wants a beat right now, in place of the scheduled one.
		g.cancelHeartbeat()
		if err := g.sendHeartbeat(); err != nil {
			return fmt.Errorf("failed to send requested heartbeat: %w", err)
		}
	case OpcodeHeartbeatAck:
		g.scheduleHeartbeat()
	case OpcodeReconnect:
		g.log.Info("server requested reconnect")
		g.closeCurrent(websocket.CloseServiceRestart, "reconnect")
	case OpcodeInvalidSession:
		g.log.Warn("invalid session, re-identifying")
		g.scheduleHeartbeat()
		if err := g.identify(); err != nil {
			return fmt.Errorf("failed to re-identify: %w", err)
		}
	default:
		g.log.Warn("unknown opcode, ignoring", "op_code", e.Op)
	}
	return nil
}

// scheduleHeartbeat arms the single pending heartbeat after the learned
// interval, canceling any prior pending one. Duplicated beats get the
// connection dropped for protocol violation.
func (g *Gateway) scheduleHeartbeat() {
	g.hbMu.Lock()
	defer g.hbMu.Unlock()
	if g.heartbeatInterval <= 0 {
		return
	}
	if g.heartbeatTimer != nil {
		g.heartbeatTimer.Stop()
	}
	g.heartbeatTimer = time.AfterFunc(g.heartbeatInterval, func() {
		if err := g.sendHeartbeat(); err != nil {
			g.log.Error("failed to send heartbeat", "error", err)
		}
	})
}

func (g *Gateway) cancelHeartbeat() {
	g.hbMu.Lock()
	defer g.hbMu.Unlock()
	if g.heartbeatTimer != nil {
		g.heartbeatTimer.Stop()
		g.heartbeatTimer = nil
	}
}

func (g *Gateway) sendHeartbeat() error {
	g.stateMu.Lock()
	var seq *uint64
	if g.sequence != nil {
		v := *g.sequence
		seq = &v
	}
	g.stateMu.Unlock()
	return g.sendRaw(structs.HeartbeatEvent{Op: OpcodeHeartbeat, D: seq})
}

func (g *Gateway) identify() error {
	return g.sendRaw(structs.Event{Op: OpcodeIdentify, D: g.identity})
}

// reconnect replaces the failed socket wholesale. A cold reconnect: no
// per-connection state survives except the top-level configuration.
func (g *Gateway) reconnect(old *websocket.Conn) {
	g.rwlock.Lock()
	if g.wsConn != old {
		// Another failure path already replaced it.
		g.rwlock.Unlock()
		return
	}
	g.wsConn = nil
	g.rwlock.Unlock()
	old.Close()
	g.setStatus(StatusReconnecting)
	g.stateMu.Lock()
	g.sequence = nil
	g.stateMu.Unlock()
	for {
		if g.stopped.Load() || g.ctx.Err() != nil {
			return
		}
		err := g.openConn()
		if err == nil {
			return
		}
		g.log.Error("reconnect attempt failed, retrying", "error", err)
		select {
		case <-time.After(g.reconnectDelay):
		case <-g.ctx.Done():
			return
		}
	}
}

func (g *Gateway) closeCurrent(code int, reason string) {
	g.rwlock.Lock()
	defer g.rwlock.Unlock()
	if g.wsConn == nil {
		return
	}
	msg := websocket.FormatCloseMessage(code, reason)
	_ = g.wsConn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	g.wsConn.Close()
}

func (g *Gateway) sendRaw(event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal gateway event: %w", err)
	}
	g.rwlock.Lock()
	defer g.rwlock.Unlock()
	if g.wsConn == nil {
		return ErrNotConnected
	}
	return g.wsConn.WriteMessage(websocket.TextMessage, data)
}

func (g *Gateway) setStatus(s GatewayStatus) {
	g.stateMu.Lock()
	g.status = s
	g.stateMu.Unlock()
}

func (g *Gateway) emitErr(err error) {
	select {
	case g.errs <- err:
	default:
	}
}

func closeCodeError(code int) error {
	switch code {
	case AuthenticationFailed:
		return ErrAuthenticationFailed
	case NotAuthenticated:
		return ErrNotAuthenticated
	case DecodeError:
		return ErrDecode
	case DisallowedIntents:
		return ErrDisallowedIntents
	default:
		return ErrUnknown
	}
}
