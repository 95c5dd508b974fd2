package gateway

import (
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

	"github.com/gorilla/websocket"
	"github.com/hendrywilliam/chime/src/assets"
	"github.com/hendrywilliam/chime/src/presence"
	"github.com/hendrywilliam/chime/src/structs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clientFrame struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d"`
	T  string          `json:"t"`
}

func (f clientFrame) presence(t *testing.T) structs.Presence {
	var p structs.Presence
	require.NoError(t, json.Unmarshal(f.D, &p))
	return p
}

// fakeGateway is a minimal realtime endpoint: it sends Hello on
// connect, answers Identify with Ready (optionally gated), and records
// every client frame.
type fakeGateway struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu   sync.Mutex
	conn *websocket.Conn

	conns     atomic.Int32
	closeCode atomic.Int32
	frames    chan clientFrame

	heartbeatInterval uint64
	readyGate         chan struct{} // nil means ready immediately
	dropAfterReady    atomic.Bool
}

func newFakeGateway(t *testing.T) *fakeGateway {
	fg := &fakeGateway{
		t:                 t,
		frames:            make(chan clientFrame, 64),
		heartbeatInterval: 60_000,
	}
	fg.srv = httptest.NewServer(http.HandlerFunc(fg.handle))
	t.Cleanup(fg.srv.Close)
	return fg
}

func (fg *fakeGateway) url() string {
	return "ws" + strings.TrimPrefix(fg.srv.URL, "http")
}

func (fg *fakeGateway) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := fg.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	fg.conns.Add(1)
	fg.mu.Lock()
	fg.conn = conn
	fg.mu.Unlock()
	fg.write(map[string]any{"op": OpcodeHello, "d": map[string]any{"heartbeat_interval": fg.heartbeatInterval}})
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				fg.closeCode.Store(int32(ce.Code))
			}
			return
		}
		var f clientFrame
		if err := json.Unmarshal(msg, &f); err != nil {
			continue
		}
		select {
		case fg.frames <- f:
		default:
		}
		if f.Op == OpcodeIdentify {
			go func() {
				if fg.readyGate != nil {
					<-fg.readyGate
				}
				fg.write(map[string]any{
					"op": OpcodeDispatch,
					"t":  structs.EventNameReady,
					"s":  1,
					"d": map[string]any{
						"v":          10,
						"session_id": "sess-1",
						"user": map[string]string{
							"id":          "42",
							"username":    "tester",
							"global_name": "Tester",
						},
					},
				})
				if fg.dropAfterReady.CompareAndSwap(true, false) {
					time.Sleep(20 * time.Millisecond)
					conn.Close()
				}
			}()
		}
	}
}

func (fg *fakeGateway) closeWithCode(code int) {
	fg.mu.Lock()
	defer fg.mu.Unlock()
	if fg.conn != nil {
		msg := websocket.FormatCloseMessage(code, "")
		_ = fg.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		fg.conn.Close()
	}
}

func (fg *fakeGateway) write(v any) {
	fg.mu.Lock()
	defer fg.mu.Unlock()
	if fg.conn != nil {
		_ = fg.conn.WriteJSON(v)
	}
}

// collect drains frames arriving within the window.
func (fg *fakeGateway) collect(d time.Duration) []clientFrame {
	var out []clientFrame
	deadline := time.After(d)
	for {
		select {
		case f := <-fg.frames:
			out = append(out, f)
		case <-deadline:
			return out
		}
	}
}

func (fg *fakeGateway) waitFor(t *testing.T, d time.Duration, pred func(clientFrame) bool) clientFrame {
	t.Helper()
	deadline := time.After(d)
	for {
		select {
		case f := <-fg.frames:
			if pred(f) {
				return f
			}
		case <-deadline:
			t.Fatal("expected frame never arrived")
			return clientFrame{}
		}
	}
}

func testGateway(t *testing.T, fg *fakeGateway) *Gateway {
	composer := presence.NewComposer(presence.ComposerArguments{
		ApplicationID: "app-1",
		Resolver:      assets.NewResolver(assets.ResolverArguments{}),
	})
	return NewGateway(GatewayArguments{
		Token:          "user-token",
		Composer:       composer,
		GatewayURL:     fg.url(),
		ReadyTimeout:   2 * time.Second,
		ReconnectDelay: 30 * time.Millisecond,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func isActivityPresence(f clientFrame) bool {
	if f.Op != OpcodePresenceUpdate {
		return false
	}
	var p structs.Presence
	if err := json.Unmarshal(f.D, &p); err != nil {
		return false
	}
	return len(p.Activities) > 0
}

func TestNoPresenceTransmittedBeforeReady(t *testing.T) {
	fg := newFakeGateway(t)
	release := make(chan struct{})
	fg.readyGate = release
	g := testGateway(t, fg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, g.Open(ctx))
	defer g.Stop()

	sendDone := make(chan error, 1)
	go func() {
		sendDone <- g.SendPresence(ctx, false, func(st *presence.State) {
			st.Type = presence.TypeListening
			st.ActivityName = "Some Song"
		})
	}()

	// Identify and the default empty presence may flow, but nothing
	// carrying an activity until ready is observed.
	early := fg.collect(200 * time.Millisecond)
	for _, f := range early {
		assert.False(t, isActivityPresence(f), "presence with activities sent before ready")
	}
	select {
	case <-sendDone:
		t.Fatal("send returned before ready")
	default:
	}

	close(release)
	require.NoError(t, <-sendDone)
	f := fg.waitFor(t, time.Second, isActivityPresence)
	p := f.presence(t)
	assert.Equal(t, "Some Song", p.Activities[0].Name)
}

func TestDefaultPresenceFollowsIdentify(t *testing.T) {
	fg := newFakeGateway(t)
	g := testGateway(t, fg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, g.Open(ctx))
	defer g.Stop()

	fg.waitFor(t, time.Second, func(f clientFrame) bool { return f.Op == OpcodeIdentify })
	f := fg.waitFor(t, time.Second, func(f clientFrame) bool { return f.Op == OpcodePresenceUpdate })
	p := f.presence(t)
	assert.Empty(t, p.Activities)
	assert.True(t, p.AFK)
	assert.Equal(t, presence.StatusIdle, p.Status)
}

func TestDefaultPresenceHonorsInvisibleSetting(t *testing.T) {
	fg := newFakeGateway(t)
	composer := presence.NewComposer(presence.ComposerArguments{
		ApplicationID: "app-1",
		Resolver:      assets.NewResolver(assets.ResolverArguments{}),
	})
	g := NewGateway(GatewayArguments{
		Token:      "user-token",
		Composer:   composer,
		Invisible:  true,
		GatewayURL: fg.url(),
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, g.Open(ctx))
	defer g.Stop()

	f := fg.waitFor(t, time.Second, func(f clientFrame) bool { return f.Op == OpcodePresenceUpdate })
	assert.Equal(t, presence.StatusInvisible, f.presence(t).Status)
}

func TestIdentifyCarriesConfiguredIdentity(t *testing.T) {
	fg := newFakeGateway(t)
	g := testGateway(t, fg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, g.Open(ctx))
	defer g.Stop()

	f := fg.waitFor(t, time.Second, func(f clientFrame) bool { return f.Op == OpcodeIdentify })
	var identity structs.IdentifyEvent
	require.NoError(t, json.Unmarshal(f.D, &identity))
	assert.Equal(t, "user-token", identity.Token)
	assert.Equal(t, "windows", identity.Properties.Os)
	assert.False(t, identity.Compress)
	assert.Zero(t, identity.Intents)
}

func TestServerHeartbeatRequestAnsweredImmediately(t *testing.T) {
	fg := newFakeGateway(t)
	g := testGateway(t, fg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, g.Open(ctx))
	defer g.Stop()

	_, err := g.User(ctx)
	require.NoError(t, err)

	fg.write(map[string]any{"op": OpcodeHeartbeat})
	f := fg.waitFor(t, time.Second, func(f clientFrame) bool { return f.Op == OpcodeHeartbeat })
	// The beat echoes the sequence learned from the ready dispatch.
	assert.Equal(t, "1", string(f.D))
}

func TestRapidAcksLeaveSinglePendingHeartbeat(t *testing.T) {
	fg := newFakeGateway(t)
	fg.heartbeatInterval = 300
	g := testGateway(t, fg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, g.Open(ctx))
	defer g.Stop()

	_, err := g.User(ctx)
	require.NoError(t, err)

	// Each ack must cancel the previous pending beat, so a burst of
	// acks still yields one beat per interval, not one per ack.
	for i := 0; i < 10; i++ {
		fg.write(map[string]any{"op": OpcodeHeartbeatAck})
	}
	// Allow the in-flight acks to land before counting.
	time.Sleep(50 * time.Millisecond)
	for len(fg.frames) > 0 {
		<-fg.frames
	}

	beats := 0
	for _, f := range fg.collect(450 * time.Millisecond) {
		if f.Op == OpcodeHeartbeat {
			beats++
		}
	}
	assert.Equal(t, 1, beats)
}

func TestHeartbeatBeforeFirstSequenceIsNull(t *testing.T) {
	fg := newFakeGateway(t)
	fg.heartbeatInterval = 50
	release := make(chan struct{})
	fg.readyGate = release
	defer close(release)
	g := testGateway(t, fg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, g.Open(ctx))
	defer g.Stop()

	f := fg.waitFor(t, time.Second, func(f clientFrame) bool { return f.Op == OpcodeHeartbeat })
	assert.Equal(t, "null", string(f.D))
}

func TestStopDoesNotReconnect(t *testing.T) {
	fg := newFakeGateway(t)
	g := testGateway(t, fg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, g.Open(ctx))

	_, err := g.User(ctx)
	require.NoError(t, err)

	g.Stop()
	time.Sleep(150 * time.Millisecond)

	assert.Equal(t, int32(CloseCodeStop), fg.closeCode.Load())
	assert.Equal(t, int32(1), fg.conns.Load())
	assert.Equal(t, StatusStopped, g.Status())
	assert.ErrorIs(t, g.SendDefaultPresence(false), ErrNotConnected)
}

func TestTerminalCloseCodeStopsWithoutReconnect(t *testing.T) {
	fg := newFakeGateway(t)
	g := testGateway(t, fg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, g.Open(ctx))
	defer g.Stop()

	_, err := g.User(ctx)
	require.NoError(t, err)

	fg.closeWithCode(AuthenticationFailed)
	require.Eventually(t, func() bool {
		return g.Status() == StatusStopped
	}, time.Second, 10*time.Millisecond, "dead connection still reports a live status")

	select {
	case err := <-g.Errors():
		assert.ErrorIs(t, err, ErrAuthenticationFailed)
	default:
		t.Fatal("rejected authentication was not reported on the error channel")
	}

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(1), fg.conns.Load())
	assert.ErrorIs(t, g.SendDefaultPresence(false), ErrNotConnected)
}

func TestReconnectsOnSocketFailure(t *testing.T) {
	fg := newFakeGateway(t)
	fg.dropAfterReady.Store(true)
	g := testGateway(t, fg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, g.Open(ctx))
	defer g.Stop()

	require.Eventually(t, func() bool {
		return fg.conns.Load() >= 2
	}, 3*time.Second, 20*time.Millisecond, "client never reconnected")

	// The replacement socket identifies from scratch.
	identifies := 0
	for _, f := range fg.collect(500 * time.Millisecond) {
		if f.Op == OpcodeIdentify {
			identifies++
		}
	}
	assert.GreaterOrEqual(t, identifies, 1)

	select {
	case err := <-g.Errors():
		require.Error(t, err)
	default:
		t.Fatal("socket failure was not reported on the error channel")
	}
}

func TestUserPublishedOnReady(t *testing.T) {
	fg := newFakeGateway(t)
	g := testGateway(t, fg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, g.Open(ctx))
	defer g.Stop()

	user, err := g.User(ctx)
	require.NoError(t, err)
	assert.Equal(t, "42", user.ID)
	assert.Equal(t, "Tester", user.DisplayName())
	assert.Equal(t, StatusReady, g.Status())
}

func TestSendPresenceTimesOutWithoutReady(t *testing.T) {
	fg := newFakeGateway(t)
	fg.readyGate = make(chan struct{}) // never released
	g := testGateway(t, fg)
	g.readyTimeout = 80 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, g.Open(ctx))
	defer g.Stop()

	err := g.SendPresence(ctx, false, func(st *presence.State) {
		st.ActivityName = "Song"
	})
	assert.ErrorIs(t, err, ErrReadyTimeout)
}

func TestInvalidSessionTriggersReidentify(t *testing.T) {
	fg := newFakeGateway(t)
	g := testGateway(t, fg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, g.Open(ctx))
	defer g.Stop()

	_, err := g.User(ctx)
	require.NoError(t, err)
	for len(fg.frames) > 0 {
		<-fg.frames
	}

	fg.write(map[string]any{"op": OpcodeInvalidSession})
	f := fg.waitFor(t, time.Second, func(f clientFrame) bool { return f.Op == OpcodeIdentify })
	var identity structs.IdentifyEvent
	require.NoError(t, json.Unmarshal(f.D, &identity))
	assert.Equal(t, "user-token", identity.Token)
}

func TestUnknownOpcodeIgnored(t *testing.T) {
	fg := newFakeGateway(t)
	g := testGateway(t, fg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, g.Open(ctx))
	defer g.Stop()

	_, err := g.User(ctx)
	require.NoError(t, err)

	fg.write(map[string]any{"op": 99, "d": map[string]any{"whatever": true}})
	time.Sleep(100 * time.Millisecond)
	// Still alive and writable.
	assert.NoError(t, g.SendDefaultPresence(false))
	assert.Equal(t, int32(1), fg.conns.Load())
}
