package agent_test

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/voicewire/voicewire/internal/agent"
	"github.com/voicewire/voicewire/pkg/audio"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startServer launches a test WebSocket server. The handler receives each
// accepted connection; the server closes when the test finishes.
func startServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// idleHandler keeps the connection open until the client closes it.
func idleHandler(conn *websocket.Conn, _ *http.Request) {
	<-conn.CloseRead(context.Background()).Done()
}

// writeEnvelope sends one envelope to the client, using the framing the
// payload type calls for.
func writeEnvelope(t *testing.T, conn *websocket.Conn, env agent.Envelope) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var frame []byte
	var typ websocket.MessageType
	var err error
	if env.Type == agent.MsgAudio {
		frame, err = env.EncodeBinary()
		typ = websocket.MessageBinary
	} else {
		frame, err = env.EncodeJSON()
		typ = websocket.MessageText
	}
	if err != nil {
		t.Fatalf("encode envelope: %v", err)
	}
	if werr := conn.Write(ctx, typ, frame); werr != nil {
		t.Logf("writeEnvelope: %v (may be expected on close)", werr)
	}
}

// recorder collects agent events for assertions.
type recorder struct {
	mu     sync.Mutex
	events []agent.Event
}

func (r *recorder) on(ev agent.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// ofKind returns the recorded events of the given kind, in arrival order.
func (r *recorder) ofKind(kind agent.EventKind) []agent.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []agent.Event
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// payloadOrder returns the kinds of all recorded payload events, skipping
// state changes.
func (r *recorder) payloadOrder() []agent.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []agent.EventKind
	for _, ev := range r.events {
		if ev.Kind != agent.EventStateChange {
			out = append(out, ev.Kind)
		}
	}
	return out
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

// newAgent builds an agent with test-friendly timings. The liveness watchdog
// is disabled unless a test opts in.
func newAgent(t *testing.T, url string) *agent.Agent {
	t.Helper()
	a := agent.New(agent.Config{
		URL:                  url,
		SampleRate:           24000,
		MaxReconnectAttempts: 3,
		ReconnectDelay:       5 * time.Millisecond,
		AudioLivenessTimeout: -1,
	})
	t.Cleanup(a.Close)
	return a
}

// ── Connection state machine ──────────────────────────────────────────────────

func TestAgent_ConnectTransitionsToConnected(t *testing.T) {
	t.Parallel()

	srv := startServer(t, idleHandler)
	a := newAgent(t, wsURL(srv))

	if got := a.State(); got != agent.Disconnected {
		t.Fatalf("initial state = %v, want Disconnected", got)
	}
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := a.State(); got != agent.Connected {
		t.Fatalf("state after Connect = %v, want Connected", got)
	}
}

func TestAgent_DuplicateConnectIsNoOp(t *testing.T) {
	t.Parallel()

	var conns atomic.Int32
	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		conns.Add(1)
		idleHandler(conn, r)
	})
	a := newAgent(t, wsURL(srv))

	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("duplicate Connect: %v", err)
	}
	if n := conns.Load(); n != 1 {
		t.Errorf("server saw %d connections, want 1", n)
	}
}

func TestAgent_RetryBudgetExhaustionEntersFailed(t *testing.T) {
	t.Parallel()

	// Nothing listens here; every handshake fails fast.
	a := newAgent(t, "ws://127.0.0.1:1")

	err := a.Connect(context.Background())
	if err == nil {
		t.Fatal("Connect succeeded against dead endpoint")
	}
	var terr *agent.TransportError
	if !errors.As(err, &terr) || terr.Kind != agent.TransportHandshakeFailed {
		t.Errorf("Connect error = %v, want TransportHandshakeFailed", err)
	}
	if got := a.State(); got != agent.Failed {
		t.Fatalf("state = %v, want Failed", got)
	}

	// No further automatic attempts: a repeat Connect fails without leaving
	// Failed.
	if err := a.Connect(context.Background()); err == nil {
		t.Error("Connect from Failed succeeded, want error")
	}
	if got := a.State(); got != agent.Failed {
		t.Errorf("state after repeat Connect = %v, want Failed", got)
	}
}

func TestAgent_ResetIsOnlyExitFromFailed(t *testing.T) {
	t.Parallel()

	a := newAgent(t, "ws://127.0.0.1:1")
	_ = a.Connect(context.Background())
	if got := a.State(); got != agent.Failed {
		t.Fatalf("state = %v, want Failed", got)
	}

	a.Disconnect()
	if got := a.State(); got != agent.Failed {
		t.Errorf("Disconnect moved state to %v, want Failed until Reset", got)
	}

	a.Reset()
	if got := a.State(); got != agent.Disconnected {
		t.Errorf("state after Reset = %v, want Disconnected", got)
	}
}

func TestAgent_DisconnectIdempotent(t *testing.T) {
	t.Parallel()

	srv := startServer(t, idleHandler)
	a := newAgent(t, wsURL(srv))

	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	a.Disconnect()
	if got := a.State(); got != agent.Disconnected {
		t.Fatalf("state = %v, want Disconnected", got)
	}

	// Second call on an already-Disconnected agent leaves state unchanged.
	a.Disconnect()
	if got := a.State(); got != agent.Disconnected {
		t.Errorf("state after second Disconnect = %v, want Disconnected", got)
	}
}

func TestAgent_ServerDropTriggersReconnect(t *testing.T) {
	t.Parallel()

	var conns atomic.Int32
	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		if conns.Add(1) == 1 {
			return // drop the first connection immediately
		}
		idleHandler(conn, r)
	})

	rec := &recorder{}
	a := newAgent(t, wsURL(srv))
	a.Subscribe(rec.on)

	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return conns.Load() >= 2 && a.State() == agent.Connected
	})

	errs := rec.ofKind(agent.EventError)
	if len(errs) == 0 {
		t.Fatal("no error event emitted for the drop")
	}
	var terr *agent.TransportError
	if !errors.As(errs[0].Err, &terr) || terr.Kind != agent.TransportDropped {
		t.Errorf("drop error = %v, want TransportDropped", errs[0].Err)
	}
}

// ── Multiplexing ──────────────────────────────────────────────────────────────

func TestAgent_SendTextFramedAsJSON(t *testing.T) {
	t.Parallel()

	got := make(chan agent.Envelope, 1)
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			t.Errorf("text send framed as %v, want text frame", typ)
		}
		env, err := agent.DecodeJSON(data)
		if err != nil {
			t.Errorf("server decode: %v", err)
			return
		}
		got <- env
	})

	a := newAgent(t, wsURL(srv))
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := a.SendText(context.Background(), "hello"); err != nil {
		t.Fatalf("SendText: %v", err)
	}

	select {
	case env := <-got:
		if env.Type != agent.MsgText || string(env.Payload) != "hello" {
			t.Errorf("server received %q/%q, want text/hello", env.Type, env.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the text message")
	}
}

func TestAgent_SendAudioFramedAsBinary(t *testing.T) {
	t.Parallel()

	pcm := audio.Int16sToBytes([]int16{100, -200, 300, -400})
	got := make(chan agent.Envelope, 1)
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageBinary {
			t.Errorf("audio send framed as %v, want binary frame", typ)
		}
		env, err := agent.DecodeBinary(data)
		if err != nil {
			t.Errorf("server decode: %v", err)
			return
		}
		got <- env
	})

	a := newAgent(t, wsURL(srv))
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	err := a.SendAudio(context.Background(), audio.Chunk{Data: pcm, SampleRate: 16000})
	if err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case env := <-got:
		if env.Type != agent.MsgAudio || !bytes.Equal(env.Payload, pcm) {
			t.Errorf("server received %q with %d bytes, want audio with %d bytes",
				env.Type, len(env.Payload), len(pcm))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the audio chunk")
	}
}

func TestAgent_SendConnectsTransparently(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		idleHandler(conn, r)
	})
	a := newAgent(t, wsURL(srv))

	// Not connected; the send must absorb one connection attempt itself.
	if err := a.SendText(context.Background(), "hi"); err != nil {
		t.Fatalf("SendText while Disconnected: %v", err)
	}
	if got := a.State(); got != agent.Connected {
		t.Errorf("state after transparent connect = %v, want Connected", got)
	}
}

func TestAgent_SendRejectsInvalidInput(t *testing.T) {
	t.Parallel()

	a := newAgent(t, "ws://127.0.0.1:1")

	var terr *agent.TransportError
	if err := a.SendText(context.Background(), ""); !errors.As(err, &terr) || terr.Kind != agent.InvalidInput {
		t.Errorf("SendText(\"\") = %v, want InvalidInput", err)
	}
	if err := a.SendAudio(context.Background(), audio.Chunk{}); !errors.As(err, &terr) || terr.Kind != agent.InvalidInput {
		t.Errorf("SendAudio(empty) = %v, want InvalidInput", err)
	}
	if err := a.SendAudio(context.Background(), audio.Chunk{Data: []byte{1, 2, 3}, SampleRate: 16000}); !errors.As(err, &terr) || terr.Kind != agent.InvalidInput {
		t.Errorf("SendAudio(odd bytes) = %v, want InvalidInput", err)
	}
}

// ── Inbound classification ────────────────────────────────────────────────────

func TestAgent_ClassifiesInboundEvents(t *testing.T) {
	t.Parallel()

	pcm := audio.Int16sToBytes([]int16{1, 2, 3, 4})
	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		writeEnvelope(t, conn, agent.Envelope{Type: agent.MsgText, Payload: []byte("reply")})
		writeEnvelope(t, conn, agent.Envelope{Type: agent.MsgAudio, Payload: pcm})
		writeEnvelope(t, conn, agent.Envelope{Type: agent.MsgTurnComplete})
		writeEnvelope(t, conn, agent.Envelope{Type: agent.MsgInterrupted})
		writeEnvelope(t, conn, agent.Envelope{Type: agent.MsgError, Payload: []byte("boom")})
		idleHandler(conn, r)
	})

	rec := &recorder{}
	a := newAgent(t, wsURL(srv))
	a.Subscribe(rec.on)

	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return len(rec.payloadOrder()) >= 5 })

	want := []agent.EventKind{
		agent.EventText, agent.EventAudio, agent.EventTurnComplete,
		agent.EventInterrupted, agent.EventError,
	}
	order := rec.payloadOrder()
	for i, kind := range want {
		if order[i] != kind {
			t.Fatalf("event %d = %v, want %v (full order %v)", i, order[i], kind, order)
		}
	}

	if texts := rec.ofKind(agent.EventText); texts[0].Text != "reply" {
		t.Errorf("text event = %q, want %q", texts[0].Text, "reply")
	}
	audios := rec.ofKind(agent.EventAudio)
	if !bytes.Equal(audios[0].Audio.Data, pcm) {
		t.Errorf("audio event carries %d bytes, want %d", len(audios[0].Audio.Data), len(pcm))
	}
	if audios[0].Audio.SampleRate != 24000 {
		t.Errorf("audio sample rate = %d, want 24000", audios[0].Audio.SampleRate)
	}
}

func TestAgent_InboundAudioTimestampsAccumulate(t *testing.T) {
	t.Parallel()

	// Two chunks of 240 samples at 24 kHz: the second starts 10ms in.
	pcm := audio.Int16sToBytes(make([]int16, 240))
	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		writeEnvelope(t, conn, agent.Envelope{Type: agent.MsgAudio, Payload: pcm})
		writeEnvelope(t, conn, agent.Envelope{Type: agent.MsgAudio, Payload: pcm})
		idleHandler(conn, r)
	})

	rec := &recorder{}
	a := newAgent(t, wsURL(srv))
	a.Subscribe(rec.on)

	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return len(rec.ofKind(agent.EventAudio)) == 2 })

	audios := rec.ofKind(agent.EventAudio)
	if audios[0].Audio.Timestamp != 0 {
		t.Errorf("first timestamp = %v, want 0", audios[0].Audio.Timestamp)
	}
	if audios[1].Audio.Timestamp != 10*time.Millisecond {
		t.Errorf("second timestamp = %v, want 10ms", audios[1].Audio.Timestamp)
	}
}

// ── Liveness watchdog ─────────────────────────────────────────────────────────

func TestAgent_LivenessTimeoutForcesReconnect(t *testing.T) {
	t.Parallel()

	var conns atomic.Int32
	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		conns.Add(1)
		// Read the text send, then stall: never produce audio.
		idleHandler(conn, r)
	})

	rec := &recorder{}
	a := agent.New(agent.Config{
		URL:                  wsURL(srv),
		MaxReconnectAttempts: 3,
		ReconnectDelay:       5 * time.Millisecond,
		AudioLivenessTimeout: 50 * time.Millisecond,
	})
	t.Cleanup(a.Close)
	a.Subscribe(rec.on)

	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := a.SendText(context.Background(), "hello"); err != nil {
		t.Fatalf("SendText: %v", err)
	}

	// Exactly one timeout event, then a reconnect attempt on remaining budget.
	waitFor(t, 2*time.Second, func() bool {
		return len(rec.ofKind(agent.EventTimeout)) >= 1 && conns.Load() >= 2
	})

	if n := len(rec.ofKind(agent.EventTimeout)); n != 1 {
		t.Errorf("timeout events = %d, want 1", n)
	}
	var terr *agent.TransportError
	timeoutEv := rec.ofKind(agent.EventTimeout)[0]
	if !errors.As(timeoutEv.Err, &terr) || terr.Kind != agent.AudioTimeout {
		t.Errorf("timeout event error = %v, want AudioTimeout", timeoutEv.Err)
	}

	// The stall produced no audio events.
	if n := len(rec.ofKind(agent.EventAudio)); n != 0 {
		t.Errorf("audio events = %d, want 0", n)
	}
}

func TestAgent_AudioArrivalDisarmsLiveness(t *testing.T) {
	t.Parallel()

	pcm := audio.Int16sToBytes([]int16{5, 6, 7, 8})
	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_, _, err := conn.Read(ctx)
		cancel()
		if err != nil {
			return
		}
		writeEnvelope(t, conn, agent.Envelope{Type: agent.MsgAudio, Payload: pcm})
		idleHandler(conn, r)
	})

	rec := &recorder{}
	a := agent.New(agent.Config{
		URL:                  wsURL(srv),
		MaxReconnectAttempts: 3,
		ReconnectDelay:       5 * time.Millisecond,
		AudioLivenessTimeout: 100 * time.Millisecond,
	})
	t.Cleanup(a.Close)
	a.Subscribe(rec.on)

	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := a.SendText(context.Background(), "hello"); err != nil {
		t.Fatalf("SendText: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return len(rec.ofKind(agent.EventAudio)) == 1 })

	// Wait past the deadline; the watchdog must not fire.
	time.Sleep(150 * time.Millisecond)
	if n := len(rec.ofKind(agent.EventTimeout)); n != 0 {
		t.Errorf("timeout events = %d, want 0 after audio arrived", n)
	}
	if got := a.State(); got != agent.Connected {
		t.Errorf("state = %v, want Connected", got)
	}
}

// ── Reconfigure ───────────────────────────────────────────────────────────────

func TestAgent_ReconfigureReestablishesSession(t *testing.T) {
	t.Parallel()

	var connsA, connsB atomic.Int32
	srvA := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		connsA.Add(1)
		idleHandler(conn, r)
	})
	srvB := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		connsB.Add(1)
		idleHandler(conn, r)
	})

	a := newAgent(t, wsURL(srvA))
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	err := a.Reconfigure(context.Background(), agent.Config{
		URL:                  wsURL(srvB),
		MaxReconnectAttempts: 3,
		ReconnectDelay:       5 * time.Millisecond,
		AudioLivenessTimeout: -1,
	})
	if err != nil {
		t.Fatalf("Reconfigure: %v", err)
	}

	if got := a.State(); got != agent.Connected {
		t.Fatalf("state after Reconfigure = %v, want Connected", got)
	}
	if connsA.Load() != 1 || connsB.Load() != 1 {
		t.Errorf("connections A=%d B=%d, want 1 each", connsA.Load(), connsB.Load())
	}
}
