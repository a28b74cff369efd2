// Package agent implements the duplex session against the remote voice
// service: a websocket transport with an explicit connection state machine,
// bounded reconnect attempts, outbound text/audio multiplexing, classified
// inbound events, and an audio liveness watchdog for sends that expect audio
// back.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/voicewire/voicewire/internal/observe"
	"github.com/voicewire/voicewire/pkg/audio"
	"github.com/voicewire/voicewire/pkg/audio/codec"
)

// Default connection parameters.
const (
	defaultMaxReconnectAttempts = 5
	defaultReconnectDelay       = 1 * time.Second
	defaultLivenessTimeout      = 10 * time.Second
	defaultInboundRate          = 24000

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	eventBuffer = 256
)

// Config configures an [Agent].
type Config struct {
	// URL is the websocket endpoint of the remote voice service.
	URL string

	// Codec compresses outbound audio payloads and decompresses inbound
	// ones. Defaults to [codec.PCM] (passthrough) when nil.
	Codec codec.Codec

	// SampleRate is the PCM rate of inbound audio after decoding, in Hz.
	// Defaults to 24000.
	SampleRate int

	// MaxReconnectAttempts bounds consecutive failed connection attempts
	// before the agent enters Failed. Defaults to 5 if zero.
	MaxReconnectAttempts int

	// ReconnectDelay is the fixed delay between attempts. Defaults to 1s.
	ReconnectDelay time.Duration

	// AudioLivenessTimeout is how long an audio-expecting send waits for the
	// first audio event before the watchdog fires. Defaults to 10s; negative
	// disables the watchdog.
	AudioLivenessTimeout time.Duration

	// Metrics records agent instrumentation. May be nil.
	Metrics *observe.Metrics
}

func (c *Config) applyDefaults() {
	if c.Codec == nil {
		c.Codec = codec.PCM{}
	}
	if c.SampleRate <= 0 {
		c.SampleRate = defaultInboundRate
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = defaultReconnectDelay
	}
	if c.AudioLivenessTimeout == 0 {
		c.AudioLivenessTimeout = defaultLivenessTimeout
	}
}

// Agent owns the transport connection exclusively. All exported methods are
// safe for concurrent use. Events are fanned out to subscribers on a single
// dispatch goroutine, preserving transport arrival order; handlers must not
// block.
type Agent struct {
	mu         sync.Mutex
	cfg        Config
	state      ConnState
	budget     retryBudget
	conn       *websocket.Conn
	sessionID  string
	connCancel context.CancelFunc
	closing    bool
	liveness   *time.Timer
	rxElapsed  time.Duration
	subs       map[Subscription]func(Event)
	nextSub    Subscription
	closed     bool

	// connectMu serialises handshakes: a duplicate connect while one is in
	// flight blocks here, then observes the outcome.
	connectMu sync.Mutex

	events       chan Event
	dispatchDone chan struct{}
	closedCh     chan struct{}
	closeOnce    sync.Once
}

// New creates an [Agent] in the Disconnected state and starts its event
// dispatcher. Call [Agent.Close] to release it.
func New(cfg Config) *Agent {
	cfg.applyDefaults()
	a := &Agent{
		cfg:          cfg,
		state:        Disconnected,
		budget:       retryBudget{max: cfg.MaxReconnectAttempts},
		subs:         make(map[Subscription]func(Event)),
		events:       make(chan Event, eventBuffer),
		dispatchDone: make(chan struct{}),
		closedCh:     make(chan struct{}),
	}
	go a.dispatchLoop()
	return a
}

// State returns the current connection state.
func (a *Agent) State() ConnState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Subscribe registers fn to receive all agent events. The returned token
// cancels the registration via [Agent.Unsubscribe].
func (a *Agent) Subscribe(fn func(Event)) Subscription {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextSub++
	a.subs[a.nextSub] = fn
	return a.nextSub
}

// Unsubscribe removes a registration. Unknown tokens are ignored.
func (a *Agent) Unsubscribe(s Subscription) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.subs, s)
}

// Connect establishes the session, retrying with a fixed delay until it
// succeeds or the retry budget is exhausted. A duplicate Connect while
// already Connected is a no-op; while a handshake is in flight it waits for
// that handshake's outcome instead of starting a second one.
func (a *Agent) Connect(ctx context.Context) error {
	a.connectMu.Lock()
	defer a.connectMu.Unlock()

	a.mu.Lock()
	switch a.state {
	case Connected:
		a.mu.Unlock()
		return nil
	case Failed:
		a.mu.Unlock()
		return &TransportError{Kind: TransportHandshakeFailed,
			Err: errors.New("retry budget exhausted, reset required")}
	}
	a.mu.Unlock()

	a.setState(Connecting)

	for {
		err := a.dial(ctx)
		if err == nil {
			return nil
		}

		a.mu.Lock()
		again := a.budget.spend()
		attempts := a.budget.attempts
		a.mu.Unlock()

		slog.Warn("agent: handshake failed",
			"url", a.cfg.URL,
			"attempt", attempts,
			"max_attempts", a.cfg.MaxReconnectAttempts,
			"err", err,
		)

		if !again {
			a.setState(Failed)
			return &TransportError{Kind: TransportHandshakeFailed, Err: err}
		}
		a.setState(Reconnecting)

		select {
		case <-ctx.Done():
			a.setState(Disconnected)
			return fmt.Errorf("agent: connect: %w", ctx.Err())
		case <-time.After(a.cfg.ReconnectDelay):
		}
	}
}

// Disconnect tears the session down and releases the transport. Safe from
// any state and idempotent; a Failed agent stays Failed until [Agent.Reset].
func (a *Agent) Disconnect() {
	a.mu.Lock()
	a.closing = true
	conn := a.conn
	a.conn = nil
	term := a.connCancel
	a.connCancel = nil
	wasConnected := a.state == Connected
	a.mu.Unlock()

	a.disarmLiveness()
	if term != nil {
		term()
	}
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "disconnect")
	}
	if wasConnected {
		a.cfg.Metrics.AddActiveSessions(context.Background(), -1)
	}

	a.mu.Lock()
	if a.state != Failed {
		a.mu.Unlock()
		a.setState(Disconnected)
		a.mu.Lock()
	}
	a.closing = false
	a.mu.Unlock()
}

// Reset clears the retry budget and returns a Failed agent to Disconnected.
// This is the only exit from Failed.
func (a *Agent) Reset() {
	a.mu.Lock()
	a.budget.reset()
	a.mu.Unlock()
	a.setState(Disconnected)
}

// Reconfigure tears the session down deterministically, swaps the
// configuration, and re-establishes the session if one was live before.
func (a *Agent) Reconfigure(ctx context.Context, cfg Config) error {
	cfg.applyDefaults()

	a.mu.Lock()
	wasConnected := a.state == Connected
	a.mu.Unlock()

	a.Disconnect()

	a.mu.Lock()
	a.cfg = cfg
	a.budget = retryBudget{max: cfg.MaxReconnectAttempts}
	a.state = Disconnected
	a.mu.Unlock()

	if wasConnected {
		return a.Connect(ctx)
	}
	return nil
}

// Close disconnects and stops the event dispatcher. The agent cannot be
// reused afterwards.
func (a *Agent) Close() {
	a.Disconnect()
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		a.mu.Unlock()
		close(a.closedCh)
		<-a.dispatchDone
	})
}

// SendText delivers a text message to the remote peer. If the agent is not
// Connected it transparently attempts one connection first. A completed send
// arms the audio liveness watchdog, since text sends expect synthesized
// audio back.
func (a *Agent) SendText(ctx context.Context, text string) error {
	if text == "" {
		return &TransportError{Kind: InvalidInput, Err: errors.New("empty text")}
	}

	env := Envelope{Type: MsgText, Payload: []byte(text)}
	frame, err := env.EncodeJSON()
	if err != nil {
		return &TransportError{Kind: InvalidInput, Err: err}
	}

	if err := a.send(ctx, websocket.MessageText, frame); err != nil {
		return err
	}
	a.armLiveness()
	return nil
}

// SendAudio delivers one captured chunk to the remote peer, compressed by
// the configured codec and framed as a binary envelope. Chunks that cannot
// be sent during a drop are discarded, never queued for replay.
func (a *Agent) SendAudio(ctx context.Context, chunk audio.Chunk) error {
	if len(chunk.Data) == 0 || len(chunk.Data)%2 != 0 {
		return &TransportError{Kind: InvalidInput,
			Err: fmt.Errorf("malformed chunk: %d bytes", len(chunk.Data))}
	}

	payload, err := a.codecFor().Encode(chunk.Data)
	if err != nil {
		return &TransportError{Kind: InvalidInput, Err: fmt.Errorf("encode: %w", err)}
	}

	env := Envelope{Type: MsgAudio, Payload: payload}
	frame, err := env.EncodeBinary()
	if err != nil {
		return &TransportError{Kind: InvalidInput, Err: err}
	}
	return a.send(ctx, websocket.MessageBinary, frame)
}

func (a *Agent) codecFor() codec.Codec {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg.Codec
}

// send writes one frame, transparently attempting a single connection when
// not Connected. A write failure while Connected is treated as a transport
// drop, not a one-off error.
func (a *Agent) send(ctx context.Context, typ websocket.MessageType, frame []byte) error {
	a.mu.Lock()
	conn := a.conn
	state := a.state
	a.mu.Unlock()

	if state != Connected || conn == nil {
		if err := a.connectOnce(ctx); err != nil {
			return &TransportError{Kind: SendFailed, Err: err}
		}
		a.mu.Lock()
		conn = a.conn
		a.mu.Unlock()
		if conn == nil {
			return &TransportError{Kind: SendFailed, Err: errors.New("no connection")}
		}
	}

	ctx, span := observe.StartSpan(ctx, "agent.send")
	defer span.End()
	start := time.Now()

	if err := conn.Write(ctx, typ, frame); err != nil {
		a.dropConnection(&TransportError{Kind: SendFailed, Err: err})
		return &TransportError{Kind: SendFailed, Err: err}
	}

	a.cfg.Metrics.RecordSendDuration(ctx, time.Since(start).Seconds())
	return nil
}

// connectOnce makes a single transparent connection attempt for a send. On
// failure it spends budget and leaves the state machine in Reconnecting or
// Failed; the next send or explicit Connect resumes from there.
func (a *Agent) connectOnce(ctx context.Context) error {
	a.connectMu.Lock()
	defer a.connectMu.Unlock()

	a.mu.Lock()
	switch a.state {
	case Connected:
		a.mu.Unlock()
		return nil
	case Failed:
		a.mu.Unlock()
		return errors.New("retry budget exhausted, reset required")
	}
	a.mu.Unlock()

	a.setState(Connecting)
	err := a.dial(ctx)
	if err == nil {
		return nil
	}

	a.mu.Lock()
	again := a.budget.spend()
	a.mu.Unlock()
	if again {
		a.setState(Reconnecting)
	} else {
		a.setState(Failed)
	}
	return err
}

// dial performs one handshake and, on success, installs the connection and
// starts its read and keepalive loops.
func (a *Agent) dial(ctx context.Context) error {
	spanCtx, span := observe.StartSpan(ctx, "agent.connect")
	defer span.End()
	start := time.Now()

	conn, _, err := websocket.Dial(ctx, a.cfg.URL, nil)
	if err != nil {
		a.cfg.Metrics.RecordTransportError(spanCtx, TransportHandshakeFailed.String())
		return fmt.Errorf("dial %s: %w", a.cfg.URL, err)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	sessionID := uuid.NewString()
	a.mu.Lock()
	a.conn = conn
	a.sessionID = sessionID
	a.connCancel = cancel
	a.budget.reset()
	a.rxElapsed = 0
	a.closing = false
	a.mu.Unlock()

	a.cfg.Metrics.RecordConnectDuration(spanCtx, time.Since(start).Seconds())
	a.cfg.Metrics.AddActiveSessions(spanCtx, 1)
	slog.Info("agent: session established",
		"session_id", sessionID,
		"url", a.cfg.URL,
	)
	a.setState(Connected)

	go a.readLoop(conn, connCtx)
	go a.keepaliveLoop(conn, connCtx)
	return nil
}

// readLoop reads frames until the connection drops or is deliberately torn
// down. Binary frames use the length-prefixed envelope; text frames use the
// JSON envelope. Malformed frames are skipped.
func (a *Agent) readLoop(conn *websocket.Conn, ctx context.Context) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.dropConnection(&TransportError{Kind: TransportDropped, Err: err})
			return
		}

		var env Envelope
		var derr error
		if typ == websocket.MessageBinary {
			env, derr = DecodeBinary(data)
		} else {
			env, derr = DecodeJSON(data)
		}
		if derr != nil {
			slog.Warn("agent: skipping malformed frame", "err", derr)
			continue
		}

		a.handleEnvelope(env)
	}
}

// handleEnvelope classifies one inbound message and re-emits it as a typed
// event.
func (a *Agent) handleEnvelope(env Envelope) {
	switch env.Type {
	case MsgText:
		a.emit(Event{Kind: EventText, Text: string(env.Payload)})

	case MsgAudio:
		a.disarmLiveness()
		pcm, err := a.codecFor().Decode(env.Payload)
		if err != nil || len(pcm) == 0 {
			slog.Warn("agent: dropping undecodable audio payload", "err", err)
			return
		}
		a.mu.Lock()
		chunk := audio.Chunk{
			Data:       pcm,
			SampleRate: a.cfg.SampleRate,
			Timestamp:  a.rxElapsed,
		}
		a.rxElapsed += chunk.Duration()
		a.mu.Unlock()
		a.emit(Event{Kind: EventAudio, Audio: chunk})

	case MsgTurnComplete:
		a.disarmLiveness()
		a.emit(Event{Kind: EventTurnComplete})

	case MsgInterrupted:
		a.disarmLiveness()
		a.emit(Event{Kind: EventInterrupted})

	case MsgError:
		a.emit(Event{
			Kind: EventError,
			Text: string(env.Payload),
			Err:  fmt.Errorf("remote error: %s", env.Payload),
		})
	}
}

// keepaliveLoop pings the peer periodically. A failed ping is treated the
// same as a read failure: the connection is considered dropped.
func (a *Agent) keepaliveLoop(conn *websocket.Conn, ctx context.Context) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, keepaliveTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				a.dropConnection(&TransportError{Kind: TransportDropped, Err: err})
				return
			}
		}
	}
}

// dropConnection handles an unexpected connection loss: tear down, emit the
// classified error, then either schedule reconnection or enter Failed.
func (a *Agent) dropConnection(terr *TransportError) {
	a.mu.Lock()
	if a.closing || a.conn == nil {
		a.mu.Unlock()
		return
	}
	conn := a.conn
	a.conn = nil
	term := a.connCancel
	a.connCancel = nil
	wasConnected := a.state == Connected
	budgetLeft := a.budget.remaining()
	sessionID := a.sessionID
	a.mu.Unlock()

	a.disarmLiveness()
	if term != nil {
		term()
	}
	conn.Close(websocket.StatusAbnormalClosure, "transport dropped")
	if wasConnected {
		a.cfg.Metrics.AddActiveSessions(context.Background(), -1)
	}
	a.cfg.Metrics.RecordTransportError(context.Background(), terr.Kind.String())

	slog.Warn("agent: connection dropped",
		"session_id", sessionID,
		"kind", terr.Kind.String(),
		"budget_left", budgetLeft,
		"err", terr.Err,
	)
	a.emit(Event{Kind: EventError, Err: terr})

	if budgetLeft {
		a.setState(Reconnecting)
		go a.reconnectLoop()
	} else {
		a.setState(Failed)
	}
}

// reconnectLoop drives automatic reconnection after a drop: fixed delay
// between attempts, budget spent per failure, stopping on success, explicit
// teardown, or budget exhaustion.
func (a *Agent) reconnectLoop() {
	a.connectMu.Lock()
	defer a.connectMu.Unlock()

	for {
		a.mu.Lock()
		if a.closing || a.closed || a.state != Reconnecting {
			a.mu.Unlock()
			return
		}
		delay := a.cfg.ReconnectDelay
		a.mu.Unlock()

		select {
		case <-a.closedCh:
			return
		case <-time.After(delay):
		}

		a.mu.Lock()
		if a.closing || a.closed || a.state != Reconnecting {
			a.mu.Unlock()
			return
		}
		attempt := a.budget.attempts + 1
		a.mu.Unlock()

		a.cfg.Metrics.RecordReconnectAttempt(context.Background())
		slog.Info("agent: reconnecting",
			"attempt", attempt,
			"max_attempts", a.cfg.MaxReconnectAttempts,
		)

		err := a.dial(context.Background())
		if err == nil {
			slog.Info("agent: reconnected", "attempt", attempt)
			return
		}

		a.mu.Lock()
		again := a.budget.spend()
		a.mu.Unlock()
		if !again {
			slog.Error("agent: reconnect budget exhausted",
				"max_attempts", a.cfg.MaxReconnectAttempts,
			)
			a.setState(Failed)
			return
		}
	}
}

// armLiveness starts (or restarts) the audio liveness watchdog.
func (a *Agent) armLiveness() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cfg.AudioLivenessTimeout < 0 {
		return
	}
	if a.liveness != nil {
		a.liveness.Stop()
	}
	a.liveness = time.AfterFunc(a.cfg.AudioLivenessTimeout, a.onLivenessTimeout)
}

func (a *Agent) disarmLiveness() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.liveness != nil {
		a.liveness.Stop()
		a.liveness = nil
	}
}

// onLivenessTimeout fires when no audio arrived in time after an
// audio-expecting send. A stalled transport that never errors is otherwise
// indistinguishable from a slow response, so the agent emits a timeout event
// and, if budget remains, forces a reconnect.
func (a *Agent) onLivenessTimeout() {
	a.mu.Lock()
	a.liveness = nil
	state := a.state
	a.mu.Unlock()
	if state != Connected {
		return
	}

	a.cfg.Metrics.RecordLivenessTimeout(context.Background())
	terr := &TransportError{Kind: AudioTimeout,
		Err: errors.New("no audio before liveness deadline")}
	a.emit(Event{Kind: EventTimeout, Err: terr})

	a.dropConnection(terr)
}

// setState records a transition, logs it, and emits a state-change event.
// No-op when the state is unchanged.
func (a *Agent) setState(s ConnState) {
	a.mu.Lock()
	if a.state == s {
		a.mu.Unlock()
		return
	}
	old := a.state
	a.state = s
	a.mu.Unlock()

	slog.Info("agent: state change", "from", old.String(), "to", s.String())
	a.emit(Event{Kind: EventStateChange, State: s})
}

// emit queues an event for dispatch. Events are delivered in emission order.
func (a *Agent) emit(ev Event) {
	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return
	}
	select {
	case a.events <- ev:
	case <-a.closedCh:
	}
}

// dispatchLoop delivers events to subscribers one at a time. Subscriber
// panics are contained so a broken handler cannot end the session.
func (a *Agent) dispatchLoop() {
	defer close(a.dispatchDone)
	for {
		var ev Event
		select {
		case <-a.closedCh:
			return
		case ev = <-a.events:
		}

		a.mu.Lock()
		handlers := make([]func(Event), 0, len(a.subs))
		for _, fn := range a.subs {
			handlers = append(handlers, fn)
		}
		a.mu.Unlock()

		for _, fn := range handlers {
			func() {
				defer func() {
					if r := recover(); r != nil {
						slog.Warn("agent: event handler panicked",
							"kind", ev.Kind.String(), "panic", r)
					}
				}()
				fn(ev)
			}()
		}
	}
}
