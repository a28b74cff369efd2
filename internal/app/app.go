// Package app wires the voicewire subsystems into a running process.
//
// The App struct owns the full lifecycle: New resolves devices from the
// registry and connects the capture pipeline, session agent, and playback
// streamer; Run starts processing and blocks until the context is cancelled;
// Shutdown tears everything down in order.
//
// For testing, inject mock devices via functional options. When an option is
// not provided, New resolves the device named in the config from the registry.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/voicewire/voicewire/internal/agent"
	"github.com/voicewire/voicewire/internal/capture"
	"github.com/voicewire/voicewire/internal/config"
	"github.com/voicewire/voicewire/internal/health"
	"github.com/voicewire/voicewire/internal/observe"
	"github.com/voicewire/voicewire/internal/playback"
	"github.com/voicewire/voicewire/pkg/audio"
	"github.com/voicewire/voicewire/pkg/audio/codec"
)

// App owns all subsystem lifetimes and orchestrates the duplex audio loop:
// microphone chunks flow through the capture pipeline to the session agent,
// and inbound audio events flow from the agent into the playback streamer.
type App struct {
	cfg      *config.Config
	metrics  *observe.Metrics
	logLevel *slog.LevelVar

	captureDev  audio.CaptureDevice
	playbackDev audio.PlaybackDevice
	pipeline    *capture.Pipeline
	streamer    *playback.Streamer
	session     *agent.Agent
	sub         agent.Subscription

	httpSrv *http.Server

	mu     sync.Mutex
	runCtx context.Context

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithCaptureDevice injects a capture device instead of resolving one from
// the registry.
func WithCaptureDevice(d audio.CaptureDevice) Option {
	return func(a *App) { a.captureDev = d }
}

// WithPlaybackDevice injects a playback device instead of resolving one from
// the registry.
func WithPlaybackDevice(d audio.PlaybackDevice) Option {
	return func(a *App) { a.playbackDev = d }
}

// WithLogLevelVar hands the app the level var backing the process logger so
// log_level config changes can be applied in place.
func WithLogLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = v }
}

// New creates an App by wiring all subsystems together. Devices come from
// reg unless injected via options. The playback device is acquired here;
// the capture device is acquired when [App.Run] starts the pipeline.
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, metrics *observe.Metrics, opts ...Option) (*App, error) {
	a := &App{
		cfg:     cfg,
		metrics: metrics,
	}
	for _, o := range opts {
		o(a)
	}

	if a.captureDev == nil {
		dev, err := reg.Capture(cfg.Audio.InputDevice)
		if err != nil {
			return nil, fmt.Errorf("app: resolve capture device: %w", err)
		}
		a.captureDev = dev
	}
	if a.playbackDev == nil {
		dev, err := reg.Playback(cfg.Playback.OutputDevice)
		if err != nil {
			return nil, fmt.Errorf("app: resolve playback device: %w", err)
		}
		a.playbackDev = dev
	}

	a.streamer = playback.New(a.playbackDev, playback.Config{
		SampleRate:   cfg.Playback.SampleRate,
		PlaybackRate: cfg.Playback.PlaybackRate,
		Volume:       cfg.Playback.Volume,
		Metrics:      metrics,
	})
	if err := a.streamer.Open(ctx); err != nil {
		return nil, fmt.Errorf("app: open playback: %w", err)
	}

	agentCfg, err := agentConfig(cfg, metrics)
	if err != nil {
		a.streamer.Dispose()
		return nil, fmt.Errorf("app: build agent config: %w", err)
	}
	a.session = agent.New(agentCfg)
	a.sub = a.session.Subscribe(a.handleEvent)

	a.pipeline = capture.New(a.captureDev, captureConfig(cfg, metrics))

	mux := http.NewServeMux()
	h := health.New(
		health.Transport(a.session.State),
		health.Device("capture_device", func() error {
			if !a.pipeline.Running() {
				return errors.New("pipeline not running")
			}
			return nil
		}),
		health.Device("playback_device", func() error {
			if !a.streamer.Ready() {
				return errors.New("device not open")
			}
			return nil
		}),
	)
	h.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	a.httpSrv = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return a, nil
}

// Run starts the capture pipeline, the admin HTTP server, and the initial
// session handshake, then blocks until ctx is cancelled. A failed initial
// handshake is logged, not fatal: the agent retries transparently on the
// next send.
func (a *App) Run(ctx context.Context) error {
	a.mu.Lock()
	a.runCtx = ctx
	cfg := a.cfg
	a.mu.Unlock()

	if err := a.pipeline.Start(ctx, &agentSink{app: a}); err != nil {
		return fmt.Errorf("app: start capture: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("admin server listening", "addr", a.httpSrv.Addr)
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: admin server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.httpSrv.Shutdown(closeCtx); err != nil {
			slog.Warn("admin server shutdown error", "err", err)
		}
		return gctx.Err()
	})

	if err := a.session.Connect(ctx); err != nil {
		slog.Warn("initial session handshake failed", "err", err)
	}

	slog.Info("voicewire running",
		"input_device", cfg.Audio.InputDevice,
		"output_device", cfg.Playback.OutputDevice,
		"transport_url", cfg.Transport.URL,
	)
	return g.Wait()
}

// ApplyConfig reacts to a configuration change: log level and pipeline
// tunables apply in place, transport changes re-establish the session, and
// anything else is reported as requiring a restart. Intended as the
// [config.Watcher] onChange callback.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if !d.Changed() {
		return
	}

	if d.LogLevelChanged {
		if a.logLevel != nil {
			a.logLevel.Set(d.NewLogLevel.Level())
		}
		slog.Info("log level changed", "level", d.NewLogLevel)
	}

	if d.CaptureTuningChanged {
		a.pipeline.SetVADThreshold(new.Audio.SilenceThresholdEnergy)
		a.pipeline.SetVADEnabled(new.Audio.VADEnabledOrDefault())
		slog.Info("capture tuning applied",
			"vad_enabled", new.Audio.VADEnabledOrDefault(),
			"vad_threshold", new.Audio.SilenceThresholdEnergy,
		)
	}

	if d.PlaybackTuningChanged {
		a.streamer.SetPlaybackRate(new.Playback.PlaybackRate)
		a.streamer.SetVolume(new.Playback.VolumeOrDefault())
		slog.Info("playback tuning applied",
			"rate", new.Playback.PlaybackRate,
			"volume", new.Playback.VolumeOrDefault(),
		)
	}

	if d.TransportChanged {
		agentCfg, err := agentConfig(new, a.metrics)
		if err != nil {
			slog.Error("transport config rejected", "err", err)
		} else if err := a.session.Reconfigure(a.baseCtx(), agentCfg); err != nil {
			slog.Error("session reconfigure failed", "err", err)
		} else {
			slog.Info("session reconfigured", "url", new.Transport.URL)
		}
	}

	if d.RestartRequired {
		slog.Warn("config change requires restart to take effect")
	}

	a.mu.Lock()
	a.cfg = new
	a.mu.Unlock()
}

// SendText forwards a text message to the remote service. Text sends arm the
// agent's audio liveness watchdog when one is configured.
func (a *App) SendText(ctx context.Context, text string) error {
	return a.session.SendText(ctx, text)
}

// TransportState reports the session agent's connection state.
func (a *App) TransportState() agent.ConnState {
	return a.session.State()
}

// Shutdown tears the subsystems down in order: capture first so no new sends
// race the closing session, then the session, then playback, then the admin
// server. Safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.pipeline.Stop()
		a.session.Unsubscribe(a.sub)
		a.session.Close()
		a.streamer.Dispose()
		if err := a.httpSrv.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("app: admin server shutdown: %w", err)
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// handleEvent bridges session events into the playback streamer. Handlers run
// on the agent's dispatch goroutine and must not block; StreamAudio only
// decodes and enqueues.
func (a *App) handleEvent(ev agent.Event) {
	switch ev.Kind {
	case agent.EventAudio:
		a.streamer.StreamAudio(ev.Audio)
	case agent.EventInterrupted:
		a.streamer.Stop()
	case agent.EventText:
		slog.Info("assistant text", "text", ev.Text)
	case agent.EventTurnComplete:
		slog.Debug("assistant turn complete")
	case agent.EventTimeout:
		slog.Warn("audio liveness timeout", "err", ev.Err)
	}
}

func (a *App) baseCtx() context.Context {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.runCtx != nil {
		return a.runCtx
	}
	return context.Background()
}

// agentSink forwards capture output into the session agent.
type agentSink struct {
	app *App
}

// OnChunk runs on the capture pipeline goroutine, so it must never block on
// the transport. While the session is disconnected or mid-reconnect the
// chunk is discarded; queueing it would replay stale microphone audio once
// the connection comes back.
func (s *agentSink) OnChunk(chunk audio.Chunk) {
	ctx := s.app.baseCtx()
	if s.app.session.State() != agent.Connected {
		s.app.metrics.RecordCaptureDropped(ctx)
		slog.Debug("transport down, dropping capture chunk", "bytes", len(chunk.Data))
		return
	}
	if err := s.app.session.SendAudio(ctx, chunk); err != nil {
		slog.Warn("send audio failed", "err", err)
	}
}

func (s *agentSink) OnSpeech(ev capture.SpeechEvent) {
	slog.Debug("speech transition", "state", ev.State.String())
}

// agentConfig maps the transport config section onto an [agent.Config]. The
// opus codec runs at the playback rate, which is the rate the remote service
// synthesises at.
func agentConfig(cfg *config.Config, metrics *observe.Metrics) (agent.Config, error) {
	var c codec.Codec
	switch cfg.Transport.Codec {
	case config.CodecOpus:
		oc, err := codec.NewOpus(cfg.Playback.SampleRate)
		if err != nil {
			return agent.Config{}, fmt.Errorf("create opus codec: %w", err)
		}
		c = oc
	default:
		c = codec.PCM{}
	}

	liveness := time.Duration(cfg.Transport.AudioLivenessTimeoutMs) * time.Millisecond
	if cfg.Transport.AudioLivenessTimeoutMs < 0 {
		liveness = -1
	}

	return agent.Config{
		URL:                  cfg.Transport.URL,
		Codec:                c,
		SampleRate:           cfg.Playback.SampleRate,
		MaxReconnectAttempts: cfg.Transport.MaxReconnectAttempts,
		ReconnectDelay:       time.Duration(cfg.Transport.ReconnectDelayMs) * time.Millisecond,
		AudioLivenessTimeout: liveness,
		Metrics:              metrics,
	}, nil
}

// captureConfig maps the audio config section onto a [capture.Config].
func captureConfig(cfg *config.Config, metrics *observe.Metrics) capture.Config {
	cond := cfg.Audio.Conditioner
	return capture.Config{
		SampleRate: cfg.Audio.SampleRate,
		Conditioner: audio.ConditionerConfig{
			Attack:     time.Duration(cond.AttackMs * float64(time.Millisecond)),
			Release:    time.Duration(cond.ReleaseMs * float64(time.Millisecond)),
			GateFloor:  cond.GateFloor,
			Threshold:  cond.Threshold,
			Ratio:      cond.Ratio,
			MakeupGain: cond.MakeupGain,
			ChunkSize:  cfg.Audio.ChunkSize,
		},
		VADEnabled:     cfg.Audio.VADEnabledOrDefault(),
		VADThreshold:   cfg.Audio.SilenceThresholdEnergy,
		SilenceConfirm: time.Duration(cfg.Audio.SilenceConfirmDurationMs) * time.Millisecond,
		AutoGain:       cfg.Audio.AutoGain,
		InitialGain:    cfg.Audio.InitialGain,
		MinGain:        cfg.Audio.MinGain,
		MaxGain:        cfg.Audio.MaxGain,
		Metrics:        metrics,
	}
}
