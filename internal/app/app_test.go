package app_test

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/voicewire/voicewire/internal/agent"
	"github.com/voicewire/voicewire/internal/app"
	"github.com/voicewire/voicewire/internal/config"
	"github.com/voicewire/voicewire/pkg/audio/mock"
)

// testServer runs a websocket endpoint and hands each accepted connection to
// handle on its own goroutine.
func testServer(t *testing.T, handle func(ctx context.Context, conn *websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		handle(r.Context(), conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testConfig(url string) *config.Config {
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.Server.ListenAddr = "127.0.0.1:0"
	cfg.Audio.ChunkSize = 64
	cfg.Transport.URL = url
	cfg.Transport.ReconnectDelayMs = 5
	cfg.Transport.AudioLivenessTimeoutMs = -1
	return cfg
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
	t.Fatal("condition not met before deadline")
}

func startApp(t *testing.T, cfg *config.Config, opts ...app.Option) (*app.App, *mock.CaptureDevice, *mock.PlaybackDevice) {
	t.Helper()
	capDev := mock.NewCaptureDevice()
	playDev := mock.NewPlaybackDevice()
	playDev.AutoComplete = true
	opts = append(opts, app.WithCaptureDevice(capDev), app.WithPlaybackDevice(playDev))

	a, err := app.New(context.Background(), cfg, config.NewRegistry(), nil, opts...)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer shutdownCancel()
		if err := a.Shutdown(shutdownCtx); err != nil {
			t.Errorf("Shutdown() error: %v", err)
		}
	})
	return a, capDev, playDev
}

func TestApp_CaptureFlowsToTransport(t *testing.T) {
	t.Parallel()

	var audioFrames atomic.Int32
	url := testServer(t, func(ctx context.Context, conn *websocket.Conn) {
		for {
			typ, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if typ != websocket.MessageBinary {
				continue
			}
			env, err := agent.DecodeBinary(data)
			if err != nil {
				t.Errorf("DecodeBinary() error: %v", err)
				return
			}
			if env.Type == agent.MsgAudio && len(env.Payload) > 0 {
				audioFrames.Add(1)
			}
		}
	})

	_, capDev, _ := startApp(t, testConfig(url))

	// Loud constant block, one full chunk, so the gate and VAD both pass.
	block := make([]float32, 64)
	for i := range block {
		block[i] = 0.5
	}
	waitFor(t, 2*time.Second, func() bool {
		capDev.EmitBlock(block)
		return audioFrames.Load() >= 1
	})
}

func TestApp_InboundAudioReachesPlayback(t *testing.T) {
	t.Parallel()

	connected := make(chan *websocket.Conn, 1)
	url := testServer(t, func(ctx context.Context, conn *websocket.Conn) {
		connected <- conn
		<-conn.CloseRead(ctx).Done()
	})

	_, _, playDev := startApp(t, testConfig(url))

	var conn *websocket.Conn
	select {
	case conn = <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("server saw no connection")
	}

	pcm := make([]byte, 480)
	frame, err := agent.Envelope{Type: agent.MsgAudio, Payload: pcm}.EncodeBinary()
	if err != nil {
		t.Fatalf("EncodeBinary() error: %v", err)
	}
	if err := conn.Write(context.Background(), websocket.MessageBinary, frame); err != nil {
		t.Fatalf("Write() error: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return playDev.PlayedCount() >= 1 })
}

func TestApp_ApplyConfigChangesLogLevel(t *testing.T) {
	t.Parallel()

	url := testServer(t, func(ctx context.Context, conn *websocket.Conn) {
		<-conn.CloseRead(ctx).Done()
	})

	lv := &slog.LevelVar{}
	lv.Set(slog.LevelInfo)
	a, _, _ := startApp(t, testConfig(url), app.WithLogLevelVar(lv))

	old := testConfig(url)
	updated := testConfig(url)
	updated.Server.LogLevel = config.LogDebug
	a.ApplyConfig(old, updated)

	if lv.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want %v", lv.Level(), slog.LevelDebug)
	}
}

func TestApp_OutageDiscardsCaptureAudio(t *testing.T) {
	t.Parallel()

	// First connection closes immediately, opening an outage window. Later
	// connections count the audio frames they receive.
	var conns, audioFrames atomic.Int32
	url := testServer(t, func(ctx context.Context, conn *websocket.Conn) {
		if conns.Add(1) == 1 {
			return
		}
		for {
			typ, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if typ != websocket.MessageBinary {
				continue
			}
			if env, err := agent.DecodeBinary(data); err == nil && env.Type == agent.MsgAudio {
				audioFrames.Add(1)
			}
		}
	})

	cfg := testConfig(url)
	cfg.Transport.ReconnectDelayMs = 200
	a, capDev, _ := startApp(t, cfg)

	waitFor(t, 2*time.Second, func() bool {
		return conns.Load() >= 1 && a.TransportState() != agent.Connected
	})

	// Microphone keeps producing while the transport is down. None of these
	// chunks may surface on the next connection.
	block := make([]float32, 64)
	for i := range block {
		block[i] = 0.5
	}
	for i := 0; i < 5; i++ {
		if a.TransportState() == agent.Connected {
			break
		}
		capDev.EmitBlock(block)
	}

	waitFor(t, 2*time.Second, func() bool {
		return conns.Load() >= 2 && a.TransportState() == agent.Connected
	})

	time.Sleep(50 * time.Millisecond)
	if got := audioFrames.Load(); got != 0 {
		t.Errorf("%d outage-era audio frames replayed after reconnect, want 0", got)
	}
}

func TestApp_LivenessTimeoutLeavesPlaybackIdle(t *testing.T) {
	t.Parallel()

	// The server accepts and reads but never answers with audio, so an armed
	// watchdog must fire.
	var conns atomic.Int32
	url := testServer(t, func(ctx context.Context, conn *websocket.Conn) {
		conns.Add(1)
		<-conn.CloseRead(ctx).Done()
	})

	cfg := testConfig(url)
	cfg.Transport.AudioLivenessTimeoutMs = 50
	a, _, playDev := startApp(t, cfg)

	waitFor(t, 2*time.Second, func() bool { return conns.Load() >= 1 })

	if err := a.SendText(context.Background(), "hello"); err != nil {
		t.Fatalf("SendText() error: %v", err)
	}

	// Timeout fires, the session drops and reconnects.
	waitFor(t, 2*time.Second, func() bool {
		return conns.Load() >= 2 && a.TransportState() == agent.Connected
	})

	if got := playDev.PlayedCount(); got != 0 {
		t.Errorf("playback received %d buffers across a liveness timeout, want 0", got)
	}
}

func TestApp_ApplyConfigReestablishesTransport(t *testing.T) {
	t.Parallel()

	var connsA, connsB atomic.Int32
	urlA := testServer(t, func(ctx context.Context, conn *websocket.Conn) {
		connsA.Add(1)
		<-conn.CloseRead(ctx).Done()
	})
	urlB := testServer(t, func(ctx context.Context, conn *websocket.Conn) {
		connsB.Add(1)
		<-conn.CloseRead(ctx).Done()
	})

	a, _, _ := startApp(t, testConfig(urlA))
	waitFor(t, 2*time.Second, func() bool { return connsA.Load() == 1 })

	a.ApplyConfig(testConfig(urlA), testConfig(urlB))

	waitFor(t, 2*time.Second, func() bool { return connsB.Load() == 1 })
}
