// Package capture implements the microphone side of the voicewire pipeline:
// it owns the capture device, runs samples through the signal conditioner,
// detects speech/silence transitions, optionally applies automatic gain
// control, and delivers conditioned chunks plus speech events to a
// caller-supplied sink.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voicewire/voicewire/internal/observe"
	"github.com/voicewire/voicewire/pkg/audio"
)

// Pipeline defaults.
const (
	defaultSampleRate     = 16000
	defaultVADThreshold   = 0.02
	defaultSilenceConfirm = 800 * time.Millisecond
)

// Sink receives the pipeline's output. Implementations must not panic; the
// pipeline recovers, logs, and continues if one does. Methods are invoked
// sequentially from pipeline-internal goroutines and must not block for
// extended periods.
type Sink interface {
	// OnChunk delivers one conditioned, encoded chunk.
	OnChunk(chunk audio.Chunk)

	// OnSpeech delivers one VAD state transition.
	OnSpeech(ev SpeechEvent)
}

// Config holds the tuning parameters for a [Pipeline]. Zero-value fields are
// replaced with defaults by [New].
type Config struct {
	// SampleRate is the capture rate in Hz.
	SampleRate int

	// Conditioner configures the signal conditioner. Its SampleRate is
	// overridden by the pipeline's.
	Conditioner audio.ConditionerConfig

	// VADEnabled turns voice-activity detection on. Runtime-tunable via
	// [Pipeline.SetVADEnabled].
	VADEnabled bool

	// VADThreshold is the normalized RMS energy above which a chunk counts as
	// speech. Runtime-tunable via [Pipeline.SetVADThreshold].
	VADThreshold float64

	// SilenceConfirm is how long energy must stay below the threshold before
	// a Speaking→Silence transition is reported. Debounces brief dropouts
	// within an utterance.
	SilenceConfirm time.Duration

	// AutoGain enables automatic gain control on the input stage.
	AutoGain bool

	// InitialGain, MinGain, MaxGain bound the AGC's gain range.
	InitialGain float64
	MinGain     float64
	MaxGain     float64

	// VisualizerTap, when non-nil, receives a read-only view of each gained
	// sample block before conditioning. Intended for UI display only.
	VisualizerTap func(block []float32)

	// Metrics records pipeline instrumentation. May be nil.
	Metrics *observe.Metrics
}

// Pipeline owns a capture device and turns its raw sample stream into
// conditioned chunks and speech events. Exported methods are safe for
// concurrent use.
type Pipeline struct {
	cfg    Config
	device audio.CaptureDevice
	cond   *audio.Conditioner
	agc    *autoGain

	// startMu serialises Start calls so a losing caller can never acquire
	// the device out from under the winner.
	startMu sync.Mutex

	mu           sync.Mutex
	running      bool
	suspended    bool
	sink         Sink
	state        SpeechState
	silenceTimer *time.Timer
	vadEnabled   bool
	vadThreshold float64

	loopDone chan struct{}

	// faultOnce limits conditioner fault reporting to one log line per run,
	// not one per chunk.
	faultOnce *sync.Once
}

// New creates a capture [Pipeline] around the given device. The device is not
// acquired until [Pipeline.Start].
func New(device audio.CaptureDevice, cfg Config) *Pipeline {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = defaultSampleRate
	}
	if cfg.VADThreshold <= 0 {
		cfg.VADThreshold = defaultVADThreshold
	}
	if cfg.SilenceConfirm <= 0 {
		cfg.SilenceConfirm = defaultSilenceConfirm
	}
	cfg.Conditioner.SampleRate = cfg.SampleRate

	return &Pipeline{
		cfg:          cfg,
		device:       device,
		cond:         audio.NewConditioner(cfg.Conditioner),
		agc:          newAutoGain(cfg.AutoGain, cfg.InitialGain, cfg.MinGain, cfg.MaxGain),
		state:        Silence,
		vadEnabled:   cfg.VADEnabled,
		vadThreshold: cfg.VADThreshold,
		faultOnce:    &sync.Once{},
	}
}

// Start acquires the capture device and begins delivering output to sink.
// Device-acquisition failures are returned as a classified
// [*audio.DeviceError]; callers can react differently to permission denial
// versus missing hardware. Returns an error if the pipeline is already
// running.
func (p *Pipeline) Start(ctx context.Context, sink Sink) error {
	if sink == nil {
		return fmt.Errorf("capture: nil sink")
	}

	p.startMu.Lock()
	defer p.startMu.Unlock()

	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("capture: already started")
	}
	p.mu.Unlock()

	blocks, err := p.device.Open(ctx, audio.Format{SampleRate: p.cfg.SampleRate, Channels: 1})
	if err != nil {
		var devErr *audio.DeviceError
		if !errors.As(err, &devErr) {
			// Unclassified device failure: treat as a hardware fault so the
			// caller still gets a stable kind.
			err = &audio.DeviceError{Kind: audio.DeviceHardwareFault, Device: "capture", Err: err}
		}
		return fmt.Errorf("capture: acquire device: %w", err)
	}

	p.mu.Lock()
	p.running = true
	p.suspended = false
	p.sink = sink
	p.state = Silence
	p.loopDone = make(chan struct{})
	p.faultOnce = &sync.Once{}
	p.mu.Unlock()

	p.cond.Reset()
	go p.run(blocks)

	slog.Info("capture pipeline started",
		"sample_rate", p.cfg.SampleRate,
		"vad_enabled", p.vadEnabled,
		"auto_gain", p.cfg.AutoGain,
	)
	return nil
}

// Stop releases the device and clears all pending timers. Idempotent: calling
// Stop on a stopped pipeline is a no-op. The pipeline can be started again
// afterwards.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.suspended = false
	p.sink = nil
	p.state = Silence
	if p.silenceTimer != nil {
		p.silenceTimer.Stop()
		p.silenceTimer = nil
	}
	loopDone := p.loopDone
	p.mu.Unlock()

	_ = p.device.Close()
	if loopDone != nil {
		<-loopDone
	}
	p.cond.Reset()
	slog.Info("capture pipeline stopped")
}

// Running reports whether the pipeline currently owns its device.
func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Suspend mutes the pipeline without releasing the device: incoming blocks
// are dropped until [Pipeline.Resume]. Cheaper than Stop/Start for a
// temporary mid-session mute.
func (p *Pipeline) Suspend() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.suspended = true
}

// Resume re-enables delivery after [Pipeline.Suspend]. Conditioner state is
// reset so the stale envelope from before the mute does not colour the first
// chunks after it.
func (p *Pipeline) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.suspended {
		p.suspended = false
		p.cond.Reset()
	}
}

// SetVADThreshold updates the speech energy threshold at runtime.
func (p *Pipeline) SetVADThreshold(v float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if v > 0 {
		p.vadThreshold = v
	}
}

// SetVADEnabled toggles voice-activity detection at runtime. Disabling VAD
// cancels any pending silence confirmation.
func (p *Pipeline) SetVADEnabled(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.vadEnabled = enabled
	if !enabled && p.silenceTimer != nil {
		p.silenceTimer.Stop()
		p.silenceTimer = nil
	}
}

// run is the pipeline's processing loop. It exits when the device's block
// channel closes (device closed or stream ended).
func (p *Pipeline) run(blocks <-chan []float32) {
	defer close(p.loopDone)

	for block := range blocks {
		p.mu.Lock()
		suspended := p.suspended
		running := p.running
		p.mu.Unlock()

		if !running {
			// Stop raced with an in-flight block; drain until close.
			continue
		}
		if suspended {
			continue
		}

		gained := p.agc.apply(block)
		if p.cfg.VisualizerTap != nil {
			p.cfg.VisualizerTap(gained)
		}

		for _, chunk := range p.safeProcess(gained) {
			p.cfg.Metrics.RecordCaptureChunk(context.Background())
			p.updateVAD(chunk)
			p.deliverChunk(chunk)
		}
	}
}

// safeProcess runs the conditioner with panic containment. A processing fault
// is reported once per run and the faulty block is skipped; the pipeline
// keeps going for subsequent blocks.
func (p *Pipeline) safeProcess(block []float32) (chunks []audio.Chunk) {
	defer func() {
		if r := recover(); r != nil {
			p.faultOnce.Do(func() {
				slog.Error("capture: conditioner processing fault, continuing",
					"err", fmt.Sprint(r),
				)
			})
			chunks = nil
		}
	}()
	return p.cond.Process(block)
}

// updateVAD classifies one chunk's energy and manages the debounced
// Speaking→Silence transition.
func (p *Pipeline) updateVAD(chunk audio.Chunk) {
	p.mu.Lock()
	if !p.vadEnabled || !p.running {
		p.mu.Unlock()
		return
	}

	energy := audio.RMS(chunk.Data)
	if energy > p.vadThreshold {
		// Renewed speech cancels any pending silence confirmation.
		if p.silenceTimer != nil {
			p.silenceTimer.Stop()
			p.silenceTimer = nil
		}
		if p.state != Speaking {
			p.state = Speaking
			sink := p.sink
			p.mu.Unlock()
			p.cfg.Metrics.RecordSpeechTransition(context.Background(), Speaking.String())
			p.deliverSpeech(sink, SpeechEvent{State: Speaking, At: time.Now()})
			return
		}
		p.mu.Unlock()
		return
	}

	if p.state == Speaking && p.silenceTimer == nil {
		p.silenceTimer = time.AfterFunc(p.cfg.SilenceConfirm, p.confirmSilence)
	}
	p.mu.Unlock()
}

// confirmSilence fires after the silence-confirmation interval with no
// renewed speech.
func (p *Pipeline) confirmSilence() {
	p.mu.Lock()
	if !p.running || p.state != Speaking {
		p.silenceTimer = nil
		p.mu.Unlock()
		return
	}
	p.state = Silence
	p.silenceTimer = nil
	sink := p.sink
	p.mu.Unlock()

	p.cfg.Metrics.RecordSpeechTransition(context.Background(), Silence.String())
	p.deliverSpeech(sink, SpeechEvent{State: Silence, At: time.Now()})
}

// deliverChunk invokes the sink with panic containment.
func (p *Pipeline) deliverChunk(chunk audio.Chunk) {
	p.mu.Lock()
	sink := p.sink
	p.mu.Unlock()
	if sink == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Warn("capture: sink panicked in OnChunk, continuing", "err", fmt.Sprint(r))
		}
	}()
	sink.OnChunk(chunk)
}

// deliverSpeech invokes the sink with panic containment.
func (p *Pipeline) deliverSpeech(sink Sink, ev SpeechEvent) {
	if sink == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("capture: sink panicked in OnSpeech, continuing", "err", fmt.Sprint(r))
		}
	}()
	sink.OnSpeech(ev)
}
