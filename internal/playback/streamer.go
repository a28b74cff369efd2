// Package playback implements the speaker side of the voicewire pipeline: it
// owns the output device, decodes incoming audio chunks into normalized
// samples, and schedules them back-to-back with no audible gap, at a
// configurable playback rate and volume, with immediate interruption.
package playback

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/voicewire/voicewire/internal/observe"
	"github.com/voicewire/voicewire/pkg/audio"
)

// Rate and volume bounds. Rates outside this range collapse pitch/quality, so
// setters clamp rather than reject.
const (
	MinRate = 0.5
	MaxRate = 3.0

	defaultSampleRate = 24000

	// renderSliceMs is the sub-buffer length handed to the device. Rate and
	// volume are re-read per slice, so runtime changes take effect within one
	// slice even while a unit is playing.
	renderSliceMs = 100
)

// Config holds the tuning parameters for a [Streamer].
type Config struct {
	// SampleRate is the output device rate in Hz. Incoming chunks at other
	// rates are resampled on decode.
	SampleRate int

	// PlaybackRate is the initial playback rate, clamped to [MinRate, MaxRate].
	PlaybackRate float64

	// Volume is the initial volume, clamped to [0.0, 1.0]. Nil means full
	// volume; an explicit 0.0 mutes output.
	Volume *float64

	// VisualizerTap, when non-nil, receives a read-only view of each rendered
	// sample slice. Intended for UI display only.
	VisualizerTap func(block []float32)

	// Metrics records streamer instrumentation. May be nil.
	Metrics *observe.Metrics
}

// unit is one decoded, self-contained playable block in the queue.
type unit struct {
	samples []float32
}

// Streamer queues decoded audio units and plays them gaplessly through an
// owned [audio.PlaybackDevice]. Exactly one scheduler goroutine drains the
// queue at any time; chunks play strictly in the order they were accepted.
//
// Exported methods are safe for concurrent use.
type Streamer struct {
	cfg    Config
	device audio.PlaybackDevice

	mu       sync.Mutex
	queue    []*unit
	playing  bool
	rate     float64
	volume   float64
	gen      uint64 // bumped by Stop to cancel in-flight rendering
	opened   bool
	disposed bool

	// warnMalformed limits malformed-chunk logging to one line per streamer.
	warnMalformed sync.Once
}

// New creates a [Streamer] around the given device. The device is not
// acquired until [Streamer.Open].
func New(device audio.PlaybackDevice, cfg Config) *Streamer {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = defaultSampleRate
	}
	if cfg.PlaybackRate == 0 {
		cfg.PlaybackRate = 1.0
	}
	volume := 1.0
	if cfg.Volume != nil {
		volume = *cfg.Volume
	}
	s := &Streamer{
		cfg:    cfg,
		device: device,
	}
	s.rate = clampRate(cfg.PlaybackRate)
	s.volume = clampVolume(volume)
	return s
}

// Open acquires the output device. The device stays open until
// [Streamer.Dispose] — keeping it open across chunks is what makes
// back-to-back scheduling cheap.
func (s *Streamer) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return fmt.Errorf("playback: streamer disposed")
	}
	if s.opened {
		return nil
	}
	if err := s.device.Open(ctx, audio.Format{SampleRate: s.cfg.SampleRate, Channels: 1}); err != nil {
		return fmt.Errorf("playback: acquire device: %w", err)
	}
	s.opened = true
	return nil
}

// Ready reports whether the device is open and the streamer has not been
// disposed.
func (s *Streamer) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened && !s.disposed
}

// StreamAudio decodes chunk into a playable unit and appends it to the queue.
// If nothing is currently playing, playback begins immediately; otherwise the
// unit plays when its turn comes, with no gap. Malformed or empty chunks are
// dropped with a logged anomaly, never propagated as a failure.
func (s *Streamer) StreamAudio(chunk audio.Chunk) {
	if len(chunk.Data) == 0 || len(chunk.Data)%2 != 0 || chunk.SampleRate <= 0 {
		s.warnMalformed.Do(func() {
			slog.Warn("playback: dropping malformed chunk",
				"bytes", len(chunk.Data),
				"sample_rate", chunk.SampleRate,
			)
		})
		s.cfg.Metrics.RecordPlaybackDropped(context.Background())
		return
	}

	// Decode independently of play scheduling: resample to the device rate
	// and normalize. Rate and volume are applied later, at render time.
	pcm := audio.ResampleMono16(chunk.Data, chunk.SampleRate, s.cfg.SampleRate)
	u := &unit{samples: audio.DecodeFloats(pcm)}

	s.mu.Lock()
	if s.disposed || !s.opened {
		s.mu.Unlock()
		slog.Warn("playback: chunk dropped, streamer not open")
		return
	}
	s.queue = append(s.queue, u)
	startScheduler := !s.playing
	if startScheduler {
		s.playing = true
	}
	s.mu.Unlock()

	s.cfg.Metrics.RecordPlaybackChunk(context.Background())
	s.cfg.Metrics.AddPlaybackQueueDepth(context.Background(), 1)

	if startScheduler {
		go s.schedule()
	}
}

// SetPlaybackRate updates the playback rate, clamped to [MinRate, MaxRate].
// Takes effect within one render slice, including for the unit currently
// playing. Safe regardless of playback state.
func (s *Streamer) SetPlaybackRate(rate float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rate = clampRate(rate)
}

// SetVolume updates the output volume, clamped to [0.0, 1.0]. Safe regardless
// of playback state.
func (s *Streamer) SetVolume(volume float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.volume = clampVolume(volume)
}

// Stop halts the currently playing unit, discards all queued units, and
// resets internal counters. Safe to call at any time, including with an empty
// queue; never fails.
func (s *Streamer) Stop() {
	s.mu.Lock()
	dropped := int64(len(s.queue))
	s.queue = nil
	s.gen++
	opened := s.opened
	s.mu.Unlock()

	if dropped > 0 {
		s.cfg.Metrics.AddPlaybackQueueDepth(context.Background(), -dropped)
	}
	if opened {
		s.device.Stop()
	}
}

// Dispose stops playback and releases the output device. The keep-open device
// lifetime ends here, explicitly — not by garbage collection. After Dispose
// the streamer cannot be reused.
func (s *Streamer) Dispose() {
	s.Stop()

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	s.opened = false
	s.mu.Unlock()

	if err := s.device.Close(); err != nil {
		slog.Warn("playback: device close", "err", err)
	}
}

// QueueLen reports the number of units awaiting playback (excluding the one
// currently rendering).
func (s *Streamer) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// schedule drains the queue, chaining units back-to-back. It exits when the
// queue empties or the streamer is stopped/disposed; StreamAudio starts a new
// scheduler for the next burst. The playing flag guarantees there is never
// more than one scheduler.
func (s *Streamer) schedule() {
	for {
		s.mu.Lock()
		if s.disposed || len(s.queue) == 0 {
			s.playing = false
			s.mu.Unlock()
			return
		}
		u := s.queue[0]
		s.queue = s.queue[1:]
		gen := s.gen
		s.mu.Unlock()

		s.cfg.Metrics.AddPlaybackQueueDepth(context.Background(), -1)
		s.render(u, gen)
	}
}

// render plays one unit slice by slice, re-reading rate and volume before
// each slice so runtime changes apply mid-unit. A Stop during rendering bumps
// the generation counter and render returns early.
func (s *Streamer) render(u *unit, gen uint64) {
	sliceLen := s.cfg.SampleRate * renderSliceMs / 1000
	samples := u.samples

	for off := 0; off < len(samples); off += sliceLen {
		end := min(off+sliceLen, len(samples))

		s.mu.Lock()
		cancelled := gen != s.gen || s.disposed
		rate := s.rate
		volume := s.volume
		s.mu.Unlock()
		if cancelled {
			return
		}

		slice := audio.StretchFloats(samples[off:end], rate)
		out := make([]float32, len(slice))
		for i, x := range slice {
			out[i] = x * float32(volume)
		}
		if s.cfg.VisualizerTap != nil {
			s.cfg.VisualizerTap(out)
		}

		done, err := s.device.Play(audio.EncodeFloats(out))
		if err != nil {
			slog.Warn("playback: device play failed, skipping unit", "err", err)
			return
		}
		<-done
	}
}

func clampRate(rate float64) float64 {
	if rate < MinRate {
		return MinRate
	}
	if rate > MaxRate {
		return MaxRate
	}
	return rate
}

func clampVolume(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
