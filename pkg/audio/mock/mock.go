// Package mock provides in-memory fake implementations of the
// [audio.CaptureDevice] and [audio.PlaybackDevice] interfaces for use in unit
// tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported
// fields that the test can set to control return values.
//
// Typical usage:
//
//	dev := mock.NewCaptureDevice()
//	ch, err := dev.Open(ctx, audio.Format{SampleRate: 16000, Channels: 1})
//	dev.EmitBlock([]float32{0.1, -0.2, 0.3})
//	dev.Close()
package mock

import (
	"context"
	"sync"

	"github.com/voicewire/voicewire/pkg/audio"
)

// ─── CaptureDevice ────────────────────────────────────────────────────────────

// CaptureDevice is a fake [audio.CaptureDevice] that delivers sample blocks
// pushed via [CaptureDevice.EmitBlock].
type CaptureDevice struct {
	mu sync.Mutex

	// OpenError, when non-nil, is returned by Open instead of a channel.
	// Use an [*audio.DeviceError] to exercise classified failure paths.
	OpenError error

	// OpenedFormat records the format passed to the most recent Open call.
	OpenedFormat audio.Format

	// CallCountOpen records how many times Open was called.
	CallCountOpen int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	ch     chan []float32
	closed bool
}

// NewCaptureDevice creates a fake capture device with a buffered block channel.
func NewCaptureDevice() *CaptureDevice {
	return &CaptureDevice{ch: make(chan []float32, 64)}
}

// Open implements [audio.CaptureDevice]. Returns OpenError if set.
func (d *CaptureDevice) Open(_ context.Context, format audio.Format) (<-chan []float32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountOpen++
	d.OpenedFormat = format
	if d.OpenError != nil {
		return nil, d.OpenError
	}
	return d.ch, nil
}

// EmitBlock delivers one block of samples to the capture channel. Blocks
// emitted after Close are silently dropped.
func (d *CaptureDevice) EmitBlock(samples []float32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.ch <- samples
}

// Close implements [audio.CaptureDevice]. Idempotent.
func (d *CaptureDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountClose++
	if !d.closed {
		d.closed = true
		close(d.ch)
	}
	return nil
}

// ─── PlaybackDevice ───────────────────────────────────────────────────────────

// PlaybackDevice is a fake [audio.PlaybackDevice] that records every buffer
// submitted to it. Rendering completion is driven by the test: call
// [PlaybackDevice.CompleteNext] to simulate a buffer finishing, or set
// AutoComplete to have every buffer complete immediately.
type PlaybackDevice struct {
	mu sync.Mutex

	// OpenError, when non-nil, is returned by Open.
	OpenError error

	// PlayError, when non-nil, is returned by Play.
	PlayError error

	// AutoComplete makes every Play return an already-closed done channel.
	AutoComplete bool

	// Played holds a copy of every buffer submitted via Play, in order.
	Played [][]byte

	// CallCountOpen records how many times Open was called.
	CallCountOpen int

	// CallCountStop records how many times Stop was called.
	CallCountStop int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	pending []chan struct{}
	closed  bool
}

// NewPlaybackDevice creates a fake playback device.
func NewPlaybackDevice() *PlaybackDevice {
	return &PlaybackDevice{}
}

// Open implements [audio.PlaybackDevice]. Returns OpenError if set.
func (d *PlaybackDevice) Open(_ context.Context, _ audio.Format) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountOpen++
	return d.OpenError
}

// Play implements [audio.PlaybackDevice]. The buffer is recorded and a done
// channel is returned; the channel closes when the test calls CompleteNext
// (or immediately when AutoComplete is set).
func (d *PlaybackDevice) Play(pcm []byte) (<-chan struct{}, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.PlayError != nil {
		return nil, d.PlayError
	}

	buf := make([]byte, len(pcm))
	copy(buf, pcm)
	d.Played = append(d.Played, buf)

	done := make(chan struct{})
	if d.AutoComplete {
		close(done)
	} else {
		d.pending = append(d.pending, done)
	}
	return done, nil
}

// PlayedCount reports how many buffers were submitted so far. Safe to call
// while a scheduler goroutine is still playing.
func (d *PlaybackDevice) PlayedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.Played)
}

// PlayedBuffers returns a snapshot copy of all submitted buffers, in order.
func (d *PlaybackDevice) PlayedBuffers() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([][]byte, len(d.Played))
	copy(out, d.Played)
	return out
}

// CompleteNext simulates the oldest in-flight buffer finishing rendering.
// Returns false if no buffer is in flight.
func (d *PlaybackDevice) CompleteNext() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pending) == 0 {
		return false
	}
	close(d.pending[0])
	d.pending = d.pending[1:]
	return true
}

// Stop implements [audio.PlaybackDevice]. All in-flight done channels close.
func (d *PlaybackDevice) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountStop++
	for _, done := range d.pending {
		close(done)
	}
	d.pending = nil
}

// Close implements [audio.PlaybackDevice]. Idempotent.
func (d *PlaybackDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountClose++
	if d.closed {
		return nil
	}
	d.closed = true
	for _, done := range d.pending {
		close(done)
	}
	d.pending = nil
	return nil
}
