package config

import (
	"fmt"
	"sort"
	"sync"

	"github.com/voicewire/voicewire/pkg/audio"
)

// CaptureFactory constructs a capture device backend.
type CaptureFactory func() (audio.CaptureDevice, error)

// PlaybackFactory constructs a playback device backend.
type PlaybackFactory func() (audio.PlaybackDevice, error)

// Registry maps device backend names (as used in audio.input_device and
// playback.output_device) to their constructors. Backends register themselves
// at startup; the main wiring resolves the configured names through it.
//
// Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	capture  map[string]CaptureFactory
	playback map[string]PlaybackFactory
}

// NewRegistry creates an empty device registry.
func NewRegistry() *Registry {
	return &Registry{
		capture:  make(map[string]CaptureFactory),
		playback: make(map[string]PlaybackFactory),
	}
}

// RegisterCapture adds a capture backend under name, replacing any previous
// registration.
func (r *Registry) RegisterCapture(name string, factory CaptureFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capture[name] = factory
}

// RegisterPlayback adds a playback backend under name, replacing any previous
// registration.
func (r *Registry) RegisterPlayback(name string, factory PlaybackFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.playback[name] = factory
}

// Capture builds the named capture backend.
func (r *Registry) Capture(name string) (audio.CaptureDevice, error) {
	r.mu.RLock()
	factory, ok := r.capture[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("config: unknown input device %q (known: %v)", name, keys(r.captureNames()))
	}
	return factory()
}

// Playback builds the named playback backend.
func (r *Registry) Playback(name string) (audio.PlaybackDevice, error) {
	r.mu.RLock()
	factory, ok := r.playback[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("config: unknown output device %q (known: %v)", name, keys(r.playbackNames()))
	}
	return factory()
}

func (r *Registry) captureNames() map[string]struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]struct{}, len(r.capture))
	for name := range r.capture {
		out[name] = struct{}{}
	}
	return out
}

func (r *Registry) playbackNames() map[string]struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]struct{}, len(r.playback))
	for name := range r.playback {
		out[name] = struct{}{}
	}
	return out
}

func keys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
