// Package audio defines the shared data model and signal-processing leaf code
// for the voicewire duplex pipeline.
//
// The two primary abstractions are:
//
//   - [CaptureDevice] — an owned handle on the microphone, delivering blocks of
//     normalized float samples.
//   - [PlaybackDevice] — an owned handle on the speaker, accepting PCM buffers
//     and signalling render completion so playback can be chained gaplessly.
//
// Implementations wrap platform audio backends (ALSA, CoreAudio, a network
// sink, …). The interfaces are intentionally narrow so that tests can
// substitute fake devices producing deterministic sample sequences — see the
// mock subpackage.
//
// This package lives under pkg/ because external code (platform device
// adapters) is expected to implement [CaptureDevice] and [PlaybackDevice].
package audio

import (
	"context"
	"fmt"
)

// DeviceErrorKind classifies device-acquisition failures so that callers can
// react differently to "permission denied" versus "no hardware present".
type DeviceErrorKind int

const (
	// DeviceUnavailable means no matching audio device exists.
	DeviceUnavailable DeviceErrorKind = iota

	// DevicePermissionDenied means the platform refused access to the device.
	DevicePermissionDenied

	// DeviceBusy means the device is held exclusively by another process.
	DeviceBusy

	// DeviceHardwareFault means the device was acquired but failed mid-operation.
	DeviceHardwareFault
)

// String returns the stable machine-readable name of the error kind.
func (k DeviceErrorKind) String() string {
	switch k {
	case DeviceUnavailable:
		return "device_unavailable"
	case DevicePermissionDenied:
		return "device_permission_denied"
	case DeviceBusy:
		return "device_busy"
	case DeviceHardwareFault:
		return "device_hardware_fault"
	default:
		return "unknown"
	}
}

// DeviceError is the classified error surfaced when acquiring or operating an
// audio device fails. It always carries a Kind in addition to the wrapped
// platform error.
type DeviceError struct {
	// Kind is the failure classification.
	Kind DeviceErrorKind

	// Device names the device the error relates to ("capture", "playback").
	Device string

	// Err is the underlying platform error, if any.
	Err error
}

// Error implements the error interface.
func (e *DeviceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("audio: %s device: %s: %v", e.Device, e.Kind, e.Err)
	}
	return fmt.Sprintf("audio: %s device: %s", e.Device, e.Kind)
}

// Unwrap returns the underlying platform error.
func (e *DeviceError) Unwrap() error { return e.Err }

// CaptureDevice is an owned handle on an audio input device.
//
// Implementations must be safe for concurrent use.
type CaptureDevice interface {
	// Open acquires the device and begins capture at the requested format.
	// Blocks of normalized float32 samples in [-1.0, 1.0] arrive on the
	// returned channel; the channel is closed when the device is closed or the
	// stream ends. The supplied ctx governs the acquisition attempt only.
	//
	// Acquisition failures are returned as a [*DeviceError] with the
	// appropriate Kind.
	Open(ctx context.Context, format Format) (<-chan []float32, error)

	// Close releases the device and closes the sample channel. Safe to call
	// more than once; subsequent calls are no-ops and return nil.
	Close() error
}

// PlaybackDevice is an owned handle on an audio output device.
//
// The device is opened once and kept open across buffers — tearing down and
// re-initialising the output path between chunks costs more than the device
// handle is worth on most platforms, so the keep-open lifetime is explicit:
// the device stays acquired until Close.
//
// Implementations must be safe for concurrent use.
type PlaybackDevice interface {
	// Open acquires the device for output at the given format. Returns a
	// [*DeviceError] on acquisition failure.
	Open(ctx context.Context, format Format) error

	// Play submits a buffer of little-endian int16 PCM for rendering and
	// returns immediately. The returned channel is closed once the buffer has
	// finished rendering, which is what lets the streamer chain the next
	// buffer with no audible gap. Play must not be called before Open.
	Play(pcm []byte) (done <-chan struct{}, err error)

	// Stop aborts the buffer currently rendering, if any. Buffers already
	// submitted but not started are abandoned (their done channels close).
	Stop()

	// Close stops playback and releases the device. Safe to call more than
	// once; subsequent calls are no-ops and return nil.
	Close() error
}
