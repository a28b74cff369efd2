package agent

import "fmt"

// TransportErrorKind classifies transport-level failures. The string form is
// stable and machine-readable; callers branch on Kind, humans read Err.
type TransportErrorKind int

const (
	// TransportHandshakeFailed means the connection handshake did not complete.
	TransportHandshakeFailed TransportErrorKind = iota

	// TransportDropped means an established connection was lost.
	TransportDropped

	// SendFailed means an outbound send could not be delivered.
	SendFailed

	// AudioTimeout means the liveness watchdog fired: an audio-expecting send
	// received no audio before its deadline.
	AudioTimeout

	// InvalidInput means the caller supplied a malformed chunk or empty text.
	InvalidInput
)

// String returns the stable machine-readable kind identifier.
func (k TransportErrorKind) String() string {
	switch k {
	case TransportHandshakeFailed:
		return "transport_handshake_failed"
	case TransportDropped:
		return "transport_dropped"
	case SendFailed:
		return "send_failed"
	case AudioTimeout:
		return "audio_timeout"
	case InvalidInput:
		return "invalid_input"
	default:
		return "unknown"
	}
}

// TransportError is a classified transport failure. It wraps the underlying
// cause so callers can use [errors.Is]/[errors.As] on it.
type TransportError struct {
	Kind TransportErrorKind
	Err  error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("transport error (%s)", e.Kind)
	}
	return fmt.Sprintf("transport error (%s): %v", e.Kind, e.Err)
}

// Unwrap returns the underlying cause.
func (e *TransportError) Unwrap() error { return e.Err }
