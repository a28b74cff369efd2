package capture

import "time"

// SpeechState classifies the capture stream as silence or active speech.
type SpeechState int

const (
	// Silence means no speech energy has been detected, or a silence period
	// has been confirmed after the debounce interval.
	Silence SpeechState = iota

	// Speaking means chunk energy is above the VAD threshold.
	Speaking
)

// String returns the human-readable name of the state.
func (s SpeechState) String() string {
	switch s {
	case Silence:
		return "silence"
	case Speaking:
		return "speaking"
	default:
		return "unknown"
	}
}

// SpeechEvent carries one VAD state transition with its timestamp. A
// transition to Speaking is reported immediately; a transition to Silence is
// reported only after the configured confirmation interval elapses without
// renewed speech, so its timestamp is the confirmation time, not the first
// quiet chunk.
type SpeechEvent struct {
	State SpeechState
	At    time.Time
}
