package agent

import "github.com/voicewire/voicewire/pkg/audio"

// EventKind is the closed set of events the agent emits. There are no
// dynamic event names; subscribers switch on Kind.
type EventKind int

const (
	// EventText carries a text message from the remote peer.
	EventText EventKind = iota

	// EventAudio carries a decoded audio chunk from the remote peer.
	EventAudio

	// EventTurnComplete signals the remote peer finished its response.
	EventTurnComplete

	// EventInterrupted signals the response was cancelled mid-stream.
	// Consumers playing audio should stop immediately.
	EventInterrupted

	// EventError carries a classified transport error.
	EventError

	// EventTimeout signals the audio liveness watchdog fired.
	EventTimeout

	// EventStateChange signals a connection state transition.
	EventStateChange
)

// String returns the lowercase event name.
func (k EventKind) String() string {
	switch k {
	case EventText:
		return "text"
	case EventAudio:
		return "audio"
	case EventTurnComplete:
		return "turn_complete"
	case EventInterrupted:
		return "interrupted"
	case EventError:
		return "error"
	case EventTimeout:
		return "timeout"
	case EventStateChange:
		return "state_change"
	default:
		return "unknown"
	}
}

// Event is one occurrence delivered to subscribers. Only the fields relevant
// to Kind are populated.
type Event struct {
	Kind EventKind

	// Text holds the message for EventText and the human-readable detail for
	// EventError.
	Text string

	// Audio holds the decoded chunk for EventAudio.
	Audio audio.Chunk

	// Err holds the classified error for EventError and EventTimeout.
	Err error

	// State holds the new connection state for EventStateChange.
	State ConnState
}

// Subscription identifies a registered event handler for Unsubscribe.
type Subscription int
