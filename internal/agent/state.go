package agent

// ConnState is the agent's connection state. Transitions happen only inside
// the agent's own operations; no other component forces them.
type ConnState int

const (
	// Disconnected is the initial state, re-entered after an explicit
	// disconnect or a reset from Failed.
	Disconnected ConnState = iota

	// Connecting means a handshake is in progress for an explicit connect.
	Connecting

	// Connected means the transport is established and live.
	Connected

	// Reconnecting means the transport dropped (or a handshake failed) and
	// attempts continue while retry budget remains.
	Reconnecting

	// Failed means the retry budget is exhausted. No automatic attempts
	// happen until an explicit Reset.
	Failed
)

// String returns the lowercase state name.
func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// retryBudget counts consecutive failed connection attempts against a limit.
// A successful connection resets it. Not safe for concurrent use; the agent
// guards it with its own mutex.
type retryBudget struct {
	attempts int
	max      int
}

// spend records one failed attempt and reports whether budget remains for
// another.
func (b *retryBudget) spend() bool {
	b.attempts++
	return b.attempts < b.max
}

// remaining reports whether at least one more attempt is allowed.
func (b *retryBudget) remaining() bool {
	return b.attempts < b.max
}

// reset clears the attempt count.
func (b *retryBudget) reset() {
	b.attempts = 0
}
