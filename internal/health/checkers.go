package health

import (
	"context"
	"fmt"

	"github.com/voicewire/voicewire/internal/agent"
)

// Transport returns a checker that passes while the session agent is
// Connected. Degraded states (Reconnecting, Failed) fail readiness so an
// orchestrator can route around a stalled session.
func Transport(state func() agent.ConnState) Checker {
	return Checker{
		Name: "transport",
		Check: func(_ context.Context) error {
			if s := state(); s != agent.Connected {
				return fmt.Errorf("session is %s", s)
			}
			return nil
		},
	}
}

// Device returns a checker for an audio device backend. The probe should be
// cheap; it is called on every /readyz request.
func Device(name string, probe func() error) Checker {
	return Checker{
		Name: name,
		Check: func(_ context.Context) error {
			return probe()
		},
	}
}
