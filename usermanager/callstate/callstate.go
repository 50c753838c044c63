// Package callstate reports whether a voice call is active or
// ringing, the precondition spec.md's setCurrentUser (§4.G.1 step 6)
// checks before allowing a user switch. The original daemon reads this
// from Sailfish's MCE ("Mode Control Entity") call-state indicator
// (original_source's QMceCallState); this package talks to the same
// service directly over the system bus.
package callstate

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"
)

// State is the call state relevant to a user switch.
type State int

const (
	Idle State = iota
	Active
	Ringing
)

const (
	mceDest  = "com.nokia.mce"
	mcePath  = dbus.ObjectPath("/com/nokia/mce/request")
	mceIface = "com.nokia.mce.request"
)

// Provider implements the coordinator's CallStateProvider against MCE.
type Provider struct {
	Conn *dbus.Conn
}

func New(conn *dbus.Conn) *Provider { return &Provider{Conn: conn} }

// State queries MCE's current call state.
func (p *Provider) State(ctx context.Context) (State, error) {
	obj := p.Conn.Object(mceDest, mcePath)
	call := obj.CallWithContext(ctx, mceIface+".get_call_state", 0)
	if call.Err != nil {
		return Idle, fmt.Errorf("callstate: get_call_state: %w", call.Err)
	}

	var state, kind string
	if err := call.Store(&state, &kind); err != nil {
		return Idle, fmt.Errorf("callstate: decoding get_call_state reply: %w", err)
	}
	return parseState(state), nil
}

func parseState(s string) State {
	switch s {
	case "active":
		return Active
	case "ringing":
		return Ringing
	default:
		return Idle
	}
}
