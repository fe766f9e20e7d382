package controller

import (
	"context"
	"errors"

	"github.com/looplab/fsm"

	"github.com/TheChosenO1/pamplejuce/internal/logging"
)

// State is the connection state of a session.
type State string

const (
	StateDisconnected   State = "disconnected"
	StateConnecting     State = "connecting"
	StateAuthenticating State = "authenticating"
	StateAuthenticated  State = "authenticated"
	StateStreamReady    State = "stream_ready"
	StateStreaming      State = "streaming"
	StateDisconnecting  State = "disconnecting"
	StateFailed         State = "failed"
)

// Events.
const (
	evConnect       = "connect"
	evAuthenticate  = "authenticate"
	evAuthenticated = "authenticated"
	evStreamReady   = "stream_ready"
	evStream        = "stream"
	evDisconnect    = "disconnect"
	evDisconnected  = "disconnected"
	evFail          = "fail"
)

func states(s ...State) []string {
	out := make([]string, len(s))
	for i, v := range s {
		out[i] = string(v)
	}
	return out
}

// newMachine builds the session state machine. Callbacks must not fire
// events on the machine.
func newMachine(onChange func(from, to State)) *fsm.FSM {
	return fsm.NewFSM(
		string(StateDisconnected),
		fsm.Events{
			{Name: evConnect, Src: states(StateDisconnected, StateFailed), Dst: string(StateConnecting)},
			{Name: evAuthenticate, Src: states(StateConnecting), Dst: string(StateAuthenticating)},
			{Name: evAuthenticated, Src: states(StateAuthenticating), Dst: string(StateAuthenticated)},
			{Name: evStreamReady, Src: states(StateAuthenticated), Dst: string(StateStreamReady)},
			{Name: evStream, Src: states(StateStreamReady), Dst: string(StateStreaming)},
			{
				Name: evDisconnect,
				Src: states(StateConnecting, StateAuthenticating, StateAuthenticated,
					StateStreamReady, StateStreaming, StateFailed),
				Dst: string(StateDisconnecting),
			},
			{Name: evDisconnected, Src: states(StateDisconnecting, StateFailed), Dst: string(StateDisconnected)},
			{
				Name: evFail,
				Src: states(StateConnecting, StateAuthenticating, StateAuthenticated,
					StateStreamReady, StateStreaming, StateDisconnecting),
				Dst: string(StateFailed),
			},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				onChange(State(e.Src), State(e.Dst))
			},
		},
	)
}

// fire runs event ev. Events that are not valid in the current state are
// logged at debug and returned.
func (c *Controller) fire(ev string) error {
	err := c.machine.Event(context.Background(), ev)
	if err == nil {
		return nil
	}
	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return nil
	}
	log.Debug("state event ignored",
		"event", ev,
		logging.KeyState, c.machine.Current(),
		logging.KeyError, err,
	)
	return err
}

// State returns the current connection state.
func (c *Controller) State() State {
	return State(c.machine.Current())
}

func (s State) active() bool {
	switch s {
	case StateAuthenticating, StateAuthenticated, StateStreamReady, StateStreaming:
		return true
	}
	return false
}
