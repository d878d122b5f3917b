package session

import (
	"context"
	"errors"

	"github.com/looplab/fsm"
	"go.uber.org/zap"
)

// Session states.
const (
	StateIdle               = "idle"
	StateSendingInform      = "sending_inform"
	StateAwaitingACSRequest = "awaiting_acs_request"
	StateDispatchingMethod  = "dispatching_method"
	StateSessionClosed      = "session_closed"
)

// Session events.
const (
	eventStart       = "start"
	eventInformAcked = "inform_acked"
	eventDispatch    = "dispatch"
	eventRespond     = "respond"
	eventClose       = "close"
	eventRest        = "rest"
)

type sessionState struct {
	machine *fsm.FSM
	logger  *zap.Logger
}

func newSessionState(logger *zap.Logger) *sessionState {
	s := &sessionState{logger: logger}
	s.machine = fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: eventStart, Src: []string{StateIdle}, Dst: StateSendingInform},
			{Name: eventInformAcked, Src: []string{StateSendingInform}, Dst: StateAwaitingACSRequest},
			{Name: eventDispatch, Src: []string{StateAwaitingACSRequest}, Dst: StateDispatchingMethod},
			{Name: eventRespond, Src: []string{StateDispatchingMethod}, Dst: StateAwaitingACSRequest},
			{Name: eventClose, Src: []string{StateSendingInform, StateAwaitingACSRequest, StateDispatchingMethod}, Dst: StateSessionClosed},
			{Name: eventRest, Src: []string{StateSessionClosed}, Dst: StateIdle},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				s.logger.Debug("Session state changed",
					zap.String("from", e.Src),
					zap.String("to", e.Dst),
					zap.String("event", e.Event))
			},
		},
	)
	return s
}

// transition fires event. Firing an event that leaves the state unchanged
// is not an error.
func (s *sessionState) transition(ctx context.Context, event string) error {
	err := s.machine.Event(ctx, event)
	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return nil
	}
	return err
}

// current returns the current state.
func (s *sessionState) current() string {
	return s.machine.Current()
}
