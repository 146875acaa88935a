package sip

import (
	"context"
	"fmt"
	"slices"

	"braces.dev/errtrace"
	"github.com/qmuntal/stateless"
)

// TransactionState is a state of the transaction state machine.
type TransactionState string

// Transaction states.
const (
	TransactionStateCalling    TransactionState = "calling"
	TransactionStateTrying     TransactionState = "trying"
	TransactionStateProceeding TransactionState = "proceeding"
	TransactionStateCompleted  TransactionState = "completed"
	TransactionStateConfirmed  TransactionState = "confirmed"
	TransactionStateTerminated TransactionState = "terminated"
)

// IsTerminal reports whether the state is [TransactionStateTerminated].
func (s TransactionState) IsTerminal() bool { return s == TransactionStateTerminated }

// TransactionKind is one of four RFC 3261 transaction roles.
type TransactionKind string

// Transaction kinds.
const (
	TransactionKindClientInvite    TransactionKind = "client_invite"
	TransactionKindClientNonInvite TransactionKind = "client_non_invite"
	TransactionKindServerInvite    TransactionKind = "server_invite"
	TransactionKindServerNonInvite TransactionKind = "server_non_invite"
)

// IsClient reports whether the kind is a client one.
func (k TransactionKind) IsClient() bool {
	return k == TransactionKindClientInvite || k == TransactionKindClientNonInvite
}

// IsInvite reports whether the kind is an INVITE one.
func (k TransactionKind) IsInvite() bool {
	return k == TransactionKindClientInvite || k == TransactionKindServerInvite
}

// IsValid reports whether the kind is known.
func (k TransactionKind) IsValid() bool {
	_, ok := transitionTables[k]
	return ok
}

func kindOf(method RequestMethod, role TransactionRole) TransactionKind {
	invite := method.Equal(RequestMethodInvite)
	switch {
	case role == RoleClient && invite:
		return TransactionKindClientInvite
	case role == RoleClient:
		return TransactionKindClientNonInvite
	case role == RoleServer && invite:
		return TransactionKindServerInvite
	case role == RoleServer:
		return TransactionKindServerNonInvite
	default:
		return ""
	}
}

// transitionTable lists legal target states per source state.
// Terminated has no outgoing transitions.
type transitionTable map[TransactionState][]TransactionState

var transitionTables = map[TransactionKind]transitionTable{
	TransactionKindClientInvite:    clientInviteTransitions,
	TransactionKindClientNonInvite: clientNonInviteTransitions,
	TransactionKindServerInvite:    serverInviteTransitions,
	TransactionKindServerNonInvite: serverNonInviteTransitions,
}

var initialStates = map[TransactionKind]TransactionState{
	TransactionKindClientInvite:    TransactionStateCalling,
	TransactionKindClientNonInvite: TransactionStateTrying,
	TransactionKindServerInvite:    TransactionStateProceeding,
	TransactionKindServerNonInvite: TransactionStateTrying,
}

// InitialState returns the state a transaction of the kind starts in.
func InitialState(kind TransactionKind) TransactionState { return initialStates[kind] }

// IsLegalTransition reports whether the kind allows moving from one state to another.
// Re-entering the same state is never a transition.
func IsLegalTransition(kind TransactionKind, from, to TransactionState) bool {
	return slices.Contains(transitionTables[kind][from], to)
}

// configure registers the transition table in the state machine.
// Triggers are the target states themselves.
func (t transitionTable) configure(sm *stateless.StateMachine) {
	for from, tos := range t {
		cfg := sm.Configure(from)
		for _, to := range tos {
			cfg.Permit(to, to)
		}
	}
	sm.Configure(TransactionStateTerminated)
}

func newStateMachine(
	kind TransactionKind,
	get func() TransactionState,
	set func(TransactionState),
) *stateless.StateMachine {
	sm := stateless.NewStateMachineWithExternalStorage(
		func(context.Context) (stateless.State, error) {
			return get(), nil
		},
		func(_ context.Context, s stateless.State) error {
			st, ok := s.(TransactionState)
			if !ok {
				return errtrace.Wrap(fmt.Errorf("%w: unexpected state %v", ErrInvalidTransition, s))
			}
			set(st)
			return nil
		},
		stateless.FiringImmediate,
	)
	transitionTables[kind].configure(sm)
	return sm
}

// TransitionGraph returns the transition graph of the kind in DOT format.
func TransitionGraph(kind TransactionKind) (string, error) {
	if !kind.IsValid() {
		return "", errtrace.Wrap(NewInvalidArgumentError("unknown transaction kind %q", kind))
	}
	start := InitialState(kind)
	sm := newStateMachine(kind, func() TransactionState { return start }, func(TransactionState) {})
	return sm.ToGraph(), nil
}

// responseTransition maps the response class to the next state of the transaction.
// It returns empty state when the response does not move the transaction.
// For client kinds the response is received, for server kinds it is sent by the TU.
func responseTransition(kind TransactionKind, state TransactionState, class ResponseClass) TransactionState {
	switch kind {
	case TransactionKindClientInvite:
		switch state {
		case TransactionStateCalling, TransactionStateProceeding:
			switch class {
			case ResponseClassProvisional:
				if state == TransactionStateCalling {
					return TransactionStateProceeding
				}
			case ResponseClassSuccess:
				return TransactionStateTerminated
			case ResponseClassFailure:
				return TransactionStateCompleted
			}
		}
	case TransactionKindClientNonInvite, TransactionKindServerNonInvite:
		switch state {
		case TransactionStateTrying, TransactionStateProceeding:
			switch class {
			case ResponseClassProvisional:
				if state == TransactionStateTrying {
					return TransactionStateProceeding
				}
			case ResponseClassSuccess, ResponseClassFailure:
				return TransactionStateCompleted
			}
		}
	case TransactionKindServerInvite:
		if state == TransactionStateProceeding {
			switch class {
			case ResponseClassSuccess:
				return TransactionStateTerminated
			case ResponseClassFailure:
				return TransactionStateCompleted
			}
		}
	}
	return ""
}
