package sip

import "github.com/ghettovoice/siptx/internal/errorutil"

// transactionLogic is the kind specific part of a transaction.
// The runner calls it only from the transaction loop, so implementations
// keep their own bookkeeping without locks.
type transactionLogic interface {
	kind() TransactionKind
	initialState() TransactionState
	// onEnterState is called once per transition after the state was swapped,
	// and once for the initial state with empty prev.
	onEnterState(tx *transaction, state, prev TransactionState) error
	// processMessage decides the next state on an inbound message or
	// on a response sent by the TU. Empty state means no transition.
	processMessage(tx *transaction, msg Message, inbound bool, state TransactionState) (TransactionState, error)
	// handleTimer decides the next state on an expired timer.
	handleTimer(tx *transaction, name TimerName, state TransactionState) (TransactionState, error)
	// cancelTimers stops every timer of the kind. Stopping twice is a no-op.
	cancelTimers(tx *transaction)
}

func newTransactionLogic(kind TransactionKind, opts transactionOptions) transactionLogic {
	switch kind {
	case TransactionKindClientInvite:
		return new(clientInviteLogic)
	case TransactionKindClientNonInvite:
		return new(clientNonInviteLogic)
	case TransactionKindServerInvite:
		return &serverInviteLogic{disable100: opts.disable100}
	case TransactionKindServerNonInvite:
		return new(serverNonInviteLogic)
	default:
		panic(NewInvalidArgumentError("unknown transaction kind %q", kind))
	}
}

func errUnexpectedMessage(kind TransactionKind, state TransactionState, msg Message) error {
	return errorutil.NewWrapperError(ErrMessageNotMatched, //errtrace:skip
		"%s transaction in state %q can not process %T", kind, state, msg)
}

func errResponseNotAllowed(state TransactionState) error {
	return errorutil.NewWrapperError(ErrActionNotAllowed, //errtrace:skip
		"send response in state %q", state)
}
