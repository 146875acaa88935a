package sip

import (
	"log/slog"

	"braces.dev/errtrace"
)

var serverNonInviteTransitions = transitionTable{
	TransactionStateTrying: {
		TransactionStateProceeding,
		TransactionStateCompleted,
		TransactionStateTerminated,
	},
	TransactionStateProceeding: {
		TransactionStateCompleted,
		TransactionStateTerminated,
	},
	TransactionStateCompleted: {
		TransactionStateTerminated,
	},
}

// serverNonInviteLogic implements the non-INVITE server transaction of RFC 3261 Section 17.2.2.
type serverNonInviteLogic struct{}

func (serverNonInviteLogic) kind() TransactionKind { return TransactionKindServerNonInvite }

func (serverNonInviteLogic) initialState() TransactionState { return TransactionStateTrying }

func (serverNonInviteLogic) onEnterState(tx *transaction, state, _ TransactionState) error {
	switch state {
	case TransactionStateTrying, TransactionStateProceeding:
		tx.startTimer(TimerStale, tx.timings.TimeStale())
	case TransactionStateCompleted:
		tx.startTimer(TimerJ, tx.linger(tx.timings.TimeJ()))
	}
	return nil
}

func (l serverNonInviteLogic) processMessage(
	tx *transaction,
	msg Message,
	inbound bool,
	state TransactionState,
) (TransactionState, error) {
	switch m := msg.(type) {
	case *Request:
		if !inbound || !m.Method.Equal(tx.key.Method) {
			break
		}
		switch state {
		case TransactionStateProceeding, TransactionStateCompleted:
			if res := tx.lastResponse(); res != nil {
				tx.retransmit(res)
			}
		default:
			tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "request retransmission absorbed", slog.Any("transaction", tx))
		}
		return "", nil
	case *Response:
		if inbound {
			break
		}
		if state != TransactionStateTrying && state != TransactionStateProceeding {
			return "", errtrace.Wrap(errResponseNotAllowed(state))
		}
		tx.setLastResponse(m)
		tx.send(m)
		return responseTransition(l.kind(), state, m.Class()), nil
	}
	return "", errtrace.Wrap(errUnexpectedMessage(l.kind(), state, msg))
}

func (serverNonInviteLogic) handleTimer(
	tx *transaction,
	name TimerName,
	state TransactionState,
) (TransactionState, error) {
	switch name {
	case TimerJ:
		if state == TransactionStateCompleted {
			return TransactionStateTerminated, nil
		}
	case TimerStale:
		if state == TransactionStateTrying || state == TransactionStateProceeding {
			tx.emitTimeout(TimerStale)
			return TransactionStateTerminated, nil
		}
	}
	return "", nil
}

func (serverNonInviteLogic) cancelTimers(tx *transaction) {
	tx.stopTimers(TimerJ, TimerStale)
}
