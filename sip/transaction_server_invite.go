package sip

import (
	"log/slog"
	"time"

	"braces.dev/errtrace"
)

var serverInviteTransitions = transitionTable{
	TransactionStateProceeding: {
		TransactionStateCompleted,
		TransactionStateTerminated,
	},
	TransactionStateCompleted: {
		TransactionStateConfirmed,
		TransactionStateTerminated,
	},
	TransactionStateConfirmed: {
		TransactionStateTerminated,
	},
}

// serverInviteLogic implements the INVITE server transaction of RFC 3261 Section 17.2.1.
// A 2xx response terminates the transaction, its retransmissions are owned by the TU.
type serverInviteLogic struct {
	intervalG  time.Duration
	disable100 bool
}

func (*serverInviteLogic) kind() TransactionKind { return TransactionKindServerInvite }

func (*serverInviteLogic) initialState() TransactionState { return TransactionStateProceeding }

func (l *serverInviteLogic) onEnterState(tx *transaction, state, _ TransactionState) error {
	switch state {
	case TransactionStateProceeding:
		if !l.disable100 {
			tx.startTimer(Timer100, tx.timings.Time100())
		}
		tx.startTimer(TimerStale, tx.timings.TimeStale())
	case TransactionStateCompleted:
		if !tx.reliable {
			l.intervalG = tx.timings.TimeG()
			tx.startTimer(TimerG, l.intervalG)
		}
		tx.startTimer(TimerH, tx.timings.TimeH())
	case TransactionStateConfirmed:
		tx.startTimer(TimerI, tx.linger(tx.timings.TimeI()))
	}
	return nil
}

func (l *serverInviteLogic) processMessage(
	tx *transaction,
	msg Message,
	inbound bool,
	state TransactionState,
) (TransactionState, error) {
	switch m := msg.(type) {
	case *Request:
		if !inbound {
			break
		}
		return errtrace.Wrap2(l.processRequest(tx, m, state))
	case *Response:
		if inbound {
			break
		}
		return errtrace.Wrap2(l.sendResponse(tx, m, state))
	}
	return "", errtrace.Wrap(errUnexpectedMessage(l.kind(), state, msg))
}

func (l *serverInviteLogic) processRequest(tx *transaction, req *Request, state TransactionState) (TransactionState, error) {
	switch {
	case req.Method.Equal(RequestMethodAck):
		switch state {
		case TransactionStateCompleted:
			return TransactionStateConfirmed, nil
		case TransactionStateConfirmed:
			tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "ACK retransmission absorbed", slog.Any("transaction", tx))
		default:
			tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "unexpected ACK discarded", slog.Any("transaction", tx))
		}
	case req.Method.Equal(RequestMethodInvite):
		switch state {
		case TransactionStateProceeding, TransactionStateCompleted:
			if res := tx.lastResponse(); res != nil {
				tx.retransmit(res)
			}
		default:
			tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "request retransmission absorbed", slog.Any("transaction", tx))
		}
	default:
		return "", errtrace.Wrap(errUnexpectedMessage(l.kind(), state, req))
	}
	return "", nil
}

func (l *serverInviteLogic) sendResponse(tx *transaction, res *Response, state TransactionState) (TransactionState, error) {
	if state != TransactionStateProceeding {
		return "", errtrace.Wrap(errResponseNotAllowed(state))
	}

	tx.stopTimers(Timer100)
	tx.setLastResponse(res)
	tx.send(res)
	return responseTransition(l.kind(), state, res.Class()), nil
}

func (l *serverInviteLogic) handleTimer(
	tx *transaction,
	name TimerName,
	state TransactionState,
) (TransactionState, error) {
	switch name {
	case Timer100:
		if state == TransactionStateProceeding && tx.lastResponse() == nil {
			res := tx.req.NewResponse(ResponseStatusTrying, "")
			tx.setLastResponse(res)
			tx.send(res)
		}
	case TimerG:
		if state == TransactionStateCompleted {
			if res := tx.lastResponse(); res != nil {
				tx.retransmit(res)
			}
			l.intervalG = tx.timings.backoff(l.intervalG)
			tx.startTimer(TimerG, l.intervalG)
		}
	case TimerH:
		if state == TransactionStateCompleted {
			tx.emitTimeout(TimerH)
			return TransactionStateTerminated, nil
		}
	case TimerI:
		if state == TransactionStateConfirmed {
			return TransactionStateTerminated, nil
		}
	case TimerStale:
		if state == TransactionStateProceeding {
			tx.emitTimeout(TimerStale)
			return TransactionStateTerminated, nil
		}
	}
	return "", nil
}

func (*serverInviteLogic) cancelTimers(tx *transaction) {
	tx.stopTimers(Timer100, TimerG, TimerH, TimerI, TimerStale)
}
